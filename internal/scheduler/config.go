package scheduler

import (
	"time"

	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/pkg/backoff"
)

// Config controls throttling, retries and crash recovery.
type Config struct {
	PollInterval     time.Duration
	DueLimit         int
	BatchSize        int
	MaxInFlight      int
	MinBatchInterval time.Duration

	RetryCeiling int
	RetryBackoff backoff.Exponential

	RateLimitRetries int
	RateLimitBackoff backoff.Exponential

	SendLease     time.Duration
	RunStaleAfter time.Duration
	SweepInterval time.Duration
	QueuedMaxAge  time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Minute,
		DueLimit:         50,
		BatchSize:        50,
		MaxInFlight:      8,
		MinBatchInterval: time.Second,
		RetryCeiling:     3,
		RetryBackoff:     backoff.Exponential{Base: time.Minute, Max: time.Hour},
		RateLimitRetries: 3,
		RateLimitBackoff: backoff.Exponential{Base: 500 * time.Millisecond, Max: 30 * time.Second},
		SendLease:        5 * time.Minute,
		RunStaleAfter:    30 * time.Minute,
		SweepInterval:    5 * time.Minute,
		QueuedMaxAge:     72 * time.Hour,
	}
}

// ConfigFrom maps the file configuration onto a scheduler Config.
func ConfigFrom(c config.SchedulerConfig) Config {
	return Config{
		PollInterval:     c.PollInterval(),
		DueLimit:         c.DueLimit,
		BatchSize:        c.BatchSize,
		MaxInFlight:      c.MaxInFlight,
		MinBatchInterval: c.MinBatchInterval(),
		RetryCeiling:     c.RetryCeiling,
		RetryBackoff: backoff.Exponential{
			Base: time.Duration(c.RetryBaseSeconds) * time.Second,
			Max:  time.Duration(c.RetryMaxSeconds) * time.Second,
		},
		RateLimitRetries: c.RateLimitRetries,
		RateLimitBackoff: backoff.Exponential{
			Base: time.Duration(c.RateLimitBaseMs) * time.Millisecond,
			Max:  time.Duration(c.RateLimitMaxMs) * time.Millisecond,
		},
		SendLease:     c.SendLease(),
		RunStaleAfter: c.RunStaleAfter(),
		SweepInterval: c.SweepInterval(),
		QueuedMaxAge:  c.QueuedMaxAge(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DueLimit <= 0 {
		c.DueLimit = d.DueLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.MinBatchInterval < 0 {
		c.MinBatchInterval = 0
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = d.RetryCeiling
	}
	if c.RetryBackoff.Base <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RateLimitRetries < 0 {
		c.RateLimitRetries = 0
	}
	if c.RateLimitBackoff.Base <= 0 {
		c.RateLimitBackoff = d.RateLimitBackoff
	}
	if c.SendLease <= 0 {
		c.SendLease = d.SendLease
	}
	if c.RunStaleAfter <= 0 {
		c.RunStaleAfter = d.RunStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.QueuedMaxAge <= 0 {
		c.QueuedMaxAge = d.QueuedMaxAge
	}
	return c
}
