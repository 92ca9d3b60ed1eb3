package domain

import "time"

// RunTrigger records what started a scheduler run.
type RunTrigger string

const (
	TriggerCron   RunTrigger = "cron"
	TriggerManual RunTrigger = "manual"
)

// RunOutcome is the sealed result of a scheduler run.
type RunOutcome string

const (
	RunCompleted   RunOutcome = "completed"
	RunHalted      RunOutcome = "halted"
	RunInterrupted RunOutcome = "interrupted"
	RunFailed      RunOutcome = "failed"
	RunAbandoned   RunOutcome = "abandoned"
)

// RunSummary counts what happened to each targeted recipient.
type RunSummary struct {
	Targeted         int `json:"targeted"`
	Sent             int `json:"sent"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Deferred         int `json:"deferred"`
	Failed           int `json:"failed"`
	Excluded         int `json:"excluded"`
}

// SchedulerRun is the record of one scheduling pass over one campaign.
// A run is complete only once Sealed is true.
type SchedulerRun struct {
	ID         string     `json:"id" db:"id"`
	CampaignID string     `json:"campaign_id" db:"campaign_id"`
	Trigger    RunTrigger `json:"trigger" db:"trigger"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	Summary    RunSummary `json:"summary" db:"summary"`
	Outcome    RunOutcome `json:"outcome,omitempty" db:"outcome"`
	Sealed     bool       `json:"sealed" db:"sealed"`
	Error      string     `json:"error,omitempty" db:"error"`
}
