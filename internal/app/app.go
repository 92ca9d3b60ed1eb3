// Package app wires configuration into the shared runtime dependencies of
// the server, worker and tracking binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-notifier/internal/attributes"
	"github.com/ignite/campaign-notifier/internal/channel/whatsapp"
	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/pkg/logger"
	"github.com/ignite/campaign-notifier/internal/reconciler"
	"github.com/ignite/campaign-notifier/internal/render"
	"github.com/ignite/campaign-notifier/internal/repository/postgres"
	"github.com/ignite/campaign-notifier/internal/scheduler"
	"github.com/ignite/campaign-notifier/internal/segmentation"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
	"github.com/ignite/campaign-notifier/internal/storage"
)

// App holds the process-wide dependencies built from Config.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Redis    *redis.Client // nil when Redis is not configured or unreachable
	Store    *postgres.Store
	Segments *segmentation.Engine
	Renderer *render.Engine
	Storage  *storage.Backends
}

// ConfigureLogging applies the logging section to the default logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// New connects to Postgres and, when configured, Redis, and builds the
// segmentation, rendering and storage layers.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	ConfigureLogging(cfg.Logging)

	db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	a := &App{
		Config:   cfg,
		DB:       db,
		Redis:    connectRedis(ctx, cfg.Redis.URL),
		Store:    postgres.New(db),
		Renderer: render.NewEngine(),
	}

	schema, err := segmentation.SchemaFromConfig(cfg.Segmentation.ExtraAttributes)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("segmentation schema: %w", err)
	}
	a.Segments = segmentation.NewEngine(a.attributeSource(), schema)

	if a.Storage, err = storage.New(ctx, cfg.Storage); err != nil {
		a.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	return a, nil
}

func connectRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		log.Println("Redis not configured (REDIS_URL not set), using in-process limiter and PG advisory locks")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed: %v, falling back to in-process limiter", err)
		client.Close()
		return nil
	}
	log.Printf("Redis connected (distributed rate limiting and locking enabled)")
	return client
}

func (a *App) attributeSource() segmentation.AttributeSource {
	if a.Config.Attributes.Source == "http" {
		log.Printf("Attribute source: HTTP collaborator at %s", a.Config.Attributes.BaseURL)
		return attributes.NewHTTPSource(a.Config.Attributes)
	}
	log.Println("Attribute source: Postgres recipients table")
	return attributes.NewPostgresSource(a.DB)
}

// Campaigns returns the operator-facing campaign service.
func (a *App) Campaigns() *campaign.Service {
	return campaign.NewService(a.Store, a.Segments, a.Renderer)
}

// Metrics returns a read-only aggregator over the message table.
func (a *App) Metrics() *metrics.Aggregator {
	return metrics.NewAggregator(a.Store)
}

// Reconciler returns the delivery-status reconciler for WhatsApp callbacks.
func (a *App) Reconciler() *reconciler.Reconciler {
	return reconciler.New(a.Store, whatsapp.Parser{})
}

// Limiter returns the Redis sliding-window limiter, or the in-process one
// when Redis is unavailable.
func (a *App) Limiter() scheduler.Limiter {
	sc := a.Config.Scheduler
	if a.Redis != nil {
		return scheduler.NewRedisLimiter(a.Redis, sc.MinBatchInterval(), sc.BatchSize, sc.DailyCap)
	}
	return scheduler.NewLocalLimiter(sc.MinBatchInterval(), sc.BatchSize, sc.DailyCap, nil)
}

// Scheduler builds a scheduler sending through the WhatsApp Cloud API.
// Extra options are appended after the limiter and run observer.
func (a *App) Scheduler(opts ...scheduler.Option) *scheduler.Scheduler {
	base := []scheduler.Option{scheduler.WithLimiter(a.Limiter())}
	if a.Storage.Runs != nil {
		base = append(base, scheduler.WithObserver(a.Storage.Runs))
	}
	return scheduler.New(a.Store, a.Segments, a.Renderer,
		whatsapp.NewClient(a.Config.WhatsApp),
		scheduler.ConfigFrom(a.Config.Scheduler),
		append(base, opts...)...)
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
