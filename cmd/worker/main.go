package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/campaign-notifier/internal/app"
	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/pkg/distlock"
	"github.com/ignite/campaign-notifier/internal/scheduler"
	"github.com/ignite/campaign-notifier/internal/storage"
	"github.com/ignite/campaign-notifier/internal/tracking"
)

const sweeperLockKey = "scheduler:sweeper"

// stopper is satisfied by every background component started here.
type stopper interface{ Stop() }

func main() {
	log.Println("Starting campaign notifier worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	var stops []stopper

	// Backpressure gate: pauses new runs while the queued depth is too high.
	bpInterval := time.Duration(cfg.Scheduler.BackpressureSeconds) * time.Second
	backpressure := scheduler.NewBackpressureMonitor(a.Store, int64(cfg.Scheduler.MaxQueuedDepth), bpInterval)
	go backpressure.Start(ctx)
	log.Printf("Backpressure monitor started (threshold: %d)", cfg.Scheduler.MaxQueuedDepth)

	sched := a.Scheduler(scheduler.WithGate(backpressure))
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	stops = append(stops, sched)
	log.Printf("Campaign scheduler started (polls every %s)", cfg.Scheduler.PollInterval())

	// Only one replica sweeps at a time.
	schedCfg := scheduler.ConfigFrom(cfg.Scheduler)
	lock := distlock.NewLock(a.Redis, a.DB, sweeperLockKey, 2*schedCfg.SweepInterval)
	go scheduler.NewSweeper(a.Store, lock, schedCfg).Start(ctx)
	log.Println("Sweeper started")

	if c := startCallbackConsumer(ctx, cfg, a); c != nil {
		stops = append(stops, c)
	}

	if a.Storage.Snapshots != nil {
		interval := cfg.Storage.SnapshotInterval()
		snap := metrics.NewSnapshotter(a.Metrics(), a.Storage.Snapshots, interval, 24*time.Hour)
		snap.Start()
		stops = append(stops, snap)
	} else {
		log.Println("Snapshot storage not configured, metrics snapshots disabled")
	}

	log.Println("Worker is ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down worker...")

	cancel()
	for i := len(stops) - 1; i >= 0; i-- {
		stops[i].Stop()
	}
	log.Println("Worker stopped")
}

// startCallbackConsumer drains the callback queue into the reconciler.
// The direct transport reconciles inside the ingress, so nothing runs here.
func startCallbackConsumer(ctx context.Context, cfg *config.Config, a *app.App) stopper {
	switch cfg.Callbacks.Transport {
	case "sqs":
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
		if err != nil {
			log.Printf("Warning: AWS config for SQS consumer failed: %v", err)
			return nil
		}
		consumer := tracking.NewSQSConsumer(sqs.NewFromConfig(awsCfg), cfg.Callbacks.SQSQueueURL, a.Reconciler())
		consumer.Start(ctx)
		return consumer

	case "amqp":
		conn, ch, err := tracking.DialAMQP(cfg.Callbacks.AMQPURL, cfg.Callbacks.AMQPQueue)
		if err != nil {
			log.Printf("Warning: AMQP consumer disabled: %v", err)
			return nil
		}
		consumer := tracking.NewAMQPConsumer(ch, cfg.Callbacks.AMQPQueue, a.Reconciler())
		if err := consumer.Start(ctx); err != nil {
			log.Printf("Warning: AMQP consumer failed to start: %v", err)
			conn.Close()
			return nil
		}
		return stopFunc(func() {
			consumer.Stop()
			conn.Close()
		})

	default:
		log.Printf("Callback transport %q: no queue consumer", cfg.Callbacks.Transport)
		return nil
	}
}

type stopFunc func()

func (f stopFunc) Stop() { f() }
