package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/campaign-notifier/internal/api"
	"github.com/ignite/campaign-notifier/internal/app"
	"github.com/ignite/campaign-notifier/internal/auth"
	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/storage"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

// archiveProbe returns an S3 client for the health check when runs are
// archived to a bucket.
func archiveProbe(ctx context.Context, cfg config.StorageConfig) api.BucketHeader {
	if cfg.Type != "aws" || cfg.ArchiveBucket == "" {
		return nil
	}
	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.GetAWSProfile())
	if err != nil {
		log.Printf("Warning: AWS config for archive health check failed: %v", err)
		return nil
	}
	return s3.NewFromConfig(awsCfg)
}

func main() {
	log.Println("Campaign notifier API server starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	authManager := auth.NewAuthManager(cfg.Auth)
	if authManager.Enabled() {
		log.Printf("JWT authentication enabled (issuer: %s)", cfg.Auth.Issuer)
	} else {
		log.Println("Authentication disabled")
	}

	// Manual runs execute in-process; the poll loop belongs to the worker.
	deps := api.Deps{
		Campaigns: a.Campaigns(),
		Runner:    a.Scheduler(),
		Metrics:   a.Metrics(),
		Health: api.NewHealthChecker(a.DB, a.Redis, archiveProbe(ctx, cfg.Storage),
			cfg.Storage.ArchiveBucket, int64(cfg.Scheduler.MaxQueuedDepth)),
		Auth: authManager,
	}
	if reader, ok := a.Storage.Snapshots.(api.SnapshotReader); ok {
		deps.Snapshots = reader
	}
	server := api.NewServer(cfg.Server, deps)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
