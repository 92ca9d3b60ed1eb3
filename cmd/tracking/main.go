package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/campaign-notifier/internal/app"
	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/storage"
	"github.com/ignite/campaign-notifier/internal/tracking"
)

// newSink builds the hand-off behind the webhook ingress. The returned
// closer releases any connection the sink owns.
func newSink(ctx context.Context, cfg *config.Config) (tracking.Sink, io.Closer) {
	switch cfg.Callbacks.Transport {
	case "sqs":
		if cfg.Callbacks.SQSQueueURL == "" {
			log.Fatal("SQS_CALLBACK_QUEUE_URL is required for the sqs transport")
		}
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
		if err != nil {
			log.Fatalf("aws config: %v", err)
		}
		return tracking.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.Callbacks.SQSQueueURL), nil

	case "amqp":
		conn, ch, err := tracking.DialAMQP(cfg.Callbacks.AMQPURL, cfg.Callbacks.AMQPQueue)
		if err != nil {
			log.Fatalf("amqp: %v", err)
		}
		return tracking.NewAMQPPublisher(ch, cfg.Callbacks.AMQPQueue), conn

	default:
		// Direct: reconcile in-process against the database.
		a, err := app.New(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to initialize: %v", err)
		}
		return tracking.NewDirectSink(a.Reconciler()), closerFunc(a.Close)
	}
}

type closerFunc func()

func (f closerFunc) Close() error { f(); return nil }

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogging(cfg.Logging)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	if cfg.WhatsApp.AppSecret == "" {
		log.Println("Warning: WHATSAPP_APP_SECRET not set, every callback will be rejected")
	}

	sink, closer := newSink(context.Background(), cfg)
	if closer != nil {
		defer closer.Close()
	}
	handler := tracking.NewHandler(sink, cfg.WhatsApp.AppSecret, cfg.WhatsApp.VerifyToken, cfg.Callbacks.MaxBodyBytes)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("webhook ingress listening on :%s (transport=%s)", port, cfg.Callbacks.Transport)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down webhook ingress...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
