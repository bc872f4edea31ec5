package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/cids-io/cids/pkg/apikeys"
	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/observability"
	"github.com/cids-io/cids/pkg/registry"
	"github.com/cids-io/cids/pkg/webhooks"
)

var (
	dbURL         = flag.String("db-url", getEnv("CIDS_DATABASE_URL", "postgres://localhost/cids?sslmode=disable"), "PostgreSQL connection URL")
	sweepSchedule = flag.String("sweep-schedule", getEnv("CIDS_ROTATION_SWEEP_SCHEDULE", "0 * * * *"), "Cron schedule for the rotation sweep (default: every hour)")
	webhookSecret = flag.String("webhook-secret", getEnv("CIDS_WEBHOOK_SECRET", ""), "HMAC secret for signing rotation webhooks")
	graceHours    = flag.Int("grace-hours", 24, "Grace period in hours for rotated keys")
	concurrency   = flag.Int("concurrency", 4, "Maximum concurrent key rotations per sweep")
	runOnce       = flag.Bool("run-once", false, "Run one sweep and exit (for testing)")
)

func main() {
	flag.Parse()

	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	auditLog, err := audit.NewDBLogger(db, logger)
	if err != nil {
		log.Fatalf("Failed to create audit logger: %v", err)
	}
	defer auditLog.Close()

	notifier := webhooks.NewNotifier(*webhookSecret, webhooks.DefaultRetryConfig())
	svc := apikeys.NewService(apikeys.NewStore(db), registry.NewStore(db), notifier, auditLog, nil, logger, apikeys.ServiceConfig{
		DefaultGraceHours: *graceHours,
		SweepConcurrency:  *concurrency,
	})

	// Run once mode (for testing or catching up after downtime)
	if *runOnce {
		result, err := svc.CheckRotations(context.Background())
		if err != nil {
			log.Fatalf("Rotation sweep failed: %v", err)
		}
		log.Printf("Sweep complete: %d checked, %d rotated, %d failed", result.Checked, result.Rotated, result.Failed)
		return
	}

	// Scheduled mode
	c := cron.New()
	_, err = c.AddFunc(*sweepSchedule, func() {
		result, err := svc.CheckRotations(context.Background())
		if err != nil {
			log.Printf("Rotation sweep failed: %v", err)
			return
		}
		if result.Checked > 0 {
			log.Printf("Sweep complete: %d checked, %d rotated, %d failed", result.Checked, result.Rotated, result.Failed)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule rotation sweep: %v", err)
	}

	c.Start()
	log.Println("CIDS rotation sweeper started")
	log.Printf("Sweep schedule: %s", *sweepSchedule)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Println("Sweeper stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
