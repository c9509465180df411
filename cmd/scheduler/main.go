package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mekazstan/school-payments/internal/app"
	"github.com/Mekazstan/school-payments/internal/config"
	"github.com/Mekazstan/school-payments/internal/database"
	"github.com/Mekazstan/school-payments/internal/jobs"
	"github.com/Mekazstan/school-payments/internal/payment"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Unable to ping database: %v", err)
	}

	log.Println("Connected to database successfully")

	logger := log.New(os.Stderr, "", log.LstdFlags)
	store := database.NewStore(pool)
	rt, err := app.NewRuntime(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build payment runtime: %v", err)
	}
	defer rt.Close()
	service := payment.NewService(store, rt.Options...)

	reconciler := jobs.NewReconciler(store, service,
		jobs.WithOlderThan(cfg.ReconcileAfter),
		jobs.WithBatchSize(cfg.ReconcileBatchSize),
		jobs.WithConcurrency(cfg.ReconcileConcurrency),
		jobs.WithLogger(logger),
	)

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	// Every 15 minutes: re-verify payments whose webhook never arrived.
	_, err = c.AddFunc("0 */15 * * * *", func() {
		log.Println("Starting payment reconciliation...")

		report, err := reconciler.Run(context.Background())
		if err != nil {
			log.Printf("ERROR: Payment reconciliation failed: %v", err)
			return
		}

		log.Printf("Payment reconciliation completed: %s", report)
	})
	if err != nil {
		log.Fatalf("Failed to schedule reconciliation job: %v", err)
	}

	c.Start()
	log.Println("Cron scheduler started successfully")
	log.Println("Scheduled jobs:")
	log.Println("1. Payment reconciliation: every 15 minutes")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down cron scheduler...")

	ctx = c.Stop()
	<-ctx.Done()

	log.Println("Cron scheduler stopped successfully")
}
