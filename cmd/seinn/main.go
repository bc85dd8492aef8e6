package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/benjaminjulian/seinn-v2/internal/common/alert"
	"github.com/benjaminjulian/seinn-v2/internal/common/config"
	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
	"github.com/benjaminjulian/seinn-v2/internal/delay"
	"github.com/benjaminjulian/seinn-v2/internal/feed"
	"github.com/benjaminjulian/seinn-v2/internal/linker"
	"github.com/benjaminjulian/seinn-v2/internal/monitor"
	"github.com/benjaminjulian/seinn-v2/internal/observation"
	"github.com/benjaminjulian/seinn-v2/internal/schedule"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log := logger.New(
		logger.ParseLevel(cfg.Logging.Level),
		logger.ConsoleWriter(),
		logger.FileWriter(cfg.Logging.FilePath),
	)

	log.Info("Bus monitor starting",
		"feed_url", cfg.Feed.URL,
		"schedule_url", cfg.Schedule.URL,
		"poll_interval", cfg.Monitor.PollInterval,
		"log_level", cfg.Logging.Level)

	database, err := db.New(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, log)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize schema", "error", err)
	}

	store := observation.NewStore(database, log)
	feedClient := feed.NewClient(cfg.Feed.URL, cfg.Feed.Timeout, log)
	fetcher := schedule.NewFetcher(cfg.Schedule.URL, cfg.Schedule.Timeout, log)
	scheduleMgr := schedule.NewManager(database, fetcher, cfg.Schedule.RefreshInterval, log)

	if active, err := schedule.NewVersionStore(database).GetActiveVersion(ctx); err != nil {
		log.Warn("Could not determine active schedule version", "error", err)
	} else if active != nil {
		log.Info("Active schedule version found",
			"version_id", active.ID, "fetched_at", active.FetchedAt)
	} else {
		log.Info("No active schedule version yet, will import on first refresh")
	}

	lk := linker.New(database, store, log)
	delayEngine := delay.New(database, log)
	notifier := alert.NewNotifier(cfg.Monitor.AlertWebhook)

	if cfg.Schedule.ForceRefresh {
		log.Info("Forcing schedule refresh")
		if err := scheduleMgr.Refresh(ctx); err != nil {
			log.Fatal("Forced schedule refresh failed", "error", err)
		}
		log.Info("Schedule refresh completed")
		return
	}

	worker := monitor.NewWorker(
		cfg.Monitor, feedClient, store, lk, delayEngine, scheduleMgr, notifier, log)

	if cfg.Monitor.RunOnce {
		if err := worker.RunCycle(ctx); err != nil {
			log.Error("Cycle failed", "error", err)
			os.Exit(1)
		}
		log.Info("Cycle completed")
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Start(ctx); err != nil {
			log.Error("Monitor worker error", "error", err)
		}
	}()

	<-sigChan
	log.Info("Shutdown signal received")
	worker.Stop()
	cancel()
	<-done

	log.Info("Bus monitor stopped")
}
