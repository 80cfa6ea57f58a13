package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"invest-instruments/internal/config"
	"invest-instruments/internal/database"
	"invest-instruments/internal/jobs"
	"invest-instruments/internal/logging"
	"invest-instruments/internal/services/forecast"
	"invest-instruments/internal/services/moex"
	"invest-instruments/internal/services/potential"
	"invest-instruments/internal/storage"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	schedule := flag.String("schedule", envOr("INVEST_CRON", "0 7 * * *"), "cron expression for daily runs")
	flag.Parse()

	log := logging.NewJobLogger(cfg.JobLogFile)

	db, err := database.Initialize(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	store := storage.New(db)

	moexClient := moex.NewClient(moex.ClientConfig{
		BaseURL:   cfg.MoexBaseURL,
		Timeout:   cfg.MoexTimeout,
		RetryMax:  cfg.MoexRetryMax,
		RetryWait: cfg.MoexRetryWait,
	})
	loader := moex.NewLoader(store, moexClient, log, moex.LoaderConfig{
		MaxInflight: cfg.MoexMaxInflight,
		BatchDays:   cfg.MoexBatchDays,
		DepthDays:   cfg.HistoryDepthDays,
	})
	forecastClient := forecast.NewClient(forecast.ClientConfig{
		BaseURL:    cfg.ForecastBaseURL,
		VerifySSL:  cfg.VerifySSL,
		CACertPath: cfg.CACertPath,
	}, log)
	filler := forecast.NewFiller(store, forecastClient, log, cfg.ForecastDelay)
	calc := potential.NewCalculator(store, log, true)
	maint := potential.NewMaintenance(store, log)
	runner := jobs.NewRunner(loader, filler, calc, maint, jobs.NewFileLock(cfg.LockFile), log)

	opts := jobs.Options{
		Board:              cfg.Board,
		RetentionDays:      cfg.RetentionDays,
		TopLimit:           cfg.TopLimit,
		SkipNullPotentials: true,
	}

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		// The forecast cache is per-run state; start each scheduled run clean.
		forecastClient.Cache().Reset()
		if _, err := runner.Run(context.Background(), opts); err != nil {
			if errors.Is(err, jobs.ErrLocked) {
				log.Warn("scheduled run skipped: lock active")
				return
			}
			log.WithError(err).Error("scheduled run failed")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("invalid cron schedule")
	}

	log.WithField("schedule", *schedule).Info("daemon started")
	c.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	<-c.Stop().Done()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
