package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"invest-instruments/internal/config"
	"invest-instruments/internal/database"
	"invest-instruments/internal/jobs"
	"invest-instruments/internal/logging"
	"invest-instruments/internal/services/forecast"
	"invest-instruments/internal/services/moex"
	"invest-instruments/internal/services/potential"
	"invest-instruments/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	board := flag.String("board", cfg.Board, "MOEX board code")
	skipHistory := flag.Bool("skip-history", false, "skip the history loading step")
	skipConsensus := flag.Bool("skip-consensus", false, "skip the consensus loading step")
	skipPotentials := flag.Bool("skip-potentials", false, "skip the potentials computation step")
	retentionDays := flag.Int("retention-days", cfg.RetentionDays, "delete potentials older than this many days (0 disables)")
	top := flag.Int("top", cfg.TopLimit, "log the top-N potentials (0 disables)")
	noSkipNull := flag.Bool("no-skip-null", false, "store potential rows even when the potential is null")
	collapse := flag.Bool("collapse-duplicates", false, "collapse historic duplicate potential rows")
	consensusLimit := flag.Int("consensus-limit", 0, "cap the number of UIDs for the consensus pass (0 = all)")
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
	calc := potential.NewCalculator(store, log, !*noSkipNull)
	maint := potential.NewMaintenance(store, log)
	runner := jobs.NewRunner(loader, filler, calc, maint, jobs.NewFileLock(cfg.LockFile), log)

	_, err = runner.Run(context.Background(), jobs.Options{
		Board:              *board,
		SkipHistory:        *skipHistory,
		SkipConsensus:      *skipConsensus,
		SkipPotentials:     *skipPotentials,
		RetentionDays:      *retentionDays,
		TopLimit:           *top,
		SkipNullPotentials: !*noSkipNull,
		CollapseDuplicates: *collapse,
		ConsensusLimit:     *consensusLimit,
	})
	if errors.Is(err, jobs.ErrLocked) {
		log.Warn("skip: lock active")
		os.Exit(1)
	}
	if err != nil {
		log.WithError(err).Error("daily job failed")
		os.Exit(1)
	}
}
