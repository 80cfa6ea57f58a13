package main

import (
	"net/http"

	"invest-instruments/internal/api"
	"invest-instruments/internal/config"
	"invest-instruments/internal/database"
	"invest-instruments/internal/jobs"
	"invest-instruments/internal/logging"
	"invest-instruments/internal/services/forecast"
	"invest-instruments/internal/services/moex"
	"invest-instruments/internal/services/potential"
	"invest-instruments/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// no .env is fine, environment may be set by the supervisor
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New()

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

	jobOpts := jobs.Options{
		Board:              cfg.Board,
		RetentionDays:      cfg.RetentionDays,
		TopLimit:           cfg.TopLimit,
		SkipNullPotentials: true,
	}

	r := gin.Default()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	apiGroup := r.Group("/api/v1")
	api.SetupRoutes(apiGroup, store, runner, jobOpts)

	log.WithField("port", cfg.Port).Info("server starting")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
