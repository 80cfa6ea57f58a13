package main

import (
	"flag"

	"invest-instruments/internal/config"
	"invest-instruments/internal/database"
	"invest-instruments/internal/export"
	"invest-instruments/internal/logging"
	"invest-instruments/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	out := flag.String("out", "potentials.xlsx", "output workbook path")
	limit := flag.Int("limit", 1000, "maximum number of rows to export")
	flag.Parse()

	log := logging.New()

	db, err := database.Initialize(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	store := storage.New(db)

	rows, err := store.TopPotentials(*limit)
	if err != nil {
		log.WithError(err).Fatal("failed to load potentials")
	}
	if err := export.WritePotentials(*out, rows); err != nil {
		log.WithError(err).Fatal("failed to write workbook")
	}
	log.WithField("rows", len(rows)).WithField("path", *out).Info("potentials exported")
}
