package main

import (
	"encoding/csv"
	"flag"
	"io"
	"os"
	"strings"

	"invest-instruments/internal/config"
	"invest-instruments/internal/database"
	"invest-instruments/internal/logging"
	"invest-instruments/internal/models"
	"invest-instruments/internal/storage"

	"github.com/joho/godotenv"
)

// Seeds the watchlist from a CSV file with columns:
// uid,ticker,secid,name[,isin[,figi[,board]]]. Lines starting with # are
// skipped. Existing UIDs get their attributes refreshed.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	file := flag.String("file", "shares.csv", "CSV file with watchlist entries")
	flag.Parse()

	log := logging.New()

	db, err := database.Initialize(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	store := storage.New(db)

	f, err := os.Open(*file)
	if err != nil {
		log.WithError(err).Fatal("failed to open input file")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	imported := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithError(err).Fatal("failed to parse input file")
		}
		if len(record) < 3 || strings.HasPrefix(record[0], "#") {
			continue
		}

		share := models.Share{
			UID:    strings.TrimSpace(record[0]),
			Ticker: strings.TrimSpace(record[1]),
			SecID:  strings.TrimSpace(record[2]),
			Board:  cfg.Board,
		}
		if share.UID == "" {
			continue
		}
		if len(record) > 3 {
			share.Name = strings.TrimSpace(record[3])
		}
		if len(record) > 4 {
			share.ISIN = strings.TrimSpace(record[4])
		}
		if len(record) > 5 {
			share.FIGI = strings.TrimSpace(record[5])
		}
		if len(record) > 6 {
			share.Board = strings.TrimSpace(record[6])
		}

		if err := store.UpsertShare(&share); err != nil {
			log.WithError(err).WithField("uid", share.UID).Error("failed to upsert share")
			continue
		}
		imported++
	}

	log.WithField("imported", imported).Info("watchlist seeded")
}
