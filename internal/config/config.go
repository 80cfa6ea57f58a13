package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Database
	Backend     string // "mysql" or "sqlite"
	DatabaseURL string // MySQL DSN
	SQLitePath  string

	// MOEX ISS history source
	MoexBaseURL      string
	MoexTimeout      time.Duration
	MoexMaxInflight  int
	MoexBatchDays    int
	MoexRetryMax     int
	MoexRetryWait    time.Duration
	HistoryDepthDays int // epoch fallback when a secid has no stored history

	// Forecast API
	ForecastBaseURL string
	VerifySSL       bool
	CACertPath      string
	ForecastDelay   time.Duration

	// Daily job defaults
	Board         string
	RetentionDays int
	TopLimit      int
	LockFile      string
	JobLogFile    string

	// Web server
	Port string
}

func Load() *Config {
	defaultDSN := "root:invest@tcp(127.0.0.1:3306)/invest?charset=utf8mb4&parseTime=True&loc=UTC"

	return &Config{
		Backend:     getEnv("INVEST_DB_BACKEND", "mysql"),
		DatabaseURL: getEnv("DATABASE_URL", defaultDSN),
		SQLitePath:  getEnv("INVEST_SQLITE_PATH", "invest.db"),

		MoexBaseURL:      getEnv("INVEST_MOEX_BASE_URL", "https://iss.moex.com"),
		MoexTimeout:      getDuration("INVEST_MOEX_TIMEOUT_SEC", 10*time.Second),
		MoexMaxInflight:  getInt("INVEST_MOEX_MAX_INFLIGHT", 4),
		MoexBatchDays:    getInt("INVEST_MOEX_BATCH_DAYS", 100),
		MoexRetryMax:     getInt("INVEST_MOEX_RETRY_MAX", 3),
		MoexRetryWait:    getDuration("INVEST_MOEX_RETRY_WAIT_SEC", 1*time.Second),
		HistoryDepthDays: getInt("INVEST_HISTORY_DEPTH_DAYS", 1100),

		ForecastBaseURL: getEnv("INVEST_FORECAST_BASE_URL", "https://invest-public-api.tbank.ru"),
		VerifySSL:       getEnv("INVEST_TINKOFF_VERIFY_SSL", "1") != "0",
		CACertPath:      getEnv("INVEST_CA_CERT_PATH", "invest/_.tbank.ru.crt"),
		ForecastDelay:   getDuration("INVEST_FORECAST_DELAY_SEC", 0),

		Board:         getEnv("INVEST_MOEX_BOARD", "TQBR"),
		RetentionDays: getInt("INVEST_RETENTION_DAYS", 90),
		TopLimit:      getInt("INVEST_TOP_LIMIT", 10),
		LockFile:      getEnv("INVEST_LOCK_FILE", "daily_history_job.lock"),
		JobLogFile:    getEnv("INVEST_JOB_LOG_FILE", "daily_history_job.log"),

		Port: getEnv("PORT", "8080"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDuration reads an env var holding a number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}
