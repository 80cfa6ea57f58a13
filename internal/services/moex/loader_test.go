package moex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"invest-instruments/internal/database"
	"invest-instruments/internal/models"
	"invest-instruments/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return storage.New(db)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestLoader(store *storage.Store, url string, batchDays int) *Loader {
	client := NewClient(ClientConfig{BaseURL: url, Timeout: 2 * time.Second, RetryMax: 0, RetryWait: time.Millisecond})
	return NewLoader(store, client, testLogger(), LoaderConfig{MaxInflight: 2, BatchDays: batchDays, DepthDays: 1100})
}

// requestLog records the from/till/secid of every query for assertions.
type requestLog struct {
	mu   sync.Mutex
	from []string
}

func (rl *requestLog) add(from string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.from = append(rl.from, from)
}

func (rl *requestLog) min() string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	min := ""
	for _, f := range rl.from {
		if min == "" || f < min {
			min = f
		}
	}
	return min
}

func TestLoaderResumesAfterLastStoredDate(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.InsertBars([]models.PriceBar{
		{SecID: "SBER", TradeDate: "2024-05-01", Close: ptr(300)},
	})
	require.NoError(t, err)

	rl := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.add(r.URL.Query().Get("from"))
		_ = json.NewEncoder(w).Encode(pageBody(nil, 0, -1))
	}))
	defer server.Close()

	loader := newTestLoader(store, server.URL, 1_000_000)
	stats, err := loader.Run(context.Background(), Options{Board: "TQBR", SecIDs: []string{"SBER"}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Errors)

	// The pair resumes one day after its stored maximum trade date.
	assert.Equal(t, "2024-05-02", rl.min())
}

func TestLoaderExplicitWindowWinsOverResume(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.InsertBars([]models.PriceBar{
		{SecID: "SBER", TradeDate: "2024-05-01", Close: ptr(300)},
	})
	require.NoError(t, err)

	rl := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.add(r.URL.Query().Get("from"))
		_ = json.NewEncoder(w).Encode(pageBody(nil, 0, -1))
	}))
	defer server.Close()

	loader := newTestLoader(store, server.URL, 1_000_000)
	_, err = loader.Run(context.Background(), Options{
		Board:     "TQBR",
		SecIDs:    []string{"SBER"},
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", rl.min())
}

func TestLoaderRerunCountsDuplicates(t *testing.T) {
	store := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := [][]interface{}{
			historyRow("SBER", "2024-05-01", 300),
			historyRow("SBER", "2024-05-02", 305),
			historyRow("SBER", "2024-05-03", 310),
		}
		_ = json.NewEncoder(w).Encode(pageBody(rows, 0, 3))
	}))
	defer server.Close()

	loader := newTestLoader(store, server.URL, 1_000_000)
	opts := Options{Board: "TQBR", SecIDs: []string{"SBER"}, StartDate: "2024-05-01", EndDate: "2024-05-03"}

	stats, err := loader.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Fetched)
	assert.EqualValues(t, 3, stats.Inserted)
	assert.EqualValues(t, 0, stats.Duplicates)

	// An identical rerun fetches the same rows but inserts nothing.
	stats, err = loader.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Fetched)
	assert.EqualValues(t, 0, stats.Inserted)
	assert.EqualValues(t, 3, stats.Duplicates)
}

func TestLoaderFailedPairDoesNotAbortSiblings(t *testing.T) {
	store := newTestStore(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/BAD.json") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		rows := [][]interface{}{historyRow("GOOD", "2024-05-01", 100)}
		_ = json.NewEncoder(w).Encode(pageBody(rows, 0, 1))
	}))
	defer server.Close()

	loader := newTestLoader(store, server.URL, 1_000_000)
	stats, err := loader.Run(context.Background(), Options{
		Board:     "TQBR",
		SecIDs:    []string{"BAD", "GOOD"},
		StartDate: "2024-05-01",
		EndDate:   "2024-05-01",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Errors)
	assert.EqualValues(t, 1, stats.Inserted)

	last, err := store.LastTradeDate("GOOD")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", last)
}

func TestLoaderSplitsWindowIntoBatches(t *testing.T) {
	store := newTestStore(t)
	rl := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.add(r.URL.Query().Get("from"))
		_ = json.NewEncoder(w).Encode(pageBody(nil, 0, -1))
	}))
	defer server.Close()

	loader := newTestLoader(store, server.URL, 5)
	_, err := loader.Run(context.Background(), Options{
		Board:     "TQBR",
		SecIDs:    []string{"SBER"},
		StartDate: "2024-05-01",
		EndDate:   "2024-05-14",
	})
	require.NoError(t, err)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.from, 3)
	assert.Contains(t, rl.from, "2024-05-01")
	assert.Contains(t, rl.from, "2024-05-06")
	assert.Contains(t, rl.from, "2024-05-11")
}

func TestLoaderBoundsInflightAcrossSecIDsAndBatches(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	inflight, peak, total := 0, 0, 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inflight++
		total++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inflight--
		mu.Unlock()

		_ = json.NewEncoder(w).Encode(pageBody(nil, 0, -1))
	}))
	defer server.Close()

	// Three secids, three batches each: nine fetches compete for two slots.
	loader := newTestLoader(store, server.URL, 3)
	_, err := loader.Run(context.Background(), Options{
		Board:     "TQBR",
		SecIDs:    []string{"AAA", "BBB", "CCC"},
		StartDate: "2024-05-01",
		EndDate:   "2024-05-09",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 9, total)
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 1)
}

func ptr(v float64) *float64 {
	return &v
}
