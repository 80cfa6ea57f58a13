package storage

import (
	"path/filepath"
	"testing"
	"time"

	"invest-instruments/internal/database"
	"invest-instruments/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "test.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return New(db)
}

func ptr(v float64) *float64 {
	return &v
}

func bar(secid, date string, close float64) models.PriceBar {
	return models.PriceBar{SecID: secid, TradeDate: date, BoardID: "TQBR", Close: ptr(close)}
}

func TestInsertBarsIdempotent(t *testing.T) {
	s := newTestStore(t)

	bars := []models.PriceBar{
		bar("SBER", "2024-05-01", 300),
		bar("SBER", "2024-05-02", 305),
		bar("GAZP", "2024-05-01", 160),
	}

	inserted, duplicates, err := s.InsertBars(bars)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.Equal(t, 0, duplicates)

	// Re-running the same window must not write or overwrite anything.
	inserted, duplicates, err = s.InsertBars(bars)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 3, duplicates)

	stored, err := s.ListBars("SBER", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestLastTradeDate(t *testing.T) {
	s := newTestStore(t)

	last, err := s.LastTradeDate("SBER")
	require.NoError(t, err)
	assert.Empty(t, last)

	_, _, err = s.InsertBars([]models.PriceBar{
		bar("SBER", "2024-04-30", 295),
		bar("SBER", "2024-05-01", 300),
	})
	require.NoError(t, err)

	last, err = s.LastTradeDate("SBER")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", last)
}

func TestConsensusDedupExcludesDate(t *testing.T) {
	s := newTestStore(t)

	first := &models.ConsensusForecast{
		UID:                "uid-1",
		RecommendationDate: "2024-05-01",
		Ticker:             "SBER",
		Recommendation:     "BUY",
		Currency:           "rub",
		PriceConsensus:     ptr(320),
		MinTarget:          ptr(280),
		MaxTarget:          ptr(360),
	}
	inserted, err := s.InsertConsensus(first)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same fields fetched a day later: duplicate, the date is not compared.
	second := *first
	second.RecommendationDate = "2024-05-02"
	inserted, err = s.InsertConsensus(&second)
	require.NoError(t, err)
	assert.False(t, inserted)

	var count int64
	require.NoError(t, s.DB().Model(&models.ConsensusForecast{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// A changed price on a later date is a new snapshot.
	third := *first
	third.RecommendationDate = "2024-05-03"
	third.PriceConsensus = ptr(340)
	inserted, err = s.InsertConsensus(&third)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestConsensusSameDateRefresh(t *testing.T) {
	s := newTestStore(t)

	row := &models.ConsensusForecast{
		UID:                "uid-1",
		RecommendationDate: "2024-05-01",
		Recommendation:     "HOLD",
		PriceConsensus:     ptr(100),
	}
	_, err := s.InsertConsensus(row)
	require.NoError(t, err)

	// Same uid and date but changed fields refreshes the day's snapshot
	// in place instead of violating the key.
	updated := *row
	updated.PriceConsensus = ptr(110)
	inserted, err := s.InsertConsensus(&updated)
	require.NoError(t, err)
	assert.True(t, inserted)

	latest, err := s.LatestConsensus("uid-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 110.0, *latest.PriceConsensus)

	var count int64
	require.NoError(t, s.DB().Model(&models.ConsensusForecast{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestTargetNaturalKeyDedup(t *testing.T) {
	s := newTestStore(t)

	target := models.ConsensusTarget{
		UID:                "uid-1",
		RecommendationDate: "2024-05-01",
		Company:            "BCS",
		Ticker:             "SBER",
		Recommendation:     "BUY",
		Currency:           "rub",
		TargetPrice:        ptr(330),
		ShowName:           "Sberbank",
	}

	inserted, err := s.InsertTarget(&target)
	require.NoError(t, err)
	assert.True(t, inserted)

	same := target
	same.ID = 0
	inserted, err = s.InsertTarget(&same)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same natural key with a different price is a re-issued rating and
	// produces a second row.
	reissued := target
	reissued.ID = 0
	reissued.TargetPrice = ptr(350)
	inserted, err = s.InsertTarget(&reissued)
	require.NoError(t, err)
	assert.True(t, inserted)

	var count int64
	require.NoError(t, s.DB().Model(&models.ConsensusTarget{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestDeleteOldPotentials(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.InsertPotential(&models.SharePotential{
		UID: "uid-1", ComputedAt: now.AddDate(0, 0, -200), SecID: "SBER", PotentialRel: ptr(0.1),
	}))
	require.NoError(t, s.InsertPotential(&models.SharePotential{
		UID: "uid-1", ComputedAt: now, SecID: "SBER", PotentialRel: ptr(0.2),
	}))

	deleted, err := s.DeleteOldPotentials(90)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	// Zero disables the prune entirely.
	deleted, err = s.DeleteOldPotentials(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, deleted)

	latest, err := s.LatestPotential("uid-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 0.2, *latest.PotentialRel)
}

func TestPurgeAnomalies(t *testing.T) {
	s := newTestStore(t)

	_, err := s.InsertConsensus(&models.ConsensusForecast{
		UID: "uid-bad", RecommendationDate: "2024-05-01", PriceConsensus: ptr(2_000_000),
	})
	require.NoError(t, err)
	_, err = s.InsertConsensus(&models.ConsensusForecast{
		UID: "uid-ok", RecommendationDate: "2024-05-01", PriceConsensus: ptr(320),
	})
	require.NoError(t, err)
	_, err = s.InsertTarget(&models.ConsensusTarget{
		UID: "uid-bad", RecommendationDate: "2024-05-01", Company: "X", TargetPrice: ptr(3_000_000),
	})
	require.NoError(t, err)

	deleted, err := s.PurgeAnomalousForecasts(models.MaxSanePrice)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	deleted, err = s.PurgeAnomalousTargets(models.MaxSanePrice)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	remaining, err := s.LatestConsensus("uid-bad")
	require.NoError(t, err)
	assert.Nil(t, remaining)
}

func TestTopPotentials(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	// uid-1 has an older higher value superseded by a lower one: only the
	// most recent row per uid participates.
	require.NoError(t, s.InsertPotential(&models.SharePotential{
		UID: "uid-1", ComputedAt: now.Add(-time.Hour), SecID: "AAA", Ticker: "AAA", PotentialRel: ptr(0.9),
	}))
	require.NoError(t, s.InsertPotential(&models.SharePotential{
		UID: "uid-1", ComputedAt: now, SecID: "AAA", Ticker: "AAA", PotentialRel: ptr(0.10),
	}))
	require.NoError(t, s.InsertPotential(&models.SharePotential{
		UID: "uid-2", ComputedAt: now, SecID: "BBB", Ticker: "BBB", PotentialRel: ptr(0.30),
	}))
	require.NoError(t, s.InsertPotential(&models.SharePotential{
		UID: "uid-3", ComputedAt: now, SecID: "CCC", Ticker: "CCC", PotentialRel: nil,
	}))

	top, err := s.TopPotentials(10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "uid-2", top[0].UID)
	assert.Equal(t, "uid-1", top[1].UID)

	top, err = s.TopPotentials(1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "uid-2", top[0].UID)
}

func TestCollapsePotentialDuplicates(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	// Three rows with the same rel; only the latest survives the collapse.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertPotential(&models.SharePotential{
			UID: "uid-1", ComputedAt: now.Add(time.Duration(i) * time.Minute), SecID: "AAA", PotentialRel: ptr(0.25),
		}))
	}
	require.NoError(t, s.InsertPotential(&models.SharePotential{
		UID: "uid-1", ComputedAt: now.Add(time.Hour), SecID: "AAA", PotentialRel: ptr(0.5),
	}))

	deleted, err := s.CollapsePotentialDuplicates(1e-9, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	var count int64
	require.NoError(t, s.DB().Model(&models.SharePotential{}).Where("uid = ?", "uid-1").Count(&count).Error)
	assert.EqualValues(t, 2, count)
}
