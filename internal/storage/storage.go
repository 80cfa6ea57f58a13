package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"invest-instruments/internal/models"

	"gorm.io/gorm"
)

// Store is the single gateway to the relational backend. Every component
// reads and writes through it; nothing else touches *gorm.DB.
type Store struct {
	db *gorm.DB
	// Bar inserts can arrive from several loader goroutines; sqlite in
	// particular does not tolerate unsynchronized writers.
	writeMu sync.Mutex
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// ---------------------------------------------------------------------------
// Watchlist
// ---------------------------------------------------------------------------

func (s *Store) ListShares() ([]models.Share, error) {
	var shares []models.Share
	if err := s.db.Order("uid").Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	return shares, nil
}

// ListSecIDs returns the exchange codes of all watchlisted shares.
func (s *Store) ListSecIDs() ([]string, error) {
	var secids []string
	err := s.db.Model(&models.Share{}).
		Where("sec_id <> ''").
		Order("sec_id").
		Distinct().
		Pluck("sec_id", &secids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list secids: %w", err)
	}
	return secids, nil
}

// ListUIDs returns watchlist UIDs in stable (sorted) order.
func (s *Store) ListUIDs() ([]string, error) {
	var uids []string
	err := s.db.Model(&models.Share{}).
		Where("uid <> ''").
		Order("uid").
		Pluck("uid", &uids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	return uids, nil
}

func (s *Store) GetShare(uid string) (*models.Share, error) {
	var share models.Share
	err := s.db.Where("uid = ?", uid).First(&share).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get share %s: %w", uid, err)
	}
	return &share, nil
}

// UpsertShare inserts a watchlist entry or refreshes its attributes.
func (s *Store) UpsertShare(share *models.Share) error {
	existing, err := s.GetShare(share.UID)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.db.Create(share).Error; err != nil {
			return fmt.Errorf("failed to create share %s: %w", share.UID, err)
		}
		return nil
	}
	if err := s.db.Model(existing).Updates(map[string]interface{}{
		"ticker":          share.Ticker,
		"sec_id":          share.SecID,
		"name":            share.Name,
		"isin":            share.ISIN,
		"figi":            share.FIGI,
		"class_code":      share.ClassCode,
		"instrument_type": share.InstrumentType,
		"asset_uid":       share.AssetUID,
		"board":           share.Board,
	}).Error; err != nil {
		return fmt.Errorf("failed to update share %s: %w", share.UID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Price history
// ---------------------------------------------------------------------------

// LastTradeDate returns the newest stored trade date for a secid, or ""
// when the secid has no history yet.
func (s *Store) LastTradeDate(secid string) (string, error) {
	var bar models.PriceBar
	err := s.db.Where("sec_id = ?", secid).
		Order("trade_date DESC").
		First(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last trade date for %s: %w", secid, err)
	}
	return bar.TradeDate, nil
}

// InsertBars writes history rows, skipping rows whose (secid, trade date)
// key already exists. Existing rows are never overwritten.
func (s *Store) InsertBars(bars []models.PriceBar) (inserted, duplicates int, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for i := range bars {
		bar := bars[i]
		if bar.SecID == "" || bar.TradeDate == "" {
			continue
		}
		var count int64
		if err := s.db.Model(&models.PriceBar{}).
			Where("sec_id = ? AND trade_date = ?", bar.SecID, bar.TradeDate).
			Count(&count).Error; err != nil {
			return inserted, duplicates, fmt.Errorf("failed to check bar %s/%s: %w", bar.SecID, bar.TradeDate, err)
		}
		if count > 0 {
			duplicates++
			continue
		}
		if err := s.db.Create(&bar).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				duplicates++
				continue
			}
			return inserted, duplicates, fmt.Errorf("failed to insert bar %s/%s: %w", bar.SecID, bar.TradeDate, err)
		}
		inserted++
	}
	return inserted, duplicates, nil
}

// LastClose returns the most recent close price and its trade date.
func (s *Store) LastClose(secid string) (*models.PriceBar, error) {
	var bar models.PriceBar
	err := s.db.Where("sec_id = ?", secid).
		Order("trade_date DESC").
		First(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last close for %s: %w", secid, err)
	}
	return &bar, nil
}

func (s *Store) ListBars(secid string, limit int) ([]models.PriceBar, error) {
	var bars []models.PriceBar
	q := s.db.Where("sec_id = ?", secid).Order("trade_date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&bars).Error; err != nil {
		return nil, fmt.Errorf("failed to list bars for %s: %w", secid, err)
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Consensus snapshots
// ---------------------------------------------------------------------------

// LatestConsensus returns the newest stored snapshot for a uid, or nil.
func (s *Store) LatestConsensus(uid string) (*models.ConsensusForecast, error) {
	var row models.ConsensusForecast
	err := s.db.Where("uid = ?", uid).
		Order("recommendation_date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest consensus for %s: %w", uid, err)
	}
	return &row, nil
}

// InsertConsensus applies the snapshot dedup rule: the row is written only
// when any non-date field differs from the latest stored snapshot for the
// uid. A same-date key conflict with changed fields updates the row in
// place (the day's snapshot is refreshed, still reported as inserted).
func (s *Store) InsertConsensus(row *models.ConsensusForecast) (bool, error) {
	latest, err := s.LatestConsensus(row.UID)
	if err != nil {
		return false, err
	}
	if latest != nil && consensusEqual(latest, row) {
		return false, nil
	}

	var onDate models.ConsensusForecast
	err = s.db.Where("uid = ? AND recommendation_date = ?", row.UID, row.RecommendationDate).
		First(&onDate).Error
	if err == nil {
		if consensusEqual(&onDate, row) {
			return false, nil
		}
		if err := s.db.Model(&models.ConsensusForecast{}).
			Where("uid = ? AND recommendation_date = ?", row.UID, row.RecommendationDate).
			Updates(map[string]interface{}{
				"ticker":          row.Ticker,
				"recommendation":  row.Recommendation,
				"currency":        row.Currency,
				"price_consensus": row.PriceConsensus,
				"min_target":      row.MinTarget,
				"max_target":      row.MaxTarget,
			}).Error; err != nil {
			return false, fmt.Errorf("failed to refresh consensus %s/%s: %w", row.UID, row.RecommendationDate, err)
		}
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("failed to check consensus %s/%s: %w", row.UID, row.RecommendationDate, err)
	}

	if err := s.db.Create(row).Error; err != nil {
		return false, fmt.Errorf("failed to insert consensus %s/%s: %w", row.UID, row.RecommendationDate, err)
	}
	return true, nil
}

func consensusEqual(a, b *models.ConsensusForecast) bool {
	return a.UID == b.UID &&
		a.Ticker == b.Ticker &&
		a.Recommendation == b.Recommendation &&
		a.Currency == b.Currency &&
		floatPtrEqual(a.PriceConsensus, b.PriceConsensus) &&
		floatPtrEqual(a.MinTarget, b.MinTarget) &&
		floatPtrEqual(a.MaxTarget, b.MaxTarget)
}

// ---------------------------------------------------------------------------
// Analyst targets
// ---------------------------------------------------------------------------

// InsertTarget looks the row up by its natural key and inserts only when
// no stored row matches on every field.
func (s *Store) InsertTarget(row *models.ConsensusTarget) (bool, error) {
	var existing models.ConsensusTarget
	err := s.db.Where("uid = ? AND recommendation_date = ? AND company = ?",
		row.UID, row.RecommendationDate, row.Company).
		First(&existing).Error
	if err == nil && targetEqual(&existing, row) {
		return false, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("failed to check target %s/%s/%s: %w", row.UID, row.RecommendationDate, row.Company, err)
	}
	if err := s.db.Create(row).Error; err != nil {
		return false, fmt.Errorf("failed to insert target %s/%s/%s: %w", row.UID, row.RecommendationDate, row.Company, err)
	}
	return true, nil
}

func targetEqual(a, b *models.ConsensusTarget) bool {
	return a.UID == b.UID &&
		a.Ticker == b.Ticker &&
		a.Company == b.Company &&
		a.Recommendation == b.Recommendation &&
		a.RecommendationDate == b.RecommendationDate &&
		a.Currency == b.Currency &&
		floatPtrEqual(a.TargetPrice, b.TargetPrice) &&
		a.ShowName == b.ShowName
}

// ---------------------------------------------------------------------------
// Potentials
// ---------------------------------------------------------------------------

func (s *Store) LatestPotential(uid string) (*models.SharePotential, error) {
	var row models.SharePotential
	err := s.db.Where("uid = ?", uid).
		Order("computed_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest potential for %s: %w", uid, err)
	}
	return &row, nil
}

func (s *Store) InsertPotential(row *models.SharePotential) error {
	if err := s.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to insert potential %s: %w", row.UID, err)
	}
	return nil
}

// DeleteOldPotentials removes rows older than maxAgeDays. Zero or negative
// age disables the prune.
func (s *Store) DeleteOldPotentials(maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	res := s.db.Where("computed_at < ?", cutoff).Delete(&models.SharePotential{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old potentials: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CollapsePotentialDuplicates removes historic rows whose relative potential
// repeats within epsilon for the same uid, keeping one row per value group
// (the latest by default).
func (s *Store) CollapsePotentialDuplicates(epsilon float64, keepLast bool) (int64, error) {
	var rows []models.SharePotential
	if err := s.db.Select("uid", "computed_at", "potential_rel").
		Order("uid, computed_at").
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to load potentials for collapse: %w", err)
	}

	byUID := make(map[string][]models.SharePotential)
	for _, r := range rows {
		byUID[r.UID] = append(byUID[r.UID], r)
	}

	var deleted int64
	for uid, items := range byUID {
		// Group rows by rel value with epsilon tolerance; rows are already
		// in ascending computedAt order.
		var groups [][]int
		var groupRel []float64
		for idx, item := range items {
			if item.PotentialRel == nil {
				continue
			}
			placed := false
			for gi, ref := range groupRel {
				if abs(ref-*item.PotentialRel) < epsilon {
					groups[gi] = append(groups[gi], idx)
					placed = true
					break
				}
			}
			if !placed {
				groups = append(groups, []int{idx})
				groupRel = append(groupRel, *item.PotentialRel)
			}
		}
		for _, g := range groups {
			if len(g) <= 1 {
				continue
			}
			keep := g[len(g)-1]
			if !keepLast {
				keep = g[0]
			}
			for _, idx := range g {
				if idx == keep {
					continue
				}
				res := s.db.Where("uid = ? AND computed_at = ?", uid, items[idx].ComputedAt).
					Delete(&models.SharePotential{})
				if res.Error != nil {
					return deleted, fmt.Errorf("failed to delete duplicate potential %s: %w", uid, res.Error)
				}
				deleted += res.RowsAffected
			}
		}
	}
	return deleted, nil
}

// PurgeAnomalousForecasts deletes consensus rows with a price above the
// sanity threshold. Corrupted data is removed, not flagged.
func (s *Store) PurgeAnomalousForecasts(threshold float64) (int64, error) {
	res := s.db.Where("price_consensus > ?", threshold).Delete(&models.ConsensusForecast{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge anomalous forecasts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeAnomalousTargets is the analyst-target counterpart of
// PurgeAnomalousForecasts.
func (s *Store) PurgeAnomalousTargets(threshold float64) (int64, error) {
	res := s.db.Where("target_price > ?", threshold).Delete(&models.ConsensusTarget{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge anomalous targets: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// TopPotentials returns the highest-rel rows, one per uid, taken from each
// uid's most recent potential record.
func (s *Store) TopPotentials(limit int) ([]models.SharePotential, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.SharePotential
	err := s.db.Raw(`
		SELECT p.*
		FROM share_potentials p
		INNER JOIN (
			SELECT uid, MAX(computed_at) AS mx
			FROM share_potentials
			GROUP BY uid
		) last ON p.uid = last.uid AND p.computed_at = last.mx
		WHERE p.potential_rel IS NOT NULL
		ORDER BY p.potential_rel DESC
		LIMIT ?`, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query top potentials: %w", err)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
