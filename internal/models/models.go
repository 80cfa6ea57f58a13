package models

import (
	"time"
)

// Share is a watchlist entry for an instrument we track daily.
// UID is the broker-side instrument identifier, SecID the exchange code.
type Share struct {
	UID            string    `json:"uid" gorm:"primaryKey;size:48"`
	Ticker         string    `json:"ticker" gorm:"size:32;index"`
	SecID          string    `json:"secid" gorm:"size:32;index"`
	Name           string    `json:"name" gorm:"size:255"`
	ISIN           string    `json:"isin" gorm:"size:32"`
	FIGI           string    `json:"figi" gorm:"size:32"`
	ClassCode      string    `json:"class_code" gorm:"size:32"`
	InstrumentType string    `json:"instrument_type" gorm:"size:32"`
	AssetUID       string    `json:"asset_uid" gorm:"size:48"`
	Board          string    `json:"board" gorm:"size:16"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PriceBar is one daily history row from the exchange. A (secid, trade date)
// pair is immutable once written; re-inserts are counted as duplicates.
type PriceBar struct {
	SecID     string   `json:"secid" gorm:"primaryKey;size:32"`
	TradeDate string   `json:"trade_date" gorm:"primaryKey;size:10"`
	BoardID   string   `json:"board_id" gorm:"size:16"`
	Open      *float64 `json:"open"`
	Close     *float64 `json:"close"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	WaPrice   *float64 `json:"waprice"`
	ShortName string   `json:"short_name" gorm:"size:128"`
	NumTrades *int64   `json:"num_trades"`
	Volume    *int64   `json:"volume"`
	Value     *float64 `json:"value"`
}

// ConsensusForecast is an aggregated analyst forecast snapshot for a UID.
// RecommendationDate is the day the snapshot was fetched, not a date from
// the payload; dedup compares every other field against the latest row.
type ConsensusForecast struct {
	UID                string   `json:"uid" gorm:"primaryKey;size:48"`
	RecommendationDate string   `json:"recommendation_date" gorm:"primaryKey;size:10"`
	Ticker             string   `json:"ticker" gorm:"size:32"`
	Recommendation     string   `json:"recommendation" gorm:"size:64"`
	Currency           string   `json:"currency" gorm:"size:16"`
	PriceConsensus     *float64 `json:"price_consensus"`
	MinTarget          *float64 `json:"min_target"`
	MaxTarget          *float64 `json:"max_target"`
}

// ConsensusTarget is a single analyst house target. The natural key
// (uid, recommendationDate, company) is not globally unique upstream, so
// the surrogate ID is the storage key and dedup is done by field compare.
type ConsensusTarget struct {
	ID                 uint     `json:"id" gorm:"primaryKey"`
	UID                string   `json:"uid" gorm:"size:48;index:idx_target_key"`
	RecommendationDate string   `json:"recommendation_date" gorm:"size:10;index:idx_target_key"`
	Company            string   `json:"company" gorm:"size:255;index:idx_target_key"`
	Ticker             string   `json:"ticker" gorm:"size:32"`
	Recommendation     string   `json:"recommendation" gorm:"size:64"`
	Currency           string   `json:"currency" gorm:"size:16"`
	TargetPrice        *float64 `json:"target_price"`
	ShowName           string   `json:"show_name" gorm:"size:255"`
}

// SharePotential is the derived consensus-vs-close metric history.
// ComputedAt carries millisecond precision to keep the composite key unique
// across close successive runs.
type SharePotential struct {
	UID            string    `json:"uid" gorm:"primaryKey;size:48"`
	ComputedAt     time.Time `json:"computed_at" gorm:"primaryKey"`
	SecID          string    `json:"secid" gorm:"size:32;index"`
	Ticker         string    `json:"ticker" gorm:"size:32"`
	PrevClose      *float64  `json:"prev_close"`
	ConsensusPrice *float64  `json:"consensus_price"`
	PotentialRel   *float64  `json:"potential_rel" gorm:"index"`
	PotentialAbs   *float64  `json:"potential_abs"`
}

// MaxSanePrice bounds consensus/target prices; anything above is treated
// as corrupted upstream data and removed by maintenance.
const MaxSanePrice = 1_000_000
