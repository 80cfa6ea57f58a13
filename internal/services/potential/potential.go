package potential

import (
	"time"

	"invest-instruments/internal/models"
	"invest-instruments/internal/storage"

	"github.com/sirupsen/logrus"
)

// Stats aggregates one potential computation pass.
type Stats struct {
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Skipped   int `json:"skipped"`
	Unchanged int `json:"unchanged"`
}

// Calculator derives the consensus-vs-close potential for every
// watchlisted share. SkipNull controls whether rows that fail the validity
// gate are dropped (default) or stored with a null potential.
type Calculator struct {
	store    *storage.Store
	log      *logrus.Logger
	SkipNull bool
}

func NewCalculator(store *storage.Store, log *logrus.Logger, skipNull bool) *Calculator {
	return &Calculator{store: store, log: log, SkipNull: skipNull}
}

// Fill walks the watchlist and records one potential row per share, unless
// the inputs are unchanged since the last stored row.
func (c *Calculator) Fill() (*Stats, error) {
	shares, err := c.store.ListShares()
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, share := range shares {
		if share.UID == "" || share.SecID == "" {
			continue
		}
		if err := c.computeOne(&share, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Calculator) computeOne(share *models.Share, stats *Stats) error {
	stats.Processed++

	bar, err := c.store.LastClose(share.SecID)
	if err != nil {
		return err
	}
	latestCons, err := c.store.LatestConsensus(share.UID)
	if err != nil {
		return err
	}

	var prevClose, consensusPrice *float64
	if bar != nil {
		prevClose = bar.Close
	}
	if latestCons != nil {
		consensusPrice = latestCons.PriceConsensus
	}

	rel, abs := compute(prevClose, consensusPrice)

	last, err := c.store.LatestPotential(share.UID)
	if err != nil {
		return err
	}
	// Identical inputs would reproduce the last stored row; skip it to keep
	// the history free of redundant rows.
	if last != nil && rel != nil && last.PotentialRel != nil &&
		floatEqual(last.PrevClose, prevClose) && floatEqual(last.ConsensusPrice, consensusPrice) {
		stats.Unchanged++
		return nil
	}
	if rel == nil && c.SkipNull {
		stats.Skipped++
		return nil
	}

	row := &models.SharePotential{
		UID:            share.UID,
		ComputedAt:     time.Now().UTC().Truncate(time.Millisecond),
		SecID:          share.SecID,
		Ticker:         share.Ticker,
		PrevClose:      prevClose,
		ConsensusPrice: consensusPrice,
		PotentialRel:   rel,
		PotentialAbs:   abs,
	}
	if err := c.store.InsertPotential(row); err != nil {
		return err
	}
	stats.Inserted++
	return nil
}

// compute applies the validity gate: a positive close and a consensus
// within the sanity bound. Invalid inputs yield nil potentials.
func compute(prevClose, consensusPrice *float64) (rel, abs *float64) {
	if prevClose == nil || consensusPrice == nil {
		return nil, nil
	}
	close, cons := *prevClose, *consensusPrice
	if close <= 0 || cons <= 0 || cons > models.MaxSanePrice {
		return nil, nil
	}
	r := (cons - close) / close
	a := cons - close
	return &r, &a
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
