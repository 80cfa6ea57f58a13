package forecast

import (
	"context"
	"errors"
	"time"

	"invest-instruments/internal/models"
	"invest-instruments/internal/storage"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Stats aggregates one bulk consensus pass.
type Stats struct {
	Processed           int  `json:"processed"`
	NotFound            int  `json:"not_found"`
	ConsensusInserted   int  `json:"inserted"`
	ConsensusDuplicates int  `json:"duplicates"`
	TargetsInserted     int  `json:"targets_inserted"`
	TargetsDuplicates   int  `json:"targets_dups"`
	AuthFailed          bool `json:"auth_failed"`
}

// Filler walks the watchlist and persists fresh consensus snapshots and
// analyst targets through the storage gateway's dedup rules.
type Filler struct {
	store   *storage.Store
	client  *Client
	log     *logrus.Logger
	limiter *rate.Limiter
}

// NewFiller builds the bulk driver. delay throttles consecutive API calls
// (zero disables throttling).
func NewFiller(store *storage.Store, client *Client, log *logrus.Logger, delay time.Duration) *Filler {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return &Filler{store: store, client: client, log: log, limiter: limiter}
}

// Fill iterates all watchlist UIDs (optionally capped by limit) and upserts
// their forecasts. An auth rejection aborts the loop immediately: no
// further UID is touched and AuthFailed is set in the returned stats.
func (f *Filler) Fill(ctx context.Context, limit int) (*Stats, error) {
	uids, err := f.store.ListUIDs()
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(uids) {
		uids = uids[:limit]
	}

	stats := &Stats{}
	today := time.Now().UTC().Format("2006-01-02")

	for _, uid := range uids {
		if err := f.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		payload, err := f.client.GetConsensus(uid, false)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				f.log.WithFields(logrus.Fields{"uid": uid, "code": authErr.Code}).Error("forecast auth rejected, stopping consensus pass")
				stats.AuthFailed = true
				return stats, nil
			}
			f.log.WithFields(logrus.Fields{"uid": uid, "error": err}).Debug("forecast unavailable")
			stats.NotFound++
			stats.Processed++
			continue
		}
		if payload.Empty() {
			stats.NotFound++
			stats.Processed++
			continue
		}

		if payload.Consensus != nil {
			if err := f.saveConsensus(uid, today, payload.Consensus, stats); err != nil {
				return stats, err
			}
		}
		for i := range payload.Targets {
			if err := f.saveTarget(uid, payload.Consensus, &payload.Targets[i], stats); err != nil {
				return stats, err
			}
		}
		stats.Processed++
	}
	return stats, nil
}

// saveConsensus stamps the snapshot with today's date; any date inside the
// payload is deliberately ignored.
func (f *Filler) saveConsensus(uid, today string, item *ConsensusItem, stats *Stats) error {
	rowUID := item.UID
	if rowUID == "" {
		rowUID = uid
	}
	inserted, err := f.store.InsertConsensus(&models.ConsensusForecast{
		UID:                rowUID,
		RecommendationDate: today,
		Ticker:             item.Ticker,
		Recommendation:     item.Recommendation,
		Currency:           item.Currency,
		PriceConsensus:     item.Consensus.Value,
		MinTarget:          item.MinTarget.Value,
		MaxTarget:          item.MaxTarget.Value,
	})
	if err != nil {
		return err
	}
	if inserted {
		stats.ConsensusInserted++
	} else {
		stats.ConsensusDuplicates++
	}
	return nil
}

// saveTarget keeps the entry's own recommendation date (unlike the
// consensus snapshot, which is stamped with the fetch day).
func (f *Filler) saveTarget(uid string, consensus *ConsensusItem, item *TargetItem, stats *Stats) error {
	rowUID := item.UID
	if rowUID == "" {
		rowUID = uid
	}
	ticker := item.Ticker
	if ticker == "" && consensus != nil {
		ticker = consensus.Ticker
	}
	date := dateOnly(item.RecommendationDate)
	if rowUID == "" || item.Company == "" || date == "" {
		return nil
	}
	inserted, err := f.store.InsertTarget(&models.ConsensusTarget{
		UID:                rowUID,
		RecommendationDate: date,
		Company:            item.Company,
		Ticker:             ticker,
		Recommendation:     item.Recommendation,
		Currency:           item.Currency,
		TargetPrice:        item.TargetPrice.Value,
		ShowName:           item.ShowName,
	})
	if err != nil {
		return err
	}
	if inserted {
		stats.TargetsInserted++
	} else {
		stats.TargetsDuplicates++
	}
	return nil
}

// dateOnly trims an RFC3339 timestamp down to its date part.
func dateOnly(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}
