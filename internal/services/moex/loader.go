package moex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"invest-instruments/internal/storage"

	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// Stats aggregates loader counters across all secids and date batches.
type Stats struct {
	Fetched    int64 `json:"fetched"`
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// Options narrows one loader run. Zero values mean "resolve per secid":
// start at the day after the last stored trade date, or the configured
// history depth for secids with no stored history.
type Options struct {
	Board      string
	SecIDs     []string // explicit subset; empty loads the whole watchlist
	StartDate  string   // explicit override, wins over everything
	EndDate    string   // defaults to today (UTC)
	WindowDays int      // sliding window back from today, wins over resume
}

// Loader incrementally fills price history. Fetches for different secids
// and for batches within one secid run concurrently, all bounded by one
// process-wide semaphore.
type Loader struct {
	store       *storage.Store
	client      *Client
	log         *logrus.Logger
	maxInflight int
	batchDays   int
	depthDays   int
}

type LoaderConfig struct {
	MaxInflight int
	BatchDays   int
	DepthDays   int
}

func NewLoader(store *storage.Store, client *Client, log *logrus.Logger, cfg LoaderConfig) *Loader {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 4
	}
	if cfg.BatchDays <= 0 {
		cfg.BatchDays = 100
	}
	if cfg.DepthDays <= 0 {
		cfg.DepthDays = 1100
	}
	return &Loader{
		store:       store,
		client:      client,
		log:         log,
		maxInflight: cfg.MaxInflight,
		batchDays:   cfg.BatchDays,
		depthDays:   cfg.DepthDays,
	}
}

type window struct {
	from string
	till string
}

// Run loads missing history for every requested secid. A failed batch is
// counted and logged; sibling batches and secids keep going.
func (l *Loader) Run(ctx context.Context, opts Options) (*Stats, error) {
	secids := opts.SecIDs
	if len(secids) == 0 {
		var err error
		secids, err = l.store.ListSecIDs()
		if err != nil {
			return nil, err
		}
	}

	end := opts.EndDate
	if end == "" {
		end = today()
	}

	stats := &Stats{}
	sem := make(chan struct{}, l.maxInflight)
	var wg sync.WaitGroup

	for _, secid := range secids {
		start, err := l.resolveStart(secid, opts)
		if err != nil {
			l.log.WithFields(logrus.Fields{"secid": secid, "error": err}).Warn("history start resolution failed")
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}
		if start > end {
			continue
		}

		wg.Add(1)
		go func(secid, start string) {
			defer wg.Done()
			l.loadSecID(ctx, sem, stats, opts.Board, secid, start, end)
		}(secid, start)
	}
	wg.Wait()
	return stats, nil
}

// resolveStart applies the per-secid precedence: explicit override, then a
// sliding window from today, then resume one day after the stored maximum,
// then the full configured depth.
func (l *Loader) resolveStart(secid string, opts Options) (string, error) {
	if opts.StartDate != "" {
		return opts.StartDate, nil
	}
	if opts.WindowDays > 0 {
		return daysAgo(opts.WindowDays), nil
	}
	last, err := l.store.LastTradeDate(secid)
	if err != nil {
		return "", err
	}
	if last != "" {
		return nextDay(last), nil
	}
	return daysAgo(l.depthDays), nil
}

// loadSecID fans the secid's date range out into fixed-width batches. All
// batch rows for the secid are inserted before it counts as done; bars are
// independently keyed so out-of-order completion is harmless.
func (l *Loader) loadSecID(ctx context.Context, sem chan struct{}, stats *Stats, board, secid, start, end string) {
	windows := splitWindow(start, end, l.batchDays)
	var wg sync.WaitGroup

	for _, w := range windows {
		wg.Add(1)
		go func(w window) {
			defer wg.Done()

			sem <- struct{}{}
			bars, err := l.client.FetchHistory(ctx, board, secid, w.from, w.till)
			<-sem

			if err != nil {
				l.log.WithFields(logrus.Fields{
					"secid": secid,
					"from":  w.from,
					"till":  w.till,
					"error": err,
				}).Warn("history batch failed")
				atomic.AddInt64(&stats.Errors, 1)
				return
			}
			atomic.AddInt64(&stats.Fetched, int64(len(bars)))

			inserted, duplicates, err := l.store.InsertBars(bars)
			atomic.AddInt64(&stats.Inserted, int64(inserted))
			atomic.AddInt64(&stats.Duplicates, int64(duplicates))
			if err != nil {
				l.log.WithFields(logrus.Fields{"secid": secid, "error": err}).Warn("history insert failed")
				atomic.AddInt64(&stats.Errors, 1)
			}
		}(w)
	}
	wg.Wait()
}

// splitWindow cuts [start, end] into inclusive batches of batchDays days.
func splitWindow(start, end string, batchDays int) []window {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return []window{{from: start, till: end}}
	}
	till, err := time.Parse(dateLayout, end)
	if err != nil || !from.Before(till.AddDate(0, 0, 1)) {
		return []window{{from: start, till: end}}
	}

	var windows []window
	for cur := from; !cur.After(till); cur = cur.AddDate(0, 0, batchDays) {
		batchEnd := cur.AddDate(0, 0, batchDays-1)
		if batchEnd.After(till) {
			batchEnd = till
		}
		windows = append(windows, window{
			from: cur.Format(dateLayout),
			till: batchEnd.Format(dateLayout),
		})
	}
	return windows
}

func today() string {
	return time.Now().UTC().Format(dateLayout)
}

func daysAgo(n int) string {
	return time.Now().UTC().AddDate(0, 0, -n).Format(dateLayout)
}

func nextDay(date string) string {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, 1).Format(dateLayout)
}
