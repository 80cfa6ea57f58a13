package jobs

import (
	"context"
	"time"

	"invest-instruments/internal/models"
	"invest-instruments/internal/services/forecast"
	"invest-instruments/internal/services/moex"
	"invest-instruments/internal/services/potential"

	"github.com/sirupsen/logrus"
)

// step statuses reported in the run summary
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Options selects what one daily run does. Every step is independently
// skippable; a skipped step contributes zero-valued stats to the summary.
type Options struct {
	Board              string
	SkipHistory        bool
	SkipConsensus      bool
	SkipPotentials     bool
	RetentionDays      int
	TopLimit           int
	SkipNullPotentials bool
	CollapseDuplicates bool
	ConsensusLimit     int
}

// Summary is the aggregated result of one run. It is emitted as exactly
// one structured log line regardless of partial failures.
type Summary struct {
	Board            string                  `json:"board"`
	HistoryStatus    string                  `json:"history_status"`
	History          moex.Stats              `json:"history"`
	ConsensusStatus  string                  `json:"consensus_status"`
	Consensus        forecast.Stats          `json:"consensus"`
	PotentialsStatus string                  `json:"potentials_status"`
	Potentials       potential.Stats         `json:"potentials"`
	RetentionDeleted int64                   `json:"retention_deleted"`
	CollapseDeleted  int64                   `json:"collapse_deleted"`
	AnomaliesDeleted int64                   `json:"anomalies_deleted"`
	Top              []models.SharePotential `json:"top"`
	Duration         time.Duration           `json:"duration"`
}

// Runner sequences the daily pipeline: history, consensus, potentials,
// retention, collapse, top-N. One file lock guards the whole run.
type Runner struct {
	loader *moex.Loader
	filler *forecast.Filler
	calc   *potential.Calculator
	maint  *potential.Maintenance
	lock   *FileLock
	log    *logrus.Logger
}

func NewRunner(
	loader *moex.Loader,
	filler *forecast.Filler,
	calc *potential.Calculator,
	maint *potential.Maintenance,
	lock *FileLock,
	log *logrus.Logger,
) *Runner {
	return &Runner{
		loader: loader,
		filler: filler,
		calc:   calc,
		maint:  maint,
		lock:   lock,
		log:    log,
	}
}

// Run executes one pass. A failed step is captured in its status and stats
// and never prevents later steps; only lock contention aborts the run.
// The lock is released on every exit path.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := r.lock.Acquire(); err != nil {
		return nil, err
	}
	defer r.lock.Release()

	start := time.Now()
	summary := &Summary{
		Board:            opts.Board,
		HistoryStatus:    StatusSkipped,
		ConsensusStatus:  StatusSkipped,
		PotentialsStatus: StatusSkipped,
	}

	if !opts.SkipHistory {
		r.runHistory(ctx, opts, summary)
	}
	if !opts.SkipConsensus {
		r.runConsensus(ctx, opts, summary)
	}
	if !opts.SkipPotentials {
		r.runPotentials(opts, summary)
	}

	summary.Duration = time.Since(start)
	r.emitSummary(summary)
	return summary, nil
}

func (r *Runner) runHistory(ctx context.Context, opts Options, summary *Summary) {
	stats, err := r.loader.Run(ctx, moex.Options{Board: opts.Board})
	if err != nil {
		summary.HistoryStatus = StatusError
		r.log.WithError(err).Error("history step failed")
		return
	}
	summary.History = *stats
	summary.HistoryStatus = StatusOK
	if stats.Errors > 0 {
		summary.HistoryStatus = StatusPartial
	}
}

func (r *Runner) runConsensus(ctx context.Context, opts Options, summary *Summary) {
	stats, err := r.filler.Fill(ctx, opts.ConsensusLimit)
	if stats != nil {
		summary.Consensus = *stats
	}
	switch {
	case err != nil:
		summary.ConsensusStatus = StatusError
		r.log.WithError(err).Error("consensus step failed")
	case stats.AuthFailed:
		summary.ConsensusStatus = StatusPartial
	default:
		summary.ConsensusStatus = StatusOK
	}
}

func (r *Runner) runPotentials(opts Options, summary *Summary) {
	r.calc.SkipNull = opts.SkipNullPotentials
	stats, err := r.calc.Fill()
	if stats != nil {
		summary.Potentials = *stats
	}
	if err != nil {
		summary.PotentialsStatus = StatusError
		r.log.WithError(err).Error("potentials step failed")
		return
	}
	summary.PotentialsStatus = StatusOK

	if deleted, err := r.maint.PurgeAnomalies(); err != nil {
		r.log.WithError(err).Error("anomaly purge failed")
	} else {
		summary.AnomaliesDeleted = deleted
	}
	if opts.RetentionDays > 0 {
		if deleted, err := r.maint.CleanOld(opts.RetentionDays); err != nil {
			r.log.WithError(err).Error("retention prune failed")
		} else {
			summary.RetentionDeleted = deleted
		}
	}
	if opts.CollapseDuplicates {
		if deleted, err := r.maint.CollapseDuplicates(); err != nil {
			r.log.WithError(err).Error("duplicate collapse failed")
		} else {
			summary.CollapseDeleted = deleted
		}
	}
	if opts.TopLimit > 0 {
		top, err := r.maint.Top(opts.TopLimit)
		if err != nil {
			r.log.WithError(err).Error("top potentials query failed")
		} else {
			summary.Top = top
		}
	}
}

// emitSummary writes the single aggregated line every run ends with, then
// one line per top row for easy grep.
func (r *Runner) emitSummary(s *Summary) {
	r.log.WithFields(logrus.Fields{
		"board":             s.Board,
		"hist_status":       s.HistoryStatus,
		"hist_fetched":      s.History.Fetched,
		"hist_inserted":     s.History.Inserted,
		"hist_duplicates":   s.History.Duplicates,
		"hist_errors":       s.History.Errors,
		"cons_status":       s.ConsensusStatus,
		"cons_processed":    s.Consensus.Processed,
		"cons_inserted":     s.Consensus.ConsensusInserted,
		"cons_duplicates":   s.Consensus.ConsensusDuplicates,
		"targets_inserted":  s.Consensus.TargetsInserted,
		"targets_dups":      s.Consensus.TargetsDuplicates,
		"cons_not_found":    s.Consensus.NotFound,
		"auth_failed":       s.Consensus.AuthFailed,
		"pot_status":        s.PotentialsStatus,
		"pot_processed":     s.Potentials.Processed,
		"pot_inserted":      s.Potentials.Inserted,
		"pot_skipped":       s.Potentials.Skipped,
		"pot_unchanged":     s.Potentials.Unchanged,
		"retention_deleted": s.RetentionDeleted,
		"collapse_deleted":  s.CollapseDeleted,
		"anomalies_deleted": s.AnomaliesDeleted,
		"top_rows":          len(s.Top),
		"duration":          s.Duration.Round(time.Millisecond).String(),
	}).Info("daily job summary")

	for _, rec := range s.Top {
		fields := logrus.Fields{"uid": rec.UID, "ticker": rec.Ticker}
		if rec.PotentialRel != nil {
			fields["rel"] = *rec.PotentialRel
		}
		if rec.PrevClose != nil {
			fields["prev_close"] = *rec.PrevClose
		}
		if rec.ConsensusPrice != nil {
			fields["consensus"] = *rec.ConsensusPrice
		}
		r.log.WithFields(fields).Info("top potential")
	}
}
