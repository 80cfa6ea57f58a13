package potential

import (
	"invest-instruments/internal/models"
	"invest-instruments/internal/storage"

	"github.com/sirupsen/logrus"
)

// duplicate collapse tolerance for relative potential values
const relEpsilon = 1e-9

// Maintenance bundles the retention, collapse, anomaly and reporting
// operations over stored potentials and forecasts.
type Maintenance struct {
	store *storage.Store
	log   *logrus.Logger
}

func NewMaintenance(store *storage.Store, log *logrus.Logger) *Maintenance {
	return &Maintenance{store: store, log: log}
}

// CleanOld removes potential rows older than maxAgeDays; zero disables.
func (m *Maintenance) CleanOld(maxAgeDays int) (int64, error) {
	deleted, err := m.store.DeleteOldPotentials(maxAgeDays)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.log.WithFields(logrus.Fields{"deleted": deleted, "max_age_days": maxAgeDays}).Info("old potentials pruned")
	}
	return deleted, nil
}

// CollapseDuplicates removes historic rows that repeat an unchanged
// relative potential, keeping the latest row of each run of equal values.
// This cleans up history written before the unchanged-skip rule existed.
func (m *Maintenance) CollapseDuplicates() (int64, error) {
	deleted, err := m.store.CollapsePotentialDuplicates(relEpsilon, true)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.log.WithFields(logrus.Fields{"deleted": deleted}).Info("duplicate potentials collapsed")
	}
	return deleted, nil
}

// PurgeAnomalies deletes consensus and target rows whose price exceeds the
// sanity bound. Corrupted rows are removed outright, not flagged.
func (m *Maintenance) PurgeAnomalies() (int64, error) {
	forecasts, err := m.store.PurgeAnomalousForecasts(models.MaxSanePrice)
	if err != nil {
		return 0, err
	}
	targets, err := m.store.PurgeAnomalousTargets(models.MaxSanePrice)
	if err != nil {
		return forecasts, err
	}
	total := forecasts + targets
	if total > 0 {
		m.log.WithFields(logrus.Fields{"forecasts": forecasts, "targets": targets}).Info("anomalous rows purged")
	}
	return total, nil
}

// Top returns the N instruments with the highest relative potential, one
// row per uid taken from its most recent record.
func (m *Maintenance) Top(limit int) ([]models.SharePotential, error) {
	return m.store.TopPotentials(limit)
}
