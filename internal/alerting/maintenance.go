package alerting

import (
	"context"
	"time"

	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

// MaintenanceResult counts what one maintenance run removed.
type MaintenanceResult struct {
	Ledger  int
	Records int
	Snoozes int
}

// Retention is how long delivered alerts and past meetings are kept.
const Retention = 24 * time.Hour

// Maintenance purges state that can no longer matter.
type Maintenance struct {
	st       *State
	store    storage.Store
	ledger   *Ledger
	snoozes  *Snoozes
	triggers *Triggers
	log      logx.Logger
}

func NewMaintenance(st *State, store storage.Store, ledger *Ledger, snoozes *Snoozes, triggers *Triggers, log logx.Logger) *Maintenance {
	return &Maintenance{st: st, store: store, ledger: ledger, snoozes: snoozes, triggers: triggers, log: log.With(logx.String("comp", "alerting.maintenance"))}
}

// Run drops ledger entries last touched before now-24h, meetings that started
// before now-24h and expired snoozes.
func (m *Maintenance) Run(ctx context.Context, now time.Time) MaintenanceResult {
	cutoff := now.Add(-Retention)
	res := MaintenanceResult{Ledger: m.ledger.Purge(ctx, cutoff)}
	for _, rec := range m.st.Records() {
		if !rec.Start.Before(cutoff) {
			continue
		}
		m.triggers.CancelAll(rec.ID)
		if m.st.deleteRecord(rec.ID) {
			res.Records++
			if err := m.store.DeleteMeeting(ctx, rec.ID); err != nil {
				m.log.Warn("meeting record delete failed", logx.String("meeting", rec.ID), logx.Err(err))
			}
		}
	}
	res.Snoozes = m.snoozes.PurgeExpired(ctx, now)
	m.log.Info("maintenance completed",
		logx.Int("ledger", res.Ledger),
		logx.Int("records", res.Records),
		logx.Int("snoozes", res.Snoozes),
	)
	return res
}
