package alerting

import (
	"context"
	"iter"
	"slices"
	"time"

	"meetbell/internal/meeting"
	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

// ReconcileResult counts what one poll changed.
type ReconcileResult struct {
	Created     int
	Rescheduled int
	Refreshed   int
	Cancelled   int
	Removed     int
	Armed       int
}

// Reconciler aligns the tracked meetings with the latest poll.
type Reconciler struct {
	st       *State
	store    storage.Store
	triggers *Triggers
	now      func() time.Time
	log      logx.Logger
}

func NewReconciler(st *State, store storage.Store, triggers *Triggers, now func() time.Time, log logx.Logger) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{st: st, store: store, triggers: triggers, now: now, log: log.With(logx.String("comp", "alerting.reconcile"))}
}

// Reconcile consumes one poll's meetings. Cancelled meetings are dropped and
// their triggers cancelled; new meetings are tracked and armed; a changed
// start or status re-arms; other field changes refresh the record in place.
// Tracked meetings missing from the poll are dropped. When an id appears more
// than once the later occurrence wins.
func (r *Reconciler) Reconcile(ctx context.Context, meetings iter.Seq[meeting.Meeting]) ReconcileResult {
	latest := map[string]meeting.Meeting{}
	var order []string
	for m := range meetings {
		if _, dup := latest[m.ID]; !dup {
			order = append(order, m.ID)
		}
		latest[m.ID] = m
	}

	var res ReconcileResult
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		m := latest[id]
		if m.Cancelled() {
			if r.remove(ctx, id) {
				res.Cancelled++
				r.log.Info("meeting cancelled", logx.String("meeting", id))
			}
			continue
		}
		seen[id] = struct{}{}

		prev, ok := r.st.Record(id)
		switch {
		case !ok:
			res.Armed += r.schedule(ctx, m)
			res.Created++
			r.log.Info("meeting scheduled", logx.String("meeting", id), logx.String("title", m.Title), logx.Time("start", m.Start))
		case !prev.Start.Equal(m.Start) || prev.Status != m.Status:
			r.triggers.CancelAll(id)
			res.Armed += r.schedule(ctx, m)
			res.Rescheduled++
			r.log.Info("meeting rescheduled", logx.String("meeting", id), logx.Time("from", prev.Start), logx.Time("to", m.Start))
		case !sameDetails(prev.Meeting, m):
			rec := meeting.Record{Meeting: m, ScheduledAt: prev.ScheduledAt}
			r.st.putRecord(rec)
			r.persist(ctx, rec)
			res.Refreshed++
		}
	}

	for _, id := range r.st.recordIDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		if r.remove(ctx, id) {
			res.Removed++
			r.log.Debug("meeting left the poll window", logx.String("meeting", id))
		}
	}
	return res
}

func (r *Reconciler) schedule(ctx context.Context, m meeting.Meeting) int {
	rec := meeting.Record{Meeting: m, ScheduledAt: r.now()}
	r.st.putRecord(rec)
	r.persist(ctx, rec)
	return r.triggers.ArmAll(rec)
}

// remove drops a tracked meeting and its triggers. Triggers are cancelled even
// when no record exists.
func (r *Reconciler) remove(ctx context.Context, id string) bool {
	r.triggers.CancelAll(id)
	if !r.st.deleteRecord(id) {
		return false
	}
	if err := r.store.DeleteMeeting(ctx, id); err != nil {
		r.log.Warn("meeting record delete failed", logx.String("meeting", id), logx.Err(err))
	}
	return true
}

func (r *Reconciler) persist(ctx context.Context, rec meeting.Record) {
	if err := r.store.PutMeeting(ctx, toStorage(rec)); err != nil {
		r.log.Warn("meeting record write failed", logx.String("meeting", rec.ID), logx.Err(err))
	}
}

// Rearm arms the triggers of every tracked meeting. Triggers do not survive a
// restart, so this runs once after State.Load.
func (r *Reconciler) Rearm() int {
	n := 0
	for _, rec := range r.st.Records() {
		if rec.Cancelled() {
			continue
		}
		n += r.triggers.ArmAll(rec)
	}
	return n
}

func sameDetails(a, b meeting.Meeting) bool {
	return a.Title == b.Title &&
		a.End.Equal(b.End) &&
		a.Description == b.Description &&
		a.ConferenceLink == b.ConferenceLink &&
		slices.Equal(a.Attendees, b.Attendees)
}
