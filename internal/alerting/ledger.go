package alerting

import (
	"context"
	"slices"
	"time"

	"meetbell/internal/meeting"
	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

// Ledger records which (meeting, kind) alerts were delivered. A kind is
// added at most once per meeting; the set is a gate, not a log.
type Ledger struct {
	st    *State
	store storage.Store
	log   logx.Logger
}

func NewLedger(st *State, store storage.Store, log logx.Logger) *Ledger {
	return &Ledger{st: st, store: store, log: log.With(logx.String("comp", "alerting.ledger"))}
}

func (l *Ledger) Has(id string, kind meeting.Kind) bool {
	l.st.mu.RLock()
	defer l.st.mu.RUnlock()
	e := l.st.ledger[id]
	if e == nil {
		return false
	}
	_, ok := e.kinds[kind]
	return ok
}

// Kinds returns the delivered kinds of a meeting in firing order.
func (l *Ledger) Kinds(id string) []meeting.Kind {
	l.st.mu.RLock()
	defer l.st.mu.RUnlock()
	e := l.st.ledger[id]
	if e == nil {
		return nil
	}
	var out []meeting.Kind
	for _, k := range meeting.Kinds() {
		if _, ok := e.kinds[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// TryMark adds kind for id unless it is already there and reports whether
// this call added it. The in-memory answer is authoritative; the store write
// is best effort.
func (l *Ledger) TryMark(ctx context.Context, id string, kind meeting.Kind, at time.Time) bool {
	l.st.mu.Lock()
	added := l.st.markLocked(id, kind, at)
	l.st.mu.Unlock()
	if !added {
		return false
	}
	if _, err := l.store.AddDelivery(ctx, storage.Delivery{MeetingID: id, Kind: string(kind), At: at}); err != nil {
		l.log.Warn("ledger write failed", logx.String("meeting", id), logx.String("kind", string(kind)), logx.Err(err))
	}
	return true
}

// Purge drops entries whose last delivery is before cutoff.
func (l *Ledger) Purge(ctx context.Context, cutoff time.Time) int {
	l.st.mu.Lock()
	var ids []string
	for id, e := range l.st.ledger {
		if e.lastAt.Before(cutoff) {
			ids = append(ids, id)
			delete(l.st.ledger, id)
		}
	}
	l.st.mu.Unlock()
	slices.Sort(ids)

	if _, err := l.store.PurgeDeliveries(ctx, cutoff); err != nil {
		l.log.Warn("ledger purge failed", logx.Err(err))
	}
	if len(ids) > 0 {
		l.log.Debug("ledger purged", logx.Strings("meetings", ids))
	}
	return len(ids)
}

// Len returns the number of meetings with at least one delivery.
func (l *Ledger) Len() int {
	l.st.mu.RLock()
	defer l.st.mu.RUnlock()
	return len(l.st.ledger)
}
