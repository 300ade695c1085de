package alerting

import (
	"context"
	"math"
	"time"

	"meetbell/internal/meeting"
	"meetbell/pkg/logx"
)

// mainWindow is the tolerance either side of the start for the main alert.
const mainWindow = 30 * time.Second

// CatchUp re-derives due alerts from wall-clock time, covering triggers that
// never fired because the process was asleep or busy.
type CatchUp struct {
	st       *State
	snoozes  *Snoozes
	dispatch *Dispatcher
	log      logx.Logger
}

func NewCatchUp(st *State, snoozes *Snoozes, dispatch *Dispatcher, log logx.Logger) *CatchUp {
	return &CatchUp{st: st, snoozes: snoozes, dispatch: dispatch, log: log.With(logx.String("comp", "alerting.catchup"))}
}

// Sweep attempts every alert whose window contains now and returns how many
// were delivered. An early alert of m minutes is due while the whole minutes
// until start equal m; the main alert is due within 30s of the start.
func (c *CatchUp) Sweep(ctx context.Context, now time.Time) int {
	delivered := 0
	for _, rec := range c.st.Records() {
		if rec.Cancelled() || c.snoozes.IsSnoozed(rec.ID, now) {
			continue
		}
		for _, k := range dueKinds(rec.Start, now) {
			if c.dispatch.AttemptDeliver(ctx, rec.ID, k) {
				delivered++
			}
		}
	}
	if delivered > 0 {
		c.log.Debug("catch-up delivered", logx.Int("count", delivered))
	}
	return delivered
}

func dueKinds(start, now time.Time) []meeting.Kind {
	var out []meeting.Kind
	minutesUntil := int(math.Floor(float64(start.Sub(now)) / float64(time.Minute)))
	for _, k := range meeting.EarlyKinds() {
		m := k.Minutes()
		if minutesUntil <= m && minutesUntil > m-1 {
			out = append(out, k)
		}
	}
	d := start.Sub(now)
	if d <= mainWindow && d >= -mainWindow {
		out = append(out, meeting.KindMain)
	}
	return out
}
