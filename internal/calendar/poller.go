package calendar

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"meetbell/pkg/logx"
)

const (
	DefaultLookahead   = 16 * time.Minute
	DefaultResyncSlack = 15 * time.Minute
)

type PollerConfig struct {
	Lookahead   time.Duration
	ResyncSlack time.Duration
	// Location resolves all-day dates when an event carries no time zone.
	Location *time.Location
}

// Poller turns a Source into a per-tick window fetch. It keeps a snapshot of
// the events seen by the last full fetch and merges incremental pages into it,
// so a sync-token fetch still yields the whole window.
type Poller struct {
	src    Source
	tokens TokenSource
	kv     KV
	cfg    PollerConfig
	log    logx.Logger

	mu      sync.Mutex
	cache   map[string]Event
	horizon time.Time
}

func NewPoller(src Source, tokens TokenSource, kv KV, cfg PollerConfig, log logx.Logger) *Poller {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.ResyncSlack < 0 {
		cfg.ResyncSlack = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Poller{src: src, tokens: tokens, kv: kv, cfg: cfg, log: log.With(logx.String("comp", "calendar.poller"))}
}

// Fetch returns the events of [now, now+lookahead] plus any cancellations the
// provider reported since the last tick. Within one call it refreshes the
// token at most once on ErrAuthExpired and drops the sync token at most once
// on ErrSyncTokenInvalid; a repeat of either fails the call.
func (p *Poller) Fetch(ctx context.Context, now time.Time) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	windowEnd := now.Add(p.cfg.Lookahead)
	refreshed, resynced := false, false
	for {
		syncToken := p.loadSyncToken(ctx)
		full := syncToken == "" || p.cache == nil || p.horizon.Before(windowEnd)

		q := Query{SyncToken: syncToken}
		if full {
			q = Query{TimeMin: now, TimeMax: windowEnd.Add(p.cfg.ResyncSlack)}
		}
		page, err := p.src.Fetch(ctx, q)
		switch {
		case err == nil:
		case errors.Is(err, ErrAuthExpired) && !refreshed && p.tokens != nil:
			refreshed = true
			p.log.Info("calendar token rejected; refreshing")
			if _, rerr := p.tokens.Refresh(ctx); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			continue
		case errors.Is(err, ErrSyncTokenInvalid) && !resynced:
			resynced = true
			p.log.Info("calendar sync token invalidated; running full resync")
			p.dropSyncToken(ctx)
			p.cache = nil
			continue
		default:
			return nil, fmt.Errorf("calendar fetch: %w", err)
		}

		var cancelled []Event
		if full {
			p.cache = make(map[string]Event, len(page.Events))
			p.horizon = q.TimeMax
		}
		for _, ev := range page.Events {
			if ev.ID == "" {
				continue
			}
			if ev.Status == StatusCancelled {
				delete(p.cache, ev.ID)
				cancelled = append(cancelled, ev)
				continue
			}
			p.cache[ev.ID] = ev
		}
		p.storeSyncToken(ctx, page.NextSyncToken)
		p.log.Debug("calendar fetched",
			logx.Bool("full", full),
			logx.Int("page", len(page.Events)),
			logx.Int("cached", len(p.cache)),
		)
		return p.window(now, windowEnd, cancelled), nil
	}
}

// Reset forgets the cached snapshot so the next Fetch runs a full query.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.cache = nil
	p.horizon = time.Time{}
	p.mu.Unlock()
}

func (p *Poller) window(from, to time.Time, cancelled []Event) []Event {
	out := make([]Event, 0, len(p.cache)+len(cancelled))
	for _, ev := range p.cache {
		start, err := ev.Start.Resolve(p.cfg.Location)
		if err != nil {
			// left for the normalizer to reject and log
			out = append(out, ev)
			continue
		}
		end, err := ev.End.Resolve(p.cfg.Location)
		if err != nil || end.Before(start) {
			end = start
		}
		if !start.After(to) && !end.Before(from) {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, func(a, b Event) int {
		as, _ := a.Start.Resolve(p.cfg.Location)
		bs, _ := b.Start.Resolve(p.cfg.Location)
		return cmp.Or(as.Compare(bs), cmp.Compare(a.ID, b.ID))
	})
	return append(out, cancelled...)
}

func (p *Poller) loadSyncToken(ctx context.Context) string {
	if p.kv == nil {
		return ""
	}
	v, _, err := p.kv.GetValue(ctx, KeySyncToken)
	if err != nil {
		p.log.Warn("sync token load failed; using full fetch", logx.Err(err))
		return ""
	}
	return v
}

func (p *Poller) storeSyncToken(ctx context.Context, tok string) {
	if p.kv == nil {
		return
	}
	var err error
	if tok == "" {
		err = p.kv.DeleteValue(ctx, KeySyncToken)
	} else {
		err = p.kv.PutValue(ctx, KeySyncToken, tok)
	}
	if err != nil {
		p.log.Warn("sync token store failed", logx.Err(err))
	}
}

func (p *Poller) dropSyncToken(ctx context.Context) {
	if p.kv == nil {
		return
	}
	if err := p.kv.DeleteValue(ctx, KeySyncToken); err != nil {
		p.log.Warn("sync token delete failed", logx.Err(err))
	}
}
