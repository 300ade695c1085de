package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/storage"
	"meetbell/pkg/logx"
)

type scriptedSource struct {
	queries []Query
	replies []func(Query) (Page, error)
}

func (s *scriptedSource) Fetch(_ context.Context, q Query) (Page, error) {
	s.queries = append(s.queries, q)
	if len(s.replies) == 0 {
		return Page{}, errors.New("unexpected fetch")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next(q)
}

func reply(p Page, err error) func(Query) (Page, error) {
	return func(Query) (Page, error) { return p, err }
}

type refreshCounter struct{ n int }

func (r *refreshCounter) Token(context.Context) (string, error) { return "t", nil }
func (r *refreshCounter) Refresh(context.Context) (string, error) {
	r.n++
	return "t", nil
}

func at(ts time.Time) *EventTime { return &EventTime{DateTime: ts.Format(time.RFC3339)} }

func ids(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.ID)
	}
	return out
}

func TestPollerFullThenIncremental(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	kv := storage.NewMemory()
	src := &scriptedSource{replies: []func(Query) (Page, error){
		reply(Page{Events: []Event{
			{ID: "a", Start: at(now.Add(5 * time.Minute)), End: at(now.Add(35 * time.Minute))},
			{ID: "b", Start: at(now.Add(25 * time.Minute)), End: at(now.Add(55 * time.Minute))},
		}, NextSyncToken: "s1"}, nil),
		reply(Page{Events: []Event{
			{ID: "a", Status: StatusCancelled},
			{ID: "c", Start: at(now.Add(10 * time.Minute)), End: at(now.Add(20 * time.Minute))},
		}, NextSyncToken: "s2"}, nil),
	}}
	p := NewPoller(src, nil, kv, PollerConfig{Location: time.UTC}, logx.Nop())

	evs, err := p.Fetch(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(evs), "b lies beyond the lookahead")
	assert.Equal(t, now.Add(31*time.Minute), src.queries[0].TimeMax)

	evs, err = p.Fetch(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "s1", src.queries[1].SyncToken)
	assert.Equal(t, []string{"c", "a"}, ids(evs))
	assert.Equal(t, StatusCancelled, evs[1].Status)

	tok, _, _ := kv.GetValue(ctx, KeySyncToken)
	assert.Equal(t, "s2", tok)
}

func TestPollerFullFetchWhenHorizonRunsOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	src := &scriptedSource{replies: []func(Query) (Page, error){
		reply(Page{NextSyncToken: "s1"}, nil),
		reply(Page{NextSyncToken: "s2"}, nil),
	}}
	p := NewPoller(src, nil, storage.NewMemory(), PollerConfig{Location: time.UTC}, logx.Nop())

	_, err := p.Fetch(ctx, now)
	require.NoError(t, err)
	_, err = p.Fetch(ctx, now.Add(20*time.Minute))
	require.NoError(t, err)
	require.Len(t, src.queries, 2)
	assert.Empty(t, src.queries[1].SyncToken)
	assert.Equal(t, now.Add(20*time.Minute), src.queries[1].TimeMin)
}

func TestPollerRefreshesOnceOnAuthExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	tokens := &refreshCounter{}
	src := &scriptedSource{replies: []func(Query) (Page, error){
		reply(Page{}, ErrAuthExpired),
		reply(Page{NextSyncToken: "s1"}, nil),
	}}
	p := NewPoller(src, tokens, storage.NewMemory(), PollerConfig{}, logx.Nop())
	_, err := p.Fetch(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.n)

	src.replies = []func(Query) (Page, error){reply(Page{}, ErrAuthExpired), reply(Page{}, ErrAuthExpired)}
	p.Reset()
	_, err = p.Fetch(ctx, now)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, 2, tokens.n, "second 401 in one tick is not retried")
}

func TestPollerResyncsOnceOnInvalidToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	kv := storage.NewMemory()
	src := &scriptedSource{replies: []func(Query) (Page, error){
		reply(Page{NextSyncToken: "s1"}, nil),
		reply(Page{}, ErrSyncTokenInvalid),
		reply(Page{Events: []Event{{ID: "x", Start: at(now.Add(3 * time.Minute)), End: at(now.Add(9 * time.Minute))}}, NextSyncToken: "s9"}, nil),
	}}
	p := NewPoller(src, nil, kv, PollerConfig{Location: time.UTC}, logx.Nop())
	_, err := p.Fetch(ctx, now)
	require.NoError(t, err)

	evs, err := p.Fetch(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(evs))
	require.Len(t, src.queries, 3)
	assert.Equal(t, "s1", src.queries[1].SyncToken)
	assert.Empty(t, src.queries[2].SyncToken)

	src.replies = []func(Query) (Page, error){reply(Page{}, ErrSyncTokenInvalid), reply(Page{}, ErrSyncTokenInvalid)}
	_, err = p.Fetch(ctx, now)
	assert.ErrorIs(t, err, ErrSyncTokenInvalid)
}
