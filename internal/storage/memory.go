package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// op is one state mutation. The memory store applies ops directly; the file
// store also appends them to its journal.
type op struct {
	Op       string         `json:"op"`
	Delivery *Delivery      `json:"delivery,omitempty"`
	Snooze   *Snooze        `json:"snooze,omitempty"`
	Meeting  *MeetingRecord `json:"meeting,omitempty"`
	Key      string         `json:"key,omitempty"`
	Value    string         `json:"value,omitempty"`
	At       time.Time      `json:"at,omitzero"`
}

const (
	opDelivery      = "delivery"
	opPurgeLedger   = "purge_ledger"
	opSnooze        = "snooze"
	opUnsnooze      = "unsnooze"
	opPurgeSnoozes  = "purge_snoozes"
	opMeeting       = "meeting"
	opDeleteMeeting = "delete_meeting"
	opPutValue      = "put_value"
	opDeleteValue   = "delete_value"
)

type state struct {
	ledger   map[string]map[string]time.Time
	snoozes  map[string]time.Time
	meetings map[string]MeetingRecord
	kv       map[string]string
}

func newState() state {
	return state{
		ledger:   map[string]map[string]time.Time{},
		snoozes:  map[string]time.Time{},
		meetings: map[string]MeetingRecord{},
		kv:       map[string]string{},
	}
}

// apply mutates st and reports how many rows changed.
func (st *state) apply(o op) int {
	switch o.Op {
	case opDelivery:
		d := o.Delivery
		kinds := st.ledger[d.MeetingID]
		if kinds == nil {
			kinds = map[string]time.Time{}
			st.ledger[d.MeetingID] = kinds
		}
		if _, ok := kinds[d.Kind]; ok {
			return 0
		}
		kinds[d.Kind] = d.At
		return 1
	case opPurgeLedger:
		n := 0
		for id, kinds := range st.ledger {
			var last time.Time
			for _, at := range kinds {
				if at.After(last) {
					last = at
				}
			}
			if last.Before(o.At) {
				n += len(kinds)
				delete(st.ledger, id)
			}
		}
		return n
	case opSnooze:
		st.snoozes[o.Snooze.MeetingID] = o.Snooze.Until
		return 1
	case opUnsnooze:
		if _, ok := st.snoozes[o.Key]; !ok {
			return 0
		}
		delete(st.snoozes, o.Key)
		return 1
	case opPurgeSnoozes:
		n := 0
		for id, until := range st.snoozes {
			if !o.At.Before(until) {
				delete(st.snoozes, id)
				n++
			}
		}
		return n
	case opMeeting:
		r := *o.Meeting
		r.Attendees = append([]string{}, r.Attendees...)
		st.meetings[r.ID] = r
		return 1
	case opDeleteMeeting:
		if _, ok := st.meetings[o.Key]; !ok {
			return 0
		}
		delete(st.meetings, o.Key)
		return 1
	case opPutValue:
		st.kv[o.Key] = o.Value
		return 1
	case opDeleteValue:
		if _, ok := st.kv[o.Key]; !ok {
			return 0
		}
		delete(st.kv, o.Key)
		return 1
	}
	return 0
}

type memoryStore struct {
	mu     sync.Mutex
	st     state
	closed bool

	// journal, when set, records every applied op. Called with mu held.
	journal func(o op) error
	onClose func() error
}

// NewMemory returns a Store that lives only as long as the process.
func NewMemory() Store {
	return &memoryStore{st: newState()}
}

func (s *memoryStore) write(o op) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := s.st.apply(o)
	if s.journal != nil && (n > 0 || o.Op == opPurgeLedger || o.Op == opPurgeSnoozes) {
		if err := s.journal(o); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *memoryStore) read(fn func(st *state)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fn(&s.st)
	return nil
}

func (s *memoryStore) LoadDeliveries(context.Context) ([]Delivery, error) {
	var out []Delivery
	err := s.read(func(st *state) {
		for id, kinds := range st.ledger {
			for kind, at := range kinds {
				out = append(out, Delivery{MeetingID: id, Kind: kind, At: at})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].MeetingID != out[j].MeetingID {
			return out[i].MeetingID < out[j].MeetingID
		}
		return out[i].Kind < out[j].Kind
	})
	return out, err
}

func (s *memoryStore) AddDelivery(_ context.Context, d Delivery) (bool, error) {
	if strings.TrimSpace(d.MeetingID) == "" || d.Kind == "" {
		return false, nil
	}
	n, err := s.write(op{Op: opDelivery, Delivery: &d})
	return n > 0, err
}

func (s *memoryStore) PurgeDeliveries(_ context.Context, cutoff time.Time) (int, error) {
	return s.write(op{Op: opPurgeLedger, At: cutoff})
}

func (s *memoryStore) LoadSnoozes(context.Context) ([]Snooze, error) {
	var out []Snooze
	err := s.read(func(st *state) {
		for id, until := range st.snoozes {
			out = append(out, Snooze{MeetingID: id, Until: until})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MeetingID < out[j].MeetingID })
	return out, err
}

func (s *memoryStore) PutSnooze(_ context.Context, sn Snooze) error {
	_, err := s.write(op{Op: opSnooze, Snooze: &sn})
	return err
}

func (s *memoryStore) DeleteSnooze(_ context.Context, meetingID string) error {
	_, err := s.write(op{Op: opUnsnooze, Key: meetingID})
	return err
}

func (s *memoryStore) PurgeSnoozes(_ context.Context, now time.Time) (int, error) {
	return s.write(op{Op: opPurgeSnoozes, At: now})
}

func (s *memoryStore) LoadMeetings(context.Context) ([]MeetingRecord, error) {
	var out []MeetingRecord
	err := s.read(func(st *state) {
		for _, r := range st.meetings {
			r.Attendees = append([]string{}, r.Attendees...)
			out = append(out, r)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *memoryStore) PutMeeting(_ context.Context, r MeetingRecord) error {
	_, err := s.write(op{Op: opMeeting, Meeting: &r})
	return err
}

func (s *memoryStore) DeleteMeeting(_ context.Context, id string) error {
	_, err := s.write(op{Op: opDeleteMeeting, Key: id})
	return err
}

func (s *memoryStore) GetValue(_ context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := s.read(func(st *state) { v, ok = st.kv[key] })
	return v, ok, err
}

func (s *memoryStore) PutValue(_ context.Context, key, value string) error {
	_, err := s.write(op{Op: opPutValue, Key: key, Value: value})
	return err
}

func (s *memoryStore) DeleteValue(_ context.Context, key string) error {
	_, err := s.write(op{Op: opDeleteValue, Key: key})
	return err
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.onClose != nil {
		return s.onClose()
	}
	return nil
}
