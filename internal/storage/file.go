package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meetbell/pkg/logx"
)

const compactEvery = 1000

// fileStore persists state without a database.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only op journal since the snapshot)
//
// On open the snapshot is loaded and the journal replayed on top.
type fileStore struct {
	*memoryStore

	log          logx.Logger
	snapshotPath string
	journalFile  *os.File
	writes       int
}

type snapshot struct {
	Ledger   []Delivery        `json:"ledger"`
	Snoozes  []Snooze          `json:"snoozes"`
	Meetings []MeetingRecord   `json:"meetings"`
	KV       map[string]string `json:"kv"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{
		memoryStore:  &memoryStore{st: st},
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
	}
	fs.memoryStore.journal = fs.appendLocked
	fs.memoryStore.onClose = fs.closeLocked
	return fs, nil
}

func (s *fileStore) appendLocked(o op) error {
	if err := json.NewEncoder(s.journalFile).Encode(o); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) closeLocked() error {
	err := s.compactLocked()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{KV: s.st.kv}
	for id, kinds := range s.st.ledger {
		for kind, at := range kinds {
			snap.Ledger = append(snap.Ledger, Delivery{MeetingID: id, Kind: kind, At: at})
		}
	}
	for id, until := range s.st.snoozes {
		snap.Snoozes = append(snap.Snoozes, Snooze{MeetingID: id, Until: until})
	}
	for _, r := range s.st.meetings {
		snap.Meetings = append(snap.Meetings, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, d := range snap.Ledger {
		st.apply(op{Op: opDelivery, Delivery: &d})
	}
	for _, sn := range snap.Snoozes {
		st.apply(op{Op: opSnooze, Snooze: &sn})
	}
	for _, r := range snap.Meetings {
		st.apply(op{Op: opMeeting, Meeting: &r})
	}
	for k, v := range snap.KV {
		st.kv[k] = v
	}
	return nil
}

func replayJournal(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var o op
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil || !o.valid() {
			continue
		}
		st.apply(o)
	}
	return sc.Err()
}

func (o op) valid() bool {
	switch o.Op {
	case opDelivery:
		return o.Delivery != nil
	case opSnooze:
		return o.Snooze != nil
	case opMeeting:
		return o.Meeting != nil
	case opPurgeLedger, opPurgeSnoozes:
		return !o.At.Equal(time.Time{})
	case opUnsnooze, opDeleteMeeting, opPutValue, opDeleteValue:
		return true
	}
	return false
}
