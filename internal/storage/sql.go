package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"meetbell/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlStore is shared by the sqlite and postgres drivers. Queries are written
// with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dollars bool // postgres-style $n placeholders
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqlStore) q(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) LoadDeliveries(ctx context.Context) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meeting_id, kind, delivered_at FROM ledger ORDER BY meeting_id, kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var (
			d  Delivery
			ms int64
		)
		if err := rows.Scan(&d.MeetingID, &d.Kind, &ms); err != nil {
			return nil, err
		}
		d.At = time.UnixMilli(ms)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddDelivery(ctx context.Context, d Delivery) (bool, error) {
	if strings.TrimSpace(d.MeetingID) == "" || d.Kind == "" {
		return false, nil
	}
	n, err := s.exec(ctx,
		`INSERT INTO ledger(meeting_id, kind, delivered_at) VALUES(?,?,?)
		 ON CONFLICT(meeting_id, kind) DO NOTHING`,
		d.MeetingID, d.Kind, d.At.UnixMilli())
	return n > 0, err
}

func (s *sqlStore) PurgeDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	return s.exec(ctx,
		`DELETE FROM ledger WHERE meeting_id IN (
		   SELECT meeting_id FROM ledger GROUP BY meeting_id HAVING MAX(delivered_at) < ?
		 )`, cutoff.UnixMilli())
}

func (s *sqlStore) LoadSnoozes(ctx context.Context) ([]Snooze, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meeting_id, until_ms FROM snoozes ORDER BY meeting_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snooze
	for rows.Next() {
		var (
			sn Snooze
			ms int64
		)
		if err := rows.Scan(&sn.MeetingID, &ms); err != nil {
			return nil, err
		}
		sn.Until = time.UnixMilli(ms)
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutSnooze(ctx context.Context, sn Snooze) error {
	_, err := s.exec(ctx,
		`INSERT INTO snoozes(meeting_id, until_ms) VALUES(?,?)
		 ON CONFLICT(meeting_id) DO UPDATE SET until_ms = excluded.until_ms`,
		sn.MeetingID, sn.Until.UnixMilli())
	return err
}

func (s *sqlStore) DeleteSnooze(ctx context.Context, meetingID string) error {
	_, err := s.exec(ctx, `DELETE FROM snoozes WHERE meeting_id = ?`, meetingID)
	return err
}

func (s *sqlStore) PurgeSnoozes(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, `DELETE FROM snoozes WHERE until_ms <= ?`, now.UnixMilli())
}

func (s *sqlStore) LoadMeetings(ctx context.Context) ([]MeetingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, start_ms, end_ms, description, conference_link, attendees, status, scheduled_at_ms
		 FROM meetings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MeetingRecord
	for rows.Next() {
		var (
			r                     MeetingRecord
			start, end, scheduled int64
			attendees             string
		)
		if err := rows.Scan(&r.ID, &r.Title, &start, &end, &r.Description, &r.ConferenceLink, &attendees, &r.Status, &scheduled); err != nil {
			return nil, err
		}
		r.Start, r.End, r.ScheduledAt = time.UnixMilli(start), time.UnixMilli(end), time.UnixMilli(scheduled)
		if err := json.Unmarshal([]byte(attendees), &r.Attendees); err != nil {
			s.log.Debug("meeting attendees unreadable", logx.String("meeting", r.ID), logx.Err(err))
		}
		if r.Attendees == nil {
			r.Attendees = []string{}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutMeeting(ctx context.Context, r MeetingRecord) error {
	if r.Attendees == nil {
		r.Attendees = []string{}
	}
	attendees, err := json.Marshal(r.Attendees)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO meetings(id, title, start_ms, end_ms, description, conference_link, attendees, status, scheduled_at_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   start_ms = excluded.start_ms,
		   end_ms = excluded.end_ms,
		   description = excluded.description,
		   conference_link = excluded.conference_link,
		   attendees = excluded.attendees,
		   status = excluded.status,
		   scheduled_at_ms = excluded.scheduled_at_ms`,
		r.ID, r.Title, r.Start.UnixMilli(), r.End.UnixMilli(), r.Description, r.ConferenceLink,
		string(attendees), r.Status, r.ScheduledAt.UnixMilli())
	return err
}

func (s *sqlStore) DeleteMeeting(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM meetings WHERE id = ?`, id)
	return err
}

func (s *sqlStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT v FROM kv WHERE k = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqlStore) PutValue(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO kv(k, v) VALUES(?,?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	return err
}

func (s *sqlStore) DeleteValue(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM kv WHERE k = ?`, key)
	return err
}
