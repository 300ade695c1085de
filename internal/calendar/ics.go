package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"meetbell/pkg/logx"
)

type ICSConfig struct {
	URL      string
	Timezone string // floating and all-day times resolve here; empty means Local
	Timeout  time.Duration
}

// ICSSource reads a published iCalendar feed. It has no incremental mode and
// never returns a sync token.
type ICSSource struct {
	cfg    ICSConfig
	loc    *time.Location
	client *http.Client
	log    logx.Logger
}

func NewICSSource(cfg ICSConfig, client *http.Client, log logx.Logger) (*ICSSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("ics url is required")
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if rest, ok := strings.CutPrefix(cfg.URL, "webcal://"); ok {
		cfg.URL = "https://" + rest
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("ics timezone: %w", err)
		}
		loc = l
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &ICSSource{cfg: cfg, loc: loc, client: client, log: log.With(logx.String("comp", "calendar.ics"))}, nil
}

func (s *ICSSource) Fetch(ctx context.Context, q Query) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return Page{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("ics request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Page{}, fmt.Errorf("ics read: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Page{}, ErrAuthExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Page{}, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	events, err := s.parse(body, q.TimeMin, q.TimeMax)
	if err != nil {
		return Page{}, err
	}
	return Page{Events: events}, nil
}

// parse decodes a feed and returns the events overlapping [from, to], with
// recurring events expanded into one Event per occurrence.
func (s *ICSSource) parse(body []byte, from, to time.Time) ([]Event, error) {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(bytes.ToUpper(trimmed), []byte("BEGIN:VCALENDAR")) {
		return nil, errors.New("ics: response is not an iCalendar document")
	}

	dec := ical.NewDecoder(bytes.NewReader(trimmed))
	var out []Event
	overrides := map[string]bool{}
	var recurring []ical.Event
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ics decode: %w", err)
		}
		for _, ev := range cal.Events() {
			if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil {
				// A modified occurrence replaces the generated one.
				e, ok := s.toEvent(ev)
				if !ok {
					continue
				}
				if t, err := rid.DateTime(s.loc); err == nil {
					e.ID = occurrenceID(propValue(ev.Component, ical.PropUID), t)
					overrides[e.ID] = true
				}
				if overlaps(e, from, to, s.loc) {
					out = append(out, e)
				}
				continue
			}
			if ev.Props.Get(ical.PropRecurrenceRule) != nil {
				recurring = append(recurring, ev)
				continue
			}
			if e, ok := s.toEvent(ev); ok && overlaps(e, from, to, s.loc) {
				out = append(out, e)
			}
		}
	}

	for _, ev := range recurring {
		base, ok := s.toEvent(ev)
		if !ok {
			continue
		}
		start, err := ev.DateTimeStart(s.loc)
		if err != nil {
			continue
		}
		end, err := ev.DateTimeEnd(s.loc)
		if err != nil || end.IsZero() {
			end = start
		}
		dur := end.Sub(start)
		set, err := ev.RecurrenceSet(s.loc)
		if err != nil || set == nil {
			s.log.Debug("ics recurrence unreadable", logx.String("uid", base.ID), logx.Err(err))
			continue
		}
		for _, occ := range set.Between(from.Add(-dur), to, true) {
			e := base
			e.ID = occurrenceID(base.ID, occ)
			if overrides[e.ID] {
				continue
			}
			e.Start = eventTime(occ, base.Start)
			e.End = eventTime(occ.Add(dur), base.End)
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *ICSSource) toEvent(ev ical.Event) (Event, bool) {
	c := ev.Component
	e := Event{
		ID:          propValue(c, ical.PropUID),
		Summary:     propValue(c, ical.PropSummary),
		Description: propValue(c, ical.PropDescription),
		Location:    propValue(c, ical.PropLocation),
		HangoutLink: propValue(c, "X-GOOGLE-CONFERENCE"),
		Status:      "confirmed",
	}
	if e.ID == "" {
		return Event{}, false
	}
	if strings.EqualFold(propValue(c, ical.PropStatus), "CANCELLED") {
		e.Status = StatusCancelled
	}
	if u := propValue(c, ical.PropURL); u != "" {
		e.ConferenceData = &ConferenceData{EntryPoints: []EntryPoint{{EntryPointType: "video", URI: u}}}
	}
	for _, p := range c.Props.Values(ical.PropAttendee) {
		addr := p.Value
		if len(addr) > 7 && strings.EqualFold(addr[:7], "mailto:") {
			addr = addr[7:]
		}
		if addr != "" {
			e.Attendees = append(e.Attendees, Attendee{Email: addr})
		}
	}

	start, err := ev.DateTimeStart(s.loc)
	if err != nil {
		s.log.Debug("ics event without usable DTSTART", logx.String("uid", e.ID), logx.Err(err))
		return Event{}, false
	}
	end, err := ev.DateTimeEnd(s.loc)
	if err != nil || end.IsZero() {
		end = start
	}
	allDay := isDateValue(c.Props.Get(ical.PropDateTimeStart))
	e.Start = makeEventTime(start, allDay)
	e.End = makeEventTime(end, allDay)
	return e, true
}

func propValue(c *ical.Component, name string) string {
	if p := c.Props.Get(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func isDateValue(p *ical.Prop) bool {
	if p == nil {
		return false
	}
	return strings.EqualFold(p.Params.Get(ical.ParamValue), "DATE") || len(p.Value) == 8
}

func makeEventTime(t time.Time, allDay bool) *EventTime {
	if allDay {
		return &EventTime{Date: t.Format(time.DateOnly), TimeZone: t.Location().String()}
	}
	return &EventTime{DateTime: t.Format(time.RFC3339)}
}

// eventTime keeps the all-day shape of like.
func eventTime(t time.Time, like *EventTime) *EventTime {
	return makeEventTime(t, like != nil && like.Date != "")
}

// occurrenceID follows the Google convention "<uid>_<utc basic start>".
func occurrenceID(uid string, start time.Time) string {
	return uid + "_" + start.UTC().Format("20060102T150405Z")
}

func overlaps(e Event, from, to time.Time, loc *time.Location) bool {
	start, err := e.Start.Resolve(loc)
	if err != nil {
		return false
	}
	end, err := e.End.Resolve(loc)
	if err != nil {
		end = start
	}
	if end.Before(start) {
		end = start
	}
	return !start.After(to) && !end.Before(from)
}

// Resolve parses the instant. All-day dates resolve to midnight in the event
// time zone when it is known, otherwise in fallback.
func (t *EventTime) Resolve(fallback *time.Location) (time.Time, error) {
	if t == nil {
		return time.Time{}, errors.New("missing time")
	}
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if t.Date != "" {
		loc := fallback
		if t.TimeZone != "" {
			if l, err := time.LoadLocation(t.TimeZone); err == nil {
				loc = l
			}
		}
		if loc == nil {
			loc = time.Local
		}
		return time.ParseInLocation(time.DateOnly, t.Date, loc)
	}
	return time.Time{}, errors.New("empty time")
}
