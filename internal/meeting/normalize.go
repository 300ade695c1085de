package meeting

import (
	"iter"
	"net/url"
	"regexp"
	"strings"
	"time"

	"meetbell/internal/calendar"
	"meetbell/pkg/logx"
)

const (
	DefaultHost        = "meet.google.com"
	DefaultTitle       = "Untitled Meeting"
	DefaultDescription = "No agenda available"
)

type NormalizerConfig struct {
	// Host is the conference host a link must point at.
	Host string
	// Location resolves all-day dates without an explicit time zone.
	Location *time.Location
}

// Normalizer turns raw calendar events into Meetings. Events without a
// conference link, without an id or with unreadable times are dropped.
type Normalizer struct {
	host string
	re   *regexp.Regexp
	loc  *time.Location
	log  logx.Logger
}

func NewNormalizer(cfg NormalizerConfig, log logx.Logger) *Normalizer {
	host := strings.ToLower(strings.TrimSpace(cfg.Host))
	if host == "" {
		host = DefaultHost
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{
		host: host,
		re:   regexp.MustCompile(`(?i)https://` + regexp.QuoteMeta(host) + `/[a-z-]+`),
		loc:  loc,
		log:  log.With(logx.String("comp", "meeting.normalize")),
	}
}

// Host returns the conference host links are matched against.
func (n *Normalizer) Host() string { return n.host }

// Normalize yields one Meeting per qualifying event, lazily and in order.
func (n *Normalizer) Normalize(raw []calendar.Event) iter.Seq[Meeting] {
	return func(yield func(Meeting) bool) {
		for i := range raw {
			m, ok := n.normalize(&raw[i])
			if !ok {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

func (n *Normalizer) normalize(ev *calendar.Event) (Meeting, bool) {
	if ev.ID == "" {
		n.log.Debug("event without id dropped")
		return Meeting{}, false
	}
	link := n.Link(ev)
	if link == "" {
		return Meeting{}, false
	}
	start, err := ev.Start.Resolve(n.loc)
	if err != nil {
		n.log.Debug("event start unreadable; dropped", logx.String("id", ev.ID), logx.Err(err))
		return Meeting{}, false
	}
	end, err := ev.End.Resolve(n.loc)
	if err != nil {
		n.log.Debug("event end unreadable; dropped", logx.String("id", ev.ID), logx.Err(err))
		return Meeting{}, false
	}

	m := Meeting{
		ID:             ev.ID,
		Title:          strings.TrimSpace(ev.Summary),
		Start:          start,
		End:            end,
		Description:    strings.TrimSpace(ev.Description),
		ConferenceLink: link,
		Attendees:      make([]string, 0, len(ev.Attendees)),
		Status:         ParseStatus(ev.Status),
	}
	if m.Title == "" {
		m.Title = DefaultTitle
	}
	if m.Description == "" {
		m.Description = DefaultDescription
	}
	for _, a := range ev.Attendees {
		if a.Email != "" {
			m.Attendees = append(m.Attendees, a.Email)
		}
	}
	return m, true
}

// Link locates the conference link of ev. The dedicated link field wins,
// then entry points on the host, then the first link in the location and
// finally in the description.
func (n *Normalizer) Link(ev *calendar.Event) string {
	if l := strings.TrimSpace(ev.HangoutLink); l != "" && n.onHost(l) {
		return l
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.URI != "" && n.onHost(ep.URI) {
				return ep.URI
			}
		}
	}
	if l := n.re.FindString(ev.Location); l != "" {
		return l
	}
	return n.re.FindString(ev.Description)
}

func (n *Normalizer) onHost(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), n.host)
}
