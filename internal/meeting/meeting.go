// Package meeting holds the canonical meeting model and the normalizer that
// derives it from raw calendar events.
package meeting

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus maps provider statuses; anything but "cancelled" is confirmed.
func ParseStatus(s string) Status {
	if Status(s) == StatusCancelled {
		return StatusCancelled
	}
	return StatusConfirmed
}

// Meeting is a calendar event that carries a conference link.
type Meeting struct {
	ID             string
	Title          string
	Start          time.Time
	End            time.Time
	Description    string
	ConferenceLink string
	Attendees      []string
	Status         Status
}

func (m Meeting) Cancelled() bool { return m.Status == StatusCancelled }

// FireAt is the instant the alert of kind k is due.
func (m Meeting) FireAt(k Kind) time.Time { return m.Start.Add(-k.Offset()) }

// Record is a tracked meeting plus the instant its triggers were armed.
type Record struct {
	Meeting
	ScheduledAt time.Time
}

// Kind names one of the four alerts raised per meeting.
type Kind string

const (
	KindMain    Kind = "main"
	KindEarly15 Kind = "early15"
	KindEarly10 Kind = "early10"
	KindEarly5  Kind = "early5"
)

var (
	allKinds   = []Kind{KindEarly15, KindEarly10, KindEarly5, KindMain}
	earlyKinds = []Kind{KindEarly15, KindEarly10, KindEarly5}
)

// Kinds returns every kind in firing order.
func Kinds() []Kind { return append([]Kind(nil), allKinds...) }

// EarlyKinds returns the early kinds, furthest first.
func EarlyKinds() []Kind { return append([]Kind(nil), earlyKinds...) }

func ParseKind(s string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown notification kind %q", s)
}

// Minutes is the lead time of k; zero for main.
func (k Kind) Minutes() int {
	switch k {
	case KindEarly15:
		return 15
	case KindEarly10:
		return 10
	case KindEarly5:
		return 5
	default:
		return 0
	}
}

func (k Kind) Offset() time.Duration { return time.Duration(k.Minutes()) * time.Minute }

func (k Kind) Early() bool { return k.Minutes() > 0 }
