package model

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// Event lifecycle statuses as reported by the host calendar.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// dateLayout is the all-day date format used by EventTime.Date.
const dateLayout = "2006-01-02"

// EventTime is either an instant ("dateTime") or an all-day date. Exactly one
// of DateTime / Date is expected to be set.
type EventTime struct {
	// DateTime is an RFC3339 timestamp.
	DateTime string `json:"dateTime,omitempty"`
	// Date is a YYYY-MM-DD all-day date.
	Date string `json:"date,omitempty"`
	// TimeZone is the optional IANA zone the host attached to DateTime.
	TimeZone string `json:"timeZone,omitempty"`
}

// IsAllDay reports whether t is a date-only value.
func (t EventTime) IsAllDay() bool {
	return t.DateTime == "" && t.Date != ""
}

// Time parses t into a time.Time. All-day dates are interpreted at midnight
// in loc (UTC when loc is nil).
func (t EventTime) Time(loc *time.Location) (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(dateLayout, t.Date, loc)
}

// Attendee is a single invitee on an event. Writes replace the whole
// attendee list, so every writable host field is carried through.
type Attendee struct {
	ID               string `json:"id,omitempty"`
	Email            string `json:"email"`
	DisplayName      string `json:"displayName,omitempty"`
	ResponseStatus   string `json:"responseStatus,omitempty"`
	Comment          string `json:"comment,omitempty"`
	Optional         bool   `json:"optional,omitempty"`
	Resource         bool   `json:"resource,omitempty"`
	AdditionalGuests int64  `json:"additionalGuests,omitempty"`
}

// Event is a calendar event as seen through the host API. Blocks on the
// blocker calendar are Events whose Description is the mirrored source id.
type Event struct {
	ID          string `json:"id"`
	Status      string `json:"status,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`

	Start EventTime `json:"start"`
	End   EventTime `json:"end"`

	// Recurrence holds RRULE/EXDATE/RDATE lines; only set on a series parent.
	Recurrence []string   `json:"recurrence,omitempty"`
	Attendees  []Attendee `json:"attendees,omitempty"`

	// Set by the host for expanded instances; informational only.
	RecurringEventID  string     `json:"recurringEventId,omitempty"`
	OriginalStartTime *EventTime `json:"originalStartTime,omitempty"`
}

// Cancelled reports whether the event has been cancelled at the source.
func (e *Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// HasAttendee reports whether email is among the attendees. Comparison is
// case-insensitive; order is not significant.
func (e *Event) HasAttendee(email string) bool {
	for _, a := range e.Attendees {
		if strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing cached values.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Recurrence = slices.Clone(e.Recurrence)
	c.Attendees = slices.Clone(e.Attendees)
	if e.OriginalStartTime != nil {
		ost := *e.OriginalStartTime
		c.OriginalStartTime = &ost
	}
	return &c
}

// SameRecurrence compares two rule lists by content. nil and empty are equal.
func SameRecurrence(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return slices.Equal(a, b)
}

// Occurrence represents a single concrete busy interval, after recurrence
// expansion and timezone normalization.
type Occurrence struct {
	SourceID string // where the interval came from (blocker calendar or ICS feed id)
	UID      string // event id / iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Summary string
	AllDay  bool
	// Free marks intervals that must not count as busy (TRANSP:TRANSPARENT).
	Free bool

	Start time.Time
	End   time.Time
}

var instanceSuffix = regexp.MustCompile(`_\d{8}T\d{6}Z$`)

// IsInstanceID reports whether id has the recurring-instance form
// <parentId>_<YYYYMMDDTHHMMSSZ>.
func IsInstanceID(id string) bool {
	return instanceSuffix.MatchString(id)
}

// ParentID strips the instance timestamp suffix. Ids without the suffix are
// returned unchanged.
func ParentID(id string) string {
	return instanceSuffix.ReplaceAllString(id, "")
}

// SameTime reports whether a and b denote the same start/end value. Instants
// are compared as instants, so the host re-rendering an offset does not
// count as a change. A zone only matters when both sides carry one.
func SameTime(a, b EventTime) bool {
	if a.DateTime != "" && b.DateTime != "" {
		if a.TimeZone != "" && b.TimeZone != "" && a.TimeZone != b.TimeZone {
			return false
		}
		ta, errA := time.Parse(time.RFC3339, a.DateTime)
		tb, errB := time.Parse(time.RFC3339, b.DateTime)
		if errA != nil || errB != nil {
			return a.DateTime == b.DateTime
		}
		return ta.Equal(tb)
	}
	return a.DateTime == b.DateTime && a.Date == b.Date
}
