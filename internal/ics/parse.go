// Package ics reads busy time from ICS feeds and recurring blocks, and writes
// the blocker calendar back out as ICS.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "blocksync/internal/log"
)

// ParsedEvent is one VEVENT before recurrence expansion.
type ParsedEvent struct {
	FeedID  string
	UID     string
	Summary string

	Start  time.Time
	End    time.Time
	AllDay bool
	// Free is set for TRANSP:TRANSPARENT events.
	Free bool

	RRule   string
	ExDates []time.Time
	// RecurrenceID is set on overrides of a single recurring instance.
	RecurrenceID *time.Time
}

// IsOverride reports whether e replaces one instance of a series.
func (e ParsedEvent) IsOverride() bool {
	return e.RecurrenceID != nil
}

// Parse decodes an ICS payload. VEVENTs that cannot be read are logged and
// skipped; the payload as a whole only fails on a calendar-level error.
func Parse(feedID string, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics %s: %w", feedID, err)
	}

	var events []ParsedEvent
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(feedID, ve)
		if err != nil {
			appLog.Warn("skipping vevent", "feed", feedID, "reason", err.Error())
			continue
		}
		events = append(events, ev)
	}
	appLog.Debug("ics parsed", "feed", feedID, "events", len(events))
	return events, nil
}

func parseVEvent(feedID string, ve *ical.VEvent) (ParsedEvent, error) {
	out := ParsedEvent{FeedID: feedID}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uid.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentProperty("TRANSP")); p != nil {
		out.Free = strings.EqualFold(strings.TrimSpace(p.Value), "TRANSPARENT")
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("uid %s: DTSTART: %w", out.UID, err)
	}
	out.Start = start

	if dt := ve.GetProperty(ical.ComponentPropertyDtStart); dt != nil {
		out.AllDay = !strings.Contains(dt.Value, "T") || paramIs(dt, "VALUE", "DATE")
	}

	end, err := ve.GetEndAt()
	switch {
	case err == nil:
		out.End = end
	case out.AllDay:
		out.End = out.Start.AddDate(0, 0, 1)
	default:
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		out.ExDates = append(out.ExDates, parseTimeList(p.Value, tzidOf(p))...)
	}
	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if ts := parseTimeList(p.Value, tzidOf(p)); len(ts) > 0 {
			out.RecurrenceID = &ts[0]
		}
	}
	return out, nil
}

func paramIs(p *ical.IANAProperty, key, want string) bool {
	vs, ok := p.ICalParameters[key]
	return ok && len(vs) > 0 && strings.EqualFold(vs[0], want)
}

func tzidOf(p *ical.IANAProperty) string {
	if vs, ok := p.ICalParameters["TZID"]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseTimeList parses a comma-separated DATE / DATE-TIME list. Floating
// values use tzid when it resolves, UTC otherwise.
func parseTimeList(v, tzid string) []time.Time {
	loc := time.UTC
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	var out []time.Time
	for _, part := range strings.Split(v, ",") {
		if t, err := parseICSTime(strings.TrimSpace(part), loc); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
