package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// TZID values in feeds and host recurrence lines must resolve on hosts
	// without a zoneinfo directory.
	_ "time/tzdata"

	"github.com/teambition/rrule-go"

	appLog "blocksync/internal/log"
	"blocksync/internal/model"
)

const defaultMaxOccurrences = 5000

// Window bounds expansion. Occurrences overlapping [Start, End) are kept and
// converted into Location.
type Window struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
	// MaxOccurrences caps one series; zero means the default.
	MaxOccurrences int
}

func (w Window) normalized() (Window, error) {
	if w.End.Before(w.Start) {
		return w, errors.New("expand: window end is before start")
	}
	if w.Location == nil {
		w.Location = time.Local
	}
	if w.MaxOccurrences <= 0 {
		w.MaxOccurrences = defaultMaxOccurrences
	}
	return w, nil
}

// Expand turns parsed feed events into concrete occurrences, applying RRULE,
// EXDATE and RECURRENCE-ID overrides.
func Expand(events []ParsedEvent, w Window) ([]model.Occurrence, error) {
	w, err := w.normalized()
	if err != nil {
		return nil, err
	}

	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		}
	}

	var out []model.Occurrence
	for _, ev := range events {
		if ev.IsOverride() {
			continue
		}
		if ev.RRule == "" {
			if overlaps(ev.Start, ev.End, w) {
				out = append(out, occurrence(ev.FeedID, ev.UID, ev.Summary, ev.AllDay, ev.Free, ev.Start, ev.End, w.Location))
			}
			continue
		}

		r, err := rrule.StrToRRule(ev.RRule)
		if err != nil {
			appLog.Warn("skipping unparsable RRULE", "uid", ev.UID, "rrule", ev.RRule)
			continue
		}
		r.DTStart(ev.Start)
		set := &rrule.Set{}
		set.RRule(r)
		for _, ex := range ev.ExDates {
			set.ExDate(ex.In(ev.Start.Location()))
		}
		for _, start := range between(set, ev.UID, ev.End.Sub(ev.Start), w) {
			o := ev
			end := start.Add(ev.End.Sub(ev.Start))
			if ov, ok := findOverride(overrides[ev.UID], start); ok {
				o, start, end = ov, ov.Start, ov.End
			}
			if overlaps(start, end, w) {
				out = append(out, occurrence(ev.FeedID, ev.UID, o.Summary, ev.AllDay, o.Free, start, end, w.Location))
			}
		}
	}
	return out, nil
}

// ExpandBlocks turns blocker-calendar events into occurrences. Blocks that
// carry recurrence lines (RRULE, RDATE, EXDATE) are expanded as series.
func ExpandBlocks(sourceID string, blocks []*model.Event, w Window) ([]model.Occurrence, error) {
	w, err := w.normalized()
	if err != nil {
		return nil, err
	}

	var out []model.Occurrence
	for _, b := range blocks {
		if b.Cancelled() {
			continue
		}
		start, err := b.Start.Time(w.Location)
		if err != nil {
			appLog.Warn("skipping block with bad start", "block_id", b.ID, "reason", err.Error())
			continue
		}
		end, err := b.End.Time(w.Location)
		if err != nil {
			appLog.Warn("skipping block with bad end", "block_id", b.ID, "reason", err.Error())
			continue
		}
		if loc := zoneOf(b.Start); loc != nil {
			start = start.In(loc)
		}
		allDay := b.Start.IsAllDay()

		if len(b.Recurrence) == 0 {
			if overlaps(start, end, w) {
				out = append(out, occurrence(sourceID, b.ID, b.Summary, allDay, false, start, end, w.Location))
			}
			continue
		}

		set, err := recurrenceSet(b.Recurrence, start)
		if err != nil {
			appLog.Warn("skipping block with bad recurrence", "block_id", b.ID, "reason", err.Error())
			continue
		}
		dur := end.Sub(start)
		for _, s := range between(set, b.ID, dur, w) {
			if overlaps(s, s.Add(dur), w) {
				out = append(out, occurrence(sourceID, b.ID, b.Summary, allDay, false, s, s.Add(dur), w.Location))
			}
		}
	}
	return out, nil
}

// recurrenceSet builds an rrule.Set from host recurrence lines such as
// "RRULE:FREQ=WEEKLY;BYDAY=MO" or "EXDATE;TZID=Europe/Berlin:20250623T090000".
func recurrenceSet(lines []string, dtstart time.Time) (*rrule.Set, error) {
	set := &rrule.Set{}
	for _, line := range lines {
		head, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed recurrence line %q", line)
		}
		name, params, _ := strings.Cut(head, ";")
		tzid := ""
		for _, p := range strings.Split(params, ";") {
			if k, v, ok := strings.Cut(p, "="); ok && strings.EqualFold(k, "TZID") {
				tzid = v
			}
		}
		switch strings.ToUpper(name) {
		case "RRULE":
			r, err := rrule.StrToRRule(value)
			if err != nil {
				return nil, err
			}
			r.DTStart(dtstart)
			set.RRule(r)
		case "EXDATE":
			for _, t := range parseTimeList(value, tzid) {
				set.ExDate(t)
			}
		case "RDATE":
			for _, t := range parseTimeList(value, tzid) {
				set.RDate(t)
			}
		}
	}
	return set, nil
}

// between lists series starts whose occurrence can overlap w.
func between(set *rrule.Set, uid string, dur time.Duration, w Window) []time.Time {
	starts := set.Between(w.Start.Add(-dur), w.End, true)
	if len(starts) > w.MaxOccurrences {
		appLog.Warn("truncated recurrence expansion", "uid", uid, "cap", w.MaxOccurrences)
		starts = starts[:w.MaxOccurrences]
	}
	return starts
}

func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func zoneOf(t model.EventTime) *time.Location {
	if t.TimeZone == "" {
		return nil
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return nil
	}
	return loc
}

func overlaps(start, end time.Time, w Window) bool {
	return start.Before(w.End) && end.After(w.Start)
}

func occurrence(sourceID, uid, summary string, allDay, free bool, start, end time.Time, loc *time.Location) model.Occurrence {
	s := start.In(loc)
	return model.Occurrence{
		SourceID:    sourceID,
		UID:         uid,
		InstanceKey: s.Format(time.RFC3339),
		Summary:     summary,
		AllDay:      allDay,
		Free:        free,
		Start:       s,
		End:         end.In(loc),
	}
}
