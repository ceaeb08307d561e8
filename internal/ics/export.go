package ics

import (
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"blocksync/internal/model"
)

const productID = "-//blocksync//blocks//EN"

// ExportBlocks writes blocks as a PUBLISH calendar. Recurrence lines are
// carried over verbatim so subscribers expand them the same way the host does.
func ExportBlocks(w io.Writer, blocks []*model.Event, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	for _, b := range blocks {
		if b.Cancelled() {
			continue
		}
		ev := cal.AddEvent(b.ID + "@blocksync")
		ev.SetDtStampTime(stamp.UTC())
		ev.SetSummary(b.Summary)
		if b.Description != "" {
			ev.SetDescription(b.Description)
		}

		if b.Start.IsAllDay() {
			start, err := b.Start.Time(time.UTC)
			if err != nil {
				continue
			}
			end, err := b.End.Time(time.UTC)
			if err != nil {
				end = start.AddDate(0, 0, 1)
			}
			ev.SetAllDayStartAt(start)
			ev.SetAllDayEndAt(end)
		} else {
			start, err := b.Start.Time(nil)
			if err != nil {
				continue
			}
			end, err := b.End.Time(nil)
			if err != nil {
				end = start
			}
			ev.SetStartAt(start.UTC())
			ev.SetEndAt(end.UTC())
		}

		for _, line := range b.Recurrence {
			head, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			name, params, _ := strings.Cut(head, ";")
			var props []ical.PropertyParameter
			for _, p := range strings.Split(params, ";") {
				if k, v, ok := strings.Cut(p, "="); ok {
					props = append(props, &ical.KeyValues{Key: strings.ToUpper(k), Value: []string{v}})
				}
			}
			ev.AddProperty(ical.ComponentProperty(strings.ToUpper(name)), value, props...)
		}
	}
	return cal.SerializeTo(w)
}
