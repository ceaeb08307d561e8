package reconcile

import (
	"time"
)

// Action is the decision taken for one source event.
type Action string

const (
	ActionCreated                Action = "created"
	ActionUpdated                Action = "updated"
	ActionDeleted                Action = "deleted"
	ActionUnchanged              Action = "unchanged"
	ActionAttendeeAdded          Action = "attendee_added"
	ActionSkippedInstanceCovered Action = "skipped_instance_covered"
	ActionSkippedFarFuture       Action = "skipped_far_future"
	ActionSkippedInProgress      Action = "skipped_in_progress"
	ActionIgnoredCancelled       Action = "ignored_cancelled"

	ActionCreateFailed   Action = "create_failed"
	ActionUpdateFailed   Action = "update_failed"
	ActionDeleteFailed   Action = "delete_failed"
	ActionAttendeeFailed Action = "attendee_failed"
)

// Failed reports whether a is the failure variant of a mutation.
func (a Action) Failed() bool {
	switch a {
	case ActionCreateFailed, ActionUpdateFailed, ActionDeleteFailed, ActionAttendeeFailed:
		return true
	}
	return false
}

// Mutating reports whether a issued a write against a calendar.
func (a Action) Mutating() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted, ActionAttendeeAdded:
		return true
	}
	return a.Failed()
}

// Outcome is the result of one decision for one event. Err is set only for
// failed actions.
type Outcome struct {
	EventID string `json:"event_id"`
	BlockID string `json:"block_id,omitempty"`
	Action  Action `json:"action"`
	Err     error  `json:"-"`
	// Message mirrors Err for JSON views.
	Message string `json:"error,omitempty"`
}

// Reason is the failure message, if any.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// CalendarReport aggregates one reconciliation pass over a source calendar.
type CalendarReport struct {
	CalendarID string `json:"calendar_id"`
	Name       string `json:"name"`
	DryRun     bool   `json:"dry_run"`

	Events    int  `json:"events"`
	Pages     int  `json:"pages"`
	FullSync  bool `json:"full_sync"`
	Recovered bool `json:"recovered_stale_cursor"`

	Outcomes []Outcome      `json:"outcomes"`
	Counts   map[Action]int `json:"counts"`

	// Block lookups served by the pass cache vs. sent to the host.
	CacheHits   int `json:"cache_hits"`
	CacheMisses int `json:"cache_misses"`

	// Err is set when the pass was aborted (e.g. a retrieval failure).
	Err error `json:"-"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

func newCalendarReport(src Source, dryRun bool, started time.Time) *CalendarReport {
	return &CalendarReport{
		CalendarID: src.CalendarID,
		Name:       src.Name,
		DryRun:     dryRun,
		Counts:     make(map[Action]int),
		Started:    started,
	}
}

func (r *CalendarReport) add(o Outcome) {
	if o.Err != nil {
		o.Message = o.Err.Error()
	}
	r.Outcomes = append(r.Outcomes, o)
	r.Counts[o.Action]++
}

// Count returns how many outcomes had action a.
func (r *CalendarReport) Count(a Action) int {
	return r.Counts[a]
}

// Failures counts failed mutations.
func (r *CalendarReport) Failures() int {
	n := 0
	for a, c := range r.Counts {
		if a.Failed() {
			n += c
		}
	}
	return n
}

// Mutations counts attempted writes, successful or not.
func (r *CalendarReport) Mutations() int {
	n := 0
	for a, c := range r.Counts {
		if a.Mutating() {
			n += c
		}
	}
	return n
}

// Error returns the abort reason, if any, as a string for JSON views.
func (r *CalendarReport) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
