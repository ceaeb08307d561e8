// Package sweep restores the at-most-one-block-per-source-event invariant on
// the blocker calendar.
package sweep

import (
	"context"
	"fmt"
	"strings"
	"time"

	"blocksync/internal/calendar"
	appLog "blocksync/internal/log"
	"blocksync/internal/model"
)

const (
	DefaultLookbackDays = 365
	defaultPageSize     = 250
)

// Settings is the value-typed configuration of a Sweeper.
type Settings struct {
	BlockerCalendarID string
	LookbackDays      int
	PageSize          int
	// DryRun computes the removal plan without executing it.
	DryRun bool
}

// Reason tells why a block was queued for removal.
type Reason string

const (
	ReasonDuplicate Reason = "duplicate"
	ReasonInstance  Reason = "instance"
)

// Removal is one block queued for removal.
type Removal struct {
	BlockID     string `json:"block_id"`
	Description string `json:"description"`
	// KeptID is the canonical block kept for the same source id, if any.
	KeptID string `json:"kept_id,omitempty"`
	Reason Reason `json:"reason"`
	Err    error  `json:"-"`
}

// Report summarizes one sweep.
type Report struct {
	DryRun            bool          `json:"dry_run"`
	Considered        int           `json:"considered"`
	DuplicatesFound   int           `json:"duplicates_found"`
	DuplicatesRemoved int           `json:"duplicates_removed"`
	InstancesFound    int           `json:"instance_blocks_found"`
	InstancesRemoved  int           `json:"instance_blocks_removed"`
	Failures          int           `json:"failures"`
	Removals          []Removal     `json:"removals"`
	Started           time.Time     `json:"started"`
	Duration          time.Duration `json:"duration"`
}

// Sweeper scans the blocker calendar for extra blocks.
type Sweeper struct {
	api      calendar.API
	settings Settings
	now      func() time.Time
}

// New builds a Sweeper. now may be nil.
func New(api calendar.API, settings Settings, now func() time.Time) *Sweeper {
	if settings.LookbackDays <= 0 {
		settings.LookbackDays = DefaultLookbackDays
	}
	if settings.PageSize <= 0 {
		settings.PageSize = defaultPageSize
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{api: api, settings: settings, now: now}
}

// NormalizeID is the sweep's grouping key: everything before the first
// underscore. Ids that contain underscores for other reasons are grouped
// too coarsely; the reconciler uses model.ParentID instead.
func NormalizeID(description string) string {
	id, _, _ := strings.Cut(description, "_")
	return id
}

// Plan groups blocks by normalized source id and returns the removals, in
// listing order of discovery.
func Plan(blocks []*model.Event) (considered int, removals []Removal) {
	canonical := make(map[string]*model.Event)
	for _, b := range blocks {
		if b.Cancelled() || b.Description == "" {
			continue
		}
		considered++

		if model.IsInstanceID(b.Description) {
			removals = append(removals, Removal{BlockID: b.ID, Description: b.Description, Reason: ReasonInstance})
			continue
		}

		key := NormalizeID(b.Description)
		kept, seen := canonical[key]
		if !seen {
			canonical[key] = b
			continue
		}
		if kept.Description != key && b.Description == key {
			canonical[key] = b
			removals = append(removals, Removal{BlockID: kept.ID, Description: kept.Description, KeptID: b.ID, Reason: ReasonDuplicate})
			continue
		}
		removals = append(removals, Removal{BlockID: b.ID, Description: b.Description, KeptID: kept.ID, Reason: ReasonDuplicate})
	}
	return considered, removals
}

// Run lists the blocker calendar over the lookback window and removes every
// queued block with notifications suppressed. Removal failures are recorded
// per item; a listing failure aborts the sweep.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	started := s.now()
	rep := &Report{DryRun: s.settings.DryRun, Started: started}
	defer func() { rep.Duration = s.now().Sub(started) }()

	events, _, err := calendar.ListAll(ctx, s.api, s.settings.BlockerCalendarID, calendar.ListOptions{
		TimeMin:    started.AddDate(0, 0, -s.settings.LookbackDays),
		MaxResults: s.settings.PageSize,
	})
	if err != nil {
		return rep, fmt.Errorf("list blocks on %s: %w", s.settings.BlockerCalendarID, err)
	}

	considered, removals := Plan(events)
	rep.Considered = considered
	for _, r := range removals {
		if r.Reason == ReasonInstance {
			rep.InstancesFound++
		} else {
			rep.DuplicatesFound++
		}
	}
	appLog.Info("sweep plan",
		"calendar", s.settings.BlockerCalendarID,
		"considered", considered,
		"duplicates", rep.DuplicatesFound,
		"instances", rep.InstancesFound,
		"dry_run", s.settings.DryRun,
	)

	for i := range removals {
		r := &removals[i]
		if s.settings.DryRun {
			appLog.Info("dry run: would remove block", "block_id", r.BlockID, "description", r.Description, "reason", r.Reason)
			continue
		}
		if err := s.api.Remove(ctx, s.settings.BlockerCalendarID, r.BlockID, calendar.SendUpdatesNone); err != nil {
			appLog.Error("remove block failed", err, "block_id", r.BlockID, "description", r.Description)
			r.Err = err
			rep.Failures++
			continue
		}
		appLog.Debug("removed block", "block_id", r.BlockID, "description", r.Description, "reason", r.Reason)
		if r.Reason == ReasonInstance {
			rep.InstancesRemoved++
		} else {
			rep.DuplicatesRemoved++
		}
	}
	rep.Removals = removals

	appLog.Info("sweep complete",
		"duplicates_removed", rep.DuplicatesRemoved,
		"instances_removed", rep.InstancesRemoved,
		"failures", rep.Failures,
	)
	return rep, nil
}
