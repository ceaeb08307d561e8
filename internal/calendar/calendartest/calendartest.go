// Package calendartest provides an in-memory calendar.API with sync-token
// semantics, call recording and error injection.
package calendartest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"blocksync/internal/calendar"
	"blocksync/internal/model"
)

// Op names a host API operation.
type Op string

const (
	OpList   Op = "list"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Call records one API invocation.
type Call struct {
	Op          Op
	CalendarID  string
	EventID     string
	Options     calendar.ListOptions
	SendUpdates calendar.SendUpdates
	Event       *model.Event
}

// ErrNotFound is returned by Update/Remove for unknown ids.
var ErrNotFound = errors.New("calendartest: event not found")

type stored struct {
	ev      *model.Event
	version int64
}

type store struct {
	events map[string]*stored
	order  []string
	// clock increments on every change; sync tokens encode it.
	clock int64
	// tokens minted below this clock value are rejected.
	validFrom int64
}

// Calendar is a fake multi-calendar host. The zero value is not usable; use New.
type Calendar struct {
	mu        sync.Mutex
	calendars map[string]*store
	nextID    int
	calls     []Call

	// PageSize caps items per page when the caller does not set MaxResults.
	PageSize int

	// Fail, when set, is consulted before every operation; a non-nil return
	// is handed back to the caller instead of performing the operation.
	Fail func(op Op, calendarID, eventID string) error
}

var _ calendar.API = (*Calendar)(nil)

// New returns an empty fake host.
func New() *Calendar {
	return &Calendar{calendars: make(map[string]*store), PageSize: 250}
}

func (c *Calendar) cal(id string) *store {
	s, ok := c.calendars[id]
	if !ok {
		s = &store{events: make(map[string]*stored)}
		c.calendars[id] = s
	}
	return s
}

// Put creates or replaces an event as if it was edited directly on the host.
// Empty ids get a generated one. Returns the stored id.
func (c *Calendar) Put(calendarID string, ev *model.Event) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(calendarID, ev.Clone())
}

func (c *Calendar) put(calendarID string, ev *model.Event) string {
	s := c.cal(calendarID)
	if ev.ID == "" {
		c.nextID++
		ev.ID = "evt" + strconv.Itoa(c.nextID)
	}
	if ev.Status == "" {
		ev.Status = model.StatusConfirmed
	}
	s.clock++
	if _, ok := s.events[ev.ID]; !ok {
		s.order = append(s.order, ev.ID)
	}
	s.events[ev.ID] = &stored{ev: ev, version: s.clock}
	return ev.ID
}

// Cancel marks an event cancelled, as the host does on delete.
func (c *Calendar) Cancel(calendarID, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.cal(calendarID)
	if st, ok := s.events[eventID]; ok {
		ev := st.ev.Clone()
		ev.Status = model.StatusCancelled
		c.put(calendarID, ev)
	}
}

// InvalidateSyncTokens makes every token issued so far for calendarID stale.
func (c *Calendar) InvalidateSyncTokens(calendarID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.cal(calendarID)
	s.clock++
	s.validFrom = s.clock
}

// Get returns a copy of the event, including cancelled ones.
func (c *Calendar) Get(calendarID, eventID string) (*model.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cal(calendarID).events[eventID]
	if !ok {
		return nil, false
	}
	return st.ev.Clone(), true
}

// Events returns copies of all non-cancelled events in insertion order.
func (c *Calendar) Events(calendarID string) []*model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.cal(calendarID)
	out := make([]*model.Event, 0, len(s.order))
	for _, id := range s.order {
		if ev := s.events[id].ev; !ev.Cancelled() {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// BlocksFor returns live events whose description equals sourceID.
func (c *Calendar) BlocksFor(calendarID, sourceID string) []*model.Event {
	var out []*model.Event
	for _, ev := range c.Events(calendarID) {
		if ev.Description == sourceID {
			out = append(out, ev)
		}
	}
	return out
}

// Calls returns a copy of the recorded calls.
func (c *Calendar) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsFor returns recorded calls of op against calendarID.
func (c *Calendar) CallsFor(op Op, calendarID string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op && call.CalendarID == calendarID {
			out = append(out, call)
		}
	}
	return out
}

// Mutations counts insert/update/remove calls across all calendars.
func (c *Calendar) Mutations() int {
	n := 0
	for _, call := range c.Calls() {
		if call.Op != OpList {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (c *Calendar) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *Calendar) record(call Call) error {
	c.calls = append(c.calls, call)
	if c.Fail != nil {
		return c.Fail(call.Op, call.CalendarID, call.EventID)
	}
	return nil
}

func (c *Calendar) List(_ context.Context, calendarID string, opts calendar.ListOptions) (*calendar.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(Call{Op: OpList, CalendarID: calendarID, Options: opts}); err != nil {
		return nil, err
	}
	s := c.cal(calendarID)

	var since int64 = -1
	if opts.SyncToken != "" {
		v, err := parseSyncToken(opts.SyncToken)
		if err != nil || v < s.validFrom {
			return nil, fmt.Errorf("googleapi: Error 410: %s. Please perform a full sync without a syncToken., fullSyncRequired", calendar.StaleSyncTokenMessage)
		}
		since = v
	}

	var matched []*model.Event
	for _, id := range s.order {
		st := s.events[id]
		ev := st.ev
		if since >= 0 {
			if st.version <= since {
				continue
			}
		} else {
			if ev.Cancelled() && !opts.ShowDeleted {
				continue
			}
			if !opts.TimeMin.IsZero() && endsBefore(ev, opts.TimeMin) {
				continue
			}
		}
		if opts.Q != "" && !matchesQuery(ev, opts.Q) {
			continue
		}
		matched = append(matched, ev)
	}
	offset := 0
	if opts.PageToken != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(opts.PageToken, "page-"))
		if err != nil {
			return nil, fmt.Errorf("calendartest: bad page token %q", opts.PageToken)
		}
		offset = n
	}
	size := opts.MaxResults
	if size <= 0 {
		size = c.PageSize
	}
	if size <= 0 {
		size = len(matched) + 1
	}

	page := &calendar.Page{}
	end := offset + size
	if end >= len(matched) {
		end = len(matched)
		if opts.Q == "" {
			page.NextSyncToken = "sync-" + strconv.FormatInt(s.clock, 10)
		}
	} else {
		page.NextPageToken = "page-" + strconv.Itoa(end)
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	for _, ev := range matched[offset:end] {
		page.Items = append(page.Items, ev.Clone())
	}
	return page, nil
}

func (c *Calendar) Insert(_ context.Context, calendarID string, ev *model.Event, su calendar.SendUpdates) (*model.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(Call{Op: OpInsert, CalendarID: calendarID, SendUpdates: su, Event: ev.Clone()}); err != nil {
		return nil, err
	}
	cp := ev.Clone()
	cp.ID = ""
	c.put(calendarID, cp)
	return cp.Clone(), nil
}

func (c *Calendar) Update(_ context.Context, calendarID, eventID string, ev *model.Event, su calendar.SendUpdates) (*model.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(Call{Op: OpUpdate, CalendarID: calendarID, EventID: eventID, SendUpdates: su, Event: ev.Clone()}); err != nil {
		return nil, err
	}
	if _, ok := c.cal(calendarID).events[eventID]; !ok {
		return nil, ErrNotFound
	}
	cp := ev.Clone()
	cp.ID = eventID
	c.put(calendarID, cp)
	return cp.Clone(), nil
}

func (c *Calendar) Remove(_ context.Context, calendarID, eventID string, su calendar.SendUpdates) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(Call{Op: OpRemove, CalendarID: calendarID, EventID: eventID, SendUpdates: su}); err != nil {
		return err
	}
	st, ok := c.cal(calendarID).events[eventID]
	if !ok || st.ev.Cancelled() {
		return ErrNotFound
	}
	ev := st.ev.Clone()
	ev.Status = model.StatusCancelled
	c.put(calendarID, ev)
	return nil
}

func parseSyncToken(tok string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(tok, "sync-"), 10, 64)
}

// matchesQuery is a deliberately loose substring match, like the host's
// free-text search.
func matchesQuery(ev *model.Event, q string) bool {
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(ev.Description), q) ||
		strings.Contains(strings.ToLower(ev.Summary), q)
}

func endsBefore(ev *model.Event, t time.Time) bool {
	end, err := ev.End.Time(time.UTC)
	if err != nil {
		return false
	}
	return end.Before(t)
}
