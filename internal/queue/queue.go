// Package queue implements the Queue Manager of spec.md §4.7: two logical
// sets (waiting, in-flight), FIFO admission with playlist sub-indexing,
// per-extractor concurrency quotas enforced at dispatch time, and the
// item status state machine. Grounded on the teacher's
// internal/queue/queue.go (sync.Cond-driven Push/Pop/Wait/Signal/Broadcast
// and the MoveToFirst/Prev/Next/Last reordering family) and
// internal/queue/scheduler.go's per-host admission-quota scan, generalized
// here from per-host to per-extractor.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dlqueued/internal/eventbus"
)

// Status is the closed set of item lifecycle states from spec.md §3/§4.7.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPreparing      Status = "preparing"
	StatusDownloading    Status = "downloading"
	StatusPostprocessing Status = "postprocessing"
	StatusFinished       Status = "finished"
	StatusError          Status = "error"
	StatusCancelled      Status = "cancelled"
	StatusPaused         Status = "paused"
	StatusNotLive        Status = "not_live"
	StatusSkip           Status = "skip"
)

// Terminal reports whether a status ends an item's time in the queue.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled, StatusNotLive, StatusSkip:
		return true
	default:
		return false
	}
}

var validTransitions = map[Status][]Status{
	StatusPending:        {StatusPreparing, StatusCancelled, StatusPaused},
	StatusPaused:         {StatusPending, StatusCancelled},
	StatusPreparing:      {StatusDownloading, StatusError, StatusSkip, StatusNotLive, StatusCancelled},
	StatusDownloading:    {StatusPostprocessing, StatusError, StatusCancelled},
	StatusPostprocessing: {StatusFinished, StatusError},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Item is the in-memory representation of a queued download, mirroring
// storage.Item but carrying runtime-only fields (SubIndex) used for
// playlist tie-breaking.
type Item struct {
	ID        string
	URL       string
	Status    Status
	CreatedAt time.Time
	SubIndex  int

	Preset   string
	Folder   string
	Template string
	CLI      string
	Cookies  string

	AutoStart bool
	Extras    map[string]any
	Error     string

	Filename  string
	FileSize  int64
	Extractor string
	Title     string
	Thumbnail string
	Duration  float64
}

// Manager owns the waiting/in-flight sets and publishes lifecycle events.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	waiting  []*Item
	inFlight map[string]*Item

	paused bool

	quota    map[string]int // extractor (lower-case) -> max concurrent, 0 = use default
	active   map[string]int // extractor (lower-case) -> current in-flight count
	defQuota int

	bus *eventbus.Bus
}

// New builds an empty Manager. defaultQuota is the per-extractor
// concurrency limit used when no override is configured for an extractor.
func New(bus *eventbus.Bus, defaultQuota int) *Manager {
	m := &Manager{
		inFlight: make(map[string]*Item),
		quota:    make(map[string]int),
		active:   make(map[string]int),
		defQuota: defaultQuota,
		bus:      bus,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetQuota overrides the per-extractor concurrency limit.
func (m *Manager) SetQuota(extractor string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota[lower(extractor)] = n
}

func (m *Manager) quotaFor(extractor string) int {
	if n, ok := m.quota[extractor]; ok && n > 0 {
		return n
	}
	return m.defQuota
}

// Add admits item into the waiting set in FIFO order (CreatedAt, then
// SubIndex for playlist children sharing a parent's timestamp) and wakes
// one dispatcher.
func (m *Manager) Add(item *Item) {
	m.mu.Lock()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	m.waiting = append(m.waiting, item)
	sort.SliceStable(m.waiting, func(i, j int) bool {
		a, b := m.waiting[i], m.waiting[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.SubIndex < b.SubIndex
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	m.cond.Signal()
	m.mu.Unlock()

	m.publish(eventbus.ItemAdded, item)
}

// Claim blocks until an eligible waiting item exists (global pause is off,
// and — if its extractor is already known — its per-extractor quota has
// room), or ctx is cancelled. Items with an unknown extractor are always
// eligible: it is filled in by "preparing", and FinishPreparing re-checks
// the quota.
func (m *Manager) Claim(ctx context.Context) (*Item, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if idx := m.nextEligibleLocked(); idx >= 0 {
			item := m.waiting[idx]
			m.waiting = append(m.waiting[:idx], m.waiting[idx+1:]...)
			item.Status = StatusPreparing
			m.inFlight[item.ID] = item
			if item.Extractor != "" {
				m.active[lower(item.Extractor)]++
			}
			return item, nil
		}
		m.cond.Wait()
	}
}

func (m *Manager) nextEligibleLocked() int {
	if m.paused {
		return -1
	}
	for i, item := range m.waiting {
		if item.Status != StatusPending {
			continue
		}
		if item.Extractor == "" {
			return i
		}
		ext := lower(item.Extractor)
		if m.active[ext] < m.quotaFor(ext) {
			return i
		}
	}
	return -1
}

// FinishPreparing records the extractor discovered during preparation and
// re-checks its quota. If the quota is already exceeded, the item is put
// back into waiting for the next dispatcher to re-scan, matching
// spec.md §4.7's "returned to waiting and the slot re-scans".
func (m *Manager) FinishPreparing(id, extractor string) (admitted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.inFlight[id]
	if !ok {
		return false
	}
	item.Extractor = extractor
	ext := lower(extractor)

	if m.active[ext] < m.quotaFor(ext) {
		m.active[ext]++
		return true
	}

	delete(m.inFlight, id)
	item.Status = StatusPending
	m.waiting = append([]*Item{item}, m.waiting...)
	m.cond.Signal()
	return false
}

// UpdateStatus validates and applies a status transition on an in-flight
// item, publishing item_status.
func (m *Manager) UpdateStatus(id string, to Status, errMsg string) error {
	m.mu.Lock()
	item, ok := m.inFlight[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("queue: item %s is not in-flight", id)
	}
	if !CanTransition(item.Status, to) {
		m.mu.Unlock()
		return fmt.Errorf("queue: invalid transition %s -> %s for item %s", item.Status, to, id)
	}
	item.Status = to
	if errMsg != "" {
		item.Error = errMsg
	}
	m.mu.Unlock()

	m.publish(eventbus.ItemStatus, item)
	return nil
}

// Release removes id from the in-flight set (used on terminal status) and
// frees its extractor quota slot, waking dispatchers that may now be
// eligible.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	item, ok := m.inFlight[id]
	if ok {
		delete(m.inFlight, id)
		if item.Extractor != "" {
			ext := lower(item.Extractor)
			if m.active[ext] > 0 {
				m.active[ext]--
			}
		}
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Cancel marks a pending/paused/preparing/downloading item cancelled. For a waiting
// item it is removed from waiting directly; for an in-flight item, the
// caller (worker pool) is expected to also cancel the item's context —
// this only updates bookkeeping state.
func (m *Manager) Cancel(id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, item := range m.waiting {
		if item.ID == id {
			if item.Status != StatusPending && item.Status != StatusPaused {
				return nil, fmt.Errorf("queue: item %s cannot be cancelled from %s", id, item.Status)
			}
			item.Status = StatusCancelled
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return item, nil
		}
	}
	if item, ok := m.inFlight[id]; ok {
		if item.Status != StatusDownloading && item.Status != StatusPreparing {
			return nil, fmt.Errorf("queue: item %s cannot be cancelled from %s", id, item.Status)
		}
		item.Status = StatusCancelled
		return item, nil
	}
	return nil, fmt.Errorf("queue: item %s not found", id)
}

// PauseItem moves a single waiting pending item to paused, making it
// ineligible for nextEligibleLocked until StartItem reverses it. An
// in-flight item (already preparing/downloading) cannot be paused this way.
func (m *Manager) PauseItem(id string) (*Item, error) {
	m.mu.Lock()
	var found *Item
	for _, item := range m.waiting {
		if item.ID != id {
			continue
		}
		if !CanTransition(item.Status, StatusPaused) {
			m.mu.Unlock()
			return nil, fmt.Errorf("queue: item %s cannot be paused from %s", id, item.Status)
		}
		item.Status = StatusPaused
		found = item
		break
	}
	m.mu.Unlock()
	if found == nil {
		return nil, fmt.Errorf("queue: waiting item %s not found", id)
	}
	m.publish(eventbus.ItemStatus, found)
	return found, nil
}

// StartItem reverses PauseItem, returning a paused item to pending and
// waking any blocked dispatcher.
func (m *Manager) StartItem(id string) (*Item, error) {
	m.mu.Lock()
	var found *Item
	for _, item := range m.waiting {
		if item.ID != id {
			continue
		}
		if !CanTransition(item.Status, StatusPending) {
			m.mu.Unlock()
			return nil, fmt.Errorf("queue: item %s cannot be started from %s", id, item.Status)
		}
		item.Status = StatusPending
		found = item
		break
	}
	if found != nil {
		m.cond.Signal()
	}
	m.mu.Unlock()
	if found == nil {
		return nil, fmt.Errorf("queue: waiting item %s not found", id)
	}
	m.publish(eventbus.ItemStatus, found)
	return found, nil
}

// Pause flips the global pause flag; running downloads are unaffected.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(eventbus.Paused, nil)
	}
}

// Resume clears the global pause flag and wakes dispatchers.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.cond.Broadcast()
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(eventbus.Resumed, nil)
	}
}

// Paused reports the current global pause state.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Snapshot returns a point-in-time copy of waiting ++ in-flight items, in
// waiting order followed by in-flight in no particular order.
func (m *Manager) Snapshot() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Item, 0, len(m.waiting)+len(m.inFlight))
	for _, it := range m.waiting {
		cp := *it
		out = append(out, &cp)
	}
	for _, it := range m.inFlight {
		cp := *it
		out = append(out, &cp)
	}
	return out
}

// --- reordering (user drag-and-drop on the waiting set) ---

func (m *Manager) MoveToFirst(id string) bool {
	return m.reorder(id, func(items []*Item, idx int) []*Item {
		item := items[idx]
		items = append(items[:idx], items[idx+1:]...)
		return append([]*Item{item}, items...)
	})
}

func (m *Manager) MoveToLast(id string) bool {
	return m.reorder(id, func(items []*Item, idx int) []*Item {
		item := items[idx]
		items = append(items[:idx], items[idx+1:]...)
		return append(items, item)
	})
}

func (m *Manager) MoveToPrev(id string) bool {
	return m.reorder(id, func(items []*Item, idx int) []*Item {
		if idx <= 0 {
			return items
		}
		items[idx-1], items[idx] = items[idx], items[idx-1]
		return items
	})
}

func (m *Manager) MoveToNext(id string) bool {
	return m.reorder(id, func(items []*Item, idx int) []*Item {
		if idx < 0 || idx >= len(items)-1 {
			return items
		}
		items[idx], items[idx+1] = items[idx+1], items[idx]
		return items
	})
}

func (m *Manager) reorder(id string, op func([]*Item, int) []*Item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, it := range m.waiting {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	m.waiting = op(m.waiting, idx)
	return true
}

func (m *Manager) publish(kind eventbus.Kind, item *Item) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(kind, eventbus.ItemPayload{ID: item.ID, Status: string(item.Status)})
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
