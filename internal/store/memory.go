package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindd/internal/reminder"
)

// memoryStore mirrors the sqlite driver's semantics without the file. It
// exists for tests and throwaway runs; the scheduler treats both identically.
type memoryStore struct {
	mu         sync.Mutex
	byID       map[string]reminder.Reminder
	byDedup    map[string]string // dedup_key -> id
	deliveries []Delivery
	reg        *memoryRegistry
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{
		byID:    map[string]reminder.Reminder{},
		byDedup: map[string]string{},
		reg:     newMemoryRegistry(),
	}
}

func (s *memoryStore) Close() error       { return nil }
func (s *memoryStore) Registry() Registry { return s.reg }

func (s *memoryStore) Create(_ context.Context, r reminder.Reminder) (reminder.Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDedup[r.DedupKey]; ok {
		return s.byID[id], true, nil
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	if r.Revision == 0 {
		r.Revision = 1
	}
	s.byID[r.ID] = r
	s.byDedup[r.DedupKey] = r.ID
	return r, false, nil
}

func (s *memoryStore) Get(_ context.Context, userID, id string) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok || r.UserID != userID {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) GetByID(_ context.Context, id string) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) List(_ context.Context, userID string, f Filter) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []reminder.Reminder
	for _, r := range s.byID {
		if r.UserID != userID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAtUTC.Before(out[j].DueAtUTC) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) ListScheduled(_ context.Context) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []reminder.Reminder
	for _, r := range s.byID {
		if r.Status.Scheduled() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAtUTC.Before(out[j].DueAtUTC) })
	return out, nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, id string, fromRev int64, from []reminder.Status, to reminder.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if r.Revision != fromRev || !statusIn(r.Status, from) {
		return reminder.ErrStateConflict
	}
	r.Status = to
	r.Revision++
	r.UpdatedAt = time.Now()
	s.byID[id] = r
	return nil
}

func (s *memoryStore) Reschedule(_ context.Context, id string, fromRev int64, dueUTC time.Time, dueLocal string, to reminder.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if r.Revision != fromRev {
		return reminder.ErrStateConflict
	}
	r.DueAtUTC = dueUTC.UTC()
	r.DueAtLocal = dueLocal
	r.Status = to
	r.Revision++
	r.UpdatedAt = time.Now()
	s.byID[id] = r
	return nil
}

func (s *memoryStore) AppendDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.FiredAt.IsZero() {
		d.FiredAt = time.Now()
	}
	s.deliveries = append(s.deliveries, d)
	return nil
}

// Deliveries returns a copy of the recorded firing audit (test helper).
func (s *memoryStore) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

func statusIn(st reminder.Status, set []reminder.Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, candidate := range set {
		if st == candidate {
			return true
		}
	}
	return false
}

// ---- timer registry ----

type timerKey struct {
	id  string
	due int64 // unix milli, matching sqlite's claim granularity
}

type memoryRegistry struct {
	mu      sync.Mutex
	entries map[timerKey]Entry
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{entries: map[timerKey]Entry{}}
}

// NewMemoryRegistry returns a standalone in-memory Registry (scheduler tests).
func NewMemoryRegistry() Registry { return newMemoryRegistry() }

func (g *memoryRegistry) Register(_ context.Context, e Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := timerKey{id: e.ReminderID, due: e.DueAt.UnixMilli()}
	if _, ok := g.entries[k]; !ok {
		g.entries[k] = e
	}
	return nil
}

func (g *memoryRegistry) Claim(_ context.Context, reminderID string, dueAt time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := timerKey{id: reminderID, due: dueAt.UnixMilli()}
	if _, ok := g.entries[k]; !ok {
		return false, nil
	}
	delete(g.entries, k)
	return true, nil
}

func (g *memoryRegistry) Disarm(_ context.Context, reminderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.entries {
		if k.id == reminderID {
			delete(g.entries, k)
		}
	}
	return nil
}

func (g *memoryRegistry) NextDue(_ context.Context) (time.Time, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var (
		min   int64
		found bool
	)
	for k := range g.entries {
		if !found || k.due < min {
			min = k.due
			found = true
		}
	}
	if !found {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(min), true, nil
}

func (g *memoryRegistry) DueBefore(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 64
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Entry
	cutoff := now.UnixMilli()
	for k, e := range g.entries {
		if k.due <= cutoff {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *memoryRegistry) Pending(_ context.Context, reminderID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.entries {
		if k.id == reminderID {
			n++
		}
	}
	return n, nil
}
