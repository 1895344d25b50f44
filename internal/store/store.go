// Package store keeps the ordered record of raised detection events.
//
// The in-memory slice is authoritative for the running process. Every
// mutation is flushed to a Backend before the exclusive section ends, so a
// reader never observes an event the backend has not been asked to persist.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

var (
	// ErrNotDurable is returned alongside a successfully recorded event when
	// the backend failed to persist it. The in-memory record stands.
	ErrNotDurable = errors.New("event recorded but not persisted")

	// ErrNotFound is returned when no event has the requested id
	ErrNotFound = errors.New("detection not found")
)

// Backend is the durability path behind a Store.
//
// Persist is called with the lock held, after every mutation. all is the
// full ordered record; changed holds, in id order, the event that was just
// appended or updated plus every event whose earlier flush failed. Neither
// slice may be retained.
type Backend interface {
	Load(ctx context.Context) ([]types.DetectionEvent, error)
	Persist(ctx context.Context, all []types.DetectionEvent, changed []types.DetectionEvent) error
	Close() error
}

// Store is the append-only, status-mutable record of detection events
type Store struct {
	backend Backend

	mu     sync.RWMutex
	events []types.DetectionEvent
	index  map[int64]int
	lastID int64
	// dirty holds ids whose flush failed; they are re-sent with the next one
	dirty map[int64]struct{}

	persistFailures atomic.Uint64
}

// Open creates a store and reloads any events the backend holds.
// A nil backend keeps events in memory only.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{
		backend: backend,
		index:   make(map[int64]int),
		dirty:   make(map[int64]struct{}),
	}

	if backend == nil {
		return s, nil
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load detections: %w", err)
	}

	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
	for _, ev := range loaded {
		if _, dup := s.index[ev.ID]; dup {
			return nil, fmt.Errorf("load detections: duplicate id %d", ev.ID)
		}
		s.index[ev.ID] = len(s.events)
		s.events = append(s.events, ev)
		if ev.ID > s.lastID {
			s.lastID = ev.ID
		}
	}

	slog.Info("detections loaded",
		"count", len(s.events),
		"last_id", s.lastID,
	)

	return s, nil
}

// Append assigns the next id to ev, records it and flushes the backend.
//
// If the flush fails the event is still recorded and returned, together with
// an error wrapping ErrNotDurable.
func (s *Store) Append(ctx context.Context, ev types.DetectionEvent) (types.DetectionEvent, error) {
	if ev.Status == "" {
		ev.Status = types.StatusOpen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	ev.ID = s.lastID
	s.index[ev.ID] = len(s.events)
	s.events = append(s.events, ev)

	if err := s.persist(ctx, ev.ID); err != nil {
		return ev, err
	}
	return ev, nil
}

// UpdateStatus sets the lifecycle status of event id.
// Severity and every other field are left untouched.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status types.Status) (types.DetectionEvent, error) {
	if _, err := types.ParseStatus(string(status)); err != nil {
		return types.DetectionEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return types.DetectionEvent{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	s.events[i].Status = status
	ev := s.events[i]

	if err := s.persist(ctx, id); err != nil {
		return ev, err
	}
	return ev, nil
}

// persist must be called with s.mu held for writing. Events left dirty by
// an earlier failure are flushed again together with id.
func (s *Store) persist(ctx context.Context, id int64) error {
	if s.backend == nil {
		return nil
	}
	s.dirty[id] = struct{}{}
	return s.flush(ctx)
}

// flush sends every dirty event to the backend; s.mu must be held for writing
func (s *Store) flush(ctx context.Context) error {
	ids := make([]int64, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	changed := make([]types.DetectionEvent, len(ids))
	for i, id := range ids {
		changed[i] = s.events[s.index[id]]
	}

	if err := s.backend.Persist(ctx, s.events, changed); err != nil {
		s.persistFailures.Add(1)
		slog.Error("failed to persist detections",
			"ids", ids,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrNotDurable, err)
	}

	if len(ids) > 1 {
		slog.Info("pending detections persisted", "count", len(ids))
	}
	clear(s.dirty)
	return nil
}

// Pending returns how many events are recorded but not yet persisted
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// All returns a copy of every event in id order
func (s *Store) All() []types.DetectionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.DetectionEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Get returns the event with the given id
func (s *Store) Get(id int64) (types.DetectionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return types.DetectionEvent{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return s.events[i], nil
}

// Stats returns aggregate counters over the current record
func (s *Store) Stats() types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.ComputeStats(s.events)
}

// View runs fn with the read lock held. No event can be appended while fn
// runs, so fn sees a consistent snapshot. fn must not retain events or call
// back into the store's write methods.
func (s *Store) View(fn func(events []types.DetectionEvent)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.events)
}

// Len returns the number of recorded events
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// PersistFailures returns how many flushes have failed since Open
func (s *Store) PersistFailures() uint64 {
	return s.persistFailures.Load()
}

// Close makes a last attempt to persist pending events, then releases the
// backend
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}

	s.mu.Lock()
	var flushErr error
	if len(s.dirty) > 0 {
		flushErr = s.flush(context.Background())
	}
	s.mu.Unlock()

	return errors.Join(flushErr, s.backend.Close())
}
