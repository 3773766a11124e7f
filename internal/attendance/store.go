// Package attendance keeps the in-memory attendance log and its derived
// lookup maps, writes changes through to the repository, and decides
// whether a mark is admitted.
package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/your-org/presence/internal/models"
)

// EventRepo is the persistence surface the store writes through to.
type EventRepo interface {
	RecentEvents(ctx context.Context, limit int) ([]models.AttendanceEvent, error)
	UpsertEvent(ctx context.Context, ev models.AttendanceEvent) error
	DeleteEvents(ctx context.Context, ids []int64) (int64, error)
	ClearEvents(ctx context.Context, label string) error
	ReplaceEvents(ctx context.Context, events []models.AttendanceEvent) error
}

// Resolver maps a label to its person id, or "" when not enrolled.
type Resolver func(label string) string

// Snapshot is a point-in-time copy of the log. Events are newest first.
// Last/Count are keyed by label; LastByID/CountByID by person id.
type Snapshot struct {
	Events    []models.AttendanceEvent
	Last      map[string]time.Time
	LastByID  map[string]time.Time
	Count     map[string]int
	CountByID map[string]int
	Seq       int64
}

// Store owns the attendance log. All mutation happens under one mutex;
// persistence runs on a single worker goroutine so writes reach the
// repository in the order they were applied.
type Store struct {
	mu        sync.Mutex
	repo      EventRepo
	resolve   Resolver
	maxEvents int

	snap   *Snapshot
	nextID int64

	persistCh chan func(context.Context)
	done      chan struct{}
	startOnce sync.Once
}

func NewStore(repo EventRepo, resolve Resolver, maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = 5000
	}
	if resolve == nil {
		resolve = func(string) string { return "" }
	}
	return &Store{
		repo:      repo,
		resolve:   resolve,
		maxEvents: maxEvents,
		persistCh: make(chan func(context.Context), 256),
		done:      make(chan struct{}),
	}
}

// Run starts the persist worker. It returns when ctx is canceled and
// the queue has drained.
func (s *Store) Run(ctx context.Context) {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.done)
			for {
				select {
				case op, ok := <-s.persistCh:
					if !ok {
						return
					}
					op(ctx)
				case <-ctx.Done():
					// Drain whatever is already queued.
					for {
						select {
						case op := <-s.persistCh:
							op(context.Background())
						default:
							return
						}
					}
				}
			}
		}()
	})
}

// Wait blocks until the persist worker has exited.
func (s *Store) Wait() {
	<-s.done
}

// Load populates the log from the repository. A no-op when already
// loaded unless force is set.
func (s *Store) Load(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.snap != nil && !force {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	events, err := s.repo.RecentEvents(ctx, s.maxEvents)
	if err != nil {
		return fmt.Errorf("load attendance: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = &Snapshot{Events: events}
	s.rebuildLocked()

	s.nextID = 1
	for _, ev := range events {
		if ev.ID >= s.nextID {
			s.nextID = ev.ID + 1
		}
	}
	slog.Info("attendance loaded", "events", len(events), "next_id", s.nextID)
	return nil
}

// Invalidate drops the in-memory state; the next Load refetches.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
}

// Loaded reports whether the log is in memory.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap != nil
}

// Snapshot returns a deep copy of the current state, so callers can
// read without holding the store lock.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return &Snapshot{}
	}
	return s.snap.clone()
}

// Record appends a mark after re-checking the cooldown under the store
// lock, so two sessions admitting the same reference in the same
// instant cannot both land. admitted is false when the reference moved
// since the caller's CheckMark. The event id and seq are assigned here;
// the write reaches the repository asynchronously but in order.
func (s *Store) Record(label string, score float64, now time.Time, cooldownSec int) (models.AttendanceEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		s.snap = &Snapshot{
			Last:      map[string]time.Time{},
			LastByID:  map[string]time.Time{},
			Count:     map[string]int{},
			CountByID: map[string]int{},
		}
		s.nextID = 1
	}

	if last, ok := s.lastForLocked(label); ok && cooldownRemaining(last, now, cooldownSec) > cooldownEpsilon {
		return models.AttendanceEvent{}, false
	}

	ev := models.AttendanceEvent{
		ID:       s.nextID,
		Label:    label,
		PersonID: s.resolve(label),
		TS:       now,
		Score:    score,
	}
	s.nextID++
	s.snap.Seq++

	s.snap.Events = append([]models.AttendanceEvent{ev}, s.snap.Events...)

	var trimmed []int64
	if len(s.snap.Events) > s.maxEvents {
		for _, old := range s.snap.Events[s.maxEvents:] {
			trimmed = append(trimmed, old.ID)
		}
		s.snap.Events = s.snap.Events[:s.maxEvents]
	}

	s.snap.Last[ev.Label] = ev.TS
	if ev.PersonID != "" {
		s.snap.LastByID[ev.PersonID] = ev.TS
	}
	s.snap.Count[ev.Label]++
	if ev.PersonID != "" {
		s.snap.CountByID[ev.PersonID]++
	}

	s.enqueue(func(ctx context.Context) {
		if err := s.repo.UpsertEvent(ctx, ev); err != nil {
			slog.Error("persist mark", "label", ev.Label, "error", err)
		}
		if len(trimmed) > 0 {
			if _, err := s.repo.DeleteEvents(ctx, trimmed); err != nil {
				slog.Error("trim events", "count", len(trimmed), "error", err)
			}
		}
	})

	return ev, true
}

// EventPatch is a partial update for one event. An explicit PersonID
// wins over the one derived from a changed label.
type EventPatch struct {
	Label    *string
	PersonID *string
	TS       *time.Time
	Score    *float64
}

// Edit applies a patch to one event and rebuilds the derived maps.
func (s *Store) Edit(id int64, patch EventPatch) (models.AttendanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return models.AttendanceEvent{}, fmt.Errorf("attendance not loaded")
	}

	idx := -1
	for i, ev := range s.snap.Events {
		if ev.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.AttendanceEvent{}, fmt.Errorf("event %d not found", id)
	}

	ev := s.snap.Events[idx]
	if patch.Label != nil {
		ev.Label = *patch.Label
		ev.PersonID = s.resolve(ev.Label)
	}
	if patch.PersonID != nil {
		ev.PersonID = *patch.PersonID
	}
	if patch.TS != nil {
		ev.TS = *patch.TS
	}
	if patch.Score != nil {
		ev.Score = *patch.Score
	}
	s.snap.Events[idx] = ev

	s.rebuildLocked()
	s.syncLocked()
	return ev, nil
}

// Insert adds an event with an explicit timestamp (admin path) and
// rebuilds the derived maps.
func (s *Store) Insert(label string, ts time.Time, score float64) (models.AttendanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return models.AttendanceEvent{}, fmt.Errorf("attendance not loaded")
	}

	ev := models.AttendanceEvent{
		ID:       s.nextID,
		Label:    label,
		PersonID: s.resolve(label),
		TS:       ts,
		Score:    score,
	}
	s.nextID++

	s.snap.Events = append(s.snap.Events, ev)
	s.rebuildLocked()
	if len(s.snap.Events) > s.maxEvents {
		s.snap.Events = s.snap.Events[:s.maxEvents]
	}
	s.syncLocked()
	return ev, nil
}

// Delete removes events by id. Returns how many were found.
func (s *Store) Delete(ids []int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil || len(ids) == 0 {
		return 0
	}

	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := s.snap.Events[:0]
	removed := 0
	for _, ev := range s.snap.Events {
		if drop[ev.ID] {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.snap.Events = kept
	s.rebuildLocked()

	if removed > 0 {
		s.enqueue(func(ctx context.Context) {
			if _, err := s.repo.DeleteEvents(ctx, ids); err != nil {
				slog.Error("delete events", "error", err)
			}
		})
	}
	return removed
}

// Clear removes every event, or only one label's when label is set.
func (s *Store) Clear(label string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return 0
	}

	removed := 0
	if label == "" {
		removed = len(s.snap.Events)
		s.snap.Events = nil
	} else {
		kept := s.snap.Events[:0]
		for _, ev := range s.snap.Events {
			if ev.Label == label {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		s.snap.Events = kept
	}
	s.rebuildLocked()

	s.enqueue(func(ctx context.Context) {
		if err := s.repo.ClearEvents(ctx, label); err != nil {
			slog.Error("clear events", "label", label, "error", err)
		}
	})
	return removed
}

// LastFor returns the most recent mark time for the label's effective
// reference (person id when enrolled, label otherwise).
func (s *Store) LastFor(label string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastForLocked(label)
}

func (s *Store) lastForLocked(label string) (time.Time, bool) {
	if s.snap == nil {
		return time.Time{}, false
	}
	if pid := s.resolve(label); pid != "" {
		if ts, ok := s.snap.LastByID[pid]; ok {
			return ts, true
		}
	}
	ts, ok := s.snap.Last[label]
	return ts, ok
}

func (s *Store) enqueue(op func(context.Context)) {
	select {
	case s.persistCh <- op:
	default:
		// Queue full: run inline rather than drop the write.
		slog.Warn("persist queue full, writing inline")
		op(context.Background())
	}
}

// syncLocked pushes the full event set to the repository. Used after
// edits that can touch arbitrary rows.
func (s *Store) syncLocked() {
	events := make([]models.AttendanceEvent, len(s.snap.Events))
	copy(events, s.snap.Events)
	s.enqueue(func(ctx context.Context) {
		if err := s.repo.ReplaceEvents(ctx, events); err != nil {
			slog.Error("sync events", "error", err)
		}
	})
}

// rebuildLocked recomputes order and every derived map from the event
// list alone.
func (s *Store) rebuildLocked() {
	sort.SliceStable(s.snap.Events, func(i, j int) bool {
		a, b := s.snap.Events[i], s.snap.Events[j]
		if !a.TS.Equal(b.TS) {
			return a.TS.After(b.TS)
		}
		return a.ID > b.ID
	})

	s.snap.Last = make(map[string]time.Time)
	s.snap.LastByID = make(map[string]time.Time)
	s.snap.Count = make(map[string]int)
	s.snap.CountByID = make(map[string]int)

	// Newest first, so the first occurrence per key is the latest mark.
	for _, ev := range s.snap.Events {
		if _, ok := s.snap.Last[ev.Label]; !ok {
			s.snap.Last[ev.Label] = ev.TS
		}
		s.snap.Count[ev.Label]++
		if ev.PersonID != "" {
			if _, ok := s.snap.LastByID[ev.PersonID]; !ok {
				s.snap.LastByID[ev.PersonID] = ev.TS
			}
			s.snap.CountByID[ev.PersonID]++
		}
	}
	s.snap.Seq = int64(len(s.snap.Events))
}

func (sn *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		Events:    make([]models.AttendanceEvent, len(sn.Events)),
		Last:      make(map[string]time.Time, len(sn.Last)),
		LastByID:  make(map[string]time.Time, len(sn.LastByID)),
		Count:     make(map[string]int, len(sn.Count)),
		CountByID: make(map[string]int, len(sn.CountByID)),
		Seq:       sn.Seq,
	}
	copy(out.Events, sn.Events)
	for k, v := range sn.Last {
		out.Last[k] = v
	}
	for k, v := range sn.LastByID {
		out.LastByID[k] = v
	}
	for k, v := range sn.Count {
		out.Count[k] = v
	}
	for k, v := range sn.CountByID {
		out.CountByID[k] = v
	}
	return out
}
