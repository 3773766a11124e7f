package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/models"
)

type fakeRepo struct {
	mu     sync.Mutex
	events map[int64]models.AttendanceEvent
	order  []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{events: make(map[int64]models.AttendanceEvent)}
}

func (r *fakeRepo) RecentEvents(ctx context.Context, limit int) ([]models.AttendanceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AttendanceEvent, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	return out, nil
}

func (r *fakeRepo) UpsertEvent(ctx context.Context, ev models.AttendanceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.ID] = ev
	r.order = append(r.order, "upsert:"+ev.Label)
	return nil
}

func (r *fakeRepo) DeleteEvents(ctx context.Context, ids []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := r.events[id]; ok {
			delete(r.events, id)
			n++
		}
	}
	r.order = append(r.order, "delete")
	return n, nil
}

func (r *fakeRepo) ClearEvents(ctx context.Context, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ev := range r.events {
		if label == "" || ev.Label == label {
			delete(r.events, id)
		}
	}
	r.order = append(r.order, "clear:"+label)
	return nil
}

func (r *fakeRepo) ReplaceEvents(ctx context.Context, events []models.AttendanceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = make(map[int64]models.AttendanceEvent, len(events))
	for _, ev := range events {
		r.events[ev.ID] = ev
	}
	r.order = append(r.order, "replace")
	return nil
}

func (r *fakeRepo) opLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func resolver(m map[string]string) Resolver {
	return func(label string) string { return m[label] }
}

func loadedStore(t *testing.T, repo *fakeRepo, resolve Resolver) *Store {
	t.Helper()
	s := NewStore(repo, resolve, 5000)
	require.NoError(t, s.Load(context.Background(), false))
	return s
}

func TestRecordUpdatesDerivedMaps(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, resolver(map[string]string{"alice": "p-aaaa-bbb-ccc"}))

	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	ev, admitted := s.Record("alice", 0.91, now, 0)
	assert.True(t, admitted)
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, "p-aaaa-bbb-ccc", ev.PersonID)

	s.Record("bob", 0.85, now.Add(time.Minute), 0) // bob has no person id

	snap := s.Snapshot()
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "bob", snap.Events[0].Label) // newest first
	assert.Equal(t, 1, snap.Count["alice"])
	assert.Equal(t, 1, snap.CountByID["p-aaaa-bbb-ccc"])
	assert.Equal(t, 1, snap.Count["bob"])
	assert.Empty(t, snap.CountByID["bob"])
	assert.Equal(t, now, snap.Last["alice"])
	assert.Equal(t, now, snap.LastByID["p-aaaa-bbb-ccc"])
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, nil)

	now := time.Now()
	s.Record("alice", 0.9, now, 0)

	snap := s.Snapshot()
	snap.Events[0].Label = "tampered"
	snap.Count["alice"] = 99

	fresh := s.Snapshot()
	assert.Equal(t, "alice", fresh.Events[0].Label)
	assert.Equal(t, 1, fresh.Count["alice"])
}

func TestRecordTrimsAtCap(t *testing.T) {
	repo := newFakeRepo()
	s := NewStore(repo, nil, 3)
	require.NoError(t, s.Load(context.Background(), false))

	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Record("alice", 0.9, base.Add(time.Duration(i)*time.Minute), 0)
	}

	snap := s.Snapshot()
	assert.Len(t, snap.Events, 3)
	// Oldest events were trimmed; the newest ids remain.
	assert.Equal(t, int64(5), snap.Events[0].ID)
	assert.Equal(t, int64(3), snap.Events[2].ID)
}

func TestEditRebuildsMaps(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, resolver(map[string]string{"carol": "p-cccc-ddd-eee"}))

	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	ev, _ := s.Record("alice", 0.9, now, 0)

	newLabel := "carol"
	_, err := s.Edit(ev.ID, EventPatch{Label: &newLabel})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Zero(t, snap.Count["alice"])
	assert.Equal(t, 1, snap.Count["carol"])
	assert.Equal(t, 1, snap.CountByID["p-cccc-ddd-eee"])

	_, err = s.Edit(999, EventPatch{})
	assert.Error(t, err)
}

func TestRecordReChecksCooldown(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, nil)

	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

	// Two sessions can both pass the gate before either records.
	ok, _, _ := s.CheckMark("alice", now, 4860)
	require.True(t, ok)
	ok, _, _ = s.CheckMark("alice", now, 4860)
	require.True(t, ok)

	ev, admitted := s.Record("alice", 0.9, now, 4860)
	require.True(t, admitted)
	assert.Equal(t, "alice", ev.Label)

	// The second record loses: the reference moved under the lock.
	_, admitted = s.Record("alice", 0.8, now.Add(time.Second), 4860)
	assert.False(t, admitted)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Count["alice"])
}

func TestEditExplicitPersonID(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, resolver(map[string]string{"carol": "p-cccc-ddd-eee"}))

	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	ev, _ := s.Record("alice", 0.9, now, 0)

	pid := "p-ffff-ggg-hhh"
	got, err := s.Edit(ev.ID, EventPatch{PersonID: &pid})
	require.NoError(t, err)
	assert.Equal(t, pid, got.PersonID)

	// An explicit person id wins over the one the new label resolves to.
	newLabel := "carol"
	got, err = s.Edit(ev.ID, EventPatch{Label: &newLabel, PersonID: &pid})
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Label)
	assert.Equal(t, pid, got.PersonID)
	assert.Equal(t, 1, s.Snapshot().CountByID[pid])
}

func TestDeleteAndClear(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, nil)

	now := time.Now()
	e1, _ := s.Record("alice", 0.9, now, 0)
	s.Record("bob", 0.8, now.Add(time.Second), 0)
	s.Record("alice", 0.7, now.Add(2*time.Second), 0)

	removed := s.Delete([]int64{e1.ID})
	assert.Equal(t, 1, removed)
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Count["alice"])

	removed = s.Clear("alice")
	assert.Equal(t, 1, removed)
	snap = s.Snapshot()
	assert.Zero(t, snap.Count["alice"])
	assert.Equal(t, 1, snap.Count["bob"])

	removed = s.Clear("")
	assert.Equal(t, 1, removed)
	assert.Empty(t, s.Snapshot().Events)
}

func TestInsertSortsByTimestamp(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, nil)

	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	s.Record("alice", 0.9, now, 0)

	// Backdated admin insert lands behind the newer event.
	_, err := s.Insert("bob", now.Add(-time.Hour), 0)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "alice", snap.Events[0].Label)
	assert.Equal(t, "bob", snap.Events[1].Label)
}

func TestPersistPreservesOrder(t *testing.T) {
	repo := newFakeRepo()
	s := loadedStore(t, repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Run(ctx)

	now := time.Now()
	s.Record("alice", 0.9, now, 0)
	s.Record("bob", 0.8, now.Add(time.Second), 0)
	s.Record("alice", 0.7, now.Add(2*time.Second), 0)

	// Give the worker time to drain, then stop it.
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Wait()

	log := repo.opLog()
	require.Len(t, log, 3)
	assert.Equal(t, []string{"upsert:alice", "upsert:bob", "upsert:alice"}, log)
}

func TestLoadRebuildsFromRepo(t *testing.T) {
	repo := newFakeRepo()
	base := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	repo.events[1] = models.AttendanceEvent{ID: 1, Label: "alice", PersonID: "p-aaaa-bbb-ccc", TS: base, Score: 0.9}
	repo.events[2] = models.AttendanceEvent{ID: 2, Label: "alice", PersonID: "p-aaaa-bbb-ccc", TS: base.Add(time.Hour), Score: 0.8}

	s := NewStore(repo, nil, 5000)
	require.NoError(t, s.Load(context.Background(), false))

	snap := s.Snapshot()
	require.Len(t, snap.Events, 2)
	assert.Equal(t, int64(2), snap.Events[0].ID)
	assert.Equal(t, base.Add(time.Hour), snap.Last["alice"])
	assert.Equal(t, 2, snap.CountByID["p-aaaa-bbb-ccc"])

	// Next assigned id continues after the max.
	ev, _ := s.Record("bob", 0.5, base.Add(2*time.Hour), 0)
	assert.Equal(t, int64(3), ev.ID)
}
