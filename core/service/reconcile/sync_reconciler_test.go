package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/core/service/conflict"
	"fitsync_client/core/service/records"
	"fitsync_client/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeFeed struct {
	events    chan *domain.ChangeEvent
	closeOnce sync.Once
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan *domain.ChangeEvent, 16)}
}

func (f *fakeFeed) Events() <-chan *domain.ChangeEvent { return f.events }

func (f *fakeFeed) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

type fakeBackend struct {
	mu    sync.Mutex
	feeds map[string]*fakeFeed
}

var _ out.BackendPort = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{feeds: make(map[string]*fakeFeed)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Create(ctx context.Context, table string, record *domain.Record) (string, error) {
	return record.ID, nil
}

func (b *fakeBackend) Update(ctx context.Context, table, recordID string, payload map[string]interface{}) error {
	return nil
}

func (b *fakeBackend) Delete(ctx context.Context, table, recordID string) error { return nil }

func (b *fakeBackend) Subscribe(ctx context.Context, table, ownerID string) (out.ChangeFeed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	feed := newFakeFeed()
	b.feeds[table] = feed
	return feed, nil
}

func (b *fakeBackend) emit(table string, ev *domain.ChangeEvent) {
	b.mu.Lock()
	feed := b.feeds[table]
	b.mu.Unlock()
	feed.events <- ev
}

type fakePendingQueue struct {
	mu        sync.Mutex
	pending   map[string]*domain.QueueEntry
	discarded []string
}

func newFakePendingQueue() *fakePendingQueue {
	return &fakePendingQueue{pending: make(map[string]*domain.QueueEntry)}
}

func (q *fakePendingQueue) setPending(e *domain.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[domain.RecordKey(e.TableName, e.RecordID)] = e
}

func (q *fakePendingQueue) PendingEntry(tableName, recordID string) (*domain.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[domain.RecordKey(tableName, recordID)]
	return e, ok
}

func (q *fakePendingQueue) DiscardEntry(ctx context.Context, tableName, recordID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := domain.RecordKey(tableName, recordID)
	delete(q.pending, key)
	q.discarded = append(q.discarded, key)
	return nil
}

func (q *fakePendingQueue) discardedKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.discarded...)
}

type fakeSession struct{ userID string }

func (s *fakeSession) UserID() string { return s.userID }

// noopQueue backs the facade; reconciler tests drive the cache directly.
type noopQueue struct{}

func (noopQueue) AddToQueue(ctx context.Context, entry *domain.QueueEntry) error { return nil }

type fakeConflictRepo struct {
	mu    sync.Mutex
	saved map[string]*domain.ConflictRecord
}

var _ out.ConflictRepository = (*fakeConflictRepo)(nil)

func newFakeConflictRepo() *fakeConflictRepo {
	return &fakeConflictRepo{saved: make(map[string]*domain.ConflictRecord)}
}

func (r *fakeConflictRepo) Save(ctx context.Context, c *domain.ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[c.ID] = c
	return nil
}

func (r *fakeConflictRepo) GetByID(ctx context.Context, id string) (*domain.ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.saved[id]
	if !ok {
		return nil, apperr.NotFound("conflict")
	}
	return c, nil
}

func (r *fakeConflictRepo) List(ctx context.Context) ([]*domain.ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*domain.ConflictRecord, 0, len(r.saved))
	for _, c := range r.saved {
		list = append(list, c)
	}
	return list, nil
}

func (r *fakeConflictRepo) ListUnresolved(ctx context.Context) ([]*domain.ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*domain.ConflictRecord, 0)
	for _, c := range r.saved {
		if !c.IsResolved() {
			list = append(list, c)
		}
	}
	return list, nil
}

func (r *fakeConflictRepo) RemoveByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.saved, id)
	return nil
}

func (r *fakeConflictRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	backend *fakeBackend
	cache   *records.Facade
	queue   *fakePendingQueue
	repo    *fakeConflictRepo
	rec     *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	session := &fakeSession{userID: "u1"}
	backend := newFakeBackend()
	cache := records.NewFacade(noopQueue{}, session, backend.Name())
	t.Cleanup(cache.Close)

	queue := newFakePendingQueue()
	repo := newFakeConflictRepo()
	rec := NewReconciler(backend, cache, conflict.NewResolver(repo), queue, session)

	if err := rec.Start(context.Background(), "workouts"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(rec.Stop)

	return &harness{backend: backend, cache: cache, queue: queue, repo: repo, rec: rec}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// settle gives the consumer goroutine time to process everything emitted so
// far by pushing a sentinel it must get past.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	sentinel := "sentinel-" + time.Now().Format("150405.000000000")
	h.backend.emit("workouts", &domain.ChangeEvent{
		Type:      domain.ChangeInsert,
		TableName: "workouts",
		RecordID:  sentinel,
		OwnerID:   "u1",
		Payload:   map[string]interface{}{"sentinel": true},
	})
	waitFor(t, func() bool {
		_, ok := h.cache.GetByID("workouts", sentinel)
		return ok
	})
	h.cache.ApplyRemoteDelete("workouts", sentinel)
}

func updateEvent(recordID, ownerID string, updatedAt time.Time, data map[string]interface{}) *domain.ChangeEvent {
	return &domain.ChangeEvent{
		Type:      domain.ChangeUpdate,
		TableName: "workouts",
		RecordID:  recordID,
		OwnerID:   ownerID,
		Payload:   data,
		UpdatedAt: updatedAt,
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestStartRequiresPrincipal(t *testing.T) {
	session := &fakeSession{}
	rec := NewReconciler(newFakeBackend(), records.NewFacade(noopQueue{}, session, "fake"), conflict.NewResolver(newFakeConflictRepo()), newFakePendingQueue(), session)
	if err := rec.Start(context.Background(), "workouts"); err == nil {
		t.Fatal("Start() without a user should fail")
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	if err := h.rec.Start(context.Background(), "workouts"); err == nil {
		t.Fatal("second Start() should fail")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.rec.Stop()
	h.rec.Stop()
}

func TestCrossUserEventDropped(t *testing.T) {
	h := newHarness(t)

	h.backend.emit("workouts", &domain.ChangeEvent{
		Type:      domain.ChangeInsert,
		TableName: "workouts",
		RecordID:  "w-other",
		OwnerID:   "u2",
		Payload:   map[string]interface{}{"reps": float64(10)},
	})
	h.settle(t)

	if _, ok := h.cache.GetByID("workouts", "w-other"); ok {
		t.Error("cross-user record leaked into the cache")
	}
}

func TestRemoteInsertDeduped(t *testing.T) {
	h := newHarness(t)

	// Optimistic local copy already cached.
	h.cache.ApplyRemoteInsert(&domain.Record{
		ID: "w1", TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": float64(10)},
	})

	// The echo of our own create comes back with server-side fields.
	h.backend.emit("workouts", &domain.ChangeEvent{
		Type:      domain.ChangeInsert,
		TableName: "workouts",
		RecordID:  "w1",
		OwnerID:   "u1",
		Payload:   map[string]interface{}{"reps": float64(99)},
	})
	h.settle(t)

	got, ok := h.cache.GetByID("workouts", "w1")
	if !ok {
		t.Fatal("record vanished")
	}
	if got.Data["reps"] != float64(10) {
		t.Errorf("reps = %v, duplicate insert should not overwrite", got.Data["reps"])
	}
}

func TestRemoteUpdateNoPendingApplies(t *testing.T) {
	h := newHarness(t)
	h.cache.ApplyRemoteInsert(&domain.Record{
		ID: "w1", TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": float64(10)},
	})

	h.backend.emit("workouts", updateEvent("w1", "u1", time.Now(), map[string]interface{}{"reps": float64(15)}))
	h.settle(t)

	got, _ := h.cache.GetByID("workouts", "w1")
	if got == nil || got.Data["reps"] != float64(15) {
		t.Errorf("remote update not applied: %v", got)
	}
}

func TestRemoteUpdateWithPendingHoldsOnManualConflict(t *testing.T) {
	h := newHarness(t)
	base := time.Now()

	h.cache.ApplyRemoteInsert(&domain.Record{
		ID: "w1", TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": float64(12)}, UpdatedAt: base,
	})
	h.queue.setPending(&domain.QueueEntry{
		ID: "e1", Operation: domain.OperationUpdate, TableName: "workouts", RecordID: "w1",
		Payload: map[string]interface{}{"reps": float64(12)}, CreatedAt: base,
	})

	// Remote version without a comparable timestamp cannot auto-resolve.
	h.backend.emit("workouts", updateEvent("w1", "u1", time.Time{}, map[string]interface{}{"reps": float64(20)}))
	h.settle(t)

	if got := h.repo.count(); got != 1 {
		t.Fatalf("conflicts persisted = %d, want 1", got)
	}
	got, _ := h.cache.GetByID("workouts", "w1")
	if got == nil || got.Data["reps"] != float64(12) {
		t.Errorf("local view = %v, manual conflict must hold it", got)
	}
	if len(h.queue.discardedKeys()) != 0 {
		t.Error("pending entry discarded on a manual conflict")
	}
}

func TestRemoteUpdateServerWinsDiscardsPending(t *testing.T) {
	h := newHarness(t)
	base := time.Now()

	h.cache.ApplyRemoteInsert(&domain.Record{
		ID: "w1", TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": float64(12)}, UpdatedAt: base,
	})
	h.queue.setPending(&domain.QueueEntry{
		ID: "e1", Operation: domain.OperationUpdate, TableName: "workouts", RecordID: "w1",
		Payload: map[string]interface{}{"reps": float64(12)}, CreatedAt: base,
	})

	// Remote is strictly newer: last-write-wins picks the server.
	h.backend.emit("workouts", updateEvent("w1", "u1", base.Add(time.Minute), map[string]interface{}{"reps": float64(20)}))
	h.settle(t)

	discarded := h.queue.discardedKeys()
	if len(discarded) != 1 || discarded[0] != domain.RecordKey("workouts", "w1") {
		t.Fatalf("discarded = %v, want the superseded entry", discarded)
	}
	got, _ := h.cache.GetByID("workouts", "w1")
	if got == nil || got.Data["reps"] != float64(20) {
		t.Errorf("cache = %v, server version should be applied", got)
	}
}

func TestRemoteUpdateLocalWinsKeepsPending(t *testing.T) {
	h := newHarness(t)
	base := time.Now()

	h.cache.ApplyRemoteInsert(&domain.Record{
		ID: "w1", TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": float64(12)}, UpdatedAt: base,
	})
	h.queue.setPending(&domain.QueueEntry{
		ID: "e1", Operation: domain.OperationUpdate, TableName: "workouts", RecordID: "w1",
		Payload: map[string]interface{}{"reps": float64(12)}, CreatedAt: base,
	})

	// Remote is older: the local mutation stands and will push later.
	h.backend.emit("workouts", updateEvent("w1", "u1", base.Add(-time.Minute), map[string]interface{}{"reps": float64(20)}))
	h.settle(t)

	if len(h.queue.discardedKeys()) != 0 {
		t.Error("pending entry discarded although local won")
	}
	got, _ := h.cache.GetByID("workouts", "w1")
	if got == nil || got.Data["reps"] != float64(12) {
		t.Errorf("cache = %v, local version should be held", got)
	}
}

func TestRemoteDeleteNoPendingRemoves(t *testing.T) {
	h := newHarness(t)
	h.cache.ApplyRemoteInsert(&domain.Record{
		ID: "w1", TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": float64(10)},
	})

	h.backend.emit("workouts", &domain.ChangeEvent{
		Type: domain.ChangeDelete, TableName: "workouts", RecordID: "w1", OwnerID: "u1",
	})
	h.settle(t)

	if _, ok := h.cache.GetByID("workouts", "w1"); ok {
		t.Error("remotely deleted record still cached")
	}
}

func TestRemoteDeleteWithPendingEditRaisesConflict(t *testing.T) {
	h := newHarness(t)
	base := time.Now()

	h.cache.ApplyRemoteInsert(&domain.Record{
		ID: "w1", TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": float64(12)}, UpdatedAt: base,
	})
	h.queue.setPending(&domain.QueueEntry{
		ID: "e1", Operation: domain.OperationUpdate, TableName: "workouts", RecordID: "w1",
		Payload: map[string]interface{}{"reps": float64(12)}, CreatedAt: base,
	})

	h.backend.emit("workouts", &domain.ChangeEvent{
		Type: domain.ChangeDelete, TableName: "workouts", RecordID: "w1", OwnerID: "u1",
	})
	h.settle(t)

	conflicts, _ := h.repo.List(context.Background())
	if len(conflicts) != 1 || conflicts[0].Type != domain.ConflictDelete {
		t.Fatalf("conflicts = %v, want one delete_conflict", conflicts)
	}
	if _, ok := h.cache.GetByID("workouts", "w1"); !ok {
		t.Error("locally edited record removed despite the conflict hold")
	}
}
