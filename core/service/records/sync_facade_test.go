package records

import (
	"context"
	"sync"
	"testing"
	"time"

	"fitsync_client/core/domain"
	"fitsync_client/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeQueue struct {
	mu      sync.Mutex
	entries []*domain.QueueEntry
	err     error
}

func (q *fakeQueue) AddToQueue(ctx context.Context, entry *domain.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.entries = append(q.entries, entry)
	return nil
}

func (q *fakeQueue) last() *domain.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[len(q.entries)-1]
}

type fakeSession struct{ userID string }

func (s *fakeSession) UserID() string { return s.userID }

func newTestFacade(t *testing.T) (*Facade, *fakeQueue) {
	t.Helper()
	queue := &fakeQueue{}
	f := NewFacade(queue, &fakeSession{userID: "u1"}, "fake")
	t.Cleanup(f.Close)
	return f, queue
}

// collectEvents subscribes and returns a drain function that waits for n
// events or times out.
func collectEvents(t *testing.T, f *Facade) func(n int) []*domain.RecordEvent {
	t.Helper()
	ch := make(chan *domain.RecordEvent, 32)
	unsubscribe := f.Subscribe(func(ev *domain.RecordEvent) { ch <- ev })
	t.Cleanup(unsubscribe)

	return func(n int) []*domain.RecordEvent {
		events := make([]*domain.RecordEvent, 0, n)
		for len(events) < n {
			select {
			case ev := <-ch:
				events = append(events, ev)
			case <-time.After(time.Second):
				t.Fatalf("got %d events, want %d", len(events), n)
			}
		}
		return events
	}
}

// =============================================================================
// Mutations
// =============================================================================

func TestAddIsOptimisticAndQueued(t *testing.T) {
	f, queue := newTestFacade(t)

	record, err := f.Add(context.Background(), "workouts", map[string]interface{}{"reps": 10}, domain.PriorityHigh)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Visible immediately.
	cached, ok := f.GetByID("workouts", record.ID)
	if !ok || cached.Data["reps"] != 10 {
		t.Errorf("record not readable after Add: %v", cached)
	}
	if cached.OwnerID != "u1" {
		t.Errorf("owner = %s, want session user", cached.OwnerID)
	}

	// Queued as a create carrying ownership and timestamp.
	entry := queue.last()
	if entry == nil || entry.Operation != domain.OperationCreate || entry.RecordID != record.ID {
		t.Fatalf("queued entry = %+v", entry)
	}
	if entry.Priority != domain.PriorityHigh {
		t.Errorf("priority = %s, want high", entry.Priority)
	}
	if entry.Payload["owner_id"] != "u1" {
		t.Errorf("payload owner_id = %v", entry.Payload["owner_id"])
	}
	if _, ok := entry.Payload["updated_at"].(string); !ok {
		t.Errorf("payload updated_at = %v, want RFC3339 string", entry.Payload["updated_at"])
	}
}

func TestAddValidation(t *testing.T) {
	f, queue := newTestFacade(t)

	if _, err := f.Add(context.Background(), "", map[string]interface{}{"reps": 10}, domain.PriorityMedium); err == nil {
		t.Error("empty table should be rejected")
	}
	if _, err := f.Add(context.Background(), "workouts", nil, domain.PriorityMedium); err == nil {
		t.Error("empty data should be rejected")
	}
	if queue.last() != nil {
		t.Error("rejected mutations must not be queued")
	}
}

func TestAddNotCachedWhenEnqueueFails(t *testing.T) {
	f, queue := newTestFacade(t)
	queue.err = apperr.StorageError("set", context.DeadlineExceeded)

	_, err := f.Add(context.Background(), "workouts", map[string]interface{}{"reps": 10}, domain.PriorityMedium)
	if err == nil {
		t.Fatal("Add() should surface the enqueue failure")
	}
	if got := f.GetAll("workouts"); len(got) != 0 {
		t.Errorf("record cached despite enqueue failure: %v", got)
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	f, queue := newTestFacade(t)
	record, _ := f.Add(context.Background(), "workouts", map[string]interface{}{"reps": 10, "title": "run"}, domain.PriorityMedium)

	updated, err := f.Update(context.Background(), "workouts", record.ID, map[string]interface{}{"reps": 12}, domain.PriorityMedium)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Data["reps"] != 12 || updated.Data["title"] != "run" {
		t.Errorf("patched data = %v", updated.Data)
	}
	if !updated.UpdatedAt.After(record.UpdatedAt) && !updated.UpdatedAt.Equal(record.UpdatedAt) {
		t.Error("UpdatedAt went backwards")
	}

	entry := queue.last()
	if entry.Operation != domain.OperationUpdate {
		t.Errorf("queued operation = %s, want update", entry.Operation)
	}
	// The queued payload is the full patched version, not the bare patch.
	if entry.Payload["title"] != "run" {
		t.Errorf("queued payload = %v, want full version", entry.Payload)
	}
}

func TestUpdateConcurrentPatchesBothSurvive(t *testing.T) {
	f, queue := newTestFacade(t)
	record, _ := f.Add(context.Background(), "workouts", map[string]interface{}{"reps": 10}, domain.PriorityMedium)

	var wg sync.WaitGroup
	for _, patch := range []map[string]interface{}{
		{"distance": 5},
		{"duration": 30},
	} {
		wg.Add(1)
		go func(p map[string]interface{}) {
			defer wg.Done()
			if _, err := f.Update(context.Background(), "workouts", record.ID, p, domain.PriorityMedium); err != nil {
				t.Errorf("Update(%v) error = %v", p, err)
			}
		}(patch)
	}
	wg.Wait()

	// Patches to the same record serialize; neither may overwrite the other.
	cached, _ := f.GetByID("workouts", record.ID)
	if cached.Data["distance"] != 5 || cached.Data["duration"] != 30 {
		t.Errorf("cached data = %v, want both patches applied", cached.Data)
	}

	// Whichever update ran second queued the fully merged version, so the
	// last queued payload matches the cache.
	entry := queue.last()
	if entry.Payload["distance"] != 5 || entry.Payload["duration"] != 30 {
		t.Errorf("last queued payload = %v, want both patches", entry.Payload)
	}
}

func TestUpdateUnknownRecord(t *testing.T) {
	f, _ := newTestFacade(t)
	if _, err := f.Update(context.Background(), "workouts", "nope", map[string]interface{}{"reps": 12}, domain.PriorityMedium); err == nil {
		t.Error("update of unknown record should fail")
	}
}

func TestDelete(t *testing.T) {
	f, queue := newTestFacade(t)
	record, _ := f.Add(context.Background(), "workouts", map[string]interface{}{"reps": 10}, domain.PriorityMedium)

	if err := f.Delete(context.Background(), "workouts", record.ID, domain.PriorityCritical); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := f.GetByID("workouts", record.ID); ok {
		t.Error("record still readable after Delete")
	}

	entry := queue.last()
	if entry.Operation != domain.OperationDelete || entry.Payload != nil {
		t.Errorf("queued entry = %+v, want bare delete", entry)
	}

	if err := f.Delete(context.Background(), "workouts", record.ID, domain.PriorityMedium); err == nil {
		t.Error("double delete should fail")
	}
}

// =============================================================================
// Reads
// =============================================================================

func TestGetAllSortedAndCloned(t *testing.T) {
	f, _ := newTestFacade(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	f.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first, _ := f.Add(context.Background(), "workouts", map[string]interface{}{"n": 1}, domain.PriorityMedium)
	second, _ := f.Add(context.Background(), "workouts", map[string]interface{}{"n": 2}, domain.PriorityMedium)

	all := f.GetAll("workouts")
	if len(all) != 2 {
		t.Fatalf("GetAll() = %d records", len(all))
	}
	if all[0].ID != first.ID || all[1].ID != second.ID {
		t.Error("records not ordered oldest first")
	}

	// Mutating the returned clone must not leak into the cache.
	all[0].Data["n"] = 99
	cached, _ := f.GetByID("workouts", first.ID)
	if cached.Data["n"] != 1 {
		t.Error("read clone mutation leaked into cache")
	}
}

// =============================================================================
// Events
// =============================================================================

func TestSubscribeReceivesLocalAndRemote(t *testing.T) {
	f, _ := newTestFacade(t)
	drain := collectEvents(t, f)

	record, _ := f.Add(context.Background(), "workouts", map[string]interface{}{"reps": 10}, domain.PriorityMedium)
	f.ApplyRemoteUpdate(&domain.Record{
		ID: record.ID, TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": 15}, UpdatedAt: time.Now(),
	})

	events := drain(2)
	if events[0].Type != domain.ChangeInsert || events[0].Origin != domain.OriginLocal {
		t.Errorf("event[0] = %s/%s", events[0].Type, events[0].Origin)
	}
	if events[1].Type != domain.ChangeUpdate || events[1].Origin != domain.OriginRemote {
		t.Errorf("event[1] = %s/%s", events[1].Type, events[1].Origin)
	}
	if events[1].Record == nil || events[1].Record.Data["reps"] != 15 {
		t.Errorf("event record = %v", events[1].Record)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f, _ := newTestFacade(t)

	var mu sync.Mutex
	received := 0
	unsubscribe := f.Subscribe(func(ev *domain.RecordEvent) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	f.Add(context.Background(), "workouts", map[string]interface{}{"n": 1}, domain.PriorityMedium)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := received
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	unsubscribe()
	unsubscribe() // idempotent

	f.Add(context.Background(), "workouts", map[string]interface{}{"n": 2}, domain.PriorityMedium)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Errorf("received %d events, want 1", received)
	}
}

// =============================================================================
// Remote writes
// =============================================================================

func TestApplyRemoteInsertDropsDuplicates(t *testing.T) {
	f, _ := newTestFacade(t)
	record, _ := f.Add(context.Background(), "workouts", map[string]interface{}{"reps": 10}, domain.PriorityMedium)

	f.ApplyRemoteInsert(&domain.Record{
		ID: record.ID, TableName: "workouts", OwnerID: "u1",
		Data: map[string]interface{}{"reps": 99},
	})

	cached, _ := f.GetByID("workouts", record.ID)
	if cached.Data["reps"] != 10 {
		t.Errorf("reps = %v, duplicate insert should be dropped", cached.Data["reps"])
	}
}

func TestApplyRemoteDeleteUnknownIsNoop(t *testing.T) {
	f, _ := newTestFacade(t)
	drain := collectEvents(t, f)

	f.ApplyRemoteDelete("workouts", "ghost")
	f.Add(context.Background(), "workouts", map[string]interface{}{"n": 1}, domain.PriorityMedium)

	// Only the Add should have produced an event.
	events := drain(1)
	if events[0].Type != domain.ChangeInsert {
		t.Errorf("event = %s, phantom delete must not publish", events[0].Type)
	}
}
