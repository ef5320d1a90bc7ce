package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// DefaultMaxAttempts is how many times a transiently-failing entry is tried
// before it moves to the failed disposition.
const DefaultMaxAttempts = 5

// Config tunes a Manager.
type Config struct {
	MaxAttempts int
}

// Manager owns the durable mutation queue and drains it against the backend.
// It is the sole writer of the QueueRepository and the sole owner of the
// in-memory queue image; everything else observes it through snapshots.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*domain.QueueEntry // by entry id
	byRecord   map[string]string             // record key -> entry id
	lastRun    []domain.ProcessError
	lastSync   *time.Time
	processing bool
	destroyed  bool

	queueRepo out.QueueRepository
	backend   out.BackendPort
	network   out.NetworkMonitorPort

	maxAttempts int
	unsubNet    func()
	wakeTimer   *time.Timer

	log *logger.Logger
	now func() time.Time
}

// NewManager wires a manager and subscribes it to network transitions.
// The queue image starts empty; call Reset to hydrate from persistence.
func NewManager(queueRepo out.QueueRepository, backend out.BackendPort, network out.NetworkMonitorPort, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	m := &Manager{
		entries:     make(map[string]*domain.QueueEntry),
		byRecord:    make(map[string]string),
		queueRepo:   queueRepo,
		backend:     backend,
		network:     network,
		maxAttempts: cfg.MaxAttempts,
		log:         logger.WithField("component", "sync_manager"),
		now:         time.Now,
	}
	m.unsubNet = network.Subscribe(m.onNetworkChange)
	return m
}

func (m *Manager) onNetworkChange(online bool) {
	if !online {
		return
	}
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		return
	}
	m.log.Info("[SyncManager.onNetworkChange] connectivity restored, draining queue")
	go m.ProcessQueue(context.Background())
}

// =============================================================================
// AddToQueue
// =============================================================================

// AddToQueue validates, coalesces and durably persists a mutation. Validation
// failures are returned synchronously and never touch persistence. The entry
// is durable before AddToQueue returns.
func (m *Manager) AddToQueue(ctx context.Context, entry *domain.QueueEntry) error {
	if entry == nil {
		return apperr.ValidationFailed("entry is nil")
	}
	if err := entry.Validate(); err != nil {
		return apperr.ValidationFailed(err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return apperr.Internal("sync manager is destroyed")
	}

	e := entry.Clone()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Priority == "" {
		e.Priority = domain.PriorityMedium
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	e.Status = domain.EntryStatusPending
	e.Revision = 0
	e.Attempts = 0
	e.LastAttemptAt = nil
	e.NextAttemptAt = time.Time{}
	e.LastError = ""

	key := e.RecordKey()
	if existingID, ok := m.byRecord[key]; ok {
		return m.coalesce(ctx, m.entries[existingID], e)
	}

	if err := m.queueRepo.AddOrReplace(ctx, e); err != nil {
		return err
	}
	m.entries[e.ID] = e
	m.byRecord[key] = e.ID

	m.log.Info("[SyncManager.AddToQueue] queued %s %s/%s priority=%s", e.Operation, e.TableName, e.RecordID, e.Priority)
	return nil
}

// coalesce folds a new mutation into the existing entry for the same record.
// Callers hold m.mu. Rules:
//   - update after an unsynced create stays a create carrying the new payload
//   - delete after an unsynced create cancels both
//   - delete after an update becomes the delete
//   - create after a pending delete degrades to an update (the record still
//     exists remotely until the delete would have applied)
//   - otherwise the newer payload and operation win
//
// Coalescing resets the retry counters: the entry now carries new content.
func (m *Manager) coalesce(ctx context.Context, existing, incoming *domain.QueueEntry) error {
	if incoming.Operation == domain.OperationDelete && existing.Operation == domain.OperationCreate {
		if err := m.queueRepo.RemoveByID(ctx, existing.ID); err != nil {
			return err
		}
		delete(m.entries, existing.ID)
		delete(m.byRecord, existing.RecordKey())
		m.log.Info("[SyncManager.AddToQueue] delete cancels unsynced create %s/%s", existing.TableName, existing.RecordID)
		return nil
	}

	merged := existing.Clone()
	switch {
	case existing.Operation == domain.OperationCreate && incoming.Operation == domain.OperationUpdate:
		merged.Operation = domain.OperationCreate
		merged.Payload = incoming.Payload
	case existing.Operation == domain.OperationDelete && incoming.Operation == domain.OperationCreate:
		merged.Operation = domain.OperationUpdate
		merged.Payload = incoming.Payload
	default:
		merged.Operation = incoming.Operation
		merged.Payload = incoming.Payload
	}

	if incoming.Priority.Rank() < merged.Priority.Rank() {
		merged.Priority = incoming.Priority
	}
	merged.Status = domain.EntryStatusPending
	merged.Revision++
	merged.Attempts = 0
	merged.LastAttemptAt = nil
	merged.NextAttemptAt = time.Time{}
	merged.LastError = ""

	if err := m.queueRepo.AddOrReplace(ctx, merged); err != nil {
		return err
	}
	m.entries[merged.ID] = merged

	m.log.Info("[SyncManager.AddToQueue] coalesced %s into %s for %s/%s", incoming.Operation, merged.Operation, merged.TableName, merged.RecordID)
	return nil
}

// =============================================================================
// ProcessQueue
// =============================================================================

// ProcessQueue drains eligible entries in priority-then-age order. It is
// single-flight: a call that arrives while a drain is running, while offline,
// or after Destroy returns a successful no-op result so that no entry is ever
// attempted twice concurrently.
func (m *Manager) ProcessQueue(ctx context.Context) *domain.ProcessResult {
	m.mu.Lock()
	if m.destroyed || m.processing || !m.network.IsOnline() {
		remaining := m.pendingCountLocked()
		m.mu.Unlock()
		return &domain.ProcessResult{Success: true, Remaining: remaining}
	}
	m.processing = true
	batch := m.eligibleLocked(m.now())
	m.mu.Unlock()

	m.log.Info("[SyncManager.ProcessQueue] draining %d entries", len(batch))

	result := &domain.ProcessResult{Success: true}
	for _, snapshot := range batch {
		if ctx.Err() != nil {
			break
		}

		err := m.apply(ctx, snapshot)

		m.mu.Lock()
		if m.destroyed {
			// Result of the in-flight write is ignored after Destroy.
			m.mu.Unlock()
			return result
		}
		entry, ok := m.entries[snapshot.ID]
		if !ok {
			// Entry was discarded (e.g. a server-wins resolution) mid-flight.
			m.mu.Unlock()
			continue
		}
		if entry.Revision != snapshot.Revision {
			// A mutation coalesced in while the old content was in flight.
			// The remote write, pass or fail, was for the stale snapshot;
			// the entry stays pending for the next drain.
			m.mu.Unlock()
			continue
		}
		if err == nil {
			if rmErr := m.completeLocked(ctx, entry); rmErr != nil {
				result.Success = false
				result.Errors = append(result.Errors, processError(entry, rmErr, false))
			} else {
				result.Processed++
			}
		} else {
			result.Errors = append(result.Errors, m.failLocked(ctx, entry, err))
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.processing = false
	m.lastRun = result.Errors
	result.Remaining = m.pendingCountLocked()
	if len(result.Errors) == 0 && result.Success {
		t := m.now()
		m.lastSync = &t
	}
	m.scheduleWakeLocked()
	m.mu.Unlock()

	m.log.Info("[SyncManager.ProcessQueue] drained processed=%d remaining=%d errors=%d", result.Processed, result.Remaining, len(result.Errors))
	return result
}

// apply performs the remote write for one entry.
func (m *Manager) apply(ctx context.Context, entry *domain.QueueEntry) error {
	switch entry.Operation {
	case domain.OperationCreate:
		record := &domain.Record{
			ID:        entry.RecordID,
			TableName: entry.TableName,
			Data:      entry.Payload,
			UpdatedAt: entry.CreatedAt,
		}
		if owner, ok := entry.Payload["owner_id"].(string); ok {
			record.OwnerID = owner
		}
		_, err := m.backend.Create(ctx, entry.TableName, record)
		return err
	case domain.OperationUpdate:
		return m.backend.Update(ctx, entry.TableName, entry.RecordID, entry.Payload)
	case domain.OperationDelete:
		return m.backend.Delete(ctx, entry.TableName, entry.RecordID)
	}
	return apperr.Internal("unknown operation " + string(entry.Operation))
}

// completeLocked removes a successfully-applied entry, durably first.
func (m *Manager) completeLocked(ctx context.Context, entry *domain.QueueEntry) error {
	if err := m.queueRepo.RemoveByID(ctx, entry.ID); err != nil {
		m.log.WithError(err).Error("[SyncManager.ProcessQueue] applied %s/%s but could not remove durable entry", entry.TableName, entry.RecordID)
		return err
	}
	delete(m.entries, entry.ID)
	delete(m.byRecord, entry.RecordKey())
	return nil
}

// failLocked records a failed attempt: backoff for transient errors, failed
// disposition for permanent ones or when attempts run out.
func (m *Manager) failLocked(ctx context.Context, entry *domain.QueueEntry, cause error) domain.ProcessError {
	now := m.now()
	entry.Attempts++
	entry.LastAttemptAt = &now
	entry.LastError = cause.Error()

	permanent := apperr.IsPermanent(cause)
	if permanent || !entry.CanRetry(m.maxAttempts) {
		entry.Status = domain.EntryStatusFailed
		m.log.WithError(cause).Warn("[SyncManager.ProcessQueue] %s/%s moved to failed after %d attempts", entry.TableName, entry.RecordID, entry.Attempts)
	} else {
		entry.NextAttemptAt = now.Add(domain.RetryDelay(entry.Attempts))
	}

	if err := m.queueRepo.AddOrReplace(ctx, entry); err != nil {
		m.log.WithError(err).Error("[SyncManager.ProcessQueue] could not persist attempt state for %s", entry.ID)
	}
	return processError(entry, cause, permanent || entry.Status == domain.EntryStatusFailed)
}

func processError(entry *domain.QueueEntry, cause error, permanent bool) domain.ProcessError {
	return domain.ProcessError{
		EntryID:   entry.ID,
		TableName: entry.TableName,
		RecordID:  entry.RecordID,
		Message:   cause.Error(),
		Permanent: permanent,
	}
}

// eligibleLocked snapshots due pending entries, critical first, oldest first
// within a priority.
func (m *Manager) eligibleLocked(now time.Time) []*domain.QueueEntry {
	batch := make([]*domain.QueueEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.IsEligible(now) {
			batch = append(batch, e.Clone())
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority.Rank() != batch[j].Priority.Rank() {
			return batch[i].Priority.Rank() < batch[j].Priority.Rank()
		}
		return batch[i].CreatedAt.Before(batch[j].CreatedAt)
	})
	return batch
}

// scheduleWakeLocked arms a timer for the earliest backed-off entry so a
// drain happens without an external trigger.
func (m *Manager) scheduleWakeLocked() {
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
	if m.destroyed {
		return
	}

	now := m.now()
	var earliest time.Time
	for _, e := range m.entries {
		if e.Status != domain.EntryStatusPending || !e.NextAttemptAt.After(now) {
			continue
		}
		if earliest.IsZero() || e.NextAttemptAt.Before(earliest) {
			earliest = e.NextAttemptAt
		}
	}
	if earliest.IsZero() {
		return
	}

	m.wakeTimer = time.AfterFunc(earliest.Sub(now), func() {
		m.ProcessQueue(context.Background())
	})
}

// =============================================================================
// Status projections
// =============================================================================

func (m *Manager) pendingCountLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.Status == domain.EntryStatusPending {
			n++
		}
	}
	return n
}

// GetQueueStatus returns a snapshot of the queue.
func (m *Manager) GetQueueStatus() domain.QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := domain.QueueStatus{ByPriority: make(map[domain.Priority]int)}
	for _, e := range m.entries {
		if e.Status == domain.EntryStatusFailed {
			status.FailedCount++
			continue
		}
		status.TotalPending++
		status.ByPriority[e.Priority]++
		if status.OldestEntry == nil || e.CreatedAt.Before(*status.OldestEntry) {
			t := e.CreatedAt
			status.OldestEntry = &t
		}
	}
	return status
}

// GetSyncStatus returns a snapshot of the manager state.
func (m *Manager) GetSyncStatus() domain.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := domain.SyncStatus{
		Online:       m.network.IsOnline(),
		Processing:   m.processing,
		LastSyncAt:   m.lastSync,
		PendingCount: m.pendingCountLocked(),
	}
	for _, pe := range m.lastRun {
		status.Errors = append(status.Errors, pe.Message)
	}
	return status
}

// Queue returns clones of all entries, pending and failed.
func (m *Manager) Queue() []*domain.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*domain.QueueEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e.Clone())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries
}

// PendingEntry returns the pending entry for a record, if any. The
// reconciler uses it to spot local/remote races.
func (m *Manager) PendingEntry(tableName, recordID string) (*domain.QueueEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRecord[domain.RecordKey(tableName, recordID)]
	if !ok {
		return nil, false
	}
	e := m.entries[id]
	if e.Status != domain.EntryStatusPending {
		return nil, false
	}
	return e.Clone(), true
}

// DiscardEntry drops the entry for a record, durably. Used when a
// server-wins resolution supersedes the local mutation.
func (m *Manager) DiscardEntry(ctx context.Context, tableName, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRecord[domain.RecordKey(tableName, recordID)]
	if !ok {
		return nil
	}
	if err := m.queueRepo.RemoveByID(ctx, id); err != nil {
		return err
	}
	delete(m.entries, id)
	delete(m.byRecord, domain.RecordKey(tableName, recordID))
	return nil
}

// =============================================================================
// Failed disposition
// =============================================================================

// FailedEntries returns clones of entries that ran out of retries.
func (m *Manager) FailedEntries() []*domain.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make([]*domain.QueueEntry, 0)
	for _, e := range m.entries {
		if e.Status == domain.EntryStatusFailed {
			failed = append(failed, e.Clone())
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	return failed
}

// RetryFailed requeues all failed entries with fresh attempt budgets and
// returns how many were requeued.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for _, e := range m.entries {
		if e.Status != domain.EntryStatusFailed {
			continue
		}
		e.Status = domain.EntryStatusPending
		e.Attempts = 0
		e.NextAttemptAt = time.Time{}
		e.LastError = ""
		if err := m.queueRepo.AddOrReplace(ctx, e); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// DiscardFailed permanently drops one failed entry.
func (m *Manager) DiscardFailed(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok || e.Status != domain.EntryStatusFailed {
		return apperr.NotFound("failed entry")
	}
	if err := m.queueRepo.RemoveByID(ctx, entryID); err != nil {
		return err
	}
	delete(m.entries, entryID)
	delete(m.byRecord, e.RecordKey())
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Reset rebuilds the in-memory queue image strictly from persistence. It
// models an application restart: whatever is durable is what exists. A reset
// never clears the durable queue.
func (m *Manager) Reset(ctx context.Context) error {
	entries, err := m.queueRepo.Load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return apperr.Internal("sync manager is destroyed")
	}

	m.entries = make(map[string]*domain.QueueEntry, len(entries))
	m.byRecord = make(map[string]string, len(entries))
	for _, e := range entries {
		m.entries[e.ID] = e
		m.byRecord[e.RecordKey()] = e.ID
	}
	m.lastRun = nil
	m.scheduleWakeLocked()

	m.log.Info("[SyncManager.Reset] hydrated %d entries from persistence", len(entries))
	return nil
}

// Destroy detaches the manager from its triggers. Idempotent; the durable
// queue is left intact for the next session.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}
	m.destroyed = true
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
	if m.unsubNet != nil {
		m.unsubNet()
		m.unsubNet = nil
	}
	m.log.Info("[SyncManager.Destroy] destroyed")
}
