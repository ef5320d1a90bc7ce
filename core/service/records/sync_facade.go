package records

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

// MutationQueue is the slice of the sync manager the facade needs.
type MutationQueue interface {
	AddToQueue(ctx context.Context, entry *domain.QueueEntry) error
}

// Principal supplies the authenticated user id for new records.
type Principal interface {
	UserID() string
}

// Facade is the single data entry point for application code: a materialized
// local view with optimistic mutations that are durably queued for sync. It
// is constructed once by bootstrap and injected wherever data access is
// needed; there is no package-level instance.
type Facade struct {
	mu      sync.RWMutex
	tables  map[string]map[string]*domain.Record
	queue   MutationQueue
	session Principal
	backend string
	hub     *Hub
	log     *logger.Logger
	now     func() time.Time
}

// Interface compliance check
var _ out.RecordCachePort = (*Facade)(nil)

// NewFacade builds a facade bound to the backend the factory selected.
func NewFacade(queue MutationQueue, session Principal, backendName string) *Facade {
	return &Facade{
		tables:  make(map[string]map[string]*domain.Record),
		queue:   queue,
		session: session,
		backend: backendName,
		hub:     NewHub(),
		log:     logger.WithField("component", "record_facade"),
		now:     time.Now,
	}
}

// BackendName reports which backend adapter mutations are synced against.
func (f *Facade) BackendName() string {
	return f.backend
}

// =============================================================================
// Mutations (optimistic)
// =============================================================================

// Add creates a record locally and queues the create for sync. The record is
// visible to reads and subscribers as soon as Add returns.
func (f *Facade) Add(ctx context.Context, tableName string, data map[string]interface{}, priority domain.Priority) (*domain.Record, error) {
	if tableName == "" {
		return nil, apperr.MissingField("table_name")
	}
	if len(data) == 0 {
		return nil, apperr.MissingField("data")
	}

	record := &domain.Record{
		ID:        uuid.New().String(),
		TableName: tableName,
		OwnerID:   f.session.UserID(),
		Data:      cloneData(data),
		UpdatedAt: f.now(),
	}

	if err := f.queue.AddToQueue(ctx, &domain.QueueEntry{
		Operation: domain.OperationCreate,
		TableName: tableName,
		RecordID:  record.ID,
		Payload:   syncPayload(record),
		Priority:  priority,
	}); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.tableLocked(tableName)[record.ID] = record
	f.mu.Unlock()

	f.publish(domain.ChangeInsert, record.Clone(), domain.OriginLocal)
	return record.Clone(), nil
}

// Update merges a patch into the cached record and queues the update.
func (f *Facade) Update(ctx context.Context, tableName, recordID string, patch map[string]interface{}, priority domain.Priority) (*domain.Record, error) {
	if len(patch) == 0 {
		return nil, apperr.MissingField("patch")
	}

	// Read, merge, enqueue and write back under one lock: concurrent patches
	// to the same record serialize, each seeing the prior merge, and the
	// queued payload always matches the cached record.
	f.mu.Lock()
	existing, ok := f.tables[tableName][recordID]
	if !ok {
		f.mu.Unlock()
		return nil, apperr.NotFound("record")
	}
	updated := existing.Clone()
	for k, v := range patch {
		updated.Data[k] = v
	}
	updated.UpdatedAt = f.now()

	if err := f.queue.AddToQueue(ctx, &domain.QueueEntry{
		Operation: domain.OperationUpdate,
		TableName: tableName,
		RecordID:  recordID,
		Payload:   syncPayload(updated),
		Priority:  priority,
	}); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.tableLocked(tableName)[recordID] = updated
	f.mu.Unlock()

	f.publish(domain.ChangeUpdate, updated.Clone(), domain.OriginLocal)
	return updated.Clone(), nil
}

// Delete removes the record locally and queues the delete.
func (f *Facade) Delete(ctx context.Context, tableName, recordID string, priority domain.Priority) error {
	f.mu.Lock()
	if _, ok := f.tables[tableName][recordID]; !ok {
		f.mu.Unlock()
		return apperr.NotFound("record")
	}

	if err := f.queue.AddToQueue(ctx, &domain.QueueEntry{
		Operation: domain.OperationDelete,
		TableName: tableName,
		RecordID:  recordID,
		Priority:  priority,
	}); err != nil {
		f.mu.Unlock()
		return err
	}
	delete(f.tableLocked(tableName), recordID)
	f.mu.Unlock()

	f.publishDelete(tableName, recordID, domain.OriginLocal)
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// GetAll returns clones of every cached record of a table, oldest first.
func (f *Facade) GetAll(tableName string) []*domain.Record {
	f.mu.RLock()
	defer f.mu.RUnlock()

	table := f.tables[tableName]
	records := make([]*domain.Record, 0, len(table))
	for _, r := range table {
		records = append(records, r.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})
	return records
}

// GetByID returns a clone of one cached record.
func (f *Facade) GetByID(tableName, recordID string) (*domain.Record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r, ok := f.tables[tableName][recordID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Subscribe registers a callback for local and reconciled remote changes.
// The returned function removes the subscription.
func (f *Facade) Subscribe(fn func(*domain.RecordEvent)) func() {
	return f.hub.Subscribe(fn)
}

// Close detaches all subscribers.
func (f *Facade) Close() {
	f.hub.Close()
}

// =============================================================================
// RecordCachePort (reconciler-driven writes)
// =============================================================================

// GetRecord returns the cached version of a record, if present.
func (f *Facade) GetRecord(tableName, recordID string) (*domain.Record, bool) {
	return f.GetByID(tableName, recordID)
}

// ApplyRemoteInsert adds a remotely-created record, dropping echoes of
// optimistic local inserts.
func (f *Facade) ApplyRemoteInsert(record *domain.Record) {
	f.mu.Lock()
	table := f.tableLocked(record.TableName)
	if _, exists := table[record.ID]; exists {
		f.mu.Unlock()
		f.log.Debug("[Facade.ApplyRemoteInsert] duplicate insert %s/%s dropped", record.TableName, record.ID)
		return
	}
	table[record.ID] = record.Clone()
	f.mu.Unlock()

	f.publish(domain.ChangeInsert, record.Clone(), domain.OriginRemote)
}

// ApplyRemoteUpdate replaces the cached version with the server one.
func (f *Facade) ApplyRemoteUpdate(record *domain.Record) {
	f.mu.Lock()
	f.tableLocked(record.TableName)[record.ID] = record.Clone()
	f.mu.Unlock()

	f.publish(domain.ChangeUpdate, record.Clone(), domain.OriginRemote)
}

// ApplyRemoteDelete removes a remotely-deleted record.
func (f *Facade) ApplyRemoteDelete(tableName, recordID string) {
	f.mu.Lock()
	table := f.tableLocked(tableName)
	if _, exists := table[recordID]; !exists {
		f.mu.Unlock()
		return
	}
	delete(table, recordID)
	f.mu.Unlock()

	f.publishDelete(tableName, recordID, domain.OriginRemote)
}

// =============================================================================
// Internals
// =============================================================================

// tableLocked returns the map for a table, creating it lazily. Callers hold
// the write lock.
func (f *Facade) tableLocked(tableName string) map[string]*domain.Record {
	table, ok := f.tables[tableName]
	if !ok {
		table = make(map[string]*domain.Record)
		f.tables[tableName] = table
	}
	return table
}

func (f *Facade) publish(changeType domain.ChangeType, record *domain.Record, origin domain.EventOrigin) {
	f.hub.Publish(&domain.RecordEvent{
		Type:      changeType,
		TableName: record.TableName,
		RecordID:  record.ID,
		Record:    record,
		Origin:    origin,
	})
}

func (f *Facade) publishDelete(tableName, recordID string, origin domain.EventOrigin) {
	f.hub.Publish(&domain.RecordEvent{
		Type:      domain.ChangeDelete,
		TableName: tableName,
		RecordID:  recordID,
		Origin:    origin,
	})
}

// syncPayload is what goes onto the queue for a record version: its data
// plus the ownership and timestamp fields the backend persists.
func syncPayload(record *domain.Record) map[string]interface{} {
	payload := make(map[string]interface{}, len(record.Data)+2)
	for k, v := range record.Data {
		payload[k] = v
	}
	payload["owner_id"] = record.OwnerID
	payload["updated_at"] = record.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return payload
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return cp
}
