package persistence

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
)

// queueKey is where the whole queue collection lives inside the KVStore.
const queueKey = "sync:queue"

// QueueStore persists the mutation queue as one JSON document. The sync
// manager is the only caller, so reads and writes need no store-side locking.
type QueueStore struct {
	kv  out.KVStore
	key string
}

// Interface compliance check
var _ out.QueueRepository = (*QueueStore)(nil)

func NewQueueStore(kv out.KVStore) *QueueStore {
	return &QueueStore{kv: kv, key: queueKey}
}

// =============================================================================
// Entity mapping
// =============================================================================

type queueEntryEntity struct {
	ID            string                 `json:"id"`
	Operation     string                 `json:"operation"`
	TableName     string                 `json:"table_name"`
	RecordID      string                 `json:"record_id"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Priority      string                 `json:"priority"`
	Status        string                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	CreatedAt     time.Time              `json:"created_at"`
	LastAttemptAt *time.Time             `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time              `json:"next_attempt_at"`
	LastError     string                 `json:"last_error,omitempty"`
}

func toQueueEntity(e *domain.QueueEntry) queueEntryEntity {
	return queueEntryEntity{
		ID:            e.ID,
		Operation:     string(e.Operation),
		TableName:     e.TableName,
		RecordID:      e.RecordID,
		Payload:       e.Payload,
		Priority:      string(e.Priority),
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		CreatedAt:     e.CreatedAt,
		LastAttemptAt: e.LastAttemptAt,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
	}
}

func (e queueEntryEntity) toDomain() *domain.QueueEntry {
	status := domain.EntryStatus(e.Status)
	if status == "" {
		status = domain.EntryStatusPending
	}
	return &domain.QueueEntry{
		ID:            e.ID,
		Operation:     domain.Operation(e.Operation),
		TableName:     e.TableName,
		RecordID:      e.RecordID,
		Payload:       e.Payload,
		Priority:      domain.Priority(e.Priority),
		Status:        status,
		Attempts:      e.Attempts,
		CreatedAt:     e.CreatedAt,
		LastAttemptAt: e.LastAttemptAt,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
	}
}

// =============================================================================
// Repository operations
// =============================================================================

func (s *QueueStore) Load(ctx context.Context) ([]*domain.QueueEntry, error) {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []*domain.QueueEntry{}, nil
	}

	var entities []queueEntryEntity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, apperr.StorageError("decode queue", err)
	}

	entries := make([]*domain.QueueEntry, 0, len(entities))
	for _, ent := range entities {
		entries = append(entries, ent.toDomain())
	}
	return entries, nil
}

func (s *QueueStore) Save(ctx context.Context, entries []*domain.QueueEntry) error {
	entities := make([]queueEntryEntity, 0, len(entries))
	for _, e := range entries {
		entities = append(entities, toQueueEntity(e))
	}

	data, err := json.Marshal(entities)
	if err != nil {
		return apperr.StorageError("encode queue", err)
	}
	return s.kv.Set(ctx, s.key, data)
}

func (s *QueueStore) AddOrReplace(ctx context.Context, entry *domain.QueueEntry) error {
	entries, err := s.Load(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i, e := range entries {
		if e.ID == entry.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return s.Save(ctx, entries)
}

func (s *QueueStore) RemoveByID(ctx context.Context, entryID string) error {
	entries, err := s.Load(ctx)
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != entryID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return s.Save(ctx, kept)
}
