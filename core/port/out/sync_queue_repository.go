package out

import (
	"context"

	"fitsync_client/core/domain"
)

// QueueRepository persists the mutation queue as one durable collection.
// The sync manager is the only caller, so implementations do no locking of
// their own. Every failure is surfaced to the caller, never swallowed.
type QueueRepository interface {
	// Load returns all persisted entries. A missing collection loads as
	// empty, not as an error.
	Load(ctx context.Context) ([]*domain.QueueEntry, error)

	// Save replaces the whole collection.
	Save(ctx context.Context, entries []*domain.QueueEntry) error

	// AddOrReplace upserts a single entry by id.
	AddOrReplace(ctx context.Context, entry *domain.QueueEntry) error

	// RemoveByID deletes a single entry. Removing an absent id is a no-op.
	RemoveByID(ctx context.Context, entryID string) error
}

// ConflictRepository is the durable conflict log.
type ConflictRepository interface {
	Save(ctx context.Context, conflict *domain.ConflictRecord) error
	GetByID(ctx context.Context, conflictID string) (*domain.ConflictRecord, error)
	List(ctx context.Context) ([]*domain.ConflictRecord, error)
	ListUnresolved(ctx context.Context) ([]*domain.ConflictRecord, error)
	RemoveByID(ctx context.Context, conflictID string) error
}
