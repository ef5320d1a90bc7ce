package out

import (
	"context"

	"fitsync_client/core/domain"
)

// BackendPort is the uniform contract every remote backend adapter implements.
// The engine never sees driver types; adapters translate driver failures into
// the apperr taxonomy so the retry policy can classify them.
type BackendPort interface {
	// Name identifies the backend ("postgres", "mongo", ...).
	Name() string

	// Create inserts a record and returns its server-side id.
	Create(ctx context.Context, tableName string, record *domain.Record) (string, error)

	// Update applies a partial payload to an existing record.
	Update(ctx context.Context, tableName, recordID string, payload map[string]interface{}) error

	// Delete removes a record. Deleting an already-absent record is not an
	// error.
	Delete(ctx context.Context, tableName, recordID string) error

	// Subscribe opens a change feed for one table scoped to one owner.
	Subscribe(ctx context.Context, tableName, ownerID string) (ChangeFeed, error)
}

// ChangeFeed is a live stream of backend changes. Events is closed when the
// feed ends; Close is idempotent.
type ChangeFeed interface {
	Events() <-chan *domain.ChangeEvent
	Close() error
}
