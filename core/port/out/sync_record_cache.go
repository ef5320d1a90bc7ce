package out

import "fitsync_client/core/domain"

// RecordCachePort is how the reconciler mutates the materialized local view.
// The repository facade implements it; all writes funnel through its single
// writer so optimistic and reconciled changes can never interleave unsafely.
type RecordCachePort interface {
	// GetRecord returns the cached version of a record, if present.
	GetRecord(tableName, recordID string) (*domain.Record, bool)

	// ApplyRemoteInsert adds a remotely-created record. Inserts for records
	// already present (echoes of optimistic local inserts) are dropped.
	ApplyRemoteInsert(record *domain.Record)

	// ApplyRemoteUpdate replaces the cached version with the server one.
	ApplyRemoteUpdate(record *domain.Record)

	// ApplyRemoteDelete removes the record. Absent records are a no-op.
	ApplyRemoteDelete(tableName, recordID string)
}
