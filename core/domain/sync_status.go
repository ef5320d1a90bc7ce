package domain

import "time"

// =============================================================================
// Status snapshots
// =============================================================================

// QueueStatus is a point-in-time projection of the mutation queue.
type QueueStatus struct {
	TotalPending int              `json:"total_pending"`
	ByPriority   map[Priority]int `json:"by_priority"`
	OldestEntry  *time.Time       `json:"oldest_entry,omitempty"`
	FailedCount  int              `json:"failed_count"`
}

// SyncStatus is a point-in-time projection of the sync manager itself.
type SyncStatus struct {
	Online       bool       `json:"online"`
	Processing   bool       `json:"processing"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	PendingCount int        `json:"pending_count"`
	Errors       []string   `json:"errors,omitempty"`
}

// =============================================================================
// Drain results
// =============================================================================

// ProcessError describes one entry that did not apply during a drain.
type ProcessError struct {
	EntryID   string `json:"entry_id"`
	TableName string `json:"table_name"`
	RecordID  string `json:"record_id"`
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
}

// ProcessResult summarizes one ProcessQueue run. A run that was skipped
// because the client is offline or a drain is already in flight reports
// Success with zero Processed.
type ProcessResult struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Remaining int            `json:"remaining"`
	Errors    []ProcessError `json:"errors,omitempty"`
}
