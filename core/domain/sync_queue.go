package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Operation / Priority
// =============================================================================

// Operation is the kind of mutation a queue entry carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// IsValid reports whether op is one of the known operations.
func (op Operation) IsValid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Priority orders queue entries during a drain. Critical drains first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its sort position (lower drains earlier).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// IsValid reports whether p is one of the known priorities.
func (p Priority) IsValid() bool {
	return p.Rank() < 4
}

// =============================================================================
// Queue entry
// =============================================================================

// EntryStatus tracks where an entry is in its lifecycle. Entries stay durable
// in both states; failed entries are excluded from drains until retried or
// discarded.
type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusFailed  EntryStatus = "failed"
)

// QueueEntry is one durable pending mutation. At most one entry exists per
// (TableName, RecordID) pair; newer mutations for the same record coalesce
// into the existing entry, bumping Revision so an in-flight drain can tell
// its snapshot went stale.
type QueueEntry struct {
	ID            string                 `json:"id"`
	Operation     Operation              `json:"operation"`
	TableName     string                 `json:"table_name"`
	RecordID      string                 `json:"record_id"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Priority      Priority               `json:"priority"`
	Status        EntryStatus            `json:"status"`
	Revision      int64                  `json:"revision"`
	Attempts      int                    `json:"attempts"`
	CreatedAt     time.Time              `json:"created_at"`
	LastAttemptAt *time.Time             `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time              `json:"next_attempt_at,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
}

// RecordKey is the coalescing key for a table/record pair.
func RecordKey(tableName, recordID string) string {
	return tableName + "/" + recordID
}

// RecordKey returns the coalescing key of this entry.
func (e *QueueEntry) RecordKey() string {
	return RecordKey(e.TableName, e.RecordID)
}

// Validate checks the structural invariants of an entry before it may enter
// the queue. Payload is required for create/update and forbidden for delete.
func (e *QueueEntry) Validate() error {
	if e.TableName == "" {
		return fmt.Errorf("table name is required")
	}
	if e.RecordID == "" {
		return fmt.Errorf("record id is required")
	}
	if !e.Operation.IsValid() {
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	if e.Priority != "" && !e.Priority.IsValid() {
		return fmt.Errorf("unknown priority %q", e.Priority)
	}
	switch e.Operation {
	case OperationCreate, OperationUpdate:
		if len(e.Payload) == 0 {
			return fmt.Errorf("payload is required for %s", e.Operation)
		}
	case OperationDelete:
		if len(e.Payload) != 0 {
			return fmt.Errorf("payload must be empty for delete")
		}
	}
	return nil
}

// IsEligible reports whether the entry may be attempted at the given time.
func (e *QueueEntry) IsEligible(now time.Time) bool {
	return e.Status == EntryStatusPending && !e.NextAttemptAt.After(now)
}

// CanRetry reports whether another attempt is allowed under the given limit.
func (e *QueueEntry) CanRetry(maxAttempts int) bool {
	return e.Attempts < maxAttempts
}

// Clone returns a deep copy. Queue snapshots hand out clones so callers can
// never mutate manager-owned state.
func (e *QueueEntry) Clone() *QueueEntry {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// =============================================================================
// Retry backoff
// =============================================================================

// RetryDelays is the wait ladder between attempts, indexed by attempts already
// made. Attempts beyond the ladder reuse the last delay.
var RetryDelays = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// RetryDelay returns the backoff delay after the given number of attempts.
func RetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return RetryDelays[0]
	}
	if attempts >= len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[attempts]
}
