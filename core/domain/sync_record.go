package domain

import "time"

// =============================================================================
// Record
// =============================================================================

// Record is one row/document of a synced table as the client sees it.
// Data is the opaque application payload; UpdatedAt is the record's last
// modification time as reported by whoever produced this version.
type Record struct {
	ID        string                 `json:"id"`
	TableName string                 `json:"table_name"`
	OwnerID   string                 `json:"owner_id"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Data != nil {
		c.Data = make(map[string]interface{}, len(r.Data))
		for k, v := range r.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// =============================================================================
// Change events
// =============================================================================

// ChangeType is the kind of change carried by a backend change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one notification from a backend change feed.
type ChangeEvent struct {
	Type      ChangeType             `json:"type"`
	TableName string                 `json:"table_name"`
	RecordID  string                 `json:"record_id"`
	OwnerID   string                 `json:"owner_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// EventOrigin marks whether a cache change came from a local mutation or a
// reconciled remote one.
type EventOrigin string

const (
	OriginLocal  EventOrigin = "local"
	OriginRemote EventOrigin = "remote"
)

// RecordEvent is what repository subscribers receive. Record is nil for
// deletes.
type RecordEvent struct {
	Type      ChangeType  `json:"type"`
	TableName string      `json:"table_name"`
	RecordID  string      `json:"record_id"`
	Record    *Record     `json:"record,omitempty"`
	Origin    EventOrigin `json:"origin"`
}
