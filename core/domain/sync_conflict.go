package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Conflict classification
// =============================================================================

// ConflictType classifies how a local and a server version diverged.
type ConflictType string

const (
	// ConflictConcurrentUpdate means both sides changed the record since the
	// last common version.
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	// ConflictDelete means one side deleted the record while the other
	// changed it.
	ConflictDelete ConflictType = "delete_conflict"
	// ConflictSchemaMismatch means the two versions carry structurally
	// incompatible shapes for the same fields.
	ConflictSchemaMismatch ConflictType = "schema_mismatch"
)

// Resolution is the outcome chosen for a conflict.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

// IsValid reports whether r is one of the known resolutions.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionLocalWins, ResolutionServerWins, ResolutionMerged, ResolutionManual:
		return true
	}
	return false
}

// Resolver identities recorded on a resolved conflict.
const (
	ResolvedBySystem = "system"
	ResolvedByManual = "manual"
)

// =============================================================================
// Conflict record
// =============================================================================

// ConflictRecord captures a detected divergence between the local and server
// version of a record. Resolution, ResolvedBy and ResolvedAt are set together
// when the conflict is resolved, and are all empty before that.
type ConflictRecord struct {
	ID            string                 `json:"id"`
	TableName     string                 `json:"table_name"`
	RecordID      string                 `json:"record_id"`
	LocalVersion  map[string]interface{} `json:"local_version,omitempty"`
	ServerVersion map[string]interface{} `json:"server_version,omitempty"`
	Type          ConflictType           `json:"conflict_type"`
	DetectedAt    time.Time              `json:"detected_at"`
	ResolvedAt    *time.Time             `json:"resolved_at,omitempty"`
	Resolution    Resolution             `json:"resolution,omitempty"`
	ResolvedBy    string                 `json:"resolved_by,omitempty"`
	MergedVersion map[string]interface{} `json:"merged_version,omitempty"`
}

// IsResolved reports whether the conflict has a recorded outcome.
func (c *ConflictRecord) IsResolved() bool {
	return c.ResolvedAt != nil
}

// MarkResolved records the outcome. It enforces that the three resolution
// fields change together and that resolution never precedes detection.
func (c *ConflictRecord) MarkResolved(resolution Resolution, resolvedBy string, at time.Time) error {
	if c.IsResolved() {
		return fmt.Errorf("conflict %s already resolved", c.ID)
	}
	if !resolution.IsValid() {
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	if resolvedBy != ResolvedBySystem && resolvedBy != ResolvedByManual {
		return fmt.Errorf("unknown resolver %q", resolvedBy)
	}
	if at.Before(c.DetectedAt) {
		at = c.DetectedAt
	}
	c.Resolution = resolution
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &at
	return nil
}
