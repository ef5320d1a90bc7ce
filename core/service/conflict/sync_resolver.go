package conflict

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// updatedAtField is the well-known modification timestamp key inside version
// payloads. Auto-resolution only works when both versions carry it.
const updatedAtField = "updated_at"

// Resolver classifies divergences between local and server versions and
// resolves them: automatically when both sides carry comparable timestamps,
// manually otherwise. It never guesses.
type Resolver struct {
	conflicts out.ConflictRepository
	log       *logger.Logger
	now       func() time.Time
}

func NewResolver(conflicts out.ConflictRepository) *Resolver {
	return &Resolver{
		conflicts: conflicts,
		log:       logger.WithField("component", "conflict_resolver"),
		now:       time.Now,
	}
}

// =============================================================================
// Detection
// =============================================================================

// Detect compares a local and a server version of one record against the
// last version both sides agreed on (baseline, nil when unknown) and returns
// a persisted ConflictRecord, or nil when the versions do not conflict.
func (r *Resolver) Detect(ctx context.Context, local, server, baseline *domain.Record) (*domain.ConflictRecord, error) {
	if local == nil && server == nil {
		return nil, nil
	}

	var conflictType domain.ConflictType
	switch {
	case local == nil || server == nil:
		// One side deleted; a conflict only exists if the surviving side
		// changed since the baseline.
		if !changedSince(surviving(local, server), baseline) {
			return nil, nil
		}
		conflictType = domain.ConflictDelete
	case schemaMismatch(local.Data, server.Data):
		conflictType = domain.ConflictSchemaMismatch
	case reflect.DeepEqual(local.Data, server.Data):
		// Same content on both sides is convergence, not conflict.
		return nil, nil
	case changedSince(local, baseline) && changedSince(server, baseline):
		conflictType = domain.ConflictConcurrentUpdate
	default:
		// Only one side moved; the other can fast-forward.
		return nil, nil
	}

	ref := surviving(local, server)
	conflict := &domain.ConflictRecord{
		ID:            uuid.New().String(),
		TableName:     ref.TableName,
		RecordID:      ref.ID,
		LocalVersion:  versionOf(local),
		ServerVersion: versionOf(server),
		Type:          conflictType,
		DetectedAt:    r.now(),
	}

	if err := r.conflicts.Save(ctx, conflict); err != nil {
		return nil, err
	}
	r.log.Info("[Resolver.Detect] %s on %s/%s", conflictType, conflict.TableName, conflict.RecordID)
	return conflict, nil
}

func surviving(local, server *domain.Record) *domain.Record {
	if local != nil {
		return local
	}
	return server
}

// changedSince reports whether the record moved past the baseline. An
// unknown baseline counts as changed: detection must err towards surfacing.
func changedSince(record, baseline *domain.Record) bool {
	if record == nil {
		return false
	}
	if baseline == nil {
		return true
	}
	if record.UpdatedAt.After(baseline.UpdatedAt) {
		return true
	}
	return !reflect.DeepEqual(record.Data, baseline.Data)
}

// schemaMismatch reports whether two payloads disagree on the kind of any
// shared field (map vs scalar vs list).
func schemaMismatch(local, server map[string]interface{}) bool {
	for key, lv := range local {
		sv, ok := server[key]
		if !ok || lv == nil || sv == nil {
			continue
		}
		if fieldKind(lv) != fieldKind(sv) {
			return true
		}
	}
	return false
}

func fieldKind(v interface{}) reflect.Kind {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map:
		return reflect.Map
	case reflect.Slice, reflect.Array:
		return reflect.Slice
	case reflect.Bool:
		return reflect.Bool
	case reflect.String:
		return reflect.String
	default:
		// All numerics collapse to one kind; JSON round-trips blur them.
		return reflect.Float64
	}
}

// versionOf snapshots a record's payload plus its modification timestamp.
func versionOf(record *domain.Record) map[string]interface{} {
	if record == nil {
		return nil
	}
	version := make(map[string]interface{}, len(record.Data)+1)
	for k, v := range record.Data {
		version[k] = v
	}
	if !record.UpdatedAt.IsZero() {
		version[updatedAtField] = record.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return version
}

// =============================================================================
// Resolution
// =============================================================================

// AutoResolve applies last-write-wins to a concurrent_update conflict when
// both versions carry comparable timestamps. It returns the chosen
// resolution and true, or false when the conflict needs manual handling.
// Equal timestamps deterministically favor the local version.
func (r *Resolver) AutoResolve(ctx context.Context, conflict *domain.ConflictRecord) (domain.Resolution, bool, error) {
	if conflict.IsResolved() || conflict.Type != domain.ConflictConcurrentUpdate {
		return "", false, nil
	}

	localTS, okLocal := versionTime(conflict.LocalVersion)
	serverTS, okServer := versionTime(conflict.ServerVersion)
	if !okLocal || !okServer {
		return "", false, nil
	}

	resolution := domain.ResolutionLocalWins
	if serverTS.After(localTS) {
		resolution = domain.ResolutionServerWins
	}

	if err := conflict.MarkResolved(resolution, domain.ResolvedBySystem, r.now()); err != nil {
		return "", false, err
	}
	if err := r.conflicts.Save(ctx, conflict); err != nil {
		return "", false, err
	}

	r.log.Info("[Resolver.AutoResolve] %s/%s resolved %s", conflict.TableName, conflict.RecordID, resolution)
	return resolution, true, nil
}

func versionTime(version map[string]interface{}) (time.Time, bool) {
	raw, ok := version[updatedAtField]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

// Resolve records a manual outcome. A merged resolution also computes and
// stores the merged version.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution domain.Resolution) (*domain.ConflictRecord, error) {
	if !resolution.IsValid() {
		return nil, apperr.BadRequest("unknown resolution " + string(resolution))
	}

	conflict, err := r.conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	if resolution == domain.ResolutionMerged {
		conflict.MergedVersion = Merge(conflict.LocalVersion, conflict.ServerVersion, r.now())
	}
	if err := conflict.MarkResolved(resolution, domain.ResolvedByManual, r.now()); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}
	if err := r.conflicts.Save(ctx, conflict); err != nil {
		return nil, err
	}

	r.log.Info("[Resolver.Resolve] %s/%s manually resolved %s", conflict.TableName, conflict.RecordID, resolution)
	return conflict, nil
}

// =============================================================================
// Merge
// =============================================================================

// Merge combines two versions of a record. Array-valued fields whose elements
// carry an "id" are united element-wise with local elements winning overlaps;
// every other overlapping field keeps the local value. The merged version
// gets a fresh modification time so it supersedes both inputs.
func Merge(local, server map[string]interface{}, now time.Time) map[string]interface{} {
	merged := make(map[string]interface{}, len(local)+len(server))
	for k, v := range server {
		merged[k] = v
	}
	for k, lv := range local {
		sv, both := server[k]
		if both {
			if lList, lOK := idList(lv); lOK {
				if sList, sOK := idList(sv); sOK {
					merged[k] = mergeByID(lList, sList)
					continue
				}
			}
		}
		merged[k] = lv
	}
	merged[updatedAtField] = now.UTC().Format(time.RFC3339Nano)
	return merged
}

// idList interprets a value as a list of keyed sub-records.
func idList(v interface{}) ([]map[string]interface{}, bool) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	list := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if _, ok := m["id"]; !ok {
			return nil, false
		}
		list = append(list, m)
	}
	return list, true
}

// mergeByID unions two keyed lists. Local order is kept, server-only
// elements append in their order, and local elements win shared ids.
func mergeByID(local, server []map[string]interface{}) []interface{} {
	seen := make(map[interface{}]bool, len(local))
	merged := make([]interface{}, 0, len(local)+len(server))
	for _, item := range local {
		seen[item["id"]] = true
		merged = append(merged, item)
	}
	for _, item := range server {
		if !seen[item["id"]] {
			merged = append(merged, item)
		}
	}
	return merged
}

// Unresolved lists conflicts still waiting for an outcome.
func (r *Resolver) Unresolved(ctx context.Context) ([]*domain.ConflictRecord, error) {
	return r.conflicts.ListUnresolved(ctx)
}

// List returns the whole conflict log.
func (r *Resolver) List(ctx context.Context) ([]*domain.ConflictRecord, error) {
	return r.conflicts.List(ctx)
}
