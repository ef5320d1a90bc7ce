package persistence

import (
	"context"

	json "github.com/goccy/go-json"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
)

const conflictKey = "sync:conflicts"

// ConflictStore is the durable conflict log, stored as one JSON document
// alongside the queue.
type ConflictStore struct {
	kv  out.KVStore
	key string
}

// Interface compliance check
var _ out.ConflictRepository = (*ConflictStore)(nil)

func NewConflictStore(kv out.KVStore) *ConflictStore {
	return &ConflictStore{kv: kv, key: conflictKey}
}

func (s *ConflictStore) load(ctx context.Context) ([]*domain.ConflictRecord, error) {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []*domain.ConflictRecord{}, nil
	}

	var conflicts []*domain.ConflictRecord
	if err := json.Unmarshal(data, &conflicts); err != nil {
		return nil, apperr.StorageError("decode conflicts", err)
	}
	return conflicts, nil
}

func (s *ConflictStore) save(ctx context.Context, conflicts []*domain.ConflictRecord) error {
	data, err := json.Marshal(conflicts)
	if err != nil {
		return apperr.StorageError("encode conflicts", err)
	}
	return s.kv.Set(ctx, s.key, data)
}

func (s *ConflictStore) Save(ctx context.Context, conflict *domain.ConflictRecord) error {
	conflicts, err := s.load(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i, c := range conflicts {
		if c.ID == conflict.ID {
			conflicts[i] = conflict
			replaced = true
			break
		}
	}
	if !replaced {
		conflicts = append(conflicts, conflict)
	}
	return s.save(ctx, conflicts)
}

func (s *ConflictStore) GetByID(ctx context.Context, conflictID string) (*domain.ConflictRecord, error) {
	conflicts, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if c.ID == conflictID {
			return c, nil
		}
	}
	return nil, apperr.NotFound("conflict")
}

func (s *ConflictStore) List(ctx context.Context) ([]*domain.ConflictRecord, error) {
	return s.load(ctx)
}

func (s *ConflictStore) ListUnresolved(ctx context.Context) ([]*domain.ConflictRecord, error) {
	conflicts, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	unresolved := make([]*domain.ConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		if !c.IsResolved() {
			unresolved = append(unresolved, c)
		}
	}
	return unresolved, nil
}

func (s *ConflictStore) RemoveByID(ctx context.Context, conflictID string) error {
	conflicts, err := s.load(ctx)
	if err != nil {
		return err
	}

	kept := conflicts[:0]
	for _, c := range conflicts {
		if c.ID != conflictID {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(conflicts) {
		return nil
	}
	return s.save(ctx, kept)
}
