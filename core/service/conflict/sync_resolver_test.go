package conflict

import (
	"context"
	"testing"
	"time"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeConflictRepo struct {
	saved map[string]*domain.ConflictRecord
}

var _ out.ConflictRepository = (*fakeConflictRepo)(nil)

func newFakeConflictRepo() *fakeConflictRepo {
	return &fakeConflictRepo{saved: make(map[string]*domain.ConflictRecord)}
}

func (r *fakeConflictRepo) Save(ctx context.Context, c *domain.ConflictRecord) error {
	r.saved[c.ID] = c
	return nil
}

func (r *fakeConflictRepo) GetByID(ctx context.Context, id string) (*domain.ConflictRecord, error) {
	c, ok := r.saved[id]
	if !ok {
		return nil, apperr.NotFound("conflict")
	}
	return c, nil
}

func (r *fakeConflictRepo) List(ctx context.Context) ([]*domain.ConflictRecord, error) {
	list := make([]*domain.ConflictRecord, 0, len(r.saved))
	for _, c := range r.saved {
		list = append(list, c)
	}
	return list, nil
}

func (r *fakeConflictRepo) ListUnresolved(ctx context.Context) ([]*domain.ConflictRecord, error) {
	list := make([]*domain.ConflictRecord, 0)
	for _, c := range r.saved {
		if !c.IsResolved() {
			list = append(list, c)
		}
	}
	return list, nil
}

func (r *fakeConflictRepo) RemoveByID(ctx context.Context, id string) error {
	delete(r.saved, id)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func record(id string, updatedAt time.Time, data map[string]interface{}) *domain.Record {
	return &domain.Record{
		ID:        id,
		TableName: "workouts",
		OwnerID:   "u1",
		Data:      data,
		UpdatedAt: updatedAt,
	}
}

// =============================================================================
// Detection
// =============================================================================

func TestDetectClassification(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	baseline := record("w1", base, map[string]interface{}{"reps": float64(10)})

	tests := []struct {
		name     string
		local    *domain.Record
		server   *domain.Record
		baseline *domain.Record
		want     domain.ConflictType // "" means no conflict
	}{
		{
			name: "both nil",
		},
		{
			name:     "identical data converges",
			local:    record("w1", base.Add(time.Minute), map[string]interface{}{"reps": float64(12)}),
			server:   record("w1", base.Add(2*time.Minute), map[string]interface{}{"reps": float64(12)}),
			baseline: baseline,
		},
		{
			name:     "only local moved fast-forwards",
			local:    record("w1", base.Add(time.Minute), map[string]interface{}{"reps": float64(12)}),
			server:   baseline,
			baseline: baseline,
		},
		{
			name:     "both moved",
			local:    record("w1", base.Add(time.Minute), map[string]interface{}{"reps": float64(12)}),
			server:   record("w1", base.Add(2*time.Minute), map[string]interface{}{"reps": float64(15)}),
			baseline: baseline,
			want:     domain.ConflictConcurrentUpdate,
		},
		{
			name:     "local deleted server changed",
			server:   record("w1", base.Add(time.Minute), map[string]interface{}{"reps": float64(12)}),
			baseline: baseline,
			want:     domain.ConflictDelete,
		},
		{
			name:     "local deleted server unchanged",
			server:   baseline,
			baseline: baseline,
		},
		{
			name:     "server deleted local changed",
			local:    record("w1", base.Add(time.Minute), map[string]interface{}{"reps": float64(12)}),
			baseline: baseline,
			want:     domain.ConflictDelete,
		},
		{
			name:     "shared field changed kind",
			local:    record("w1", base.Add(time.Minute), map[string]interface{}{"reps": float64(12)}),
			server:   record("w1", base.Add(2*time.Minute), map[string]interface{}{"reps": "twelve"}),
			baseline: baseline,
			want:     domain.ConflictSchemaMismatch,
		},
		{
			name:   "no baseline errs towards surfacing",
			local:  record("w1", base, map[string]interface{}{"reps": float64(12)}),
			server: record("w1", base, map[string]interface{}{"reps": float64(15)}),
			want:   domain.ConflictConcurrentUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeConflictRepo()
			r := NewResolver(repo)

			conflict, err := r.Detect(context.Background(), tt.local, tt.server, tt.baseline)
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}

			if tt.want == "" {
				if conflict != nil {
					t.Fatalf("Detect() = %s, want no conflict", conflict.Type)
				}
				if len(repo.saved) != 0 {
					t.Error("non-conflict was persisted")
				}
				return
			}

			if conflict == nil {
				t.Fatalf("Detect() = nil, want %s", tt.want)
			}
			if conflict.Type != tt.want {
				t.Errorf("type = %s, want %s", conflict.Type, tt.want)
			}
			if _, ok := repo.saved[conflict.ID]; !ok {
				t.Error("detected conflict was not persisted")
			}
		})
	}
}

func TestDetectCapturesVersionTimestamps(t *testing.T) {
	repo := newFakeConflictRepo()
	r := NewResolver(repo)

	localTS := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	serverTS := localTS.Add(time.Minute)
	local := record("w1", localTS, map[string]interface{}{"reps": float64(12)})
	server := record("w1", serverTS, map[string]interface{}{"reps": float64(15)})

	conflict, err := r.Detect(context.Background(), local, server, nil)
	if err != nil || conflict == nil {
		t.Fatalf("Detect() = %v, %v", conflict, err)
	}

	if got := conflict.LocalVersion["updated_at"]; got != localTS.Format(time.RFC3339Nano) {
		t.Errorf("local updated_at = %v", got)
	}
	if got := conflict.ServerVersion["updated_at"]; got != serverTS.Format(time.RFC3339Nano) {
		t.Errorf("server updated_at = %v", got)
	}
}

// =============================================================================
// Auto-resolution
// =============================================================================

func TestAutoResolve(t *testing.T) {
	localTS := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		serverTS time.Time
		want     domain.Resolution
	}{
		{"server newer wins", localTS.Add(time.Minute), domain.ResolutionServerWins},
		{"local newer wins", localTS.Add(-time.Minute), domain.ResolutionLocalWins},
		{"tie favors local deterministically", localTS, domain.ResolutionLocalWins},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeConflictRepo()
			r := NewResolver(repo)

			local := record("w1", localTS, map[string]interface{}{"reps": float64(12)})
			server := record("w1", tt.serverTS, map[string]interface{}{"reps": float64(15)})
			conflict, err := r.Detect(context.Background(), local, server, nil)
			if err != nil || conflict == nil {
				t.Fatalf("Detect() = %v, %v", conflict, err)
			}

			resolution, ok, err := r.AutoResolve(context.Background(), conflict)
			if err != nil {
				t.Fatalf("AutoResolve() error = %v", err)
			}
			if !ok || resolution != tt.want {
				t.Errorf("AutoResolve() = %s, %v, want %s", resolution, ok, tt.want)
			}
			if !conflict.IsResolved() || conflict.ResolvedBy != domain.ResolvedBySystem {
				t.Error("conflict not marked system-resolved")
			}
		})
	}
}

func TestAutoResolveNeverGuesses(t *testing.T) {
	repo := newFakeConflictRepo()
	r := NewResolver(repo)

	// Server version has no comparable timestamp.
	local := record("w1", time.Now(), map[string]interface{}{"reps": float64(12)})
	server := record("w1", time.Time{}, map[string]interface{}{"reps": float64(15)})
	conflict, err := r.Detect(context.Background(), local, server, nil)
	if err != nil || conflict == nil {
		t.Fatalf("Detect() = %v, %v", conflict, err)
	}

	_, ok, err := r.AutoResolve(context.Background(), conflict)
	if err != nil {
		t.Fatalf("AutoResolve() error = %v", err)
	}
	if ok {
		t.Error("auto-resolved without comparable timestamps")
	}
	if conflict.IsResolved() {
		t.Error("unresolvable conflict was marked resolved")
	}

	unresolved, _ := r.Unresolved(context.Background())
	if len(unresolved) != 1 {
		t.Errorf("unresolved = %d, want 1", len(unresolved))
	}
}

func TestAutoResolveSkipsNonConcurrentTypes(t *testing.T) {
	repo := newFakeConflictRepo()
	r := NewResolver(repo)

	local := record("w1", time.Now(), map[string]interface{}{"reps": float64(12)})
	conflict, err := r.Detect(context.Background(), local, nil, nil)
	if err != nil || conflict == nil || conflict.Type != domain.ConflictDelete {
		t.Fatalf("Detect() = %v, %v", conflict, err)
	}

	_, ok, _ := r.AutoResolve(context.Background(), conflict)
	if ok {
		t.Error("delete conflicts must not auto-resolve")
	}
}

// =============================================================================
// Manual resolution
// =============================================================================

func TestResolveManual(t *testing.T) {
	repo := newFakeConflictRepo()
	r := NewResolver(repo)

	local := record("w1", time.Now(), map[string]interface{}{"reps": float64(12)})
	server := record("w1", time.Now().Add(time.Minute), map[string]interface{}{"reps": float64(15)})
	detected, _ := r.Detect(context.Background(), local, server, nil)

	if _, err := r.Resolve(context.Background(), detected.ID, "coinflip"); err == nil {
		t.Error("unknown resolution should be rejected")
	}
	if _, err := r.Resolve(context.Background(), "nope", domain.ResolutionLocalWins); err == nil {
		t.Error("unknown conflict id should be rejected")
	}

	resolved, err := r.Resolve(context.Background(), detected.ID, domain.ResolutionMerged)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.ResolvedBy != domain.ResolvedByManual {
		t.Errorf("resolvedBy = %s, want manual", resolved.ResolvedBy)
	}
	if resolved.MergedVersion == nil {
		t.Fatal("merged resolution must compute a merged version")
	}
	// Local wins the overlapping scalar.
	if resolved.MergedVersion["reps"] != float64(12) {
		t.Errorf("merged reps = %v, want 12", resolved.MergedVersion["reps"])
	}

	if _, err := r.Resolve(context.Background(), detected.ID, domain.ResolutionLocalWins); err == nil {
		t.Error("double resolution should be rejected")
	}
}

// =============================================================================
// Merge
// =============================================================================

func TestMergeUnionsKeyedLists(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	local := map[string]interface{}{
		"title": "morning run",
		"sets": []interface{}{
			map[string]interface{}{"id": "s1", "reps": float64(12)},
			map[string]interface{}{"id": "s2", "reps": float64(10)},
		},
	}
	server := map[string]interface{}{
		"title":    "run",
		"distance": float64(5),
		"sets": []interface{}{
			map[string]interface{}{"id": "s1", "reps": float64(8)},
			map[string]interface{}{"id": "s3", "reps": float64(6)},
		},
	}

	merged := Merge(local, server, now)

	if merged["title"] != "morning run" {
		t.Errorf("title = %v, local should win overlaps", merged["title"])
	}
	if merged["distance"] != float64(5) {
		t.Errorf("distance = %v, server-only fields should survive", merged["distance"])
	}
	if merged["updated_at"] != now.Format(time.RFC3339Nano) {
		t.Errorf("updated_at = %v, want fresh timestamp", merged["updated_at"])
	}

	sets, ok := merged["sets"].([]interface{})
	if !ok || len(sets) != 3 {
		t.Fatalf("sets = %v, want union of 3", merged["sets"])
	}
	first := sets[0].(map[string]interface{})
	if first["id"] != "s1" || first["reps"] != float64(12) {
		t.Errorf("sets[0] = %v, local s1 should win", first)
	}
	last := sets[2].(map[string]interface{})
	if last["id"] != "s3" {
		t.Errorf("sets[2] = %v, server-only s3 should append", last)
	}
}

func TestMergeUnkeyedListsKeepLocal(t *testing.T) {
	local := map[string]interface{}{"tags": []interface{}{"cardio"}}
	server := map[string]interface{}{"tags": []interface{}{"strength", "morning"}}

	merged := Merge(local, server, time.Now())
	tags, ok := merged["tags"].([]interface{})
	if !ok || len(tags) != 1 || tags[0] != "cardio" {
		t.Errorf("tags = %v, unkeyed lists should keep local wholesale", merged["tags"])
	}
}
