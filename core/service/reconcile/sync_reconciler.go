package reconcile

import (
	"context"
	"sync"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/core/service/conflict"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// PendingQueue is the slice of the sync manager the reconciler needs to spot
// and retire local mutations racing with remote changes.
type PendingQueue interface {
	PendingEntry(tableName, recordID string) (*domain.QueueEntry, bool)
	DiscardEntry(ctx context.Context, tableName, recordID string) error
}

// Principal supplies the authenticated user id the feeds are scoped to.
type Principal interface {
	UserID() string
}

// Reconciler consumes backend change feeds and folds remote changes into the
// local cache, routing races with pending local mutations through the
// conflict resolver instead of blindly overwriting.
type Reconciler struct {
	backend  out.BackendPort
	cache    out.RecordCachePort
	resolver *conflict.Resolver
	queue    PendingQueue
	session  Principal
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	feeds  []out.ChangeFeed
	wg     sync.WaitGroup
}

func NewReconciler(backend out.BackendPort, cache out.RecordCachePort, resolver *conflict.Resolver, queue PendingQueue, session Principal) *Reconciler {
	return &Reconciler{
		backend:  backend,
		cache:    cache,
		resolver: resolver,
		queue:    queue,
		session:  session,
		log:      logger.WithField("component", "reconciler"),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start opens one change feed per table, all scoped to the current
// principal, and consumes them until Stop.
func (r *Reconciler) Start(ctx context.Context, tables ...string) error {
	owner := r.session.UserID()
	if owner == "" {
		return apperr.Unauthorized("no authenticated user")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return apperr.Internal("reconciler already started")
	}

	feedCtx, cancel := context.WithCancel(ctx)
	for _, table := range tables {
		feed, err := r.backend.Subscribe(feedCtx, table, owner)
		if err != nil {
			cancel()
			for _, f := range r.feeds {
				f.Close()
			}
			r.feeds = nil
			return err
		}
		r.feeds = append(r.feeds, feed)

		r.wg.Add(1)
		go func(table string, feed out.ChangeFeed) {
			defer r.wg.Done()
			r.consume(feedCtx, table, feed)
		}(table, feed)
	}
	r.cancel = cancel

	r.log.Info("[Reconciler.Start] consuming %d feeds for user %s", len(tables), owner)
	return nil
}

// Stop closes all feeds and waits for the consumers to drain. Idempotent.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	feeds := r.feeds
	r.cancel = nil
	r.feeds = nil
	r.mu.Unlock()

	cancel()
	for _, f := range feeds {
		f.Close()
	}
	r.wg.Wait()
	r.log.Info("[Reconciler.Stop] stopped")
}

func (r *Reconciler) consume(ctx context.Context, table string, feed out.ChangeFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed.Events():
			if !ok {
				r.log.Warn("[Reconciler.consume] feed for %s closed", table)
				return
			}
			r.handleEvent(ctx, ev)
		}
	}
}

// =============================================================================
// Event handling
// =============================================================================

func (r *Reconciler) handleEvent(ctx context.Context, ev *domain.ChangeEvent) {
	// The feed is owner-scoped at the backend, but the filter is enforced
	// here again: a change for another user must never touch this cache.
	if ev.OwnerID != r.session.UserID() {
		r.log.Debug("[Reconciler.handleEvent] dropping cross-user event %s/%s", ev.TableName, ev.RecordID)
		return
	}

	switch ev.Type {
	case domain.ChangeInsert:
		r.cache.ApplyRemoteInsert(eventRecord(ev))
	case domain.ChangeUpdate:
		r.handleUpdate(ctx, ev)
	case domain.ChangeDelete:
		r.handleDelete(ctx, ev)
	default:
		r.log.Warn("[Reconciler.handleEvent] unknown change type %q", ev.Type)
	}
}

func (r *Reconciler) handleUpdate(ctx context.Context, ev *domain.ChangeEvent) {
	remote := eventRecord(ev)

	pending, hasPending := r.queue.PendingEntry(ev.TableName, ev.RecordID)
	if !hasPending {
		r.cache.ApplyRemoteUpdate(remote)
		return
	}

	// Local mutation racing a remote update: classify instead of overwrite.
	var local *domain.Record
	if pending.Operation != domain.OperationDelete {
		local = r.localRecord(pending)
	}

	detected, err := r.resolver.Detect(ctx, local, remote, nil)
	if err != nil {
		r.log.WithError(err).Error("[Reconciler.handleUpdate] detect failed for %s/%s", ev.TableName, ev.RecordID)
		return
	}
	if detected == nil {
		// Both sides converged on the same content.
		r.cache.ApplyRemoteUpdate(remote)
		return
	}

	resolution, resolved, err := r.resolver.AutoResolve(ctx, detected)
	if err != nil {
		r.log.WithError(err).Error("[Reconciler.handleUpdate] auto-resolve failed for %s/%s", ev.TableName, ev.RecordID)
		return
	}
	if !resolved {
		// Manual conflict: hold the local view until someone decides.
		return
	}

	if resolution == domain.ResolutionServerWins {
		if err := r.queue.DiscardEntry(ctx, ev.TableName, ev.RecordID); err != nil {
			r.log.WithError(err).Error("[Reconciler.handleUpdate] could not discard superseded entry %s/%s", ev.TableName, ev.RecordID)
			return
		}
		r.cache.ApplyRemoteUpdate(remote)
	}
	// local_wins: keep the local view; the pending entry will push it.
}

func (r *Reconciler) handleDelete(ctx context.Context, ev *domain.ChangeEvent) {
	pending, hasPending := r.queue.PendingEntry(ev.TableName, ev.RecordID)
	if hasPending && pending.Operation != domain.OperationDelete {
		// Server deleted what we are still editing.
		local := r.localRecord(pending)
		if _, err := r.resolver.Detect(ctx, local, nil, nil); err != nil {
			r.log.WithError(err).Error("[Reconciler.handleDelete] detect failed for %s/%s", ev.TableName, ev.RecordID)
		}
		return
	}
	r.cache.ApplyRemoteDelete(ev.TableName, ev.RecordID)
}

// localRecord resolves the local version for conflict detection: the cached
// record when present, otherwise a reconstruction from the pending payload.
func (r *Reconciler) localRecord(pending *domain.QueueEntry) *domain.Record {
	if cached, ok := r.cache.GetRecord(pending.TableName, pending.RecordID); ok {
		return cached
	}
	return &domain.Record{
		ID:        pending.RecordID,
		TableName: pending.TableName,
		Data:      pending.Payload,
		UpdatedAt: pending.CreatedAt,
	}
}

func eventRecord(ev *domain.ChangeEvent) *domain.Record {
	return &domain.Record{
		ID:        ev.RecordID,
		TableName: ev.TableName,
		OwnerID:   ev.OwnerID,
		Data:      ev.Payload,
		UpdatedAt: ev.UpdatedAt,
	}
}
