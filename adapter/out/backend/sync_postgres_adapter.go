package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// Listener reconnect window (lib/pq backs off between these).
const (
	listenMinReconnect = 10 * time.Second
	listenMaxReconnect = time.Minute
)

// PostgresAdapter syncs against a postgres backend. CRUD goes through sqlx
// over the pgx stdlib driver; the change feed rides LISTEN/NOTIFY, with the
// server emitting one notification per row change on channel
// "fitsync_<table>".
type PostgresAdapter struct {
	db        *sqlx.DB
	listenURL string
	log       *logger.Logger
}

// Interface compliance check
var _ out.BackendPort = (*PostgresAdapter)(nil)

func NewPostgresAdapter(db *sqlx.DB, listenURL string) *PostgresAdapter {
	return &PostgresAdapter{
		db:        db,
		listenURL: listenURL,
		log:       logger.WithField("component", "postgres_backend"),
	}
}

func (a *PostgresAdapter) Name() string {
	return "postgres"
}

// =============================================================================
// CRUD
// =============================================================================

// Create upserts so a retry of a timed-out create that actually applied is
// harmless.
func (a *PostgresAdapter) Create(ctx context.Context, tableName string, record *domain.Record) (string, error) {
	data, ownerID, updatedAt := splitPayload(record.Data)
	if ownerID == "" {
		ownerID = record.OwnerID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", apperr.BadPayload("unserializable record data", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, data, updated_at)
		VALUES ($1, $2, $3, COALESCE($4::timestamptz, now()))
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		pq.QuoteIdentifier(tableName))

	if _, err := a.db.ExecContext(ctx, query, record.ID, ownerID, dataJSON, nullable(updatedAt)); err != nil {
		return "", a.classify("create", err)
	}
	return record.ID, nil
}

func (a *PostgresAdapter) Update(ctx context.Context, tableName, recordID string, payload map[string]interface{}) error {
	data, _, updatedAt := splitPayload(payload)

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return apperr.BadPayload("unserializable update payload", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			data = data || $2::jsonb,
			updated_at = COALESCE($3::timestamptz, now())
		WHERE id = $1`,
		pq.QuoteIdentifier(tableName))

	res, err := a.db.ExecContext(ctx, query, recordID, dataJSON, nullable(updatedAt))
	if err != nil {
		return a.classify("update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("record " + recordID)
	}
	return nil
}

func (a *PostgresAdapter) Delete(ctx context.Context, tableName, recordID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", pq.QuoteIdentifier(tableName))
	if _, err := a.db.ExecContext(ctx, query, recordID); err != nil {
		return a.classify("delete", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// classify maps driver failures onto the retry taxonomy.
func (a *PostgresAdapter) classify(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(operation)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "22", "42": // integrity, data, syntax/undefined object
			return apperr.BadPayload(fmt.Sprintf("%s rejected: %s", operation, pqErr.Message), err)
		case "28": // invalid authorization
			return apperr.Unauthorized(pqErr.Message)
		case "53", "57", "58": // resources, operator intervention, system
			return apperr.Unavailable("postgres", err)
		}
	}
	return apperr.NetworkError(operation, err)
}

// =============================================================================
// Change feed
// =============================================================================

// pgNotification is the JSON body the server-side trigger puts on the
// NOTIFY channel.
type pgNotification struct {
	Type      string                 `json:"type"`
	RecordID  string                 `json:"record_id"`
	OwnerID   string                 `json:"owner_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (a *PostgresAdapter) Subscribe(ctx context.Context, tableName, ownerID string) (out.ChangeFeed, error) {
	listener := pq.NewListener(a.listenURL, listenMinReconnect, listenMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				a.log.WithError(err).Warn("[PostgresAdapter.Subscribe] listener event %d", event)
			}
		})

	channel := "fitsync_" + tableName
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, apperr.NetworkError("listen "+channel, err)
	}

	feedCtx, cancel := context.WithCancel(ctx)
	feed := newChangeFeed(func() {
		cancel()
		listener.Close()
	})

	go a.pump(feedCtx, listener, tableName, ownerID, feed)
	return feed, nil
}

func (a *PostgresAdapter) pump(ctx context.Context, listener *pq.Listener, tableName, ownerID string, feed *changeFeed) {
	defer close(feed.events)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnect marker; notifications may have been missed.
				a.log.Warn("[PostgresAdapter.pump] listener reconnected on %s", tableName)
				continue
			}

			var note pgNotification
			if err := json.Unmarshal([]byte(n.Extra), &note); err != nil {
				a.log.WithError(err).Warn("[PostgresAdapter.pump] bad notification on %s", n.Channel)
				continue
			}
			if note.OwnerID != ownerID {
				continue
			}

			ev := &domain.ChangeEvent{
				Type:      domain.ChangeType(note.Type),
				TableName: tableName,
				RecordID:  note.RecordID,
				OwnerID:   note.OwnerID,
				Payload:   note.Payload,
				UpdatedAt: note.UpdatedAt,
			}
			select {
			case feed.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
