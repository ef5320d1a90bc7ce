package backend

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"fitsync_client/core/domain"
	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// MongoAdapter syncs against a mongo backend. One collection per table,
// documents shaped {_id, owner_id, data, updated_at}; the change feed rides
// collection change streams.
type MongoAdapter struct {
	db  *mongo.Database
	log *logger.Logger
}

// Interface compliance check
var _ out.BackendPort = (*MongoAdapter)(nil)

func NewMongoAdapter(db *mongo.Database) *MongoAdapter {
	return &MongoAdapter{
		db:  db,
		log: logger.WithField("component", "mongo_backend"),
	}
}

func (a *MongoAdapter) Name() string {
	return "mongo"
}

// =============================================================================
// CRUD
// =============================================================================

// Create upserts by _id so retried creates are harmless.
func (a *MongoAdapter) Create(ctx context.Context, tableName string, record *domain.Record) (string, error) {
	data, ownerID, updatedAt := splitPayload(record.Data)
	if ownerID == "" {
		ownerID = record.OwnerID
	}

	doc := bson.M{
		"owner_id":   ownerID,
		"data":       data,
		"updated_at": parseTime(updatedAt, record.UpdatedAt),
	}

	_, err := a.db.Collection(tableName).UpdateByID(ctx, record.ID,
		bson.M{"$set": doc}, options.Update().SetUpsert(true))
	if err != nil {
		return "", a.classify("create", err)
	}
	return record.ID, nil
}

func (a *MongoAdapter) Update(ctx context.Context, tableName, recordID string, payload map[string]interface{}) error {
	data, _, updatedAt := splitPayload(payload)

	set := bson.M{"updated_at": parseTime(updatedAt, time.Now())}
	for k, v := range data {
		set["data."+k] = v
	}

	res, err := a.db.Collection(tableName).UpdateByID(ctx, recordID, bson.M{"$set": set})
	if err != nil {
		return a.classify("update", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("record " + recordID)
	}
	return nil
}

func (a *MongoAdapter) Delete(ctx context.Context, tableName, recordID string) error {
	if _, err := a.db.Collection(tableName).DeleteOne(ctx, bson.M{"_id": recordID}); err != nil {
		return a.classify("delete", err)
	}
	return nil
}

func parseTime(s string, fallback time.Time) time.Time {
	if s != "" {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	if fallback.IsZero() {
		return time.Now()
	}
	return fallback
}

// classify maps driver failures onto the retry taxonomy.
func (a *MongoAdapter) classify(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return apperr.Timeout(operation)
	}
	if mongo.IsDuplicateKeyError(err) {
		return apperr.BadPayload(operation+" rejected: duplicate key", err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 13, 18: // Unauthorized, AuthenticationFailed
			return apperr.Unauthorized(cmdErr.Message)
		}
	}
	return apperr.NetworkError(operation, err)
}

// =============================================================================
// Change feed
// =============================================================================

// changeStreamEvent is the slice of a change stream document the feed needs.
type changeStreamEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument struct {
		OwnerID   string             `bson:"owner_id"`
		Data      bson.M             `bson:"data"`
		UpdatedAt primitive.DateTime `bson:"updated_at"`
	} `bson:"fullDocument"`
}

func (a *MongoAdapter) Subscribe(ctx context.Context, tableName, ownerID string) (out.ChangeFeed, error) {
	// Deletes carry no fullDocument, so the owner match lets them through;
	// the consumer treats the feed as owner-scoped either way.
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "fullDocument.owner_id", Value: ownerID}},
		bson.D{{Key: "operationType", Value: "delete"}},
	}}}}}}

	stream, err := a.db.Collection(tableName).Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, a.classify("watch "+tableName, err)
	}

	feedCtx, cancel := context.WithCancel(ctx)
	feed := newChangeFeed(cancel)

	go a.pump(feedCtx, stream, tableName, ownerID, feed)
	return feed, nil
}

func (a *MongoAdapter) pump(ctx context.Context, stream *mongo.ChangeStream, tableName, ownerID string, feed *changeFeed) {
	defer close(feed.events)
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var cs changeStreamEvent
		if err := stream.Decode(&cs); err != nil {
			a.log.WithError(err).Warn("[MongoAdapter.pump] undecodable change on %s", tableName)
			continue
		}

		var changeType domain.ChangeType
		switch cs.OperationType {
		case "insert":
			changeType = domain.ChangeInsert
		case "update", "replace":
			changeType = domain.ChangeUpdate
		case "delete":
			changeType = domain.ChangeDelete
		default:
			continue
		}

		ev := &domain.ChangeEvent{
			Type:      changeType,
			TableName: tableName,
			RecordID:  cs.DocumentKey.ID,
			OwnerID:   cs.FullDocument.OwnerID,
			UpdatedAt: cs.FullDocument.UpdatedAt.Time(),
		}
		if changeType == domain.ChangeDelete {
			// Deletes carry no fullDocument, so every tenant's delete passes
			// the $match and the owner is assumed here. A foreign delete with
			// a colliding record id would slip through this way; record ids
			// are UUIDs, and the cache drops deletes for unknown ids, so the
			// assumption holds as long as ids stay generated.
			ev.OwnerID = ownerID
		}
		if len(cs.FullDocument.Data) > 0 {
			ev.Payload = map[string]interface{}(cs.FullDocument.Data)
		}

		select {
		case feed.events <- ev:
		case <-ctx.Done():
			return
		}
	}

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		a.log.WithError(err).Warn("[MongoAdapter.pump] change stream on %s ended", tableName)
	}
}
