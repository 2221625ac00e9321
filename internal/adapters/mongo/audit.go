package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

// AuditLogger appends financial and gate actions to the audit_logs
// collection. Entries are never updated.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
	now    func() time.Time
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
		now:    time.Now,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	ActorID   string    `bson:"actor_id,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func newAuditLog(action string, actorID uuid.UUID, data map[string]interface{}, now time.Time) AuditLog {
	entry := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		Timestamp: now.UTC(),
		Data:      bson.M{},
	}
	if actorID != uuid.Nil {
		entry.ActorID = actorID.String()
	}
	for k, v := range data {
		entry.Data[k] = bsonValue(v)
	}
	return entry
}

// bsonValue flattens ids and other Stringers so the documents stay readable
// from the mongo shell.
func bsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String()
	case interface{ String() string }:
		return t.String()
	}
	return v
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, actorID uuid.UUID, data map[string]interface{}) error {
	entry := newAuditLog(action, actorID, data, a.now())
	if _, err := a.coll.InsertOne(ctx, entry); err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// Trail returns the entries recorded for one aggregate id, oldest first.
func (a *AuditLogger) Trail(ctx context.Context, key string, id uuid.UUID) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"data." + key: id.String()}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	var out []AuditLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	return out, nil
}
