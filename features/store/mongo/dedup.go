package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/sluicehq/sluice/features/store/mongo/clients/mongo"
	"github.com/sluicehq/sluice/gateway/dedup"
)

// SeenStore implements dedup.SeenStore on the processed_events collection.
// The unique fingerprint index makes the insert-if-absent check atomic; a
// TTL index ages fingerprints out after the dedup window.
type SeenStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

func newSeenStore(coll clientsmongo.Collection, timeout time.Duration) *SeenStore {
	return &SeenStore{coll: coll, timeout: timeout}
}

func (s *SeenStore) ensureIndexes(ttl time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, model := range []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "fingerprint", Value: 1}},
				Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "processed_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds()))},
		} {
			if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
				return err
			}
		}
		return nil
	}
}

// InsertIfAbsent implements dedup.SeenStore.
func (s *SeenStore) InsertIfAbsent(ctx context.Context, tenant, fingerprint string, at time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, bson.M{
		"_id":          primitive.NewObjectID(),
		"tenant":       tenant,
		"fingerprint":  fingerprint,
		"processed_at": at.UTC(),
	})
	if err != nil {
		if clientsmongo.IsDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	return true, nil
}

// AuditStore implements dedup.AuditStore on the event_audit collection. Rows
// are keyed by (source, source_offset) so replays of the same source record
// collapse onto one entry; events without a stable offset fall back to
// (tenant, fingerprint, received-at bucket).
type AuditStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

// auditBucket is the received-at granularity of the fallback key.
const auditBucket = time.Hour

func newAuditStore(coll clientsmongo.Collection, timeout time.Duration) *AuditStore {
	return &AuditStore{coll: coll, timeout: timeout}
}

func (s *AuditStore) ensureIndexes(ttl time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, model := range []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "source", Value: 1}, {Key: "source_offset", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"source_offset": bson.M{"$exists": true}})},
			{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "fingerprint", Value: 1}, {Key: "bucket", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"source_offset": bson.M{"$exists": false}})},
			{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "checked_at", Value: -1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds()))},
		} {
			if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
				return err
			}
		}
		return nil
	}
}

// Record implements dedup.AuditStore. A duplicate key means the ingestion was
// already audited; the replayed check is not an error.
func (s *AuditStore) Record(ctx context.Context, rec dedup.AuditRecord) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, auditDocument{
		OID:          primitive.NewObjectID(),
		EventID:      rec.EventID,
		Tenant:       rec.Tenant,
		OrgUnit:      rec.OrgUnit,
		EventType:    rec.EventType,
		Source:       rec.Source,
		SourceOffset: rec.SourceOffset,
		Fingerprint:  rec.Fingerprint,
		Bucket:       rec.ReceivedAt.UTC().Truncate(auditBucket),
		Duplicate:    rec.Duplicate,
		ReceivedAt:   rec.ReceivedAt.UTC(),
		CheckedAt:    rec.CheckedAt.UTC(),
		CreatedAt:    rec.CheckedAt.UTC(),
	})
	if err != nil {
		if clientsmongo.IsDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

type auditDocument struct {
	OID          primitive.ObjectID `bson:"_id"`
	EventID      string             `bson:"event_id"`
	Tenant       string             `bson:"tenant"`
	OrgUnit      string             `bson:"org_unit,omitempty"`
	EventType    string             `bson:"event_type"`
	Source       string             `bson:"source"`
	SourceOffset string             `bson:"source_offset,omitempty"`
	Fingerprint  string             `bson:"fingerprint"`
	Bucket       time.Time          `bson:"bucket"`
	Duplicate    bool               `bson:"duplicate"`
	ReceivedAt   time.Time          `bson:"received_at"`
	CheckedAt    time.Time          `bson:"checked_at"`
	CreatedAt    time.Time          `bson:"created_at"`
}
