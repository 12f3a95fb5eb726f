package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/sluicehq/sluice/features/store/mongo/clients/mongo"
)

// UsageStore implements deliver.UsageRecorder on the rate_limits
// collection. Enforcement happens in-process; the persisted window is the
// cross-restart consumption record operators inspect against the policy.
type UsageStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

func newUsageStore(coll clientsmongo.Collection, timeout time.Duration) *UsageStore {
	return &UsageStore{coll: coll, timeout: timeout}
}

func (s *UsageStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "rule_id", Value: 1},
			{Key: "window_start", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// RecordUsage implements deliver.UsageRecorder.
func (s *UsageStore) RecordUsage(ctx context.Context, tenant, ruleID string, window time.Time, n int) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"rule_id": ruleID, "window_start": window.UTC()},
		bson.M{
			"$inc":         bson.M{"count": n},
			"$set":         bson.M{"tenant": tenant, "updated_at": time.Now().UTC()},
			"$setOnInsert": bson.M{"_id": primitive.NewObjectID()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("record usage for rule %s: %w", ruleID, err)
	}
	return nil
}

// Window returns the recorded count for a rule's window, zero when absent.
func (s *UsageStore) Window(ctx context.Context, ruleID string, window time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc usageDocument
	err := s.coll.FindOne(ctx, bson.M{
		"rule_id":      ruleID,
		"window_start": window.UTC(),
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("load usage window for rule %s: %w", ruleID, err)
	}
	return doc.Count, nil
}

type usageDocument struct {
	RuleID      string    `bson:"rule_id"`
	Tenant      string    `bson:"tenant"`
	WindowStart time.Time `bson:"window_start"`
	Count       int       `bson:"count"`
}
