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

// LookupStore implements transform.Resolver on the lookups collection.
// Rows map a source code to a target code per (tenant, orgUnit, type); the
// org-unit-scoped row wins over the tenant-wide one.
type LookupStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

func newLookupStore(coll clientsmongo.Collection, timeout time.Duration) *LookupStore {
	return &LookupStore{coll: coll, timeout: timeout}
}

func (s *LookupStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant", Value: 1},
			{Key: "org_unit", Value: 1},
			{Key: "type", Value: 1},
			{Key: "source_code", Value: 1},
		},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"active": true}),
	})
	return err
}

// Lookup implements transform.Resolver.
func (s *LookupStore) Lookup(ctx context.Context, tenant, orgUnit, typ, code string) (string, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	// Most specific first: the org-unit row shadows the tenant-wide row.
	units := []string{orgUnit, ""}
	if orgUnit == "" {
		units = []string{""}
	}
	for _, unit := range units {
		var doc lookupDocument
		err := s.coll.FindOne(ctx, bson.M{
			"tenant":      tenant,
			"org_unit":    unit,
			"type":        typ,
			"source_code": code,
			"active":      true,
		}).Decode(&doc)
		if err == nil {
			return doc.TargetCode, true, nil
		}
		if !errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", false, fmt.Errorf("lookup %s/%s: %w", typ, code, err)
		}
	}
	return "", false, nil
}

// Upsert creates or replaces one mapping row. Used by operator tooling.
func (s *LookupStore) Upsert(ctx context.Context, tenant, orgUnit, typ, sourceCode, targetCode string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{
			"tenant":      tenant,
			"org_unit":    orgUnit,
			"type":        typ,
			"source_code": sourceCode,
			"active":      true,
		},
		bson.M{
			"$set": bson.M{
				"target_code": targetCode,
				"updated_at":  time.Now().UTC(),
			},
			"$setOnInsert": bson.M{"_id": primitive.NewObjectID()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert lookup %s/%s: %w", typ, sourceCode, err)
	}
	return nil
}

type lookupDocument struct {
	Tenant     string `bson:"tenant"`
	OrgUnit    string `bson:"org_unit"`
	Type       string `bson:"type"`
	SourceCode string `bson:"source_code"`
	TargetCode string `bson:"target_code"`
	Active     bool   `bson:"active"`
}
