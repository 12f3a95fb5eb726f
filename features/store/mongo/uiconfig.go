package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/sluicehq/sluice/features/store/mongo/clients/mongo"
)

// UIConfigStore holds the per-tenant operator console settings document.
// The gateway treats the settings as an opaque document; validation happens
// in the console.
type UIConfigStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

func newUIConfigStore(coll clientsmongo.Collection, timeout time.Duration) *UIConfigStore {
	return &UIConfigStore{coll: coll, timeout: timeout}
}

// Get returns the tenant's settings document and whether one exists.
func (s *UIConfigStore) Get(ctx context.Context, tenant string) (map[string]any, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc uiConfigDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": tenant}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load ui config for %s: %w", tenant, err)
	}
	return doc.Settings, true, nil
}

// Put replaces the tenant's settings document.
func (s *UIConfigStore) Put(ctx context.Context, tenant string, settings map[string]any) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": tenant},
		bson.M{"$set": bson.M{
			"settings":   settings,
			"updated_at": time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store ui config for %s: %w", tenant, err)
	}
	return nil
}

type uiConfigDocument struct {
	Tenant    string         `bson:"_id"`
	Settings  map[string]any `bson:"settings"`
	UpdatedAt time.Time      `bson:"updated_at"`
}
