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

// maxOrgDepth bounds the ancestry walk so a parent-pointer cycle in bad
// data cannot loop forever.
const maxOrgDepth = 32

// OrgDirectory implements rule.OrgDirectory on the org_units collection.
// Units form a forest via parent pointers; descendant checks walk upwards
// from the child.
type OrgDirectory struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

func newOrgDirectory(coll clientsmongo.Collection, timeout time.Duration) *OrgDirectory {
	return &OrgDirectory{coll: coll, timeout: timeout}
}

func (s *OrgDirectory) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "rid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// IsDescendant implements rule.OrgDirectory.
func (s *OrgDirectory) IsDescendant(ctx context.Context, tenant, ancestor, child string) (bool, error) {
	if ancestor == "" || child == "" {
		return false, nil
	}
	if ancestor == child {
		return true, nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	current := child
	for range maxOrgDepth {
		var doc orgUnitDocument
		err := s.coll.FindOne(ctx, bson.M{"tenant": tenant, "rid": current}).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				return false, nil
			}
			return false, fmt.Errorf("load org unit %s: %w", current, err)
		}
		if doc.ParentRid == "" {
			return false, nil
		}
		if doc.ParentRid == ancestor {
			return true, nil
		}
		current = doc.ParentRid
	}
	return false, fmt.Errorf("org unit ancestry of %s exceeds depth %d", child, maxOrgDepth)
}

// Upsert creates or updates one org unit. Used by operator tooling and
// tests.
func (s *OrgDirectory) Upsert(ctx context.Context, tenant, rid, parentRid, name string, active bool) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"tenant": tenant, "rid": rid},
		bson.M{"$set": bson.M{
			"parent_rid": parentRid,
			"name":       name,
			"active":     active,
			"updated_at": time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert org unit %s: %w", rid, err)
	}
	return nil
}

type orgUnitDocument struct {
	Tenant    string `bson:"tenant"`
	Rid       string `bson:"rid"`
	ParentRid string `bson:"parent_rid,omitempty"`
	Name      string `bson:"name,omitempty"`
	Active    bool   `bson:"active"`
}
