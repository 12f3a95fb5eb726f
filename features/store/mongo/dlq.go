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
	"github.com/sluicehq/sluice/gateway/dlq"
	"github.com/sluicehq/sluice/gateway/execlog"
)

// DLQStore implements dlq.Store on the failed_deliveries collection.
type DLQStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func newDLQStore(coll clientsmongo.Collection, timeout time.Duration) *DLQStore {
	return &DLQStore{coll: coll, timeout: timeout, now: time.Now}
}

func (s *DLQStore) ensureIndexes(ctx context.Context) error {
	for _, model := range []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "rule_id", Value: 1}}},
		{Keys: bson.D{{Key: "resolved_at", Value: 1}}},
	} {
		if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

// Add implements dlq.Store.
func (s *DLQStore) Add(ctx context.Context, e *dlq.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	doc := fromDLQEntry(e)
	doc.OID = primitive.NewObjectID()
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert dead-letter entry: %w", err)
	}
	e.ID = doc.OID.Hex()
	return nil
}

// Get implements dlq.Store.
func (s *DLQStore) Get(ctx context.Context, id string) (*dlq.Entry, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, dlq.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc dlqDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, dlq.ErrNotFound
		}
		return nil, err
	}
	return doc.toEntry(), nil
}

// List implements dlq.Store.
func (s *DLQStore) List(ctx context.Context, f dlq.Filter) (dlq.Page, error) {
	filter := bson.M{}
	if f.Tenant != "" {
		filter["tenant"] = f.Tenant
	}
	if f.RuleID != "" {
		filter["rule_id"] = f.RuleID
	}
	if f.Category != "" {
		filter["error.category"] = string(f.Category)
	}
	if f.Unresolved {
		filter["resolved_at"] = nil
	}
	if err := applyCursor(filter, f.Cursor); err != nil {
		return dlq.Page{}, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return dlq.Page{}, fmt.Errorf("list dead-letter entries: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var (
		page dlq.Page
		ids  []primitive.ObjectID
	)
	for cur.Next(ctx) {
		var doc dlqDocument
		if err := cur.Decode(&doc); err != nil {
			return dlq.Page{}, err
		}
		page.Entries = append(page.Entries, doc.toEntry())
		ids = append(ids, doc.OID)
	}
	if err := cur.Err(); err != nil {
		return dlq.Page{}, err
	}
	page.NextCursor = nextCursor(ids, limit)
	return page, nil
}

// Resolve implements dlq.Store.
func (s *DLQStore) Resolve(ctx context.Context, id string, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return dlq.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "resolved_at": nil},
		bson.M{"$set": bson.M{"resolved_at": at.UTC()}})
	if err != nil {
		return fmt.Errorf("resolve dead-letter entry %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		// Distinguish missing from already resolved.
		n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": oid})
		if cerr != nil {
			return cerr
		}
		if n == 0 {
			return dlq.ErrNotFound
		}
		return dlq.ErrResolved
	}
	return nil
}

type dlqDocument struct {
	OID         primitive.ObjectID `bson:"_id"`
	LogID       string             `bson:"log_id"`
	Tenant      string             `bson:"tenant"`
	RuleID      string             `bson:"rule_id,omitempty"`
	RuleName    string             `bson:"rule_name,omitempty"`
	EventType   string             `bson:"event_type,omitempty"`
	Error       errorDocument      `bson:"error"`
	Attempts    int                `bson:"attempts"`
	NextRetryAt time.Time          `bson:"next_retry_at,omitempty"`
	CreatedAt   time.Time          `bson:"created_at"`
	ResolvedAt  *time.Time         `bson:"resolved_at"`
}

func fromDLQEntry(e *dlq.Entry) dlqDocument {
	doc := dlqDocument{
		LogID:       e.LogID,
		Tenant:      e.Tenant,
		RuleID:      e.RuleID,
		RuleName:    e.RuleName,
		EventType:   e.EventType,
		Error:       errorDocument{Category: string(e.Error.Category), Code: e.Error.Code, Message: e.Error.Message},
		Attempts:    e.Attempts,
		NextRetryAt: e.NextRetryAt.UTC(),
		CreatedAt:   e.CreatedAt.UTC(),
	}
	if !e.ResolvedAt.IsZero() {
		at := e.ResolvedAt.UTC()
		doc.ResolvedAt = &at
	}
	return doc
}

func (doc dlqDocument) toEntry() *dlq.Entry {
	e := &dlq.Entry{
		ID:          doc.OID.Hex(),
		LogID:       doc.LogID,
		Tenant:      doc.Tenant,
		RuleID:      doc.RuleID,
		RuleName:    doc.RuleName,
		EventType:   doc.EventType,
		Error:       execlog.ErrorInfo{Category: execlog.Category(doc.Error.Category), Code: doc.Error.Code, Message: doc.Error.Message},
		Attempts:    doc.Attempts,
		NextRetryAt: doc.NextRetryAt,
		CreatedAt:   doc.CreatedAt,
	}
	if doc.ResolvedAt != nil {
		e.ResolvedAt = *doc.ResolvedAt
	}
	return e
}
