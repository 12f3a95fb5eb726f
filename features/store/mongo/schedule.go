package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/sluicehq/sluice/features/store/mongo/clients/mongo"
	"github.com/sluicehq/sluice/gateway/schedule"
)

// ScheduleStore implements schedule.Store on the scheduled_deliveries
// collection. Claiming uses FindOneAndUpdate so each due delivery is handed
// to exactly one tick loop even with several gateway processes running.
type ScheduleStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func newScheduleStore(coll clientsmongo.Collection, timeout time.Duration) *ScheduleStore {
	return &ScheduleStore{coll: coll, timeout: timeout, now: time.Now}
}

func (s *ScheduleStore) ensureIndexes(ctx context.Context) error {
	for _, model := range []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "due_at", Value: 1}}},
		{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "due_at", Value: 1}}},
		{Keys: bson.D{{Key: "rule_id", Value: 1}}},
	} {
		if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

// Create implements schedule.Store.
func (s *ScheduleStore) Create(ctx context.Context, d *schedule.Delivery) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	doc := fromScheduled(d)
	doc.OID = primitive.NewObjectID()
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert scheduled delivery: %w", err)
	}
	d.ID = doc.OID.Hex()
	return nil
}

// Get implements schedule.Store.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*schedule.Delivery, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, schedule.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc scheduledDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, schedule.ErrNotFound
		}
		return nil, err
	}
	return doc.toDelivery(), nil
}

// List implements schedule.Store.
func (s *ScheduleStore) List(ctx context.Context, f schedule.Filter) (schedule.Page, error) {
	filter := bson.M{}
	if f.Tenant != "" {
		filter["tenant"] = f.Tenant
	}
	if f.RuleID != "" {
		filter["rule_id"] = f.RuleID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if !f.DueBefore.IsZero() {
		filter["due_at"] = bson.M{"$lt": f.DueBefore.UTC()}
	}
	if err := applyCursor(filter, f.Cursor); err != nil {
		return schedule.Page{}, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "due_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return schedule.Page{}, fmt.Errorf("list scheduled deliveries: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var (
		page schedule.Page
		ids  []primitive.ObjectID
	)
	for cur.Next(ctx) {
		var doc scheduledDocument
		if err := cur.Decode(&doc); err != nil {
			return schedule.Page{}, err
		}
		page.Deliveries = append(page.Deliveries, doc.toDelivery())
		ids = append(ids, doc.OID)
	}
	if err := cur.Err(); err != nil {
		return schedule.Page{}, err
	}
	page.NextCursor = nextCursor(ids, limit)
	return page, nil
}

// ClaimDue implements schedule.Store.
func (s *ScheduleStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*schedule.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var out []*schedule.Delivery
	for len(out) < limit {
		var doc scheduledDocument
		err := s.coll.FindOneAndUpdate(ctx,
			bson.M{
				"status": string(schedule.StatusPending),
				"due_at": bson.M{"$lte": now.UTC()},
			},
			bson.M{"$set": bson.M{
				"status":     string(schedule.StatusProcessing),
				"claimed_at": s.now().UTC(),
			}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "due_at", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				break
			}
			return out, fmt.Errorf("claim due delivery: %w", err)
		}
		out = append(out, doc.toDelivery())
	}
	return out, nil
}

// Complete implements schedule.Store.
func (s *ScheduleStore) Complete(ctx context.Context, id string, status schedule.Status, at time.Time, reason string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return schedule.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{
		"status":       string(status),
		"completed_at": at.UTC(),
		"reason":       reason,
	}})
	if err != nil {
		return fmt.Errorf("complete scheduled delivery %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return schedule.ErrNotFound
	}
	return nil
}

// Cancel implements schedule.Store.
func (s *ScheduleStore) Cancel(ctx context.Context, id string, at time.Time, reason string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return schedule.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "status": string(schedule.StatusPending)},
		bson.M{"$set": bson.M{
			"status":       string(schedule.StatusCancelled),
			"completed_at": at.UTC(),
			"reason":       reason,
		}})
	if err != nil {
		return fmt.Errorf("cancel scheduled delivery %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": oid})
		if cerr != nil {
			return cerr
		}
		if n == 0 {
			return schedule.ErrNotFound
		}
		return schedule.ErrNotPending
	}
	return nil
}

// CancelOverdue implements schedule.Store.
func (s *ScheduleStore) CancelOverdue(ctx context.Context, cutoff time.Time, at time.Time, reason string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"status": string(schedule.StatusPending),
			"due_at": bson.M{"$lt": cutoff.UTC()},
		},
		bson.M{"$set": bson.M{
			"status":       string(schedule.StatusCancelled),
			"completed_at": at.UTC(),
			"reason":       reason,
		}})
	if err != nil {
		return 0, fmt.Errorf("cancel overdue deliveries: %w", err)
	}
	return res.ModifiedCount, nil
}

// ResetStuck implements schedule.Store.
func (s *ScheduleStore) ResetStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"status":     string(schedule.StatusProcessing),
			"claimed_at": bson.M{"$lt": cutoff.UTC()},
		},
		bson.M{
			"$set":   bson.M{"status": string(schedule.StatusPending)},
			"$unset": bson.M{"claimed_at": ""},
		})
	if err != nil {
		return 0, fmt.Errorf("reset stuck deliveries: %w", err)
	}
	return res.ModifiedCount, nil
}

type scheduledDocument struct {
	OID            primitive.ObjectID `bson:"_id"`
	Tenant         string             `bson:"tenant"`
	OrgUnit        string             `bson:"org_unit,omitempty"`
	RuleID         string             `bson:"rule_id"`
	EventID        string             `bson:"event_id"`
	EventType      string             `bson:"event_type"`
	Fingerprint    string             `bson:"fingerprint,omitempty"`
	CorrelationID  string             `bson:"correlation_id,omitempty"`
	Payload        []byte             `bson:"payload,omitempty"`
	DueAt          time.Time          `bson:"due_at"`
	Status         string             `bson:"status"`
	Recurring      bool               `bson:"recurring"`
	Occurrence     int                `bson:"occurrence"`
	MaxOccurrences int                `bson:"max_occurrences,omitempty"`
	IntervalMs     int64              `bson:"interval_ms,omitempty"`
	Reason         string             `bson:"reason,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
	ClaimedAt      time.Time          `bson:"claimed_at,omitempty"`
	CompletedAt    time.Time          `bson:"completed_at,omitempty"`
}

func fromScheduled(d *schedule.Delivery) scheduledDocument {
	return scheduledDocument{
		Tenant:         d.Tenant,
		OrgUnit:        d.OrgUnit,
		RuleID:         d.RuleID,
		EventID:        d.EventID,
		EventType:      d.EventType,
		Fingerprint:    d.Fingerprint,
		CorrelationID:  d.CorrelationID,
		Payload:        d.Payload,
		DueAt:          d.DueAt.UTC(),
		Status:         string(d.Status),
		Recurring:      d.Recurring,
		Occurrence:     d.Occurrence,
		MaxOccurrences: d.MaxOccurrences,
		IntervalMs:     d.Interval.Milliseconds(),
		Reason:         d.Reason,
		CreatedAt:      d.CreatedAt.UTC(),
		ClaimedAt:      d.ClaimedAt.UTC(),
		CompletedAt:    d.CompletedAt.UTC(),
	}
}

func (doc scheduledDocument) toDelivery() *schedule.Delivery {
	return &schedule.Delivery{
		ID:             doc.OID.Hex(),
		Tenant:         doc.Tenant,
		OrgUnit:        doc.OrgUnit,
		RuleID:         doc.RuleID,
		EventID:        doc.EventID,
		EventType:      doc.EventType,
		Fingerprint:    doc.Fingerprint,
		CorrelationID:  doc.CorrelationID,
		Payload:        json.RawMessage(doc.Payload),
		DueAt:          doc.DueAt,
		Status:         schedule.Status(doc.Status),
		Recurring:      doc.Recurring,
		Occurrence:     doc.Occurrence,
		MaxOccurrences: doc.MaxOccurrences,
		Interval:       time.Duration(doc.IntervalMs) * time.Millisecond,
		Reason:         doc.Reason,
		CreatedAt:      doc.CreatedAt,
		ClaimedAt:      doc.ClaimedAt,
		CompletedAt:    doc.CompletedAt,
	}
}
