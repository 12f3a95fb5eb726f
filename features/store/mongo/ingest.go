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
	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/ingest"
)

// CheckpointStore implements ingest.CheckpointStore on the
// source_checkpoints collection. Saves use $max so positions never move
// backwards, whatever order concurrent writers land in.
type CheckpointStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

func newCheckpointStore(coll clientsmongo.Collection, timeout time.Duration) *CheckpointStore {
	return &CheckpointStore{coll: coll, timeout: timeout}
}

func (s *CheckpointStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "source_kind", Value: 1},
			{Key: "source_id", Value: 1},
			{Key: "tenant", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Load implements ingest.CheckpointStore.
func (s *CheckpointStore) Load(ctx context.Context, kind, sourceID, tenant string) (int64, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc checkpointDocument
	err := s.coll.FindOne(ctx, bson.M{
		"source_kind": kind,
		"source_id":   sourceID,
		"tenant":      tenant,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return doc.Position, true, nil
}

// Save implements ingest.CheckpointStore.
func (s *CheckpointStore) Save(ctx context.Context, kind, sourceID, tenant string, position int64) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{
			"source_kind": kind,
			"source_id":   sourceID,
			"tenant":      tenant,
		},
		bson.M{
			"$max": bson.M{"position": position},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

type checkpointDocument struct {
	SourceKind string    `bson:"source_kind"`
	SourceID   string    `bson:"source_id"`
	Tenant     string    `bson:"tenant"`
	Position   int64     `bson:"position"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// Pending event statuses.
const (
	pendingNew        = "new"
	pendingProcessing = "processing"
	pendingDone       = "done"
	pendingFailed     = "failed"
)

// PendingStore implements ingest.PendingStore on the pending_events
// collection fed by the HTTP push ingress.
type PendingStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func newPendingStore(coll clientsmongo.Collection, timeout time.Duration) *PendingStore {
	return &PendingStore{coll: coll, timeout: timeout, now: time.Now}
}

func (s *PendingStore) ensureIndexes(ttl time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, model := range []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "status", Value: 1}, {Key: "_id", Value: 1}}},
			// Terminal documents age out; new/processing ones never carry
			// done_at and are exempt.
			{Keys: bson.D{{Key: "done_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds()))},
		} {
			if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
				return err
			}
		}
		return nil
	}
}

// Enqueue stores one pushed event as new. Used by the ops ingress.
func (s *PendingStore) Enqueue(ctx context.Context, p *ingest.PendingEvent) error {
	if p == nil {
		return errors.New("pending event is required")
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = s.now().UTC()
	}
	doc := pendingDocument{
		OID:          primitive.NewObjectID(),
		Tenant:       p.Tenant,
		OrgUnit:      p.OrgUnit,
		EventType:    p.EventType,
		Payload:      p.Payload,
		PartitionKey: p.PartitionKey,
		Status:       pendingNew,
		ReceivedAt:   p.ReceivedAt.UTC(),
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("enqueue pending event: %w", err)
	}
	p.ID = doc.OID.Hex()
	return nil
}

// Claim implements ingest.PendingStore.
func (s *PendingStore) Claim(ctx context.Context, tenant string, limit int) ([]*ingest.PendingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var out []*ingest.PendingEvent
	for len(out) < limit {
		var doc pendingDocument
		err := s.coll.FindOneAndUpdate(ctx,
			bson.M{"tenant": tenant, "status": pendingNew},
			bson.M{"$set": bson.M{
				"status":     pendingProcessing,
				"claimed_at": s.now().UTC(),
			}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "_id", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				break
			}
			return out, fmt.Errorf("claim pending event: %w", err)
		}
		out = append(out, doc.toPending())
	}
	return out, nil
}

// MarkDone implements ingest.PendingStore.
func (s *PendingStore) MarkDone(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, id, pendingDone, at, "")
}

// MarkFailed implements ingest.PendingStore.
func (s *PendingStore) MarkFailed(ctx context.Context, id string, at time.Time, reason string) error {
	return s.finish(ctx, id, pendingFailed, at, reason)
}

// Release implements ingest.PendingStore.
func (s *PendingStore) Release(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid pending id %q", id)
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "status": pendingProcessing},
		bson.M{
			"$set":   bson.M{"status": pendingNew},
			"$unset": bson.M{"claimed_at": ""},
		})
	if err != nil {
		return fmt.Errorf("release pending event %s: %w", id, err)
	}
	return nil
}

func (s *PendingStore) finish(ctx context.Context, id, status string, at time.Time, reason string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid pending id %q", id)
	}
	set := bson.M{"status": status, "done_at": at.UTC()}
	if reason != "" {
		set["reason"] = reason
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("finish pending event %s: %w", id, err)
	}
	return nil
}

type pendingDocument struct {
	OID          primitive.ObjectID `bson:"_id"`
	Tenant       string             `bson:"tenant"`
	OrgUnit      string             `bson:"org_unit,omitempty"`
	EventType    string             `bson:"event_type"`
	Payload      []byte             `bson:"payload"`
	PartitionKey string             `bson:"partition_key,omitempty"`
	Status       string             `bson:"status"`
	Reason       string             `bson:"reason,omitempty"`
	ReceivedAt   time.Time          `bson:"received_at"`
	ClaimedAt    time.Time          `bson:"claimed_at,omitempty"`
	DoneAt       time.Time          `bson:"done_at,omitempty"`
}

func (doc pendingDocument) toPending() *ingest.PendingEvent {
	return &ingest.PendingEvent{
		ID:           doc.OID.Hex(),
		Tenant:       doc.Tenant,
		OrgUnit:      doc.OrgUnit,
		EventType:    doc.EventType,
		Payload:      json.RawMessage(doc.Payload),
		PartitionKey: doc.PartitionKey,
		ReceivedAt:   doc.ReceivedAt,
	}
}

// SourceConfigStore implements ingest.ConfigStore on the
// event_source_configs collection.
type SourceConfigStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func newSourceConfigStore(coll clientsmongo.Collection, timeout time.Duration) *SourceConfigStore {
	return &SourceConfigStore{coll: coll, timeout: timeout, now: time.Now}
}

func (s *SourceConfigStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "active", Value: 1}},
	})
	return err
}

// ListActive implements ingest.ConfigStore.
func (s *SourceConfigStore) ListActive(ctx context.Context) ([]*ingest.SourceConfig, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, fmt.Errorf("list active source configs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*ingest.SourceConfig
	for cur.Next(ctx) {
		var doc sourceConfigDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toConfig())
	}
	return out, cur.Err()
}

// List returns every source configuration, active or not.
func (s *SourceConfigStore) List(ctx context.Context, tenant string) ([]*ingest.SourceConfig, error) {
	filter := bson.M{}
	if tenant != "" {
		filter["tenant"] = tenant
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list source configs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*ingest.SourceConfig
	for cur.Next(ctx) {
		var doc sourceConfigDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toConfig())
	}
	return out, cur.Err()
}

// Create stores a new source configuration.
func (s *SourceConfigStore) Create(ctx context.Context, cfg *ingest.SourceConfig) error {
	if cfg == nil {
		return errors.New("source config is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	doc := fromConfig(cfg)
	doc.OID = primitive.NewObjectID()
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert source config: %w", err)
	}
	cfg.ID = doc.OID.Hex()
	return nil
}

type sourceConfigDocument struct {
	OID     primitive.ObjectID `bson:"_id"`
	Tenant  string             `bson:"tenant"`
	Kind    string             `bson:"kind"`
	Active  bool               `bson:"active"`
	Table   string             `bson:"table,omitempty"`
	Columns columnMapDocument  `bson:"columns,omitempty"`
	EventTypes    []string     `bson:"event_types,omitempty"`
	OrgUnits      []string     `bson:"org_units,omitempty"`
	PollMs        int          `bson:"poll_ms,omitempty"`
	BatchSize     int          `bson:"batch_size,omitempty"`
	AdvanceOnNack *bool        `bson:"advance_on_nack,omitempty"`
	Topic         string       `bson:"topic,omitempty"`
	Group         string       `bson:"group,omitempty"`
	CreatedAt     time.Time    `bson:"created_at"`
	UpdatedAt     time.Time    `bson:"updated_at"`
}

type columnMapDocument struct {
	ID        string `bson:"id,omitempty"`
	Tenant    string `bson:"tenant,omitempty"`
	OrgUnit   string `bson:"org_unit,omitempty"`
	EventType string `bson:"event_type,omitempty"`
	Payload   string `bson:"payload,omitempty"`
	Timestamp string `bson:"timestamp,omitempty"`
}

func fromConfig(cfg *ingest.SourceConfig) sourceConfigDocument {
	return sourceConfigDocument{
		Tenant: cfg.Tenant,
		Kind:   string(cfg.Kind),
		Active: cfg.Active,
		Table:  cfg.Table,
		Columns: columnMapDocument{
			ID:        cfg.Columns.ID,
			Tenant:    cfg.Columns.Tenant,
			OrgUnit:   cfg.Columns.OrgUnit,
			EventType: cfg.Columns.EventType,
			Payload:   cfg.Columns.Payload,
			Timestamp: cfg.Columns.Timestamp,
		},
		EventTypes:    cfg.EventTypes,
		OrgUnits:      cfg.OrgUnits,
		PollMs:        cfg.PollMs,
		BatchSize:     cfg.BatchSize,
		AdvanceOnNack: cfg.AdvanceOnNack,
		Topic:         cfg.Topic,
		Group:         cfg.Group,
		CreatedAt:     cfg.CreatedAt.UTC(),
		UpdatedAt:     cfg.UpdatedAt.UTC(),
	}
}

func (doc sourceConfigDocument) toConfig() *ingest.SourceConfig {
	return &ingest.SourceConfig{
		ID:     doc.OID.Hex(),
		Tenant: doc.Tenant,
		Kind:   event.Source(doc.Kind),
		Active: doc.Active,
		Table:  doc.Table,
		Columns: ingest.ColumnMap{
			ID:        doc.Columns.ID,
			Tenant:    doc.Columns.Tenant,
			OrgUnit:   doc.Columns.OrgUnit,
			EventType: doc.Columns.EventType,
			Payload:   doc.Columns.Payload,
			Timestamp: doc.Columns.Timestamp,
		},
		EventTypes:    doc.EventTypes,
		OrgUnits:      doc.OrgUnits,
		PollMs:        doc.PollMs,
		BatchSize:     doc.BatchSize,
		AdvanceOnNack: doc.AdvanceOnNack,
		Topic:         doc.Topic,
		Group:         doc.Group,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}
