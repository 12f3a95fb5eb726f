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
	"github.com/sluicehq/sluice/gateway/execlog"
)

// LogStore implements execlog.Store on the execution_logs and
// delivery_attempts collections.
type LogStore struct {
	logs     clientsmongo.Collection
	attempts clientsmongo.Collection
	timeout  time.Duration
	now      func() time.Time
}

func newLogStore(logs, attempts clientsmongo.Collection, timeout time.Duration) *LogStore {
	return &LogStore{logs: logs, attempts: attempts, timeout: timeout, now: time.Now}
}

func (s *LogStore) ensureIndexes(ttl time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, model := range []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "rule_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "should_retry", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds()))},
		} {
			if _, err := s.logs.Indexes().CreateOne(ctx, model); err != nil {
				return err
			}
		}
		for _, model := range []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "log_id", Value: 1}, {Key: "started_at", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds()))},
		} {
			if _, err := s.attempts.Indexes().CreateOne(ctx, model); err != nil {
				return err
			}
		}
		return nil
	}
}

// Append implements execlog.Store.
func (s *LogStore) Append(ctx context.Context, e *execlog.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	doc := fromEntry(e)
	doc.OID = primitive.NewObjectID()
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.logs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	e.ID = doc.OID.Hex()
	return nil
}

// Update implements execlog.Store.
func (s *LogStore) Update(ctx context.Context, e *execlog.Entry) error {
	if e == nil || e.ID == "" {
		return errors.New("entry id is required")
	}
	oid, err := primitive.ObjectIDFromHex(e.ID)
	if err != nil {
		return execlog.ErrNotFound
	}
	e.UpdatedAt = s.now().UTC()
	doc := fromEntry(e)
	doc.OID = oid

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.logs.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": doc})
	if err != nil {
		return fmt.Errorf("update execution log %s: %w", e.ID, err)
	}
	if res.MatchedCount == 0 {
		return execlog.ErrNotFound
	}
	return nil
}

// RecordAttempt implements execlog.Store.
func (s *LogStore) RecordAttempt(ctx context.Context, a *execlog.Attempt) error {
	if a == nil {
		return errors.New("attempt is required")
	}
	doc := fromAttempt(a)
	doc.OID = primitive.NewObjectID()
	doc.CreatedAt = s.now().UTC()
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.attempts.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	a.ID = doc.OID.Hex()
	return nil
}

// Get implements execlog.Store.
func (s *LogStore) Get(ctx context.Context, id string) (*execlog.Entry, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, execlog.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc logDocument
	if err := s.logs.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, execlog.ErrNotFound
		}
		return nil, err
	}
	return doc.toEntry(), nil
}

// List implements execlog.Store.
func (s *LogStore) List(ctx context.Context, f execlog.Filter) (execlog.Page, error) {
	filter := bson.M{}
	if f.Tenant != "" {
		filter["tenant"] = f.Tenant
	}
	if f.RuleID != "" {
		filter["rule_id"] = f.RuleID
	}
	if f.EventType != "" {
		filter["event_type"] = f.EventType
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	created := bson.M{}
	if !f.From.IsZero() {
		created["$gte"] = f.From.UTC()
	}
	if !f.To.IsZero() {
		created["$lt"] = f.To.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	if err := applyCursor(filter, f.Cursor); err != nil {
		return execlog.Page{}, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.logs.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return execlog.Page{}, fmt.Errorf("list execution logs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var (
		page execlog.Page
		ids  []primitive.ObjectID
	)
	for cur.Next(ctx) {
		var doc logDocument
		if err := cur.Decode(&doc); err != nil {
			return execlog.Page{}, err
		}
		page.Entries = append(page.Entries, doc.toEntry())
		ids = append(ids, doc.OID)
	}
	if err := cur.Err(); err != nil {
		return execlog.Page{}, err
	}
	page.NextCursor = nextCursor(ids, limit)
	return page, nil
}

// ListAttempts implements execlog.Store.
func (s *LogStore) ListAttempts(ctx context.Context, logID string) ([]*execlog.Attempt, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.attempts.Find(ctx, bson.M{"log_id": logID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", logID, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*execlog.Attempt
	for cur.Next(ctx) {
		var doc attemptDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toAttempt())
	}
	return out, cur.Err()
}

// ListRetryable implements execlog.Store.
func (s *LogStore) ListRetryable(ctx context.Context, limit int) ([]*execlog.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.logs.Find(ctx, bson.M{
		"status":       bson.M{"$in": []string{string(execlog.StatusFailed), string(execlog.StatusRetrying)}},
		"should_retry": true,
		"$expr":        bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}},
	}, options.Find().
		SetSort(bson.D{{Key: "last_attempt_at", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list retryable logs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*execlog.Entry
	for cur.Next(ctx) {
		var doc logDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEntry())
	}
	return out, cur.Err()
}

// ResetStuck implements execlog.Store.
func (s *LogStore) ResetStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.logs.UpdateMany(ctx, bson.M{
		"status":     string(execlog.StatusRetrying),
		"updated_at": bson.M{"$lt": cutoff.UTC()},
	}, bson.M{"$set": bson.M{
		"status":     string(execlog.StatusFailed),
		"updated_at": s.now().UTC(),
	}})
	if err != nil {
		return 0, fmt.Errorf("reset stuck logs: %w", err)
	}
	return res.ModifiedCount, nil
}

// StampRuleMetadata implements execlog.Store.
func (s *LogStore) StampRuleMetadata(ctx context.Context, ruleID, ruleName, target string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.logs.UpdateMany(ctx,
		bson.M{"rule_id": ruleID},
		bson.M{"$set": bson.M{"rule_name": ruleName, "target": target}})
	if err != nil {
		return 0, fmt.Errorf("stamp rule metadata for %s: %w", ruleID, err)
	}
	return res.ModifiedCount, nil
}

type (
	logDocument struct {
		OID           primitive.ObjectID `bson:"_id"`
		Tenant        string             `bson:"tenant"`
		OrgUnit       string             `bson:"org_unit,omitempty"`
		RuleID        string             `bson:"rule_id,omitempty"`
		RuleName      string             `bson:"rule_name,omitempty"`
		Action        string             `bson:"action,omitempty"`
		Target        string             `bson:"target,omitempty"`
		EventID       string             `bson:"event_id"`
		EventType     string             `bson:"event_type"`
		Fingerprint   string             `bson:"fingerprint,omitempty"`
		Status        string             `bson:"status"`
		Trigger       string             `bson:"trigger"`
		Attempts      int                `bson:"attempts"`
		MaxAttempts   int                `bson:"max_attempts"`
		ShouldRetry   bool               `bson:"should_retry"`
		Error         *errorDocument     `bson:"error,omitempty"`
		Response      *responseDocument  `bson:"response,omitempty"`
		EventPayload  []byte             `bson:"event_payload,omitempty"`
		Payload       []byte             `bson:"payload,omitempty"`
		DurationMs    int64              `bson:"duration_ms,omitempty"`
		CorrelationID string             `bson:"correlation_id,omitempty"`
		ScheduledID   string             `bson:"scheduled_id,omitempty"`
		CreatedAt     time.Time          `bson:"created_at"`
		UpdatedAt     time.Time          `bson:"updated_at"`
		LastAttemptAt time.Time          `bson:"last_attempt_at,omitempty"`
		NextAttemptAt time.Time          `bson:"next_attempt_at,omitempty"`
	}

	attemptDocument struct {
		OID        primitive.ObjectID `bson:"_id"`
		LogID      string             `bson:"log_id"`
		Tenant     string             `bson:"tenant"`
		RuleID     string             `bson:"rule_id,omitempty"`
		Number     int                `bson:"number"`
		Status     string             `bson:"status"`
		Error      *errorDocument     `bson:"error,omitempty"`
		Response   *responseDocument  `bson:"response,omitempty"`
		DurationMs int64              `bson:"duration_ms,omitempty"`
		StartedAt  time.Time          `bson:"started_at"`
		CreatedAt  time.Time          `bson:"created_at"`
	}

	errorDocument struct {
		Category string `bson:"category"`
		Code     string `bson:"code,omitempty"`
		Message  string `bson:"message,omitempty"`
	}

	responseDocument struct {
		StatusCode int               `bson:"status_code,omitempty"`
		Headers    map[string]string `bson:"headers,omitempty"`
		Body       string            `bson:"body,omitempty"`
	}
)

func fromEntry(e *execlog.Entry) logDocument {
	return logDocument{
		Tenant:        e.Tenant,
		OrgUnit:       e.OrgUnit,
		RuleID:        e.RuleID,
		RuleName:      e.RuleName,
		Action:        e.Action,
		Target:        e.Target,
		EventID:       e.EventID,
		EventType:     e.EventType,
		Fingerprint:   e.Fingerprint,
		Status:        string(e.Status),
		Trigger:       string(e.Trigger),
		Attempts:      e.Attempts,
		MaxAttempts:   e.MaxAttempts,
		ShouldRetry:   e.ShouldRetry,
		Error:         fromErrorInfo(e.Error),
		Response:      fromResponseInfo(e.Response),
		EventPayload:  e.EventPayload,
		Payload:       e.Payload,
		DurationMs:    e.Duration.Milliseconds(),
		CorrelationID: e.CorrelationID,
		ScheduledID:   e.ScheduledID,
		CreatedAt:     e.CreatedAt.UTC(),
		UpdatedAt:     e.UpdatedAt.UTC(),
		LastAttemptAt: e.LastAttemptAt.UTC(),
		NextAttemptAt: e.NextAttemptAt.UTC(),
	}
}

func (doc logDocument) toEntry() *execlog.Entry {
	return &execlog.Entry{
		ID:            doc.OID.Hex(),
		Tenant:        doc.Tenant,
		OrgUnit:       doc.OrgUnit,
		RuleID:        doc.RuleID,
		RuleName:      doc.RuleName,
		Action:        doc.Action,
		Target:        doc.Target,
		EventID:       doc.EventID,
		EventType:     doc.EventType,
		Fingerprint:   doc.Fingerprint,
		Status:        execlog.Status(doc.Status),
		Trigger:       execlog.Trigger(doc.Trigger),
		Attempts:      doc.Attempts,
		MaxAttempts:   doc.MaxAttempts,
		ShouldRetry:   doc.ShouldRetry,
		Error:         toErrorInfo(doc.Error),
		Response:      toResponseInfo(doc.Response),
		EventPayload:  doc.EventPayload,
		Payload:       doc.Payload,
		Duration:      time.Duration(doc.DurationMs) * time.Millisecond,
		CorrelationID: doc.CorrelationID,
		ScheduledID:   doc.ScheduledID,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		LastAttemptAt: doc.LastAttemptAt,
		NextAttemptAt: doc.NextAttemptAt,
	}
}

func fromAttempt(a *execlog.Attempt) attemptDocument {
	return attemptDocument{
		LogID:      a.LogID,
		Tenant:     a.Tenant,
		RuleID:     a.RuleID,
		Number:     a.Number,
		Status:     string(a.Status),
		Error:      fromErrorInfo(a.Error),
		Response:   fromResponseInfo(a.Response),
		DurationMs: a.Duration.Milliseconds(),
		StartedAt:  a.StartedAt.UTC(),
	}
}

func (doc attemptDocument) toAttempt() *execlog.Attempt {
	return &execlog.Attempt{
		ID:        doc.OID.Hex(),
		LogID:     doc.LogID,
		Tenant:    doc.Tenant,
		RuleID:    doc.RuleID,
		Number:    doc.Number,
		Status:    execlog.Status(doc.Status),
		Error:     toErrorInfo(doc.Error),
		Response:  toResponseInfo(doc.Response),
		Duration:  time.Duration(doc.DurationMs) * time.Millisecond,
		StartedAt: doc.StartedAt,
	}
}

func fromErrorInfo(e *execlog.ErrorInfo) *errorDocument {
	if e == nil {
		return nil
	}
	return &errorDocument{Category: string(e.Category), Code: e.Code, Message: e.Message}
}

func toErrorInfo(doc *errorDocument) *execlog.ErrorInfo {
	if doc == nil {
		return nil
	}
	return &execlog.ErrorInfo{Category: execlog.Category(doc.Category), Code: doc.Code, Message: doc.Message}
}

func fromResponseInfo(r *execlog.ResponseInfo) *responseDocument {
	if r == nil {
		return nil
	}
	return &responseDocument{StatusCode: r.StatusCode, Headers: r.Headers, Body: r.Body}
}

func toResponseInfo(doc *responseDocument) *execlog.ResponseInfo {
	if doc == nil {
		return nil
	}
	return &execlog.ResponseInfo{StatusCode: doc.StatusCode, Headers: doc.Headers, Body: doc.Body}
}
