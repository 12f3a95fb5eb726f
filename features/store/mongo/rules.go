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
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/transform"
)

// RuleStore implements rule.Store on the integration_rules collection.
type RuleStore struct {
	coll    clientsmongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func newRuleStore(coll clientsmongo.Collection, timeout time.Duration) *RuleStore {
	return &RuleStore{coll: coll, timeout: timeout, now: time.Now}
}

func (s *RuleStore) ensureIndexes(ctx context.Context) error {
	for _, model := range []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "active", Value: 1}, {Key: "deleted", Value: 1}}},
		{Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "event_type", Value: 1}}},
	} {
		if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

// Create implements rule.Store.
func (s *RuleStore) Create(ctx context.Context, r *rule.Rule) error {
	if r == nil {
		return errors.New("rule is required")
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	doc := fromRule(r)
	doc.OID = primitive.NewObjectID()
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.ID = doc.OID.Hex()
	return nil
}

// Update implements rule.Store.
func (s *RuleStore) Update(ctx context.Context, r *rule.Rule) error {
	if r == nil || r.ID == "" {
		return errors.New("rule id is required")
	}
	oid, err := primitive.ObjectIDFromHex(r.ID)
	if err != nil {
		return rule.ErrNotFound
	}
	r.UpdatedAt = s.now().UTC()
	doc := fromRule(r)
	doc.OID = oid

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": doc})
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	if res.MatchedCount == 0 {
		return rule.ErrNotFound
	}
	return nil
}

// Get implements rule.Store.
func (s *RuleStore) Get(ctx context.Context, id string) (*rule.Rule, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, rule.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc ruleDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, rule.ErrNotFound
		}
		return nil, err
	}
	return doc.toRule(), nil
}

// List implements rule.Store.
func (s *RuleStore) List(ctx context.Context, f rule.Filter) (rule.Page, error) {
	filter := bson.M{}
	if f.Tenant != "" {
		filter["tenant"] = f.Tenant
	}
	if !f.IncludeInactive {
		filter["active"] = true
	}
	if !f.IncludeDeleted {
		filter["deleted"] = false
	}
	if err := applyCursor(filter, f.Cursor); err != nil {
		return rule.Page{}, err
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
		return rule.Page{}, fmt.Errorf("list rules: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var (
		page rule.Page
		ids  []primitive.ObjectID
	)
	for cur.Next(ctx) {
		var doc ruleDocument
		if err := cur.Decode(&doc); err != nil {
			return rule.Page{}, err
		}
		r := doc.toRule()
		if f.EventType != "" && !r.Matches(f.EventType) {
			continue
		}
		page.Rules = append(page.Rules, r)
		ids = append(ids, doc.OID)
	}
	if err := cur.Err(); err != nil {
		return rule.Page{}, err
	}
	page.NextCursor = nextCursor(ids, limit)
	return page, nil
}

// ListActive implements rule.Store.
func (s *RuleStore) ListActive(ctx context.Context, tenant string) ([]*rule.Rule, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{
		"tenant":  tenant,
		"active":  true,
		"deleted": false,
	})
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*rule.Rule
	for cur.Next(ctx) {
		var doc ruleDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRule())
	}
	return out, cur.Err()
}

// SetActive implements rule.Store.
func (s *RuleStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return s.patch(ctx, id, bson.M{"active": active, "updated_at": at.UTC()})
}

// Delete implements rule.Store.
func (s *RuleStore) Delete(ctx context.Context, id string, at time.Time) error {
	return s.patch(ctx, id, bson.M{"deleted": true, "active": false, "updated_at": at.UTC()})
}

// SaveCircuit implements rule.Store.
func (s *RuleStore) SaveCircuit(ctx context.Context, id string, c rule.Circuit) error {
	return s.patch(ctx, id, bson.M{"circuit": circuitDocument{
		State:    string(c.State),
		Failures: c.Failures,
		OpenedAt: c.OpenedAt.UTC(),
	}})
}

func (s *RuleStore) patch(ctx context.Context, id string, set bson.M) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return rule.ErrNotFound
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update rule %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return rule.ErrNotFound
	}
	return nil
}

type (
	ruleDocument struct {
		OID       primitive.ObjectID `bson:"_id"`
		Tenant    string             `bson:"tenant"`
		OrgUnit   string             `bson:"org_unit,omitempty"`
		Name      string             `bson:"name"`
		EventType string             `bson:"event_type"`
		Scope     scopeDocument      `bson:"scope"`
		Target    string             `bson:"target,omitempty"`
		Method    string             `bson:"method,omitempty"`
		Headers   map[string]string  `bson:"headers,omitempty"`
		Auth      authDocument       `bson:"auth,omitempty"`
		Signature signatureDocument  `bson:"signature,omitempty"`
		TimeoutMs int                `bson:"timeout_ms,omitempty"`
		Retries   int                `bson:"retry_count,omitempty"`
		Transform transformDocument  `bson:"transform,omitempty"`
		Lookup    lookupSpecDocument `bson:"lookup,omitempty"`
		Actions   []actionDocument   `bson:"actions,omitempty"`
		ActionDelayMs   int          `bson:"action_delay_ms,omitempty"`
		ParallelActions bool         `bson:"parallel_actions,omitempty"`
		Mode      string             `bson:"mode,omitempty"`
		Schedule  string             `bson:"schedule,omitempty"`
		RateLimit rateLimitDocument  `bson:"rate_limit,omitempty"`
		Breaker   breakerDocument    `bson:"breaker,omitempty"`
		Circuit   circuitDocument    `bson:"circuit,omitempty"`
		Priority  int                `bson:"priority,omitempty"`
		Active    bool               `bson:"active"`
		Deleted   bool               `bson:"deleted"`
		CreatedAt time.Time          `bson:"created_at"`
		UpdatedAt time.Time          `bson:"updated_at"`
	}

	scopeDocument struct {
		Policy   string   `bson:"policy"`
		Excludes []string `bson:"excludes,omitempty"`
	}

	authDocument struct {
		Kind           string            `bson:"kind,omitempty"`
		Header         string            `bson:"header,omitempty"`
		Value          string            `bson:"value,omitempty"`
		Username       string            `bson:"username,omitempty"`
		Password       string            `bson:"password,omitempty"`
		Token          string            `bson:"token,omitempty"`
		ConsumerKey    string            `bson:"consumer_key,omitempty"`
		ConsumerSecret string            `bson:"consumer_secret,omitempty"`
		AccessToken    string            `bson:"access_token,omitempty"`
		AccessSecret   string            `bson:"access_secret,omitempty"`
		TokenURL       string            `bson:"token_url,omitempty"`
		ClientID       string            `bson:"client_id,omitempty"`
		ClientSecret   string            `bson:"client_secret,omitempty"`
		Scopes         []string          `bson:"scopes,omitempty"`
		Headers        map[string]string `bson:"headers,omitempty"`
	}

	signatureDocument struct {
		Header            string    `bson:"header,omitempty"`
		Secret            string    `bson:"secret,omitempty"`
		PreviousSecret    string    `bson:"previous_secret,omitempty"`
		PreviousExpiresAt time.Time `bson:"previous_expires_at,omitempty"`
	}

	transformDocument struct {
		Kind    string           `bson:"kind,omitempty"`
		Mapping *mappingDocument `bson:"mapping,omitempty"`
		Script  string           `bson:"script,omitempty"`
	}

	mappingDocument struct {
		Fields  []fieldDocument  `bson:"fields,omitempty"`
		Statics []staticDocument `bson:"statics,omitempty"`
	}

	fieldDocument struct {
		SourcePath string `bson:"source_path"`
		TargetPath string `bson:"target_path"`
		Function   string `bson:"function,omitempty"`
		Format     string `bson:"format,omitempty"`
		Default    any    `bson:"default,omitempty"`
		Required   bool   `bson:"required,omitempty"`
	}

	staticDocument struct {
		TargetPath string `bson:"target_path"`
		Value      any    `bson:"value"`
	}

	lookupSpecDocument struct {
		Type     string   `bson:"type,omitempty"`
		Fields   []string `bson:"fields,omitempty"`
		Unmapped string   `bson:"unmapped,omitempty"`
		Default  string   `bson:"default,omitempty"`
	}

	actionDocument struct {
		Name         string             `bson:"name"`
		Target       string             `bson:"target"`
		Method       string             `bson:"method,omitempty"`
		Headers      map[string]string  `bson:"headers,omitempty"`
		Auth         authDocument       `bson:"auth,omitempty"`
		Transform    transformDocument  `bson:"transform,omitempty"`
		CriticalPath bool               `bson:"critical_path,omitempty"`
	}

	rateLimitDocument struct {
		Capacity      int `bson:"capacity,omitempty"`
		WindowSeconds int `bson:"window_seconds,omitempty"`
	}

	breakerDocument struct {
		Threshold int `bson:"threshold,omitempty"`
		OpenMs    int `bson:"open_ms,omitempty"`
	}

	circuitDocument struct {
		State    string    `bson:"state,omitempty"`
		Failures int       `bson:"failures,omitempty"`
		OpenedAt time.Time `bson:"opened_at,omitempty"`
	}
)

func fromRule(r *rule.Rule) ruleDocument {
	doc := ruleDocument{
		Tenant:          r.Tenant,
		OrgUnit:         r.OrgUnit,
		Name:            r.Name,
		EventType:       r.EventType,
		Scope:           scopeDocument{Policy: string(r.Scope.Policy), Excludes: r.Scope.Excludes},
		Target:          r.Target,
		Method:          r.Method,
		Headers:         r.Headers,
		Auth:            fromAuth(r.Auth),
		Signature:       fromSignature(r.Signature),
		TimeoutMs:       r.TimeoutMs,
		Retries:         r.RetryCount,
		Transform:       fromTransform(r.Transform),
		Lookup:          fromLookupSpec(r.Lookup),
		ActionDelayMs:   r.ActionDelayMs,
		ParallelActions: r.ParallelActions,
		Mode:            string(r.Mode),
		Schedule:        r.Schedule,
		RateLimit:       rateLimitDocument{Capacity: r.RateLimit.Capacity, WindowSeconds: r.RateLimit.WindowSeconds},
		Breaker:         breakerDocument{Threshold: r.Breaker.Threshold, OpenMs: r.Breaker.OpenMs},
		Circuit: circuitDocument{
			State:    string(r.CircuitSnapshot.State),
			Failures: r.CircuitSnapshot.Failures,
			OpenedAt: r.CircuitSnapshot.OpenedAt,
		},
		Priority:  r.Priority,
		Active:    r.Active,
		Deleted:   r.Deleted,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	for _, a := range r.Actions {
		doc.Actions = append(doc.Actions, actionDocument{
			Name:         a.Name,
			Target:       a.Target,
			Method:       a.Method,
			Headers:      a.Headers,
			Auth:         fromAuth(a.Auth),
			Transform:    fromTransform(a.Transform),
			CriticalPath: a.CriticalPath,
		})
	}
	return doc
}

func (doc ruleDocument) toRule() *rule.Rule {
	r := &rule.Rule{
		ID:        doc.OID.Hex(),
		Tenant:    doc.Tenant,
		OrgUnit:   doc.OrgUnit,
		Name:      doc.Name,
		EventType: doc.EventType,
		Scope:     rule.Scope{Policy: rule.ScopePolicy(doc.Scope.Policy), Excludes: doc.Scope.Excludes},
		Target:    doc.Target,
		Method:    doc.Method,
		Headers:   doc.Headers,
		Auth:      toAuth(doc.Auth),
		Signature: rule.SignatureSpec{
			Header:            doc.Signature.Header,
			Secret:            doc.Signature.Secret,
			PreviousSecret:    doc.Signature.PreviousSecret,
			PreviousExpiresAt: doc.Signature.PreviousExpiresAt,
		},
		TimeoutMs:       doc.TimeoutMs,
		RetryCount:      doc.Retries,
		Transform:       toTransform(doc.Transform),
		Lookup:          toLookupSpec(doc.Lookup),
		ActionDelayMs:   doc.ActionDelayMs,
		ParallelActions: doc.ParallelActions,
		Mode:            rule.DeliveryMode(doc.Mode),
		Schedule:        doc.Schedule,
		RateLimit:       rule.RateLimitPolicy{Capacity: doc.RateLimit.Capacity, WindowSeconds: doc.RateLimit.WindowSeconds},
		Breaker:         rule.CircuitPolicy{Threshold: doc.Breaker.Threshold, OpenMs: doc.Breaker.OpenMs},
		CircuitSnapshot: rule.Circuit{
			State:    rule.CircuitState(doc.Circuit.State),
			Failures: doc.Circuit.Failures,
			OpenedAt: doc.Circuit.OpenedAt,
		},
		Priority:  doc.Priority,
		Active:    doc.Active,
		Deleted:   doc.Deleted,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, a := range doc.Actions {
		r.Actions = append(r.Actions, rule.SubAction{
			Name:         a.Name,
			Target:       a.Target,
			Method:       a.Method,
			Headers:      a.Headers,
			Auth:         toAuth(a.Auth),
			Transform:    toTransform(a.Transform),
			CriticalPath: a.CriticalPath,
		})
	}
	return r
}

func fromAuth(a rule.AuthSpec) authDocument {
	return authDocument{
		Kind:           string(a.Kind),
		Header:         a.Header,
		Value:          a.Value,
		Username:       a.Username,
		Password:       a.Password,
		Token:          a.Token,
		ConsumerKey:    a.ConsumerKey,
		ConsumerSecret: a.ConsumerSecret,
		AccessToken:    a.AccessToken,
		AccessSecret:   a.AccessSecret,
		TokenURL:       a.TokenURL,
		ClientID:       a.ClientID,
		ClientSecret:   a.ClientSecret,
		Scopes:         a.Scopes,
		Headers:        a.Headers,
	}
}

func toAuth(doc authDocument) rule.AuthSpec {
	return rule.AuthSpec{
		Kind:           rule.AuthKind(doc.Kind),
		Header:         doc.Header,
		Value:          doc.Value,
		Username:       doc.Username,
		Password:       doc.Password,
		Token:          doc.Token,
		ConsumerKey:    doc.ConsumerKey,
		ConsumerSecret: doc.ConsumerSecret,
		AccessToken:    doc.AccessToken,
		AccessSecret:   doc.AccessSecret,
		TokenURL:       doc.TokenURL,
		ClientID:       doc.ClientID,
		ClientSecret:   doc.ClientSecret,
		Scopes:         doc.Scopes,
		Headers:        doc.Headers,
	}
}

func fromSignature(s rule.SignatureSpec) signatureDocument {
	return signatureDocument{
		Header:            s.Header,
		Secret:            s.Secret,
		PreviousSecret:    s.PreviousSecret,
		PreviousExpiresAt: s.PreviousExpiresAt,
	}
}

func fromTransform(t transform.Spec) transformDocument {
	doc := transformDocument{Kind: t.Kind, Script: t.Script}
	if t.Mapping != nil {
		m := &mappingDocument{}
		for _, f := range t.Mapping.Fields {
			m.Fields = append(m.Fields, fieldDocument{
				SourcePath: f.SourcePath,
				TargetPath: f.TargetPath,
				Function:   f.Function,
				Format:     f.Format,
				Default:    f.Default,
				Required:   f.Required,
			})
		}
		for _, st := range t.Mapping.Statics {
			m.Statics = append(m.Statics, staticDocument{TargetPath: st.TargetPath, Value: st.Value})
		}
		doc.Mapping = m
	}
	return doc
}

func toTransform(doc transformDocument) transform.Spec {
	spec := transform.Spec{Kind: doc.Kind, Script: doc.Script}
	if doc.Mapping != nil {
		m := &transform.Mapping{}
		for _, f := range doc.Mapping.Fields {
			m.Fields = append(m.Fields, transform.Field{
				SourcePath: f.SourcePath,
				TargetPath: f.TargetPath,
				Function:   f.Function,
				Format:     f.Format,
				Default:    f.Default,
				Required:   f.Required,
			})
		}
		for _, st := range doc.Mapping.Statics {
			m.Statics = append(m.Statics, transform.Static{TargetPath: st.TargetPath, Value: st.Value})
		}
		spec.Mapping = m
	}
	return spec
}

func fromLookupSpec(l transform.LookupSpec) lookupSpecDocument {
	return lookupSpecDocument{
		Type:     l.Type,
		Fields:   l.Fields,
		Unmapped: string(l.Unmapped),
		Default:  l.Default,
	}
}

func toLookupSpec(doc lookupSpecDocument) transform.LookupSpec {
	return transform.LookupSpec{
		Type:     doc.Type,
		Fields:   doc.Fields,
		Unmapped: transform.UnmappedBehavior(doc.Unmapped),
		Default:  doc.Default,
	}
}
