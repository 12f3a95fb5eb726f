package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/transform"
)

// Rule documents cross the wire in the shape the rule schema validates:
// camel-cased field names, nested policy objects, secrets inline. The store
// aggregate stays wire-agnostic; these types own the mapping.
type (
	scopeDoc struct {
		Policy   string   `json:"policy"`
		Excludes []string `json:"excludes,omitempty"`
	}

	authDoc struct {
		Kind           string            `json:"kind"`
		Header         string            `json:"header,omitempty"`
		Value          string            `json:"value,omitempty"`
		Username       string            `json:"username,omitempty"`
		Password       string            `json:"password,omitempty"`
		Token          string            `json:"token,omitempty"`
		ConsumerKey    string            `json:"consumerKey,omitempty"`
		ConsumerSecret string            `json:"consumerSecret,omitempty"`
		AccessToken    string            `json:"accessToken,omitempty"`
		AccessSecret   string            `json:"accessSecret,omitempty"`
		TokenURL       string            `json:"tokenUrl,omitempty"`
		ClientID       string            `json:"clientId,omitempty"`
		ClientSecret   string            `json:"clientSecret,omitempty"`
		Scopes         []string          `json:"scopes,omitempty"`
		Headers        map[string]string `json:"headers,omitempty"`
	}

	signatureDoc struct {
		Header            string     `json:"header,omitempty"`
		Secret            string     `json:"secret,omitempty"`
		PreviousSecret    string     `json:"previousSecret,omitempty"`
		PreviousExpiresAt *time.Time `json:"previousExpiresAt,omitempty"`
	}

	fieldDoc struct {
		SourcePath string `json:"sourcePath"`
		TargetPath string `json:"targetPath"`
		Function   string `json:"function,omitempty"`
		Format     string `json:"format,omitempty"`
		Default    any    `json:"default,omitempty"`
		Required   bool   `json:"required,omitempty"`
	}

	staticDoc struct {
		TargetPath string `json:"targetPath"`
		Value      any    `json:"value"`
	}

	mappingDoc struct {
		Fields  []fieldDoc  `json:"fields,omitempty"`
		Statics []staticDoc `json:"statics,omitempty"`
	}

	transformDoc struct {
		Kind    string      `json:"kind"`
		Mapping *mappingDoc `json:"mapping,omitempty"`
		Script  string      `json:"script,omitempty"`
	}

	lookupDoc struct {
		Type     string   `json:"type"`
		Fields   []string `json:"fields,omitempty"`
		Unmapped string   `json:"unmapped,omitempty"`
		Default  string   `json:"default,omitempty"`
	}

	actionDoc struct {
		Name         string            `json:"name"`
		Target       string            `json:"target"`
		Method       string            `json:"method,omitempty"`
		Headers      map[string]string `json:"headers,omitempty"`
		Auth         *authDoc          `json:"auth,omitempty"`
		Transform    *transformDoc     `json:"transform,omitempty"`
		CriticalPath bool              `json:"criticalPath,omitempty"`
	}

	rateLimitDoc struct {
		Capacity      int `json:"capacity"`
		WindowSeconds int `json:"windowSeconds"`
	}

	breakerDoc struct {
		Threshold int `json:"threshold"`
		OpenMs    int `json:"openMs"`
	}

	circuitDoc struct {
		State    string     `json:"state"`
		Failures int        `json:"failures"`
		OpenedAt *time.Time `json:"openedAt,omitempty"`
	}

	ruleDoc struct {
		ID              string            `json:"id,omitempty"`
		Tenant          string            `json:"tenant"`
		OrgUnit         string            `json:"orgUnit,omitempty"`
		Name            string            `json:"name,omitempty"`
		EventType       string            `json:"eventType"`
		Scope           scopeDoc          `json:"scope"`
		Target          string            `json:"target,omitempty"`
		Method          string            `json:"method,omitempty"`
		Headers         map[string]string `json:"headers,omitempty"`
		Auth            *authDoc          `json:"auth,omitempty"`
		Signature       *signatureDoc     `json:"signature,omitempty"`
		TimeoutMs       int               `json:"timeoutMs,omitempty"`
		RetryCount      int               `json:"retryCount,omitempty"`
		Transform       *transformDoc     `json:"transform,omitempty"`
		Lookup          *lookupDoc        `json:"lookup,omitempty"`
		Actions         []actionDoc       `json:"actions,omitempty"`
		ActionDelayMs   int               `json:"actionDelayMs,omitempty"`
		ParallelActions bool              `json:"parallelActions,omitempty"`
		Mode            string            `json:"mode,omitempty"`
		Schedule        string            `json:"schedule,omitempty"`
		RateLimit       *rateLimitDoc     `json:"rateLimit,omitempty"`
		CircuitBreaker  *breakerDoc       `json:"circuitBreaker,omitempty"`
		Priority        int               `json:"priority,omitempty"`
		Active          *bool             `json:"active,omitempty"`
		Deleted         bool              `json:"deleted,omitempty"`
		Circuit         *circuitDoc       `json:"circuit,omitempty"`
		CreatedAt       *time.Time        `json:"createdAt,omitempty"`
		UpdatedAt       *time.Time        `json:"updatedAt,omitempty"`
	}

	rulePageDoc struct {
		Rules      []*ruleDoc `json:"rules"`
		NextCursor string     `json:"nextCursor,omitempty"`
	}
)

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := rule.Filter{
		Tenant:          q.Get("tenant"),
		EventType:       q.Get("eventType"),
		IncludeInactive: q.Get("includeInactive") == "true",
		IncludeDeleted:  q.Get("includeDeleted") == "true",
		Cursor:          q.Get("cursor"),
		Limit:           pageLimit(r),
	}
	if f.Tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}
	page, err := s.rules.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list rules: %s", err)
		return
	}
	out := rulePageDoc{Rules: make([]*ruleDoc, len(page.Rules)), NextCursor: page.NextCursor}
	for i, rl := range page.Rules {
		out.Rules[i] = fromRule(rl)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	if err := s.rules.Create(r.Context(), rl); err != nil {
		respondError(w, http.StatusInternalServerError, "create rule: %s", err)
		return
	}
	s.notifyRuleChange(r.Context(), rl.Tenant)
	respond(w, http.StatusCreated, fromRule(rl))
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rl, err := s.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.ruleError(w, err)
		return
	}
	respond(w, http.StatusOK, fromRule(rl))
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.rules.Get(r.Context(), id)
	if err != nil {
		s.ruleError(w, err)
		return
	}
	if existing.Deleted {
		respondError(w, http.StatusConflict, "rule %s is deleted", id)
		return
	}

	rl, ok := s.decodeRule(w, r)
	if !ok {
		return
	}
	// Updates replace the document but never the identity or bookkeeping.
	rl.ID = id
	rl.CreatedAt = existing.CreatedAt
	rl.CircuitSnapshot = existing.CircuitSnapshot
	if err := s.rules.Update(r.Context(), rl); err != nil {
		s.ruleError(w, err)
		return
	}
	s.notifyRuleChange(r.Context(), rl.Tenant)
	respond(w, http.StatusOK, fromRule(rl))
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rl, err := s.rules.Get(r.Context(), id)
	if err != nil {
		s.ruleError(w, err)
		return
	}
	if err := s.rules.Delete(r.Context(), id, s.now()); err != nil {
		s.ruleError(w, err)
		return
	}
	s.notifyRuleChange(r.Context(), rl.Tenant)
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) pauseRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, false)
}

func (s *Server) resumeRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, true)
}

func (s *Server) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")
	rl, err := s.rules.Get(r.Context(), id)
	if err != nil {
		s.ruleError(w, err)
		return
	}
	if rl.Deleted {
		respondError(w, http.StatusConflict, "rule %s is deleted", id)
		return
	}
	if err := s.rules.SetActive(r.Context(), id, active, s.now()); err != nil {
		s.ruleError(w, err)
		return
	}
	rl.Active = active
	s.notifyRuleChange(r.Context(), rl.Tenant)
	respond(w, http.StatusOK, fromRule(rl))
}

// decodeRule validates the raw document against the rule schema, decodes it
// and checks the aggregate invariants. It writes the error response itself.
func (s *Server) decodeRule(w http.ResponseWriter, r *http.Request) (*rule.Rule, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read request body: %s", err)
		return nil, false
	}
	if err := rule.ValidateDocument(raw); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "%s", err)
		return nil, false
	}
	var doc ruleDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		respondError(w, http.StatusBadRequest, "decode rule document: %s", err)
		return nil, false
	}
	rl := toRule(&doc)
	if err := rl.Validate(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "%s", err)
		return nil, false
	}
	return rl, true
}

// notifyRuleChange broadcasts the mutation. The write already succeeded, so
// a failed broadcast is logged and the request still answers 2xx; the cache
// TTL bounds the staleness window.
func (s *Server) notifyRuleChange(ctx context.Context, tenant string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyRuleChange(ctx, tenant); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "ops: rule change broadcast failed"},
			log.KV{K: "tenant", V: tenant})
	}
}

func (s *Server) ruleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rule.ErrNotFound):
		respondError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, rule.ErrInvalid):
		respondError(w, http.StatusUnprocessableEntity, "%s", err)
	default:
		respondError(w, http.StatusInternalServerError, "%s", err)
	}
}

func toRule(doc *ruleDoc) *rule.Rule {
	rl := &rule.Rule{
		ID:        doc.ID,
		Tenant:    doc.Tenant,
		OrgUnit:   doc.OrgUnit,
		Name:      doc.Name,
		EventType: doc.EventType,
		Scope: rule.Scope{
			Policy:   rule.ScopePolicy(doc.Scope.Policy),
			Excludes: doc.Scope.Excludes,
		},
		Target:          doc.Target,
		Method:          doc.Method,
		Headers:         doc.Headers,
		TimeoutMs:       doc.TimeoutMs,
		RetryCount:      doc.RetryCount,
		ActionDelayMs:   doc.ActionDelayMs,
		ParallelActions: doc.ParallelActions,
		Mode:            rule.DeliveryMode(doc.Mode),
		Schedule:        doc.Schedule,
		Priority:        doc.Priority,
		Active:          true,
	}
	if doc.Active != nil {
		rl.Active = *doc.Active
	}
	if doc.Auth != nil {
		rl.Auth = toAuth(doc.Auth)
	}
	if doc.Signature != nil {
		rl.Signature = rule.SignatureSpec{
			Header:         doc.Signature.Header,
			Secret:         doc.Signature.Secret,
			PreviousSecret: doc.Signature.PreviousSecret,
		}
		if doc.Signature.PreviousExpiresAt != nil {
			rl.Signature.PreviousExpiresAt = *doc.Signature.PreviousExpiresAt
		}
	}
	if doc.Transform != nil {
		rl.Transform = toTransform(doc.Transform)
	}
	if doc.Lookup != nil {
		rl.Lookup = transform.LookupSpec{
			Type:     doc.Lookup.Type,
			Fields:   doc.Lookup.Fields,
			Unmapped: transform.UnmappedBehavior(doc.Lookup.Unmapped),
			Default:  doc.Lookup.Default,
		}
	}
	for _, a := range doc.Actions {
		act := rule.SubAction{
			Name:         a.Name,
			Target:       a.Target,
			Method:       a.Method,
			Headers:      a.Headers,
			CriticalPath: a.CriticalPath,
		}
		if a.Auth != nil {
			act.Auth = toAuth(a.Auth)
		}
		if a.Transform != nil {
			act.Transform = toTransform(a.Transform)
		}
		rl.Actions = append(rl.Actions, act)
	}
	if doc.RateLimit != nil {
		rl.RateLimit = rule.RateLimitPolicy{
			Capacity:      doc.RateLimit.Capacity,
			WindowSeconds: doc.RateLimit.WindowSeconds,
		}
	}
	if doc.CircuitBreaker != nil {
		rl.Breaker = rule.CircuitPolicy{
			Threshold: doc.CircuitBreaker.Threshold,
			OpenMs:    doc.CircuitBreaker.OpenMs,
		}
	}
	return rl
}

func toAuth(doc *authDoc) rule.AuthSpec {
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

func toTransform(doc *transformDoc) transform.Spec {
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

func fromRule(rl *rule.Rule) *ruleDoc {
	active := rl.Active
	doc := &ruleDoc{
		ID:              rl.ID,
		Tenant:          rl.Tenant,
		OrgUnit:         rl.OrgUnit,
		Name:            rl.Name,
		EventType:       rl.EventType,
		Scope:           scopeDoc{Policy: string(rl.Scope.Policy), Excludes: rl.Scope.Excludes},
		Target:          rl.Target,
		Method:          rl.Method,
		Headers:         rl.Headers,
		TimeoutMs:       rl.TimeoutMs,
		RetryCount:      rl.RetryCount,
		ActionDelayMs:   rl.ActionDelayMs,
		ParallelActions: rl.ParallelActions,
		Mode:            string(rl.Mode),
		Schedule:        rl.Schedule,
		Priority:        rl.Priority,
		Active:          &active,
		Deleted:         rl.Deleted,
	}
	if rl.Auth.Kind != "" {
		doc.Auth = fromAuth(rl.Auth)
	}
	if rl.Signature.Secret != "" || rl.Signature.Header != "" {
		doc.Signature = &signatureDoc{
			Header:         rl.Signature.Header,
			Secret:         rl.Signature.Secret,
			PreviousSecret: rl.Signature.PreviousSecret,
		}
		if !rl.Signature.PreviousExpiresAt.IsZero() {
			t := rl.Signature.PreviousExpiresAt
			doc.Signature.PreviousExpiresAt = &t
		}
	}
	if rl.Transform.Kind != "" {
		doc.Transform = fromTransform(rl.Transform)
	}
	if rl.Lookup.Type != "" {
		doc.Lookup = &lookupDoc{
			Type:     rl.Lookup.Type,
			Fields:   rl.Lookup.Fields,
			Unmapped: string(rl.Lookup.Unmapped),
			Default:  rl.Lookup.Default,
		}
	}
	for _, act := range rl.Actions {
		a := actionDoc{
			Name:         act.Name,
			Target:       act.Target,
			Method:       act.Method,
			Headers:      act.Headers,
			CriticalPath: act.CriticalPath,
		}
		if act.Auth.Kind != "" {
			a.Auth = fromAuth(act.Auth)
		}
		if act.Transform.Kind != "" {
			a.Transform = fromTransform(act.Transform)
		}
		doc.Actions = append(doc.Actions, a)
	}
	if rl.RateLimit.Capacity > 0 {
		doc.RateLimit = &rateLimitDoc{
			Capacity:      rl.RateLimit.Capacity,
			WindowSeconds: rl.RateLimit.WindowSeconds,
		}
	}
	if rl.Breaker != (rule.CircuitPolicy{}) {
		doc.CircuitBreaker = &breakerDoc{Threshold: rl.Breaker.Threshold, OpenMs: rl.Breaker.OpenMs}
	}
	if rl.CircuitSnapshot.State != "" {
		doc.Circuit = &circuitDoc{
			State:    string(rl.CircuitSnapshot.State),
			Failures: rl.CircuitSnapshot.Failures,
		}
		if !rl.CircuitSnapshot.OpenedAt.IsZero() {
			t := rl.CircuitSnapshot.OpenedAt
			doc.Circuit.OpenedAt = &t
		}
	}
	if !rl.CreatedAt.IsZero() {
		t := rl.CreatedAt
		doc.CreatedAt = &t
	}
	if !rl.UpdatedAt.IsZero() {
		t := rl.UpdatedAt
		doc.UpdatedAt = &t
	}
	return doc
}

func fromAuth(a rule.AuthSpec) *authDoc {
	return &authDoc{
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

func fromTransform(spec transform.Spec) *transformDoc {
	doc := &transformDoc{Kind: spec.Kind, Script: spec.Script}
	if spec.Mapping != nil {
		m := &mappingDoc{}
		for _, f := range spec.Mapping.Fields {
			m.Fields = append(m.Fields, fieldDoc{
				SourcePath: f.SourcePath,
				TargetPath: f.TargetPath,
				Function:   f.Function,
				Format:     f.Format,
				Default:    f.Default,
				Required:   f.Required,
			})
		}
		for _, st := range spec.Mapping.Statics {
			m.Statics = append(m.Statics, staticDoc{TargetPath: st.TargetPath, Value: st.Value})
		}
		doc.Mapping = m
	}
	return doc
}
