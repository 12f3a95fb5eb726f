package deliver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/transform"
)

// action is one executable delivery step, either the rule's single target or
// a sub-action of a multi-action rule.
type action struct {
	Name         string
	Target       string
	Method       string
	Headers      map[string]string
	Auth         rule.AuthSpec
	Transform    transform.Spec
	CriticalPath bool
}

// actionsOf flattens a rule into its delivery steps. Sub-actions inherit the
// rule's method, auth and transform where they do not override them.
func actionsOf(rl *rule.Rule) []action {
	if len(rl.Actions) == 0 {
		return []action{{
			Target:    rl.Target,
			Method:    methodOf(rl.Method),
			Headers:   rl.Headers,
			Auth:      rl.Auth,
			Transform: rl.Transform,
		}}
	}
	out := make([]action, 0, len(rl.Actions))
	for i, sub := range rl.Actions {
		method := sub.Method
		if method == "" {
			method = rl.Method
		}
		act := action{
			Name:         sub.Name,
			Target:       sub.Target,
			Method:       methodOf(method),
			Headers:      sub.Headers,
			Auth:         sub.Auth,
			Transform:    sub.Transform,
			CriticalPath: sub.CriticalPath,
		}
		if act.Name == "" {
			act.Name = fmt.Sprintf("action-%d", i+1)
		}
		if act.Auth.Kind == "" {
			act.Auth = rl.Auth
		}
		if act.Transform.Kind == "" {
			act.Transform = rl.Transform
		}
		out = append(out, act)
	}
	return out
}

// actionFor resolves the action a historical log entry was recorded against,
// matching by name for multi-action rules.
func actionFor(rl *rule.Rule, name string) (action, bool) {
	acts := actionsOf(rl)
	if name == "" {
		if len(rl.Actions) == 0 {
			return acts[0], true
		}
		return action{}, false
	}
	for _, act := range acts {
		if act.Name == name {
			return act, true
		}
	}
	return action{}, false
}

func methodOf(m string) string {
	if m == "" {
		return http.MethodPost
	}
	return strings.ToUpper(m)
}

// requestMeta carries the delivery identifiers stamped onto every outbound
// request so receivers can correlate and deduplicate.
type requestMeta struct {
	EventID       string
	EventType     string
	CorrelationID string
}

// buildRequest constructs the outbound request for one action. The returned
// client is non-nil only when the action's auth demands a dedicated signing
// client (OAUTH1).
func (x *Executor) buildRequest(ctx context.Context, act action, rl *rule.Rule, payload []byte, meta requestMeta) (*http.Request, *http.Client, error) {
	target, err := url.Parse(act.Target)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, nil, &configError{code: execlog.CodeBadTarget, msg: "invalid target URL " + act.Target}
	}
	if err := x.security.CheckURL(target); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, act.Method, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, nil, &configError{code: execlog.CodeBadTarget, msg: err.Error()}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range act.Headers {
		req.Header.Set(k, v)
	}
	if meta.EventID != "" {
		req.Header.Set("X-Sluice-Event-Id", meta.EventID)
	}
	if meta.EventType != "" {
		req.Header.Set("X-Sluice-Event-Type", meta.EventType)
	}
	if meta.CorrelationID != "" {
		req.Header.Set("X-Sluice-Correlation-Id", meta.CorrelationID)
	}

	client, err := x.auth.apply(ctx, req, act.Auth)
	if err != nil {
		return nil, nil, err
	}

	if rl.Signature.Secret != "" {
		req.Header.Set(rl.Signature.SignatureHeader(), SignPayload(rl.Signature, payload, x.now()))
	}

	return req, client, nil
}
