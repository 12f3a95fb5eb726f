package deliver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dghubble/oauth1"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sluicehq/sluice/gateway/execlog"
	"github.com/sluicehq/sluice/gateway/rule"
)

type (
	// authenticator applies outgoing authentication to delivery requests.
	// OAuth2 token sources and OAuth1 signing clients are cached per
	// credential set; a credential change naturally keys a fresh entry.
	authenticator struct {
		// tokenClient performs OAuth2 token endpoint calls. It shares the
		// guarded transport so token endpoints obey the same network policy
		// as delivery targets.
		tokenClient *http.Client

		mu      sync.Mutex
		oauth2s map[string]oauth2.TokenSource
		oauth1s map[string]*http.Client
	}

	// configError reports a request that cannot be built from the rule's
	// configuration. It maps to the CONFIG category.
	configError struct {
		code string
		msg  string
	}
)

func (e *configError) Error() string { return e.msg }

func newAuthenticator(tokenClient *http.Client) *authenticator {
	return &authenticator{
		tokenClient: tokenClient,
		oauth2s:     make(map[string]oauth2.TokenSource),
		oauth1s:     make(map[string]*http.Client),
	}
}

// apply decorates req with the credentials selected by spec. For OAUTH1 it
// returns the cached signing client the request must be sent through; for all
// other kinds the returned client is nil and the caller uses its default.
func (a *authenticator) apply(ctx context.Context, req *http.Request, spec rule.AuthSpec) (*http.Client, error) {
	switch spec.Kind {
	case rule.AuthNone, "":
		return nil, nil

	case rule.AuthAPIKey:
		if spec.Header == "" || spec.Value == "" {
			return nil, &configError{code: execlog.CodeMissingAuth, msg: "API_KEY auth requires header and value"}
		}
		req.Header.Set(spec.Header, spec.Value)
		return nil, nil

	case rule.AuthBasic:
		if spec.Username == "" {
			return nil, &configError{code: execlog.CodeMissingAuth, msg: "BASIC auth requires a username"}
		}
		req.SetBasicAuth(spec.Username, spec.Password)
		return nil, nil

	case rule.AuthBearer:
		if spec.Token == "" {
			return nil, &configError{code: execlog.CodeMissingAuth, msg: "BEARER auth requires a token"}
		}
		req.Header.Set("Authorization", "Bearer "+spec.Token)
		return nil, nil

	case rule.AuthOAuth1:
		if spec.ConsumerKey == "" || spec.ConsumerSecret == "" {
			return nil, &configError{code: execlog.CodeMissingAuth, msg: "OAUTH1 auth requires consumer credentials"}
		}
		return a.oauth1Client(spec), nil

	case rule.AuthOAuth2:
		if spec.TokenURL == "" || spec.ClientID == "" {
			return nil, &configError{code: execlog.CodeMissingAuth, msg: "OAUTH2 auth requires a token URL and client id"}
		}
		tok, err := a.oauth2Source(spec).Token()
		if err != nil {
			return nil, fmt.Errorf("fetch oauth2 token: %w", err)
		}
		tok.SetAuthHeader(req)
		return nil, nil

	case rule.AuthCustom:
		if len(spec.Headers) == 0 {
			return nil, &configError{code: execlog.CodeMissingAuth, msg: "CUSTOM auth requires at least one header"}
		}
		for k, v := range spec.Headers {
			req.Header.Set(k, v)
		}
		return nil, nil

	default:
		return nil, &configError{code: execlog.CodeMissingAuth, msg: fmt.Sprintf("unknown auth kind %q", spec.Kind)}
	}
}

// invalidate drops the cached OAuth2 token source for spec so the next apply
// fetches a fresh token. Called when the target answers 401 to a token that
// looked valid locally.
func (a *authenticator) invalidate(spec rule.AuthSpec) {
	if spec.Kind != rule.AuthOAuth2 {
		return
	}
	a.mu.Lock()
	delete(a.oauth2s, authKey(spec))
	a.mu.Unlock()
}

func (a *authenticator) oauth2Source(spec rule.AuthSpec) oauth2.TokenSource {
	key := authKey(spec)
	a.mu.Lock()
	defer a.mu.Unlock()
	if src, ok := a.oauth2s[key]; ok {
		return src
	}
	cfg := &clientcredentials.Config{
		ClientID:     spec.ClientID,
		ClientSecret: spec.ClientSecret,
		TokenURL:     spec.TokenURL,
		Scopes:       spec.Scopes,
	}
	// The source outlives any single delivery, so it is bound to the token
	// client rather than a request context.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.tokenClient)
	src := oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
	a.oauth2s[key] = src
	return src
}

func (a *authenticator) oauth1Client(spec rule.AuthSpec) *http.Client {
	key := authKey(spec)
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.oauth1s[key]; ok {
		return c
	}
	cfg := oauth1.NewConfig(spec.ConsumerKey, spec.ConsumerSecret)
	tok := oauth1.NewToken(spec.AccessToken, spec.AccessSecret)
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, a.tokenClient)
	c := cfg.Client(ctx, tok)
	c.Timeout = 0 // per-delivery deadlines come from the request context
	a.oauth1s[key] = c
	return c
}

// authKey fingerprints the credential fields of spec.
func authKey(spec rule.AuthSpec) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%s\x1f%s\x1f%s\x1f%s\x1f%s",
		spec.Kind, spec.TokenURL, spec.ClientID, spec.ClientSecret,
		spec.ConsumerKey, spec.ConsumerSecret, spec.AccessToken, spec.AccessSecret)
	fmt.Fprintf(h, "\x1f%s", strings.Join(spec.Scopes, ","))
	return hex.EncodeToString(h.Sum(nil))
}
