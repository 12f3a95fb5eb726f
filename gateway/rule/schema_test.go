package rule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDocument(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name    string
		doc     string
		wantErr bool
	}
	cases := []testCase{
		{
			name: "valid",
			doc: `{
				"tenant": "acme",
				"eventType": "invoice.*",
				"scope": {"policy": "SELF"},
				"target": "https://example.com/hook",
				"method": "POST",
				"retryCount": 3
			}`,
		},
		{
			name:    "missing_tenant",
			doc:     `{"eventType": "a", "scope": {"policy": "SELF"}}`,
			wantErr: true,
		},
		{
			name:    "bad_scope_policy",
			doc:     `{"tenant": "acme", "eventType": "a", "scope": {"policy": "SIBLINGS"}}`,
			wantErr: true,
		},
		{
			name:    "bad_method",
			doc:     `{"tenant": "acme", "eventType": "a", "scope": {"policy": "SELF"}, "method": "FETCH"}`,
			wantErr: true,
		},
		{
			name:    "bad_auth_kind",
			doc:     `{"tenant": "acme", "eventType": "a", "scope": {"policy": "SELF"}, "auth": {"kind": "KERBEROS"}}`,
			wantErr: true,
		},
		{
			name:    "negative_retry",
			doc:     `{"tenant": "acme", "eventType": "a", "scope": {"policy": "SELF"}, "retryCount": -1}`,
			wantErr: true,
		},
		{
			name: "breaker_disabled",
			doc:  `{"tenant": "acme", "eventType": "a", "scope": {"policy": "SELF"}, "circuitBreaker": {"threshold": -1}}`,
		},
		{
			name:    "breaker_below_disable",
			doc:     `{"tenant": "acme", "eventType": "a", "scope": {"policy": "SELF"}, "circuitBreaker": {"threshold": -2}}`,
			wantErr: true,
		},
		{
			name:    "not_json",
			doc:     `{{`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateDocument([]byte(tc.doc))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
		})
	}
}
