package event

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	t.Parallel()

	a := Event{Tenant: "acme", Type: "t", Source: SourceLog, SourceOffset: "7",
		Payload: json.RawMessage(`{"b": 2, "a": {"y": true, "x": [1, 2]}}`)}
	b := Event{Tenant: "acme", Type: "t", Source: SourceLog, SourceOffset: "7",
		Payload: json.RawMessage(`{"a":{"x":[1,2],"y":true},"b":2}`)}

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprintSensitivity(t *testing.T) {
	t.Parallel()

	base := Event{Tenant: "acme", Type: "t", Source: SourceLog, SourceOffset: "7",
		Payload: json.RawMessage(`{"a":1}`)}
	baseFP, err := base.Fingerprint()
	require.NoError(t, err)

	type testCase struct {
		name   string
		mutate func(e *Event)
	}
	cases := []testCase{
		{name: "tenant", mutate: func(e *Event) { e.Tenant = "other" }},
		{name: "type", mutate: func(e *Event) { e.Type = "u" }},
		{name: "source", mutate: func(e *Event) { e.Source = SourcePush }},
		{name: "offset", mutate: func(e *Event) { e.SourceOffset = "8" }},
		{name: "payload", mutate: func(e *Event) { e.Payload = json.RawMessage(`{"a":2}`) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ev := base
			tc.mutate(&ev)
			fp, err := ev.Fingerprint()
			require.NoError(t, err)
			assert.NotEqual(t, baseFP, fp)
		})
	}
}

func TestFingerprintFieldBoundariesDoNotCollide(t *testing.T) {
	t.Parallel()

	// "ab"+"c" and "a"+"bc" across adjacent identity fields must not
	// produce the same digest.
	a := Event{Tenant: "ab", Type: "c", Source: SourceLog, Payload: json.RawMessage(`{}`)}
	b := Event{Tenant: "a", Type: "bc", Source: SourceLog, Payload: json.RawMessage(`{}`)}

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestCanonicalJSONEmptyPayload(t *testing.T) {
	t.Parallel()

	got, err := CanonicalJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(got))
}

func TestFingerprintDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is stable across repeated computation and key order", prop.ForAll(
		func(tenant, typ, offset string, n int, flag bool) bool {
			ordered := fmt.Sprintf(`{"n": %d, "flag": %t, "s": "x"}`, n, flag)
			shuffled := fmt.Sprintf(`{"s": "x", "flag": %t, "n": %d}`, flag, n)

			a := Event{Tenant: tenant, Type: typ, Source: SourceLog, SourceOffset: offset,
				Payload: json.RawMessage(ordered)}
			b := Event{Tenant: tenant, Type: typ, Source: SourceLog, SourceOffset: offset,
				Payload: json.RawMessage(shuffled)}

			fa1, err := a.Fingerprint()
			if err != nil {
				return false
			}
			fa2, err := a.Fingerprint()
			if err != nil {
				return false
			}
			fb, err := b.Fingerprint()
			if err != nil {
				return false
			}
			return fa1 == fa2 && fa1 == fb && len(fa1) == 64
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.NumString(),
		gen.Int(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
