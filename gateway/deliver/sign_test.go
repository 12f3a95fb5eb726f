package deliver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/gateway/rule"
)

func expectedSig(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSignPayload(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"total":42}`)
	spec := rule.SignatureSpec{Secret: "whsec_current"}

	got := SignPayload(spec, body, now)
	want := fmt.Sprintf("t=%d,v1=%s", now.Unix(), expectedSig("whsec_current", now.Unix(), body))
	assert.Equal(t, want, got)
}

func TestSignPayloadDualSecret(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"total":42}`)
	spec := rule.SignatureSpec{
		Secret:            "whsec_new",
		PreviousSecret:    "whsec_old",
		PreviousExpiresAt: now.Add(time.Hour),
	}

	got := SignPayload(spec, body, now)
	parts := strings.Split(got, ",")
	require.Len(t, parts, 3)
	assert.Equal(t, fmt.Sprintf("t=%d", now.Unix()), parts[0])
	assert.Equal(t, "v1="+expectedSig("whsec_new", now.Unix(), body), parts[1])
	assert.Equal(t, "v1="+expectedSig("whsec_old", now.Unix(), body), parts[2])

	// Past the rotation window only the current secret signs.
	spec.PreviousExpiresAt = now.Add(-time.Minute)
	got = SignPayload(spec, body, now)
	require.Len(t, strings.Split(got, ","), 2)
}

func TestSignPayloadTimestampChangesSignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{}`)
	spec := rule.SignatureSpec{Secret: "s"}
	a := SignPayload(spec, body, time.Unix(1000, 0))
	b := SignPayload(spec, body, time.Unix(1001, 0))
	assert.NotEqual(t, a, b, "replayed payloads must not share signatures")
}
