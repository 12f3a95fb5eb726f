package deliver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sluicehq/sluice/gateway/rule"
)

// SignPayload computes the signature header value for an outbound payload.
// The signed base is "<unix seconds>.<body>" so receivers can reject replays.
// The value is "t=<unix>,v1=<hex>"; while a secret rotation is in flight a
// second v1 element signed with the previous secret is appended so receivers
// holding either secret verify successfully.
func SignPayload(spec rule.SignatureSpec, body []byte, now time.Time) string {
	ts := now.Unix()
	parts := []string{
		fmt.Sprintf("t=%d", ts),
		"v1=" + signHMAC(spec.Secret, ts, body),
	}
	if spec.DualSigningActive(now) {
		parts = append(parts, "v1="+signHMAC(spec.PreviousSecret, ts, body))
	}
	return strings.Join(parts, ",")
}

func signHMAC(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
