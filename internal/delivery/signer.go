package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ReplayTolerance is how old an inbound webhook timestamp may be before it
// is rejected.
const ReplayTolerance = 5 * time.Minute

// Sign computes the outbound webhook signature: HMAC-SHA256 over
// "<unix_timestamp>.<body>" with the delivery's secret, encoded as
// "sha256=<hex>".
func Sign(body []byte, timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC for an inbound webhook trigger and
// compares in constant time.
func VerifySignature(body []byte, timestamp int64, signature, secret string) bool {
	expected := Sign(body, timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseTimestamp parses the X-Harmonic-Timestamp header and enforces the
// replay window. Returns the parsed timestamp, or an error when the header
// is malformed or older than the tolerance.
func ParseTimestamp(header string, now time.Time) (int64, error) {
	ts, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp header")
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > ReplayTolerance {
		return 0, fmt.Errorf("timestamp outside replay tolerance")
	}
	return ts, nil
}
