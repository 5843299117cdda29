package worker

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
)

// Sign computes the webhook signature: base64 of the HMAC-SHA512 of
// "timestamp.payload" keyed with the route secret. It is stateless and safe
// for concurrent use with different secrets.
func Sign(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over the received timestamp and body and
// compares it in constant time. This is what subscribers are expected to do
// on their side.
func Verify(secret []byte, timestamp string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}
