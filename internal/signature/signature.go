// internal/signature/signature.go
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix is the scheme tag webhook providers put in front of the hex digest.
const Prefix = "sha256="

// Verify reports whether provided is a valid HMAC-SHA256 signature of body
// under secret, in the "sha256=<hex>" format GitHub sends in
// X-Hub-Signature-256.
//
// The check runs over the exact raw request bytes: any re-serialization of
// the payload before verification would invalidate the signature, so callers
// must capture the body before parsing it. Verify never fails loudly; a
// missing, unprefixed, or non-hex signature simply returns false. The digest
// comparison is constant-time over the decoded bytes, so hex case does not
// matter.
func Verify(body []byte, provided, secret string) bool {
	if !strings.HasPrefix(provided, Prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(provided, Prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign computes the "sha256=<hex>" signature for body under secret. Used by
// test fixtures; the production path only ever verifies.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}
