// Package auth implements the receiver-side cryptography: MD5/base64
// primitives (component B), the Apple challenge-response (component C),
// and the digest-auth gate (component D).
package auth

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// md5Hex returns the lower-case hex MD5 digest of s; the digest gate uses it
// for the final response term (HA1/HA2 use md5HexUpper).
func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// md5HexUpper is md5Hex with the hex digits upper-cased, matching the
// receiver's non-standard digest variant described in spec.md 4.D.
func md5HexUpper(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%X", sum[:])
}

// decodeBase64 decodes standard base64 with '=' padding; the Apple
// challenge responder uses it for the Apple-Challenge value. Unpadded input
// is rejected.
func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// encodeBase64NoPad encodes to standard base64 and strips trailing '='
// padding, as required for Apple-Response (spec.md 4.C).
func encodeBase64NoPad(b []byte) string {
	s := base64.StdEncoding.EncodeToString(b)
	i := len(s)
	for i > 0 && s[i-1] == '=' {
		i--
	}
	return s[:i]
}
