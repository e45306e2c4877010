package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Incident identity is content-addressed: the same evidence always hashes
// to the same id, on any machine, in any run. The seed encodings below are
// the portable contract — pipe-separated fields, canonical second-precision
// UTC timestamps — and are covered by a golden test.

// BruteForceSeed encodes the identity parameters of a brute-force window.
func BruteForceSeed(sourceIP, username, windowStart, windowEnd string, failures int) string {
	return fmt.Sprintf("brute_force|%s|%s|%s|%s|%d", sourceIP, username, windowStart, windowEnd, failures)
}

// CredAbuseSeed encodes the identity parameters of a credential-abuse
// window.
func CredAbuseSeed(sourceIP, windowStart, windowEnd string, failures, distinctUsers int) string {
	return fmt.Sprintf("cred_abuse|%s|%s|%s|%d|%d", sourceIP, windowStart, windowEnd, failures, distinctUsers)
}

// IncidentID hashes a seed into the 24-hex-character content address.
func IncidentID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return "inc_" + hex.EncodeToString(sum[:])[:24]
}
