package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// CanonicalArgsHash returns the SHA-256 hex digest of args serialized as
// RFC 8785 canonical JSON. The digest is independent of map iteration
// order, so identical args always hash identically across processes.
// Returns "" if args cannot be serialized.
func CanonicalArgsHash(args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	if canonical, err := jcs.Transform(raw); err == nil {
		raw = canonical
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
