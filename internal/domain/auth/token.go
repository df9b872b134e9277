// Package auth verifies bearer tokens against configured values. A stored
// value may be plaintext, an Argon2id PHC string, or a SHA-256 digest;
// every comparison path is constant time so token checks leak nothing.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// Recognized stored-token formats.
const (
	TypeArgon2id  = "argon2id"
	TypeSHA256    = "sha256"
	TypePlaintext = "plaintext"
)

// HashToken returns the SHA-256 hex digest of a raw token.
func HashToken(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}

// argon2idParams follows the OWASP minimum for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashTokenArgon2id returns an Argon2id hash of the raw token in PHC
// format: $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>. The salt is
// random, so hashing the same token twice yields different strings.
func HashTokenArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// DetectHashType identifies how a configured token value is stored.
// Returns TypeArgon2id for PHC format, TypeSHA256 for prefixed or bare
// 64-char hex, TypePlaintext for everything else.
func DetectHashType(stored string) string {
	if strings.HasPrefix(stored, "$argon2id$") {
		return TypeArgon2id
	}
	if strings.HasPrefix(stored, "sha256:") {
		return TypeSHA256
	}
	if len(stored) == 64 && isHexString(stored) {
		return TypeSHA256
	}
	return TypePlaintext
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyToken reports whether raw matches the stored token value. The
// stored value's format is detected first; a malformed Argon2id hash
// fails verification instead of panicking.
func VerifyToken(raw, stored string) bool {
	switch DetectHashType(stored) {
	case TypeArgon2id:
		match, err := safeArgon2idCompare(raw, stored)
		return err == nil && match

	case TypeSHA256:
		expected := strings.TrimPrefix(stored, "sha256:")
		computed := HashToken(raw)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1

	default:
		return subtle.ConstantTimeCompare([]byte(raw), []byte(stored)) == 1
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on PHC strings carrying
// invalid parameters (t=0 rounds, p=0 parallelism); those become errors
// here so VerifyToken never panics on operator-supplied config.
func safeArgon2idCompare(raw, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, stored)
}
