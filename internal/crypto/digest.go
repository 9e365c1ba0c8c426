package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// HashRawBody canonicalizes a serialized JSON body (RFC 8785) and returns the
// base64 BLAKE-512 digest. The same JSON value always hashes identically
// regardless of key order or whitespace.
func HashRawBody(body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	sum := blake2b.Sum512(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// HashBody marshals v and digests it via HashRawBody.
func HashBody(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return HashRawBody(raw)
}
