package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// SigningKeyPair holds a base64-encoded Ed25519 key pair as exchanged with
// the registry.
type SigningKeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateSigningKeyPair creates a fresh Ed25519 pair. The private key is the
// full 64-byte form (seed || public).
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &SigningKeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// DecodeSigningPrivateKey accepts either the 64-byte private key or the
// 32-byte seed, both base64.
func DecodeSigningPrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode signing private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	}
	return nil, fmt.Errorf("signing private key: unexpected length %d", len(raw))
}

// Sign produces a base64 Ed25519 signature over message.
func Sign(message []byte, priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message))
}

// Verify checks a base64 signature against a base64 public key. Any decode
// failure yields false; it never panics out to the caller.
func Verify(message []byte, signatureB64, publicKeyB64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
