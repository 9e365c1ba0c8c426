package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Envelope layout: ephemeral_pub(32) || iv(12) || tag(16) || ciphertext(n).
const (
	eciesIVSize  = 12
	eciesTagSize = 16
)

// EncryptionKeyPair holds a base64-encoded X25519 key pair.
type EncryptionKeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateEncryptionKeyPair creates a fresh X25519 pair for the registry
// challenge exchange.
func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive encryption public key: %w", err)
	}
	return &EncryptionKeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// Encrypt seals plain for the holder of recipientPublicKeyB64 using an
// ephemeral X25519 exchange, HKDF-SHA256 key derivation and AES-256-GCM.
func Encrypt(plain []byte, recipientPublicKeyB64 string) (string, error) {
	recipientPub, err := base64.StdEncoding.DecodeString(recipientPublicKeyB64)
	if err != nil || len(recipientPub) != curve25519.PointSize {
		return "", errors.New("invalid recipient public key")
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return "", fmt.Errorf("ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("ephemeral public key: %w", err)
	}

	gcm, err := deriveAEAD(ephPriv, recipientPub)
	if err != nil {
		return "", err
	}

	iv := make([]byte, eciesIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plain, nil)
	// Seal appends the tag; the envelope carries it before the ciphertext.
	ct := sealed[:len(sealed)-eciesTagSize]
	tag := sealed[len(sealed)-eciesTagSize:]

	out := make([]byte, 0, len(ephPub)+eciesIVSize+eciesTagSize+len(ct))
	out = append(out, ephPub...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any truncation or tamper fails.
func Decrypt(envelopeB64, recipientPrivateKeyB64 string) ([]byte, error) {
	env, err := base64.StdEncoding.DecodeString(envelopeB64)
	if err != nil {
		return nil, errors.New("invalid envelope encoding")
	}
	if len(env) < curve25519.PointSize+eciesIVSize+eciesTagSize {
		return nil, errors.New("envelope too short")
	}
	priv, err := base64.StdEncoding.DecodeString(recipientPrivateKeyB64)
	if err != nil || len(priv) != curve25519.ScalarSize {
		return nil, errors.New("invalid recipient private key")
	}

	ephPub := env[:curve25519.PointSize]
	iv := env[curve25519.PointSize : curve25519.PointSize+eciesIVSize]
	tag := env[curve25519.PointSize+eciesIVSize : curve25519.PointSize+eciesIVSize+eciesTagSize]
	ct := env[curve25519.PointSize+eciesIVSize+eciesTagSize:]

	gcm, err := deriveAEAD(priv, ephPub)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+eciesTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.New("decryption failed")
	}
	return plain, nil
}

func deriveAEAD(priv, peerPub []byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("shared secret: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
