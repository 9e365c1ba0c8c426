package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/becknlabs/beckn-engine/internal/crypto"
)

// Header names used on the wire. The gateway countersigns broadcasts with
// its own key under XGatewayAuthorization; the format is identical.
const (
	HeaderAuthorization        = "Authorization"
	HeaderGatewayAuthorization = "X-Gateway-Authorization"
)

const (
	algorithm     = "ed25519"
	signedHeaders = "(created) (expires) digest"

	// How far in the future a header's created may sit before we reject it
	// as clock skew abuse.
	maxCreatedSkew = 30 * time.Second
)

// SignatureParams is the parsed form of a Signature header.
type SignatureParams struct {
	SubscriberID string
	UniqueKeyID  string
	Algorithm    string
	Created      int64
	Expires      int64
	Headers      string
	Signature    string
}

// signingString builds the canonical string that is signed: LF-separated,
// no trailing newline.
func signingString(created, expires int64, digestB64 string) []byte {
	return []byte(fmt.Sprintf("(created): %d\n(expires): %d\ndigest: BLAKE-512=%s", created, expires, digestB64))
}

// BuildAuthHeader signs body and returns the full Signature header value.
// expires is created + ttl (SIGNATURE_TTL_SECONDS, default 300).
func BuildAuthHeader(subscriberID, uniqueKeyID string, priv ed25519.PrivateKey, body []byte, ttl time.Duration) (string, error) {
	digest, err := crypto.HashRawBody(body)
	if err != nil {
		return "", fmt.Errorf("digest body: %w", err)
	}
	created := time.Now().Unix()
	expires := created + int64(ttl.Seconds())

	sig := crypto.Sign(signingString(created, expires, digest), priv)

	return fmt.Sprintf(
		`Signature keyId="%s|%s|%s",algorithm="%s",created="%d",expires="%d",headers="%s",signature="%s"`,
		subscriberID, uniqueKeyID, algorithm, algorithm, created, expires, signedHeaders, sig,
	), nil
}

// ParseAuthHeader extracts the named parameters of a Signature header.
func ParseAuthHeader(header string) (*SignatureParams, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "Signature ")
	if !ok {
		return nil, errors.New("missing Signature prefix")
	}

	params := map[string]string{}
	for _, part := range splitParams(rest) {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		params[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}

	for _, required := range []string{"keyId", "algorithm", "created", "expires", "headers", "signature"} {
		if params[required] == "" {
			return nil, fmt.Errorf("missing parameter %q", required)
		}
	}

	keyParts := strings.Split(params["keyId"], "|")
	if len(keyParts) != 3 {
		return nil, errors.New("malformed keyId")
	}

	created, err := strconv.ParseInt(params["created"], 10, 64)
	if err != nil {
		return nil, errors.New("malformed created")
	}
	expires, err := strconv.ParseInt(params["expires"], 10, 64)
	if err != nil {
		return nil, errors.New("malformed expires")
	}

	return &SignatureParams{
		SubscriberID: keyParts[0],
		UniqueKeyID:  keyParts[1],
		Algorithm:    params["algorithm"],
		Created:      created,
		Expires:      expires,
		Headers:      params["headers"],
		Signature:    params["signature"],
	}, nil
}

// VerifyAuthHeader recomputes the signing string from body and the header's
// created/expires and checks the signature against publicKeyB64.
func VerifyAuthHeader(header string, body []byte, publicKeyB64 string) (*SignatureParams, error) {
	p, err := ParseAuthHeader(header)
	if err != nil {
		return nil, err
	}
	if p.Algorithm != algorithm {
		return nil, fmt.Errorf("unsupported algorithm %q", p.Algorithm)
	}
	if p.Headers != signedHeaders {
		return nil, fmt.Errorf("unsupported signed headers %q", p.Headers)
	}

	now := time.Now().Unix()
	if p.Expires < now {
		return nil, errors.New("signature expired")
	}
	if p.Created > now+int64(maxCreatedSkew.Seconds()) {
		return nil, errors.New("signature created in the future")
	}

	digest, err := crypto.HashRawBody(body)
	if err != nil {
		return nil, fmt.Errorf("digest body: %w", err)
	}
	if !crypto.Verify(signingString(p.Created, p.Expires, digest), p.Signature, publicKeyB64) {
		return nil, errors.New("signature verification failed")
	}
	return p, nil
}

// splitParams splits on commas that sit outside quoted values; base64
// signatures may not contain commas but keyIds are not under our control.
func splitParams(s string) []string {
	var parts []string
	var b strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}
