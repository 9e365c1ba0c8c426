package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/becknlabs/beckn-engine/internal/crypto"
)

func testKeys(t *testing.T) (*crypto.SigningKeyPair, []byte) {
	t.Helper()
	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp, []byte(`{"context":{"action":"search"},"message":{"intent":{}}}`)
}

func TestBuildVerify_RoundTrip(t *testing.T) {
	kp, body := testKeys(t)
	priv, _ := crypto.DecodeSigningPrivateKey(kp.PrivateKey)

	header, err := BuildAuthHeader("bap.example.com", "k1", priv, body, 300*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	params, err := VerifyAuthHeader(header, body, kp.PublicKey)
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if params.SubscriberID != "bap.example.com" || params.UniqueKeyID != "k1" {
		t.Fatalf("unexpected keyId parts: %+v", params)
	}
	if params.Expires-params.Created != 300 {
		t.Fatalf("expires-created: got %d want 300", params.Expires-params.Created)
	}
}

func TestVerify_BodyMutationFails(t *testing.T) {
	kp, body := testKeys(t)
	priv, _ := crypto.DecodeSigningPrivateKey(kp.PrivateKey)

	header, err := BuildAuthHeader("bap.example.com", "k1", priv, body, 300*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// Even a one-byte change must break the digest.
	mutated := []byte(strings.Replace(string(body), "search", "se4rch", 1))
	if _, err := VerifyAuthHeader(header, mutated, kp.PublicKey); err == nil {
		t.Fatal("mutated body verified")
	}
}

func TestVerify_RewrittenHeadersListFails(t *testing.T) {
	kp, body := testKeys(t)
	priv, _ := crypto.DecodeSigningPrivateKey(kp.PrivateKey)

	header, err := BuildAuthHeader("bap.example.com", "k1", priv, body, 300*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// Claiming a different covered-header list must not verify, even though
	// the signature itself is untouched.
	rewritten := strings.Replace(header,
		`headers="(created) (expires) digest"`,
		`headers="(created) digest"`, 1)
	if rewritten == header {
		t.Fatal("headers param not found in header")
	}
	if _, err := VerifyAuthHeader(rewritten, body, kp.PublicKey); err == nil {
		t.Fatal("rewritten headers list verified")
	}
}

func TestVerify_WrongKeyFails(t *testing.T) {
	kp, body := testKeys(t)
	other, _ := crypto.GenerateSigningKeyPair()
	priv, _ := crypto.DecodeSigningPrivateKey(kp.PrivateKey)

	header, _ := BuildAuthHeader("bap.example.com", "k1", priv, body, 300*time.Second)
	if _, err := VerifyAuthHeader(header, body, other.PublicKey); err == nil {
		t.Fatal("verified against unrelated key")
	}
}

func TestVerify_Expired(t *testing.T) {
	kp, body := testKeys(t)
	priv, _ := crypto.DecodeSigningPrivateKey(kp.PrivateKey)

	header, _ := BuildAuthHeader("bap.example.com", "k1", priv, body, -1*time.Second)
	if _, err := VerifyAuthHeader(header, body, kp.PublicKey); err == nil {
		t.Fatal("expired header verified")
	}
}

func TestParseAuthHeader(t *testing.T) {
	h := `Signature keyId="bpp.example.com|key7|ed25519",algorithm="ed25519",` +
		`created="1700000000",expires="1700000300",headers="(created) (expires) digest",signature="c2ln"`
	p, err := ParseAuthHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	if p.SubscriberID != "bpp.example.com" {
		t.Errorf("SubscriberID: %q", p.SubscriberID)
	}
	if p.UniqueKeyID != "key7" {
		t.Errorf("UniqueKeyID: %q", p.UniqueKeyID)
	}
	if p.Created != 1700000000 || p.Expires != 1700000300 {
		t.Errorf("timestamps: %d %d", p.Created, p.Expires)
	}
	if p.Headers != "(created) (expires) digest" {
		t.Errorf("Headers: %q", p.Headers)
	}
}

func TestParseAuthHeader_Malformed(t *testing.T) {
	cases := []string{
		"",
		"Bearer abc",
		`Signature keyId="a|b|ed25519",algorithm="ed25519"`, // missing fields
		`Signature keyId="no-pipes",algorithm="ed25519",created="1",expires="2",headers="h",signature="s"`,
		`Signature keyId="a|b|ed25519",algorithm="ed25519",created="NaN",expires="2",headers="h",signature="s"`,
	}
	for _, h := range cases {
		if _, err := ParseAuthHeader(h); err == nil {
			t.Errorf("accepted malformed header %q", h)
		}
	}
}
