package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/crypto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticKeys satisfies KeyProvider with a fixed map keyed by subscriber id.
type staticKeys map[string]string

func (s staticKeys) SigningPublicKey(_ context.Context, subscriberID, _ string) (string, error) {
	if pub, ok := s[subscriberID]; ok {
		return pub, nil
	}
	return "", fmt.Errorf("subscriber %s not found", subscriberID)
}

func testRouter(keys KeyProvider) *gin.Engine {
	r := gin.New()
	r.POST("/search", Middleware(HeaderAuthorization, keys, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subscriber": c.GetString(ContextKeySubscriber)})
	})
	return r
}

func signedRequest(t *testing.T, kp *crypto.SigningKeyPair, sub string, body []byte) *http.Request {
	t.Helper()
	priv, err := crypto.DecodeSigningPrivateKey(kp.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	header, err := BuildAuthHeader(sub, "k1", priv, body, 300*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	req.Header.Set(HeaderAuthorization, header)
	return req
}

func TestMiddleware_ValidSignature(t *testing.T) {
	kp, _ := crypto.GenerateSigningKeyPair()
	r := testRouter(staticKeys{"bap.example.com": kp.PublicKey})

	body := []byte(`{"context":{},"message":{}}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, kp, "bap.example.com", body))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	kp, _ := crypto.GenerateSigningKeyPair()
	r := testRouter(staticKeys{"bap.example.com": kp.PublicKey})

	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"NACK"`)) {
		t.Fatalf("expected NACK body, got %s", w.Body.String())
	}
}

func TestMiddleware_UnknownSubscriber(t *testing.T) {
	kp, _ := crypto.GenerateSigningKeyPair()
	r := testRouter(staticKeys{}) // registry knows nobody

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, kp, "bap.example.com", []byte(`{}`)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_TamperedBody(t *testing.T) {
	kp, _ := crypto.GenerateSigningKeyPair()
	r := testRouter(staticKeys{"bap.example.com": kp.PublicKey})

	body := []byte(`{"context":{},"message":{"intent":{"q":"tea"}}}`)
	req := signedRequest(t, kp, "bap.example.com", body)
	// swap the body after signing
	req.Body = http.NoBody
	req2 := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader([]byte(`{"context":{},"message":{"intent":{"q":"coffee"}}}`)))
	req2.Header = req.Header

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req2)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_BodySurvivesForHandler(t *testing.T) {
	kp, _ := crypto.GenerateSigningKeyPair()
	var seen []byte
	r := gin.New()
	r.POST("/search", Middleware(HeaderAuthorization, staticKeys{"s": kp.PublicKey}, zap.NewNop()), func(c *gin.Context) {
		seen, _ = c.GetRawData()
		c.Status(http.StatusOK)
	})

	body := []byte(`{"context":{"action":"search"},"message":{}}`)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, kp, "s", body))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Equal(seen, body) {
		t.Fatalf("handler saw %q, want %q", seen, body)
	}
}
