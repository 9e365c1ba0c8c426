package auth

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/protocol"
)

// KeyProvider resolves a subscriber's registered Ed25519 public key. The
// registry-backed implementation caches lookups; tests use a static map.
type KeyProvider interface {
	SigningPublicKey(ctx context.Context, subscriberID, uniqueKeyID string) (string, error)
}

// ContextKeySubscriber is where the middleware stores the verified sender id.
const ContextKeySubscriber = "subscriber_id"

// Middleware returns a Gin handler that validates the signed header named by
// headerName (Authorization or X-Gateway-Authorization) against the sender's
// registered key. Crypto failures never escape; they surface as a 401 NACK
// with CONTEXT-ERROR/10001.
func Middleware(headerName string, keys KeyProvider, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(headerName)
		if header == "" {
			abortUnauthorized(c, "missing %s header", headerName)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortUnauthorized(c, "unreadable request body")
			return
		}
		// Handlers downstream re-read the body.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		params, err := ParseAuthHeader(header)
		if err != nil {
			abortUnauthorized(c, "malformed signature header: %v", err)
			return
		}

		pubKey, err := keys.SigningPublicKey(c.Request.Context(), params.SubscriberID, params.UniqueKeyID)
		if err != nil {
			log.Warn("key lookup failed",
				zap.String("subscriber", params.SubscriberID),
				zap.String("key_id", params.UniqueKeyID),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.Nack(
				protocol.NewError(protocol.KindPolicyError, protocol.CodeUnauthorized,
					"unknown subscriber %s", params.SubscriberID)))
			return
		}

		if _, err := VerifyAuthHeader(header, body, pubKey); err != nil {
			abortUnauthorized(c, "signature verification failed: %v", err)
			return
		}

		c.Set(ContextKeySubscriber, params.SubscriberID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, format string, args ...any) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.Nack(
		protocol.NewError(protocol.KindContextError, protocol.CodeSignatureInvalid, format, args...)))
}
