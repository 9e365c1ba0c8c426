// Package transport is the signed HTTP client used for every
// participant-to-participant call on the network.
package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/auth"
	"github.com/becknlabs/beckn-engine/internal/protocol"
)

// Identity is the signing identity stamped on outbound requests.
type Identity struct {
	SubscriberID string
	UniqueKeyID  string
	PrivateKey   ed25519.PrivateKey
}

// Client POSTs signed protocol envelopes. Timeout bounds each call; the
// caller's context may shorten it further.
type Client struct {
	identity Identity
	ttl      time.Duration
	http     *http.Client
	log      *zap.Logger
}

func NewClient(identity Identity, signatureTTL, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		identity: identity,
		ttl:      signatureTTL,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Post signs and delivers body (already-marshaled JSON) to url. A non-nil
// gatewaySig is forwarded as X-Gateway-Authorization alongside our own
// signature. The decoded ACK/NACK is returned for 2xx responses; any other
// status is an error.
func (c *Client) Post(ctx context.Context, url string, body []byte, gatewaySig string) (*protocol.AckResponse, error) {
	header, err := auth.BuildAuthHeader(c.identity.SubscriberID, c.identity.UniqueKeyID, c.identity.PrivateKey, body, c.ttl)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAuthorization, header)
	if gatewaySig != "" {
		req.Header.Set(auth.HeaderGatewayAuthorization, gatewaySig)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		// NACK bodies ride on 4xx; surface them when they decode.
		var ack protocol.AckResponse
		if json.Unmarshal(raw, &ack) == nil && ack.Message.Ack.Status != "" {
			return &ack, fmt.Errorf("post %s: status %d", url, resp.StatusCode)
		}
		return nil, fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}

	var ack protocol.AckResponse
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode ack from %s: %w", url, err)
	}
	return &ack, nil
}

// PostEnvelope marshals env and posts it.
func (c *Client) PostEnvelope(ctx context.Context, url string, env *protocol.Envelope, gatewaySig string) (*protocol.AckResponse, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return c.Post(ctx, url, body, gatewaySig)
}

// SignBody exposes header construction for callers that countersign
// (the gateway stamps X-Gateway-Authorization on fan-out).
func (c *Client) SignBody(body []byte) (string, error) {
	return auth.BuildAuthHeader(c.identity.SubscriberID, c.identity.UniqueKeyID, c.identity.PrivateKey, body, c.ttl)
}
