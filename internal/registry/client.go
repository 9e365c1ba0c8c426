package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/store"
)

const (
	pubKeyCachePrefix = "pubkey:"
	pubKeyCacheTTL    = 5 * time.Minute
)

// Client talks to a remote registry. It implements auth.KeyProvider with a
// short-lived redis cache so signature verification does not hit the registry
// on every request.
type Client struct {
	baseURL string
	rdb     *redis.Client
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, rdb *redis.Client, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		rdb:     rdb,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Lookup queries the registry's public projection.
func (c *Client) Lookup(ctx context.Context, f store.LookupFilter) ([]store.Subscriber, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry lookup: status %d", resp.StatusCode)
	}

	var subs []store.Subscriber
	return subs, json.NewDecoder(resp.Body).Decode(&subs)
}

// SigningPublicKey resolves a subscriber's signing key, preferring the cache.
// A subscriber absent from the registry is an error; negative results are not
// cached so a fresh subscription becomes visible immediately.
func (c *Client) SigningPublicKey(ctx context.Context, subscriberID, uniqueKeyID string) (string, error) {
	cacheKey := pubKeyCachePrefix + subscriberID + ":" + uniqueKeyID
	if key, err := c.rdb.Get(ctx, cacheKey).Result(); err == nil && key != "" {
		return key, nil
	} else if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("pubkey cache read failed", zap.Error(err))
	}

	subs, err := c.Lookup(ctx, store.LookupFilter{SubscriberID: subscriberID})
	if err != nil {
		return "", err
	}
	for _, sub := range subs {
		if sub.UniqueKeyID != uniqueKeyID {
			continue
		}
		if err := c.rdb.Set(ctx, cacheKey, sub.SigningPublicKey, pubKeyCacheTTL).Err(); err != nil {
			c.log.Warn("pubkey cache write failed", zap.Error(err))
		}
		return sub.SigningPublicKey, nil
	}
	return "", fmt.Errorf("no key %s registered for %s", uniqueKeyID, subscriberID)
}

// Subscriber returns the full registry record for id.
func (c *Client) Subscriber(ctx context.Context, id string) (*store.Subscriber, error) {
	subs, err := c.Lookup(ctx, store.LookupFilter{SubscriberID: id})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, store.ErrNotFound
	}
	return &subs[0], nil
}
