package protocol

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "dedup:msg:"

// Deduper is the message-level seen-set. A message_id observed within the
// ttl window is acknowledged but never routed again, preserving at-most-once
// callback delivery.
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// Seen records messageID and reports whether it was already present.
func (d *Deduper) Seen(ctx context.Context, messageID string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, dedupKeyPrefix+messageID, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
