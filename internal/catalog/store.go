package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/protocol"
)

const (
	catalogKeyPrefix = "catalog:"
	metaKeyPrefix    = "catalog:meta:"
	updatesKeyPrefix = "catalog:updates:"

	// Pending incremental updates kept per provider; oldest dropped.
	maxPendingUpdates = 1000
)

// DefaultTTL bounds catalog freshness when the provider does not name one.
const DefaultTTL = time.Hour

// meta is the sibling record tracking freshness alongside the blob.
type meta struct {
	StoredAt time.Time `json:"stored_at"`
	TTL      string    `json:"ttl"`
}

// Store keeps per-subscriber catalogs in redis. The blob and its metadata
// expire at 2×ttl so an expired catalog can still answer with its expiry
// marker during the grace window.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStore(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

func catalogKey(sub string) string { return catalogKeyPrefix + sub }
func metaKey(sub string) string    { return metaKeyPrefix + sub }
func updatesKey(sub string) string { return updatesKeyPrefix + sub }

// StoreCatalog persists cat for subscriberID with the given ttl (DefaultTTL
// when zero). Every item is stamped with the storage time.
func (s *Store) StoreCatalog(ctx context.Context, subscriberID string, cat *Catalog, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	for i := range cat.Items {
		if cat.Items[i].Time == nil {
			cat.Items[i].Time = &ItemTime{}
		}
		if cat.Items[i].Time.Timestamp == "" {
			cat.Items[i].Time.Timestamp = now.Format(time.RFC3339)
		}
	}
	return s.write(ctx, subscriberID, cat, meta{StoredAt: now, TTL: protocol.FormatISODuration(ttl)})
}

// UpdateItem merges patch into the stored item, restamps it, and rewrites the
// catalog preserving the original TTL window.
func (s *Store) UpdateItem(ctx context.Context, subscriberID, itemID string, patch *Item) error {
	cat, m, err := s.load(ctx, subscriberID)
	if err != nil {
		return err
	}
	if cat == nil {
		return fmt.Errorf("no catalog stored for %s", subscriberID)
	}

	found := false
	for i := range cat.Items {
		if cat.Items[i].ID != itemID {
			continue
		}
		mergeItem(&cat.Items[i], patch)
		cat.Items[i].Time = &ItemTime{Timestamp: time.Now().UTC().Format(time.RFC3339)}
		found = true
		break
	}
	if !found {
		return fmt.Errorf("item %s not in catalog for %s", itemID, subscriberID)
	}
	return s.write(ctx, subscriberID, cat, *m)
}

// RecordUpdate appends one incremental update to the per-provider queue
// (capped; oldest dropped) and applies it to the stored catalog.
func (s *Store) RecordUpdate(ctx context.Context, subscriberID string, u Update) error {
	if u.Timestamp == "" {
		u.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	key := updatesKey(subscriberID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxPendingUpdates, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue update: %w", err)
	}

	return s.apply(ctx, subscriberID, u)
}

// PendingUpdates returns the queued incremental updates, oldest first.
func (s *Store) PendingUpdates(ctx context.Context, subscriberID string) ([]Update, error) {
	raws, err := s.rdb.LRange(ctx, updatesKey(subscriberID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Update, 0, len(raws))
	for _, raw := range raws {
		var u Update
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			s.log.Warn("skipping malformed queued update", zap.String("subscriber", subscriberID), zap.Error(err))
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) apply(ctx context.Context, subscriberID string, u Update) error {
	cat, m, err := s.load(ctx, subscriberID)
	if err != nil {
		return err
	}
	if cat == nil {
		return fmt.Errorf("no catalog stored for %s", subscriberID)
	}

	switch u.Type {
	case UpdateAdd:
		if u.Item == nil {
			return errors.New("add update without item")
		}
		item := *u.Item
		item.Time = &ItemTime{Timestamp: u.Timestamp}
		cat.Items = append(cat.Items, item)
	case UpdateRemove:
		kept := cat.Items[:0]
		for _, it := range cat.Items {
			if it.ID != u.ItemID {
				kept = append(kept, it)
			}
		}
		cat.Items = kept
	case UpdateItemFields, UpdatePrice, UpdateAvailability:
		for i := range cat.Items {
			if cat.Items[i].ID != u.ItemID {
				continue
			}
			mergeItem(&cat.Items[i], u.Item)
			cat.Items[i].Time = &ItemTime{Timestamp: u.Timestamp}
			break
		}
	default:
		return fmt.Errorf("unknown update type %q", u.Type)
	}
	return s.write(ctx, subscriberID, cat, *m)
}

func (s *Store) write(ctx context.Context, subscriberID string, cat *Catalog, m meta) error {
	blob, err := json.Marshal(cat)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	metaBlob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal catalog meta: %w", err)
	}
	ttl, err := protocol.ParseISODuration(m.TTL)
	if err != nil {
		ttl = DefaultTTL
	}
	// Grace window: keys live twice the ttl so expiry can be signalled.
	expiry := 2 * ttl

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, catalogKey(subscriberID), blob, expiry)
	pipe.Set(ctx, metaKey(subscriberID), metaBlob, expiry)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) load(ctx context.Context, subscriberID string) (*Catalog, *meta, error) {
	blob, err := s.rdb.Get(ctx, catalogKey(subscriberID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	metaBlob, err := s.rdb.Get(ctx, metaKey(subscriberID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var cat Catalog
	if err := json.Unmarshal([]byte(blob), &cat); err != nil {
		return nil, nil, fmt.Errorf("unmarshal catalog: %w", err)
	}
	var m meta
	if err := json.Unmarshal([]byte(metaBlob), &m); err != nil {
		return nil, nil, fmt.Errorf("unmarshal catalog meta: %w", err)
	}
	return &cat, &m, nil
}

func mergeItem(dst, patch *Item) {
	if patch == nil {
		return
	}
	if patch.Descriptor != nil {
		dst.Descriptor = patch.Descriptor
	}
	if patch.Price != nil {
		dst.Price = patch.Price
	}
	if patch.CategoryID != "" {
		dst.CategoryID = patch.CategoryID
	}
	if patch.FulfillmentID != "" {
		dst.FulfillmentID = patch.FulfillmentID
	}
	if len(patch.Quantity) > 0 {
		dst.Quantity = patch.Quantity
	}
	if len(patch.Tags) > 0 {
		dst.Tags = patch.Tags
	}
}
