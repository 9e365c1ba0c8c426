package catalog

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/becknlabs/beckn-engine/internal/protocol"
)

// BuildOnSearchResponse loads the stored catalog for subscriberID and applies
// the intent's filters. Returns nil when no catalog is stored, or when the
// intent asks for an incremental delta and nothing changed since its mark.
// An expired catalog yields a minimal response with exp set to the storage
// time so the caller can tell staleness from absence.
func (s *Store) BuildOnSearchResponse(ctx context.Context, subscriberID string, intent *Intent) (*OnSearchCatalog, error) {
	cat, m, err := s.load(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if cat == nil {
		return nil, nil
	}

	ttl, err := protocol.ParseISODuration(m.TTL)
	if err != nil || ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	if now.Sub(m.StoredAt) > ttl {
		return &OnSearchCatalog{
			Descriptor: cat.Provider.Descriptor,
			Providers:  []ProviderWithItems{},
			Exp:        m.StoredAt.Format(time.RFC3339),
		}, nil
	}

	items := cat.Items
	if intent != nil {
		if !providerMatches(&cat.Provider, intent) {
			items = nil
		} else {
			items = filterItems(items, intent)
		}
		if ts, ok := incrementalMark(intent.Tags); ok {
			items = newerThan(items, ts)
			if len(items) == 0 {
				return nil, nil
			}
		}
	}

	return &OnSearchCatalog{
		Descriptor: cat.Provider.Descriptor,
		Providers: []ProviderWithItems{{
			Provider: cat.Provider,
			Items:    items,
		}},
		Exp: m.StoredAt.Add(ttl).Format(time.RFC3339),
	}, nil
}

// providerMatches checks the provider-level conditions: provider id and
// fulfillment type. A mismatch empties the response rather than erroring.
func providerMatches(p *Provider, intent *Intent) bool {
	if intent.Provider != nil && intent.Provider.ID != "" && intent.Provider.ID != p.ID {
		return false
	}
	if intent.Fulfillment != nil && intent.Fulfillment.Type != "" {
		found := false
		for _, f := range p.Fulfillments {
			if strings.EqualFold(f.Type, intent.Fulfillment.Type) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func filterItems(items []Item, intent *Intent) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if itemMatches(&it, intent) {
			out = append(out, it)
		}
	}
	return out
}

func itemMatches(it *Item, intent *Intent) bool {
	if q := intentQuery(intent); q != "" && !descriptorContains(it.Descriptor, q) {
		return false
	}
	if intent.Category != nil && intent.Category.ID != "" && intent.Category.ID != it.CategoryID {
		return false
	}
	if intent.Item != nil && intent.Item.Price != nil && !priceInRange(it.Price, intent.Item.Price) {
		return false
	}
	for _, want := range intent.Tags {
		if want.Code == incrementalTagCode {
			continue
		}
		if !tagsMatch(it.Tags, want) {
			return false
		}
	}
	return true
}

func intentQuery(intent *Intent) string {
	if intent.Item != nil && intent.Item.Descriptor != nil && intent.Item.Descriptor.Name != "" {
		return intent.Item.Descriptor.Name
	}
	if intent.Descriptor != nil {
		return intent.Descriptor.Name
	}
	return ""
}

func descriptorContains(d *Descriptor, query string) bool {
	if d == nil {
		return false
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(d.Name), q) ||
		strings.Contains(strings.ToLower(d.ShortDesc), q)
}

// priceInRange treats empty bounds as open and unparsable values as misses.
func priceInRange(p *Price, r *PriceRange) bool {
	if p == nil {
		return false
	}
	v, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return false
	}
	if r.MinValue != "" {
		min, err := strconv.ParseFloat(r.MinValue, 64)
		if err != nil || v < min {
			return false
		}
	}
	if r.MaxValue != "" {
		max, err := strconv.ParseFloat(r.MaxValue, 64)
		if err != nil || v > max {
			return false
		}
	}
	return true
}

// tagsMatch requires the item to carry the wanted tag code and, per entry
// code, any-of the wanted values.
func tagsMatch(have []Tag, want Tag) bool {
	for _, tag := range have {
		if tag.Code != want.Code {
			continue
		}
		for _, entry := range want.List {
			if !hasEntry(tag.List, entry) {
				return false
			}
		}
		return true
	}
	return false
}

func hasEntry(list []TagEntry, want TagEntry) bool {
	for _, e := range list {
		if e.Code == want.Code && e.Value == want.Value {
			return true
		}
	}
	return false
}

const incrementalTagCode = "catalog_inc"

// incrementalMark extracts the catalog_inc timestamp from the intent tags.
func incrementalMark(tags []Tag) (time.Time, bool) {
	for _, tag := range tags {
		if tag.Code != incrementalTagCode {
			continue
		}
		for _, e := range tag.List {
			if e.Code == "timestamp" {
				ts, err := time.Parse(time.RFC3339, e.Value)
				if err != nil {
					return time.Time{}, false
				}
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// newerThan keeps items mutated strictly after mark. Items without a
// timestamp are kept; their age is unknown.
func newerThan(items []Item, mark time.Time) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Time == nil || it.Time.Timestamp == "" {
			out = append(out, it)
			continue
		}
		ts, err := time.Parse(time.RFC3339, it.Time.Timestamp)
		if err != nil || ts.After(mark) {
			out = append(out, it)
		}
	}
	return out
}
