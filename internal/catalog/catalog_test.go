package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, zap.NewNop()), rdb
}

func sampleCatalog() *Catalog {
	return &Catalog{
		Provider: Provider{
			ID:         "p1",
			Descriptor: &Descriptor{Name: "Fresh Farms"},
			Fulfillments: []Fulfillment{
				{ID: "f1", Type: "Delivery"},
			},
		},
		Items: []Item{
			{
				ID:            "i1",
				Descriptor:    &Descriptor{Name: "Alphonso Mango", ShortDesc: "ripe"},
				Price:         &Price{Currency: "INR", Value: "120.00"},
				CategoryID:    "fruit",
				FulfillmentID: "f1",
				Tags:          []Tag{{Code: "origin", List: []TagEntry{{Code: "state", Value: "MH"}}}},
			},
			{
				ID:         "i2",
				Descriptor: &Descriptor{Name: "Basmati Rice"},
				Price:      &Price{Currency: "INR", Value: "85.50"},
				CategoryID: "grain",
			},
		},
	}
}

func TestStoreCatalog_StampsItems(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), time.Hour); err != nil {
		t.Fatal(err)
	}
	cat, m, err := s.load(ctx, "bpp1")
	if err != nil {
		t.Fatal(err)
	}
	if cat == nil || m == nil {
		t.Fatal("stored catalog not readable")
	}
	for _, it := range cat.Items {
		if it.Time == nil || it.Time.Timestamp == "" {
			t.Errorf("item %s not stamped", it.ID)
		}
	}
	if m.TTL != "PT1H" {
		t.Errorf("ttl recorded as %q", m.TTL)
	}
}

func TestStoreCatalog_KeysExpireAtTwiceTTL(t *testing.T) {
	s, rdb := newTestStore(t)
	ctx := context.Background()

	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	ttl, err := rdb.TTL(ctx, catalogKey("bpp1")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl != 10*time.Minute {
		t.Errorf("blob expiry %v, want 10m", ttl)
	}
}

func TestBuildOnSearchResponse_AbsentCatalog(t *testing.T) {
	s, _ := newTestStore(t)
	resp, err := s.BuildOnSearchResponse(context.Background(), "missing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatal("expected nil response for absent catalog")
	}
}

func TestBuildOnSearchResponse_Unfiltered(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), time.Hour); err != nil {
		t.Fatal(err)
	}
	resp, err := s.BuildOnSearchResponse(ctx, "bpp1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || len(resp.Providers) != 1 {
		t.Fatal("expected one provider")
	}
	if len(resp.Providers[0].Items) != 2 {
		t.Fatalf("got %d items, want 2", len(resp.Providers[0].Items))
	}
	if resp.Exp == "" {
		t.Error("exp not set")
	}
}

func TestBuildOnSearchResponse_Expired(t *testing.T) {
	s, rdb := newTestStore(t)
	ctx := context.Background()
	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), time.Hour); err != nil {
		t.Fatal(err)
	}
	// Backdate the storage record past the ttl window.
	storedAt := time.Now().UTC().Add(-2 * time.Hour)
	blob, _ := json.Marshal(meta{StoredAt: storedAt, TTL: "PT1H"})
	if err := rdb.Set(ctx, metaKey("bpp1"), blob, time.Hour).Err(); err != nil {
		t.Fatal(err)
	}

	resp, err := s.BuildOnSearchResponse(ctx, "bpp1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil {
		t.Fatal("expired catalog should still answer")
	}
	if len(resp.Providers) != 0 {
		t.Error("expired catalog leaked providers")
	}
	if resp.Exp != storedAt.Format(time.RFC3339) {
		t.Errorf("exp = %s, want stored_at", resp.Exp)
	}
}

func TestBuildOnSearchResponse_Filters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), time.Hour); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		intent *Intent
		want   []string
	}{
		{"name substring", &Intent{Item: &IntentItem{Descriptor: &Descriptor{Name: "mango"}}}, []string{"i1"}},
		{"short_desc substring", &Intent{Item: &IntentItem{Descriptor: &Descriptor{Name: "ripe"}}}, []string{"i1"}},
		{"category", &Intent{Category: &IDRef{ID: "grain"}}, []string{"i2"}},
		{"provider match", &Intent{Provider: &IDRef{ID: "p1"}}, []string{"i1", "i2"}},
		{"provider mismatch", &Intent{Provider: &IDRef{ID: "p2"}}, nil},
		{"fulfillment type", &Intent{Fulfillment: &FulfillRef{Type: "delivery"}}, []string{"i1", "i2"}},
		{"fulfillment mismatch", &Intent{Fulfillment: &FulfillRef{Type: "pickup"}}, nil},
		{"price range", &Intent{Item: &IntentItem{Price: &PriceRange{MinValue: "100", MaxValue: "150"}}}, []string{"i1"}},
		{"open min", &Intent{Item: &IntentItem{Price: &PriceRange{MaxValue: "90"}}}, []string{"i2"}},
		{"tag equality", &Intent{Tags: []Tag{{Code: "origin", List: []TagEntry{{Code: "state", Value: "MH"}}}}}, []string{"i1"}},
		{"tag miss", &Intent{Tags: []Tag{{Code: "origin", List: []TagEntry{{Code: "state", Value: "KA"}}}}}, nil},
		{"anded", &Intent{
			Item:     &IntentItem{Descriptor: &Descriptor{Name: "a"}},
			Category: &IDRef{ID: "fruit"},
		}, []string{"i1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := s.BuildOnSearchResponse(ctx, "bpp1", tc.intent)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			if resp != nil && len(resp.Providers) > 0 {
				for _, it := range resp.Providers[0].Items {
					got = append(got, it.ID)
				}
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestBuildOnSearchResponse_IncrementalDelta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	cat := sampleCatalog()
	cat.Items[0].Time = &ItemTime{Timestamp: base.Format(time.RFC3339)}
	cat.Items[1].Time = &ItemTime{Timestamp: base.Format(time.RFC3339)}
	if err := s.StoreCatalog(ctx, "bpp1", cat, time.Hour*4); err != nil {
		t.Fatal(err)
	}

	// i1 gets repriced after the mark; i2 stays at the base stamp.
	if err := s.UpdateItem(ctx, "bpp1", "i1", &Item{Price: &Price{Currency: "INR", Value: "99.00"}}); err != nil {
		t.Fatal(err)
	}

	mark := base.Add(30 * time.Minute).Format(time.RFC3339)
	intent := &Intent{Tags: []Tag{{Code: "catalog_inc", List: []TagEntry{{Code: "timestamp", Value: mark}}}}}

	resp, err := s.BuildOnSearchResponse(ctx, "bpp1", intent)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || len(resp.Providers) != 1 {
		t.Fatal("expected a delta response")
	}
	items := resp.Providers[0].Items
	if len(items) != 1 || items[0].ID != "i1" {
		t.Fatalf("delta = %v, want just i1", items)
	}
	if items[0].Price.Value != "99.00" {
		t.Errorf("delta carries stale price %s", items[0].Price.Value)
	}
}

func TestBuildOnSearchResponse_NoDelta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	cat := sampleCatalog()
	cat.Items[0].Time = &ItemTime{Timestamp: base.Format(time.RFC3339)}
	cat.Items[1].Time = &ItemTime{Timestamp: base.Format(time.RFC3339)}
	if err := s.StoreCatalog(ctx, "bpp1", cat, 4*time.Hour); err != nil {
		t.Fatal(err)
	}

	mark := time.Now().UTC().Format(time.RFC3339)
	intent := &Intent{Tags: []Tag{{Code: "catalog_inc", List: []TagEntry{{Code: "timestamp", Value: mark}}}}}

	resp, err := s.BuildOnSearchResponse(ctx, "bpp1", intent)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatal("expected nil when nothing changed since the mark")
	}
}

func TestUpdateItem_PreservesTTL(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), 2*time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateItem(ctx, "bpp1", "i2", &Item{CategoryID: "staple"}); err != nil {
		t.Fatal(err)
	}
	cat, m, err := s.load(ctx, "bpp1")
	if err != nil {
		t.Fatal(err)
	}
	if m.TTL != "PT2H" {
		t.Errorf("ttl changed to %q", m.TTL)
	}
	for _, it := range cat.Items {
		if it.ID == "i2" && it.CategoryID != "staple" {
			t.Error("patch not applied")
		}
	}
}

func TestUpdateItem_UnknownItem(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateItem(ctx, "bpp1", "nope", &Item{}); err == nil {
		t.Fatal("expected error for unknown item")
	}
}

func TestRecordUpdate_AppliesAndQueues(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), time.Hour); err != nil {
		t.Fatal(err)
	}

	add := Update{Type: UpdateAdd, ItemID: "i3", Item: &Item{
		ID:         "i3",
		Descriptor: &Descriptor{Name: "Turmeric"},
		Price:      &Price{Currency: "INR", Value: "40.00"},
	}}
	if err := s.RecordUpdate(ctx, "bpp1", add); err != nil {
		t.Fatal(err)
	}
	rm := Update{Type: UpdateRemove, ItemID: "i2"}
	if err := s.RecordUpdate(ctx, "bpp1", rm); err != nil {
		t.Fatal(err)
	}

	cat, _, err := s.load(ctx, "bpp1")
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, it := range cat.Items {
		ids[it.ID] = true
	}
	if !ids["i3"] || ids["i2"] {
		t.Errorf("catalog items after updates: %v", ids)
	}

	pending, err := s.PendingUpdates(ctx, "bpp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].Type != UpdateAdd || pending[1].Type != UpdateRemove {
		t.Errorf("queue order wrong: %+v", pending)
	}
}

func TestRecordUpdate_QueueCapped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.StoreCatalog(ctx, "bpp1", sampleCatalog(), time.Hour); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxPendingUpdates+25; i++ {
		u := Update{Type: UpdatePrice, ItemID: "i1", Item: &Item{Price: &Price{Value: "1.00"}}}
		if err := s.RecordUpdate(ctx, "bpp1", u); err != nil {
			t.Fatal(err)
		}
	}
	pending, err := s.PendingUpdates(ctx, "bpp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != maxPendingUpdates {
		t.Fatalf("queue length %d, want %d", len(pending), maxPendingUpdates)
	}
}
