// Package catalog is the TTL-bound per-provider catalog store backing BPP
// search responses.
package catalog

import "encoding/json"

// Descriptor names an item or provider.
type Descriptor struct {
	Name      string   `json:"name,omitempty"`
	ShortDesc string   `json:"short_desc,omitempty"`
	LongDesc  string   `json:"long_desc,omitempty"`
	Images    []string `json:"images,omitempty"`
}

// Price carries decimal values as strings, as on the wire.
type Price struct {
	Currency     string `json:"currency,omitempty"`
	Value        string `json:"value,omitempty"`
	MaximumValue string `json:"maximum_value,omitempty"`
}

// ItemTime stamps the last mutation of an item, driving incremental pulls.
type ItemTime struct {
	Label     string `json:"label,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TagEntry is one code/value pair inside a tag group.
type TagEntry struct {
	Code  string `json:"code,omitempty"`
	Value string `json:"value,omitempty"`
}

// Tag is a named group of code/value pairs.
type Tag struct {
	Code string     `json:"code,omitempty"`
	List []TagEntry `json:"list,omitempty"`
}

// Item is one sellable catalog entry.
type Item struct {
	ID            string          `json:"id"`
	Descriptor    *Descriptor     `json:"descriptor,omitempty"`
	Price         *Price          `json:"price,omitempty"`
	CategoryID    string          `json:"category_id,omitempty"`
	FulfillmentID string          `json:"fulfillment_id,omitempty"`
	Quantity      json.RawMessage `json:"quantity,omitempty"`
	Time          *ItemTime       `json:"time,omitempty"`
	Tags          []Tag           `json:"tags,omitempty"`
}

// Fulfillment describes a delivery mode a provider offers.
type Fulfillment struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// Provider is the seller-side entity owning the items.
type Provider struct {
	ID           string        `json:"id"`
	Descriptor   *Descriptor   `json:"descriptor,omitempty"`
	Fulfillments []Fulfillment `json:"fulfillments,omitempty"`
}

// Catalog is what a BPP stores: one provider and its items.
type Catalog struct {
	Provider Provider `json:"provider"`
	Items    []Item   `json:"items"`
}

// Update types for the incremental queue.
const (
	UpdateAdd          = "add"
	UpdateRemove       = "remove"
	UpdateItemFields   = "update"
	UpdatePrice        = "price_update"
	UpdateAvailability = "availability_update"
)

// Update is one queued incremental catalog mutation.
type Update struct {
	Type      string `json:"type"`
	ItemID    string `json:"item_id"`
	Item      *Item  `json:"item,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Intent is the filter a buyer expresses in a search message.
type Intent struct {
	Item        *IntentItem `json:"item,omitempty"`
	Category    *IDRef      `json:"category,omitempty"`
	Provider    *IDRef      `json:"provider,omitempty"`
	Fulfillment *FulfillRef `json:"fulfillment,omitempty"`
	Tags        []Tag       `json:"tags,omitempty"`
	Descriptor  *Descriptor `json:"descriptor,omitempty"`
}

// IntentItem narrows by descriptor and price range.
type IntentItem struct {
	Descriptor *Descriptor `json:"descriptor,omitempty"`
	Price      *PriceRange `json:"price,omitempty"`
}

// PriceRange bounds item prices, inclusive; empty bounds are open.
type PriceRange struct {
	MinValue string `json:"minimum_value,omitempty"`
	MaxValue string `json:"maximum_value,omitempty"`
}

// IDRef is a bare id reference.
type IDRef struct {
	ID string `json:"id,omitempty"`
}

// FulfillRef narrows by fulfillment type.
type FulfillRef struct {
	Type string `json:"type,omitempty"`
}

// ProviderWithItems is the on_search projection of a provider.
type ProviderWithItems struct {
	Provider
	Items []Item `json:"items"`
}

// OnSearchCatalog is the catalog carried in an on_search message.
type OnSearchCatalog struct {
	Descriptor *Descriptor         `json:"descriptor,omitempty"`
	Providers  []ProviderWithItems `json:"providers"`
	Exp        string              `json:"exp,omitempty"`
}
