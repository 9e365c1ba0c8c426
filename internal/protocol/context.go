package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Protocol actions and their callbacks.
const (
	ActionSearch  = "search"
	ActionSelect  = "select"
	ActionInit    = "init"
	ActionConfirm = "confirm"
	ActionStatus  = "status"
	ActionTrack   = "track"
	ActionCancel  = "cancel"
	ActionUpdate  = "update"
	ActionRating  = "rating"
	ActionSupport = "support"
)

// Actions lists every request action a BPP must accept.
var Actions = []string{
	ActionSearch, ActionSelect, ActionInit, ActionConfirm, ActionStatus,
	ActionTrack, ActionCancel, ActionUpdate, ActionRating, ActionSupport,
}

// CallbackAction returns the on_* counterpart of a request action.
func CallbackAction(action string) string { return "on_" + action }

// IsCallbackAction reports whether action is an on_* callback.
func IsCallbackAction(action string) bool {
	return len(action) > 3 && action[:3] == "on_"
}

// LocationCode is the v1.2 nested code wrapper.
type LocationCode struct {
	Code string `json:"code"`
}

// Location carries the v1.2 nested country/city form.
type Location struct {
	Country *LocationCode `json:"country,omitempty"`
	City    *LocationCode `json:"city,omitempty"`
}

// Context is the per-message envelope. It carries both the v1.1 flat form
// (country, city, core_version) and the v1.2 nested form (location, version);
// a built context always emits both with identical values.
type Context struct {
	Domain        string    `json:"domain"`
	Country       string    `json:"country,omitempty"`
	City          string    `json:"city,omitempty"`
	Location      *Location `json:"location,omitempty"`
	Action        string    `json:"action"`
	CoreVersion   string    `json:"core_version,omitempty"`
	Version       string    `json:"version,omitempty"`
	BapID         string    `json:"bap_id"`
	BapURI        string    `json:"bap_uri"`
	BppID         string    `json:"bpp_id,omitempty"`
	BppURI        string    `json:"bpp_uri,omitempty"`
	TransactionID string    `json:"transaction_id"`
	MessageID     string    `json:"message_id"`
	Timestamp     string    `json:"timestamp"`
	TTL           string    `json:"ttl,omitempty"`
	MaxCallbacks  int       `json:"max_callbacks,omitempty"`
}

// Envelope is the universal request body {context, message}. The message is
// kept raw so unknown fields survive gateway forwarding verbatim.
type Envelope struct {
	Context Context         `json:"context"`
	Message json.RawMessage `json:"message"`
}

// ContextParams feeds NewContext. Zero TransactionID means a fresh
// transaction; MessageID is always fresh.
type ContextParams struct {
	Domain        string
	Country       string
	City          string
	Action        string
	CoreVersion   string
	BapID         string
	BapURI        string
	BppID         string
	BppURI        string
	TransactionID string
	TTL           time.Duration
}

// NewContext builds a context that passes Validate. Both version forms are
// emitted with identical values.
func NewContext(p ContextParams) Context {
	txn := p.TransactionID
	if txn == "" {
		txn = uuid.NewString()
	}
	return Context{
		Domain:        p.Domain,
		Country:       p.Country,
		City:          p.City,
		Location:      &Location{Country: &LocationCode{Code: p.Country}, City: &LocationCode{Code: p.City}},
		Action:        p.Action,
		CoreVersion:   p.CoreVersion,
		Version:       p.CoreVersion,
		BapID:         p.BapID,
		BapURI:        p.BapURI,
		BppID:         p.BppID,
		BppURI:        p.BppURI,
		TransactionID: txn,
		MessageID:     uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		TTL:           FormatISODuration(p.TTL),
	}
}

// EffectiveCity resolves the city across both forms, preferring the flat one.
func (c *Context) EffectiveCity() string {
	if c.City != "" {
		return c.City
	}
	if c.Location != nil && c.Location.City != nil {
		return c.Location.City.Code
	}
	return ""
}

// EffectiveCountry resolves the country across both forms.
func (c *Context) EffectiveCountry() string {
	if c.Country != "" {
		return c.Country
	}
	if c.Location != nil && c.Location.Country != nil {
		return c.Location.Country.Code
	}
	return ""
}

// EffectiveVersion resolves the core version across both forms.
func (c *Context) EffectiveVersion() string {
	if c.CoreVersion != "" {
		return c.CoreVersion
	}
	return c.Version
}

// TTLWindow returns the parsed ttl, or def when absent or unparseable.
func (c *Context) TTLWindow(def time.Duration) time.Duration {
	if c.TTL == "" {
		return def
	}
	d, err := ParseISODuration(c.TTL)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
