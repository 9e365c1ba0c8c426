package protocol

import (
	"time"

	"github.com/google/uuid"
)

const (
	// Receiver clock window for context timestamps.
	maxTimestampAge  = 5 * time.Minute
	maxTimestampSkew = 30 * time.Second
)

// Validate enforces the context invariants. It returns nil for a valid
// context and a structured *Error (10000-range) otherwise.
func Validate(c *Context, now time.Time) *Error {
	if c.Domain == "" {
		return NewError(KindContextError, CodeMissingField, "context.domain is required")
	}
	if c.Action == "" {
		return NewError(KindContextError, CodeMissingField, "context.action is required")
	}
	if c.BapID == "" || c.BapURI == "" {
		return NewError(KindContextError, CodeMissingField, "context.bap_id and context.bap_uri are required")
	}
	if c.TransactionID == "" {
		return NewError(KindContextError, CodeMissingField, "context.transaction_id is required")
	}
	if c.MessageID == "" {
		return NewError(KindContextError, CodeMissingField, "context.message_id is required")
	}
	if c.Timestamp == "" {
		return NewError(KindContextError, CodeMissingField, "context.timestamp is required")
	}

	if !isUUIDv4(c.TransactionID) {
		return NewError(KindContextError, CodeInvalidUUID, "context.transaction_id is not a v4 UUID")
	}
	if !isUUIDv4(c.MessageID) {
		return NewError(KindContextError, CodeInvalidUUID, "context.message_id is not a v4 UUID")
	}

	if err := validateVersionForms(c); err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return NewError(KindContextError, CodeStaleTimestamp, "context.timestamp is not ISO-8601: %v", err)
	}
	if ts.Before(now.Add(-maxTimestampAge)) {
		return NewError(KindContextError, CodeStaleTimestamp, "context.timestamp older than %s", maxTimestampAge)
	}
	if ts.After(now.Add(maxTimestampSkew)) {
		return NewError(KindContextError, CodeStaleTimestamp, "context.timestamp more than %s in the future", maxTimestampSkew)
	}

	if c.TTL != "" {
		ttl, err := ParseISODuration(c.TTL)
		if err != nil {
			return NewError(KindContextError, CodeExpiredTTL, "context.ttl is not an ISO-8601 duration: %v", err)
		}
		if ts.Add(ttl).Before(now) {
			return NewError(KindContextError, CodeExpiredTTL, "message expired: timestamp + ttl is in the past")
		}
	}

	// search is the only action a BAP can issue without knowing its
	// counterparty; everything else, and every callback, names the BPP.
	if c.Action != ActionSearch && (c.BppID == "" || c.BppURI == "") {
		return NewError(KindContextError, CodeMissingField, "context.bpp_id and context.bpp_uri are required for %s", c.Action)
	}

	return nil
}

// validateVersionForms accepts either the v1.1 flat or v1.2 nested form but
// rejects disagreement when both are present.
func validateVersionForms(c *Context) *Error {
	if c.Location != nil {
		if c.Country != "" && c.Location.Country != nil && c.Location.Country.Code != "" &&
			c.Country != c.Location.Country.Code {
			return NewError(KindContextError, CodeVersionMismatch,
				"context.country %q disagrees with context.location.country.code %q", c.Country, c.Location.Country.Code)
		}
		if c.City != "" && c.Location.City != nil && c.Location.City.Code != "" &&
			c.City != c.Location.City.Code {
			return NewError(KindContextError, CodeVersionMismatch,
				"context.city %q disagrees with context.location.city.code %q", c.City, c.Location.City.Code)
		}
	}
	if c.CoreVersion != "" && c.Version != "" && c.CoreVersion != c.Version {
		return NewError(KindContextError, CodeVersionMismatch,
			"context.core_version %q disagrees with context.version %q", c.CoreVersion, c.Version)
	}
	return nil
}

func isUUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4
}
