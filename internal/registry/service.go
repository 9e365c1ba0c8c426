// Package registry implements the network trust registry: onboarding with an
// encrypted challenge, lookup with caching, signed lookups, and the admin
// lifecycle.
package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/auth"
	"github.com/becknlabs/beckn-engine/internal/crypto"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/store"
)

const (
	challengeKeyPrefix = "subscribe:challenge:"
	challengeTTL       = 10 * time.Minute

	lookupGenKey    = "lookup:gen"
	lookupKeyPrefix = "lookup:"
	lookupCacheTTL  = 5 * time.Minute

	eventsQueueKey  = "events:registry"
	maxQueuedEvents = 1000

	subscriptionValidity = 365 * 24 * time.Hour

	casRetries = 3
)

// ErrUnauthorized marks signature failures on vlookup; handlers map it to 401.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the registry's own signing identity, used to sign vlookup
// responses.
type Identity struct {
	SubscriberID string
	UniqueKeyID  string
	PrivateKey   ed25519.PrivateKey
}

type Service struct {
	subs     *store.Subscribers
	audit    *store.Audit
	rdb      *redis.Client
	identity Identity
	log      *zap.Logger
}

func NewService(subs *store.Subscribers, audit *store.Audit, rdb *redis.Client, identity Identity, log *zap.Logger) *Service {
	return &Service{subs: subs, audit: audit, rdb: rdb, identity: identity, log: log}
}

// ── Subscription ──

// SubscribeRequest is the onboarding body.
type SubscribeRequest struct {
	SubscriberID     string `json:"subscriber_id"`
	SubscriberURL    string `json:"subscriber_url"`
	Type             string `json:"type"`
	SigningPublicKey string `json:"signing_public_key"`
	EncrPublicKey    string `json:"encr_public_key"`
	UniqueKeyID      string `json:"unique_key_id"`
	Domain           string `json:"domain"`
	City             string `json:"city"`
}

// SubscribeResponse carries the ECIES-encrypted challenge back to the caller.
type SubscribeResponse struct {
	Status    string `json:"status"`
	Challenge string `json:"challenge"`
}

func (r *SubscribeRequest) validate() *protocol.Error {
	for _, f := range []struct{ val, name string }{
		{r.SubscriberID, "subscriber_id"},
		{r.SubscriberURL, "subscriber_url"},
		{r.Type, "type"},
		{r.SigningPublicKey, "signing_public_key"},
		{r.EncrPublicKey, "encr_public_key"},
		{r.UniqueKeyID, "unique_key_id"},
		{r.Domain, "domain"},
		{r.City, "city"},
	} {
		if f.val == "" {
			return protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "missing %s", f.name)
		}
	}
	switch r.Type {
	case store.TypeBAP, store.TypeBPP, store.TypeBG:
	default:
		return protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "unknown subscriber type %q", r.Type)
	}
	return nil
}

// Subscribe onboards (or re-onboards) a participant. The returned challenge
// is encrypted with the caller's encryption key; only the holder of the
// matching private key can answer it.
func (s *Service) Subscribe(ctx context.Context, req *SubscribeRequest, remoteIP string) (*SubscribeResponse, *protocol.Error) {
	if perr := req.validate(); perr != nil {
		return nil, perr
	}

	existing, err := s.subs.Get(ctx, req.SubscriberID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, storageError(err)
	}
	if existing != nil && existing.Status == store.StatusSubscribed {
		return nil, protocol.NewError(protocol.KindPolicyError, protocol.CodeUnauthorized,
			"%s is already subscribed", req.SubscriberID)
	}

	sub := &store.Subscriber{
		SubscriberID:     req.SubscriberID,
		SubscriberURL:    req.SubscriberURL,
		Type:             req.Type,
		SigningPublicKey: req.SigningPublicKey,
		EncrPublicKey:    req.EncrPublicKey,
		UniqueKeyID:      req.UniqueKeyID,
		Domain:           req.Domain,
		City:             req.City,
		Status:           store.StatusUnderSubscription,
	}
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return nil, storageError(err)
	}

	plain := make([]byte, 32)
	if _, err := rand.Read(plain); err != nil {
		return nil, storageError(err)
	}
	challenge := base64.StdEncoding.EncodeToString(plain)

	encrypted, err := crypto.Encrypt([]byte(challenge), req.EncrPublicKey)
	if err != nil {
		return nil, protocol.NewError(protocol.KindContextError, protocol.CodeSignatureInvalid,
			"encrypt challenge: %v", err)
	}

	// Plaintext is held server-side only; the caller must decrypt to answer.
	if err := s.rdb.Set(ctx, challengeKeyPrefix+req.SubscriberID, challenge, challengeTTL).Err(); err != nil {
		return nil, storageError(err)
	}

	s.auditLog(ctx, req.SubscriberID, "subscribe", req.SubscriberID, "challenge issued", remoteIP)
	return &SubscribeResponse{Status: store.StatusInitiated, Challenge: encrypted}, nil
}

// ChallengeAnswer is the on_subscribe body: the decrypted challenge.
type ChallengeAnswer struct {
	SubscriberID string `json:"subscriber_id"`
	Answer       string `json:"answer"`
}

// ConfirmSubscription checks the decrypted challenge. A match activates the
// subscriber for one year and publishes a subscriber.subscribed event; a
// mismatch drops the record back to INITIATED.
func (s *Service) ConfirmSubscription(ctx context.Context, ans *ChallengeAnswer, remoteIP string) *protocol.Error {
	if ans.SubscriberID == "" || ans.Answer == "" {
		return protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "missing subscriber_id or answer")
	}

	expected, err := s.rdb.Get(ctx, challengeKeyPrefix+ans.SubscriberID).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.NewError(protocol.KindPolicyError, protocol.CodeUnauthorized,
			"no pending challenge for %s", ans.SubscriberID)
	}
	if err != nil {
		return storageError(err)
	}

	if ans.Answer != expected {
		if err := s.setStatusCAS(ctx, ans.SubscriberID, store.StatusInitiated, time.Time{}, time.Time{}); err != nil {
			return storageError(err)
		}
		s.auditLog(ctx, ans.SubscriberID, "subscribe_failed", ans.SubscriberID, "challenge mismatch", remoteIP)
		return protocol.NewError(protocol.KindPolicyError, protocol.CodeUnauthorized, "challenge mismatch")
	}

	now := time.Now().UTC()
	if err := s.setStatusCAS(ctx, ans.SubscriberID, store.StatusSubscribed, now, now.Add(subscriptionValidity)); err != nil {
		return storageError(err)
	}
	s.rdb.Del(ctx, challengeKeyPrefix+ans.SubscriberID)
	s.invalidateLookupCache(ctx)
	s.auditLog(ctx, ans.SubscriberID, "subscribed", ans.SubscriberID, "challenge matched", remoteIP)
	s.publishEvent(ctx, "subscriber.subscribed", ans.SubscriberID)
	return nil
}

// setStatusCAS retries the optimistic status update a few times; registry
// writes contend only on concurrent admin action.
func (s *Service) setStatusCAS(ctx context.Context, id, status string, validFrom, validUntil time.Time) error {
	keepWindow := validFrom.IsZero()
	for i := 0; i < casRetries; i++ {
		sub, err := s.subs.Get(ctx, id)
		if err != nil {
			return err
		}
		if keepWindow {
			validFrom, validUntil = sub.ValidFrom, sub.ValidUntil
		}
		err = s.subs.SetStatus(ctx, id, status, validFrom, validUntil, sub.RowVersion)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return store.ErrVersionConflict
}

// ── Lookup ──

// Lookup returns the public projection, served from a short-lived cache when
// possible. The cache key carries a generation counter; mutations bump it so
// stale entries age out on their own TTL.
func (s *Service) Lookup(ctx context.Context, f store.LookupFilter) ([]store.Subscriber, error) {
	key := s.lookupCacheKey(ctx, f)

	if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
		var cached []store.Subscriber
		if json.Unmarshal([]byte(raw), &cached) == nil {
			return cached, nil
		}
	}

	subs, err := s.subs.Lookup(ctx, f)
	if err != nil {
		return nil, err
	}
	if blob, err := json.Marshal(subs); err == nil {
		s.rdb.Set(ctx, key, blob, lookupCacheTTL)
	}
	return subs, nil
}

func (s *Service) lookupCacheKey(ctx context.Context, f store.LookupFilter) string {
	gen, err := s.rdb.Get(ctx, lookupGenKey).Int64()
	if err != nil {
		gen = 0
	}
	return lookupKeyPrefix + strconv.FormatInt(gen, 10) + ":" +
		f.SubscriberID + "|" + f.Type + "|" + f.Domain + "|" + f.City
}

func (s *Service) invalidateLookupCache(ctx context.Context) {
	if err := s.rdb.Incr(ctx, lookupGenKey).Err(); err != nil {
		s.log.Warn("lookup cache invalidation failed", zap.Error(err))
	}
}

// SignedLookup runs Lookup and signs the marshaled result with the registry's
// own key so intermediaries cannot tamper with it.
type SignedLookup struct {
	Subscribers json.RawMessage `json:"subscribers"`
	Signature   string          `json:"signature"`
}

func (s *Service) VLookup(ctx context.Context, f store.LookupFilter) (*SignedLookup, error) {
	subs, err := s.Lookup(ctx, f)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(subs)
	if err != nil {
		return nil, err
	}
	sig, err := auth.BuildAuthHeader(s.identity.SubscriberID, s.identity.UniqueKeyID, s.identity.PrivateKey, body, challengeTTL)
	if err != nil {
		return nil, fmt.Errorf("sign lookup: %w", err)
	}
	return &SignedLookup{Subscribers: body, Signature: sig}, nil
}

// ── ONDC vlookup ──

type VLookupSearch struct {
	Country      string `json:"country"`
	Domain       string `json:"domain"`
	Type         string `json:"type"`
	City         string `json:"city"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

type VLookupRequest struct {
	SenderSubscriberID string        `json:"sender_subscriber_id"`
	RequestID          string        `json:"request_id"`
	Timestamp          string        `json:"timestamp"`
	Signature          string        `json:"signature"`
	SearchParameters   VLookupSearch `json:"search_parameters"`
}

type VLookupResponse struct {
	SubscriberID string             `json:"subscriber_id"`
	RequestID    string             `json:"request_id"`
	Timestamp    string             `json:"timestamp"`
	Subscribers  []store.Subscriber `json:"subscribers"`
	Signature    string             `json:"signature"`
}

// vlookupSigningString is the pipe-joined search tuple the sender signs.
func vlookupSigningString(p VLookupSearch) []byte {
	return []byte(strings.Join([]string{p.Country, p.Domain, p.Type, p.City, p.SubscriberID}, "|"))
}

// ONDCVLookup authenticates the sender by its registered signing key and
// returns a response signed by the registry. Invalid signatures map to 401.
func (s *Service) ONDCVLookup(ctx context.Context, req *VLookupRequest) (*VLookupResponse, error) {
	sender, err := s.subs.Get(ctx, req.SenderSubscriberID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(vlookupSigningString(req.SearchParameters), req.Signature, sender.SigningPublicKey) {
		return nil, ErrUnauthorized
	}

	subs, err := s.Lookup(ctx, store.LookupFilter{
		SubscriberID: req.SearchParameters.SubscriberID,
		Type:         req.SearchParameters.Type,
		Domain:       req.SearchParameters.Domain,
		City:         req.SearchParameters.City,
	})
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(subs)
	if err != nil {
		return nil, err
	}
	return &VLookupResponse{
		SubscriberID: s.identity.SubscriberID,
		RequestID:    req.RequestID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Subscribers:  subs,
		Signature:    crypto.Sign(body, s.identity.PrivateKey),
	}, nil
}

// ── Admin ──

// Transition applies an admin lifecycle action and records the audit trail
// with the previous status.
func (s *Service) Transition(ctx context.Context, id, action, actor, remoteIP string) error {
	var status string
	switch action {
	case "approve":
		status = store.StatusSubscribed
	case "suspend":
		status = store.StatusSuspended
	case "revoke":
		status = store.StatusRevoked
	default:
		return fmt.Errorf("unknown admin action %q", action)
	}

	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return err
	}
	validFrom, validUntil := sub.ValidFrom, sub.ValidUntil
	if action == "approve" {
		now := time.Now().UTC()
		validFrom, validUntil = now, now.Add(subscriptionValidity)
	}
	if err := s.subs.SetStatus(ctx, id, status, validFrom, validUntil, sub.RowVersion); err != nil {
		return err
	}
	s.invalidateLookupCache(ctx)
	s.auditLog(ctx, actor, action, id, "previous status "+sub.Status, remoteIP)
	return nil
}

func (s *Service) List(ctx context.Context, status, subType string) ([]store.Subscriber, error) {
	return s.subs.List(ctx, status, subType)
}

func (s *Service) Delete(ctx context.Context, id, actor, remoteIP string) error {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.subs.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidateLookupCache(ctx)
	s.auditLog(ctx, actor, "delete", id, "previous status "+sub.Status, remoteIP)
	return nil
}

// AddDomain registers an extension (domain, city) tuple.
func (s *Service) AddDomain(ctx context.Context, d store.SubscriberDomain, actor, remoteIP string) error {
	if _, err := s.subs.Get(ctx, d.SubscriberID); err != nil {
		return err
	}
	if err := s.subs.AddDomain(ctx, d); err != nil {
		return err
	}
	s.invalidateLookupCache(ctx)
	s.auditLog(ctx, actor, "add_domain", d.SubscriberID, d.Domain+"/"+d.City, remoteIP)
	return nil
}

func (s *Service) Domains(ctx context.Context, id string) ([]store.SubscriberDomain, error) {
	return s.subs.Domains(ctx, id)
}

func (s *Service) AuditTrail(ctx context.Context, id string) ([]store.AuditEntry, error) {
	return s.audit.ByResource(ctx, "subscriber", id)
}

// ── Helpers ──

func (s *Service) auditLog(ctx context.Context, actor, action, resourceID, details, ip string) {
	err := s.audit.Append(ctx, &store.AuditEntry{
		Actor:        actor,
		Action:       action,
		ResourceType: "subscriber",
		ResourceID:   resourceID,
		Details:      details,
		IP:           ip,
	})
	if err != nil {
		s.log.Error("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

type registryEvent struct {
	Event        string `json:"event"`
	SubscriberID string `json:"subscriber_id"`
	Timestamp    string `json:"timestamp"`
}

func (s *Service) publishEvent(ctx context.Context, event, subscriberID string) {
	blob, err := json.Marshal(registryEvent{
		Event:        event,
		SubscriberID: subscriberID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, eventsQueueKey, blob)
	pipe.LTrim(ctx, eventsQueueKey, -maxQueuedEvents, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("event publish failed", zap.String("event", event), zap.Error(err))
	}
}

func storageError(err error) *protocol.Error {
	return protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "%v", err)
}
