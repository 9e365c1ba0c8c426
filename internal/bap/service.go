// Package bap implements the buyer-side engine: a simplified outbound API
// that wraps requests into signed protocol envelopes, and the inbound on_*
// callback router.
package bap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/store"
	"github.com/becknlabs/beckn-engine/internal/transport"
)

const (
	dispatchWorkers   = 8
	dispatchQueueSize = 256

	// How long an on_search catalog stays queryable on the buyer side.
	callbackCacheTTL = 30 * time.Minute

	onSearchCachePrefix = "bap:onsearch:"
)

// Defaults provides per-node context values applied when a request omits
// them.
type Defaults struct {
	SubscriberID  string
	SubscriberURL string
	Domain        string
	Country       string
	City          string
	CoreVersion   string
	GatewayURL    string
	TTL           time.Duration
}

type dispatch struct {
	body      []byte
	url       string
	messageID string
	deadline  time.Time
	sentAt    time.Time
}

type Service struct {
	defaults Defaults
	client   *transport.Client
	txlog    *store.TxLog
	deduper  *protocol.Deduper
	rdb      *redis.Client
	webhooks *Webhooks
	log      *zap.Logger

	queue chan dispatch
}

func NewService(defaults Defaults, client *transport.Client, txlog *store.TxLog, deduper *protocol.Deduper, rdb *redis.Client, webhooks *Webhooks, log *zap.Logger) *Service {
	return &Service{
		defaults: defaults,
		client:   client,
		txlog:    txlog,
		deduper:  deduper,
		rdb:      rdb,
		webhooks: webhooks,
		log:      log,
		queue:    make(chan dispatch, dispatchQueueSize),
	}
}

// Run starts the dispatch workers and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for i := 0; i < dispatchWorkers; i++ {
		go s.worker(ctx)
	}
	<-ctx.Done()
}

// ActionRequest is the simplified API body. Search needs only domain/city
// plus the message; order actions additionally carry the BPP coordinates and
// the transaction they continue.
type ActionRequest struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	Domain        string          `json:"domain,omitempty"`
	City          string          `json:"city,omitempty"`
	BppID         string          `json:"bpp_id,omitempty"`
	BppURI        string          `json:"bpp_uri,omitempty"`
	Message       json.RawMessage `json:"message"`
}

// ActionResponse acknowledges acceptance; delivery is asynchronous and its
// outcome lands in the transaction log.
type ActionResponse struct {
	Ack           protocol.AckResponse `json:"ack"`
	TransactionID string               `json:"transaction_id"`
	MessageID     string               `json:"message_id"`
}

// Send builds, signs, logs and queues one outbound action. It returns as
// soon as the SENT row is persisted and the work item queued.
func (s *Service) Send(ctx context.Context, action string, req *ActionRequest) (*ActionResponse, *protocol.Error) {
	if action != protocol.ActionSearch && (req.BppID == "" || req.BppURI == "") {
		return nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField,
			"%s requires bpp_id and bpp_uri", action)
	}
	if len(req.Message) == 0 {
		return nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "missing message")
	}

	domain := req.Domain
	if domain == "" {
		domain = s.defaults.Domain
	}
	city := req.City
	if city == "" {
		city = s.defaults.City
	}

	env := protocol.Envelope{
		Context: protocol.NewContext(protocol.ContextParams{
			Domain:        domain,
			Country:       s.defaults.Country,
			City:          city,
			Action:        action,
			CoreVersion:   s.defaults.CoreVersion,
			BapID:         s.defaults.SubscriberID,
			BapURI:        s.defaults.SubscriberURL,
			BppID:         req.BppID,
			BppURI:        req.BppURI,
			TransactionID: req.TransactionID,
			TTL:           s.defaults.TTL,
		}),
		Message: req.Message,
	}
	body, err := json.Marshal(&env)
	if err != nil {
		return nil, protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "marshal envelope: %v", err)
	}

	if _, err := s.txlog.Append(ctx, &store.TxLogEntry{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        action,
		BapID:         env.Context.BapID,
		BppID:         env.Context.BppID,
		Domain:        domain,
		City:          city,
		RequestBody:   body,
		Status:        store.TxStatusSent,
	}); err != nil {
		return nil, protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "%v", err)
	}

	url := s.defaults.GatewayURL + "/search"
	if action != protocol.ActionSearch {
		url = req.BppURI + "/" + action
	}
	now := time.Now()
	d := dispatch{
		body:      body,
		url:       url,
		messageID: env.Context.MessageID,
		deadline:  now.Add(env.Context.TTLWindow(s.defaults.TTL)),
		sentAt:    now,
	}
	select {
	case s.queue <- d:
	default:
		s.resolve(ctx, d, store.TxStatusError, nil, "dispatch queue full")
		return nil, protocol.NewError(protocol.KindTechnicalError, protocol.CodeUpstreamTimeout, "dispatch queue full")
	}

	return &ActionResponse{
		Ack:           protocol.Ack(),
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
	}, nil
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.queue:
			s.dispatch(ctx, d)
		}
	}
}

// dispatch is fire-and-forget: the synchronous API already ACKed, so
// failures only update the transaction log.
func (s *Service) dispatch(ctx context.Context, d dispatch) {
	callCtx, cancel := context.WithDeadline(ctx, d.deadline)
	defer cancel()

	ack, err := s.client.Post(callCtx, d.url, d.body, "")
	if err != nil {
		// A structured NACK can ride on a 4xx; keep its body over a bare ERROR.
		if ack != nil && ack.Message.Ack.Status == "NACK" {
			respBody, _ := json.Marshal(ack)
			s.resolve(ctx, d, store.TxStatusNack, respBody, err.Error())
			return
		}
		status := store.TxStatusError
		if time.Now().After(d.deadline) {
			status = store.TxStatusTimeout
		}
		s.log.Warn("dispatch failed",
			zap.String("url", d.url),
			zap.String("message_id", d.messageID),
			zap.Error(err))
		s.resolve(ctx, d, status, nil, err.Error())
		return
	}

	respBody, _ := json.Marshal(ack)
	status := store.TxStatusAck
	if ack.Message.Ack.Status == "NACK" {
		status = store.TxStatusNack
	}
	s.resolve(ctx, d, status, respBody, "")
}

func (s *Service) resolve(ctx context.Context, d dispatch, status string, respBody json.RawMessage, errMsg string) {
	if err := s.txlog.Resolve(ctx, d.messageID, status, respBody, time.Since(d.sentAt), errMsg); err != nil {
		s.log.Error("txlog resolve failed", zap.String("message_id", d.messageID), zap.Error(err))
	}
}

// ── Callbacks ──

// HandleCallback processes one verified on_* envelope: validate, dedup, drop
// late arrivals, log, project, and fan out to webhooks. The returned error
// is the synchronous NACK, nil means ACK.
func (s *Service) HandleCallback(ctx context.Context, action string, body []byte, env *protocol.Envelope) *protocol.Error {
	if perr := protocol.Validate(&env.Context, time.Now()); perr != nil {
		return perr
	}

	seen, err := s.deduper.Seen(ctx, env.Context.MessageID)
	if err != nil {
		return protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "dedup unavailable")
	}
	if seen {
		// Acknowledged but suppressed: at-most-once callback processing.
		return nil
	}

	if s.isLate(&env.Context) {
		s.log.Warn("late callback dropped",
			zap.String("action", action),
			zap.String("transaction_id", env.Context.TransactionID),
			zap.String("message_id", env.Context.MessageID))
		return nil
	}

	if _, err := s.txlog.Append(ctx, &store.TxLogEntry{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        action,
		BapID:         env.Context.BapID,
		BppID:         env.Context.BppID,
		Domain:        env.Context.Domain,
		City:          env.Context.EffectiveCity(),
		RequestBody:   body,
		Status:        store.TxStatusCallbackReceived,
	}); err != nil {
		return protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "%v", err)
	}

	s.project(ctx, action, env)
	s.webhooks.Notify(ctx, action, body)
	return nil
}

// isLate reports whether the callback arrived after its context's ttl
// window, measured from the context timestamp.
func (s *Service) isLate(c *protocol.Context) bool {
	ts, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return false
	}
	return time.Now().After(ts.Add(c.TTLWindow(s.defaults.TTL)))
}

// project maintains the buyer-side read models: on_search catalogs are
// cached per transaction for the result API.
func (s *Service) project(ctx context.Context, action string, env *protocol.Envelope) {
	if action != "on_search" {
		return
	}
	key := onSearchCachePrefix + env.Context.TransactionID
	if err := s.rdb.RPush(ctx, key, []byte(env.Message)).Err(); err != nil {
		s.log.Error("catalog cache failed", zap.String("transaction_id", env.Context.TransactionID), zap.Error(err))
		return
	}
	s.rdb.Expire(ctx, key, callbackCacheTTL)
}

// SearchResults returns the accumulated on_search messages for a
// transaction, in arrival order.
func (s *Service) SearchResults(ctx context.Context, transactionID string) ([]json.RawMessage, error) {
	raws, err := s.rdb.LRange(ctx, onSearchCachePrefix+transactionID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(raws))
	for _, raw := range raws {
		out = append(out, json.RawMessage(raw))
	}
	return out, nil
}

// OrderView is the joined transaction-log projection for one transaction.
type OrderView struct {
	TransactionID string             `json:"transaction_id"`
	Status        string             `json:"status"`
	CallbackData  json.RawMessage    `json:"callback_data,omitempty"`
	History       []store.TxLogEntry `json:"history"`
}

// OrderStatus joins the log by transaction: latest status plus the most
// recent on_* body. store.ErrNotFound when the transaction is unknown.
func (s *Service) OrderStatus(ctx context.Context, transactionID string) (*OrderView, error) {
	entries, err := s.txlog.ByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}

	view := &OrderView{
		TransactionID: transactionID,
		Status:        entries[len(entries)-1].Status,
		History:       entries,
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if protocol.IsCallbackAction(entries[i].Action) {
			view.CallbackData = entries[i].RequestBody
			break
		}
	}
	return view, nil
}
