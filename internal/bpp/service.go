// Package bpp implements the seller-side engine: per-action protocol
// endpoints, the order state machine, and asynchronous on_* callbacks.
package bpp

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/catalog"
	"github.com/becknlabs/beckn-engine/internal/order"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/store"
	"github.com/becknlabs/beckn-engine/internal/transport"
)

const ratingsKey = "ratings"

// Defaults is the node identity stamped on callbacks.
type Defaults struct {
	SubscriberID  string
	SubscriberURL string
	TTL           time.Duration
	SupportEmail  string
	SupportPhone  string
}

type Service struct {
	defaults    Defaults
	orders      *store.Orders
	settlements *store.Settlements
	issues      *store.Issues
	txlog       *store.TxLog
	catalog     *catalog.Store
	deduper     *protocol.Deduper
	client      *transport.Client
	rdb         *redis.Client
	log         *zap.Logger

	// Per-transaction serialization: concurrent select/init on the same
	// transaction must not interleave.
	txLocks sync.Map
}

func NewService(defaults Defaults, orders *store.Orders, settlements *store.Settlements, issues *store.Issues, txlog *store.TxLog, cat *catalog.Store, deduper *protocol.Deduper, client *transport.Client, rdb *redis.Client, log *zap.Logger) *Service {
	return &Service{
		defaults:    defaults,
		orders:      orders,
		settlements: settlements,
		issues:      issues,
		txlog:       txlog,
		catalog:     cat,
		deduper:     deduper,
		client:      client,
		rdb:         rdb,
		log:         log,
	}
}

func (s *Service) lockTransaction(txnID string) func() {
	mu, _ := s.txLocks.LoadOrStore(txnID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// ── Message shapes ──

// orderPayload is the order fragment of inbound messages; raw fields are
// stored verbatim.
type orderPayload struct {
	ID           string          `json:"id,omitempty"`
	Provider     json.RawMessage `json:"provider,omitempty"`
	Items        json.RawMessage `json:"items,omitempty"`
	Billing      json.RawMessage `json:"billing,omitempty"`
	Fulfillments json.RawMessage `json:"fulfillments,omitempty"`
	Quote        json.RawMessage `json:"quote,omitempty"`
	Payment      json.RawMessage `json:"payment,omitempty"`
}

type ratingPayload struct {
	ID    string `json:"id,omitempty"`
	Value int    `json:"value"`
}

type issuePayload struct {
	Category    string `json:"category"`
	SubCategory string `json:"sub_category,omitempty"`
	ShortDesc   string `json:"short_desc"`
}

// actionMessage is the union body of every inbound action.
type actionMessage struct {
	Intent               *catalog.Intent `json:"intent,omitempty"`
	Order                *orderPayload   `json:"order,omitempty"`
	OrderID              string          `json:"order_id,omitempty"`
	CancellationReasonID string          `json:"cancellation_reason_id,omitempty"`
	Rating               *ratingPayload  `json:"rating,omitempty"`
	Issue                *issuePayload   `json:"issue,omitempty"`
}

// fulfillmentTags mirrors just enough of the fulfillment shape to detect a
// return request.
type fulfillmentTags struct {
	Type string        `json:"type,omitempty"`
	Tags []catalog.Tag `json:"tags,omitempty"`
}

// returnReason extracts the reason_id of a return_request fulfillment tag,
// or "" when the update is not a return.
func returnReason(fulfillments json.RawMessage) string {
	if len(fulfillments) == 0 {
		return ""
	}
	var list []fulfillmentTags
	if err := json.Unmarshal(fulfillments, &list); err != nil {
		return ""
	}
	for _, f := range list {
		for _, tag := range f.Tags {
			if tag.Code != "return_request" {
				continue
			}
			for _, e := range tag.List {
				if e.Code == "reason_id" {
					return e.Value
				}
			}
		}
	}
	return ""
}

// ── Order actions ──

// ActionResult is what processOrderAction reports back for logging.
type ActionResult struct {
	OrderID  string `json:"order_id,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// processOrderAction drives the state machine for one inbound action under
// the per-transaction lock. Read-only actions and search pass through.
func (s *Service) processOrderAction(ctx context.Context, action string, env *protocol.Envelope, msg *actionMessage) (*ActionResult, *protocol.Error) {
	unlock := s.lockTransaction(env.Context.TransactionID)
	defer unlock()

	switch action {
	case protocol.ActionSearch, protocol.ActionSupport, protocol.ActionStatus, protocol.ActionTrack:
		return s.readOnlyResult(ctx, env)
	case protocol.ActionSelect:
		return s.handleSelect(ctx, env, msg)
	case protocol.ActionInit:
		return s.handleInit(ctx, env, msg)
	case protocol.ActionConfirm:
		return s.handleConfirm(ctx, env, msg)
	case protocol.ActionCancel:
		return s.handleCancel(ctx, env, msg)
	case protocol.ActionUpdate:
		return s.handleUpdate(ctx, env, msg)
	case protocol.ActionRating:
		return s.handleRating(ctx, env, msg)
	}
	return nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "unknown action %q", action)
}

func (s *Service) readOnlyResult(ctx context.Context, env *protocol.Envelope) (*ActionResult, *protocol.Error) {
	ord, err := s.orders.ByTransaction(ctx, env.Context.TransactionID)
	if err != nil {
		return &ActionResult{}, nil
	}
	return &ActionResult{OrderID: ord.OrderID, NewState: ord.State}, nil
}

// handleSelect opens (or refreshes) the draft order for a transaction and
// prices it against the stored catalog.
func (s *Service) handleSelect(ctx context.Context, env *protocol.Envelope, msg *actionMessage) (*ActionResult, *protocol.Error) {
	if msg.Order == nil {
		return nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "select requires message.order")
	}

	quote, perr := s.buildQuote(ctx, msg.Order.Items)
	if perr != nil {
		return nil, perr
	}

	existing, err := s.orders.ByTransaction(ctx, env.Context.TransactionID)
	if err == nil {
		existing.Provider = msg.Order.Provider
		existing.Items = msg.Order.Items
		existing.Quote = quote
		if err := s.orders.Update(ctx, existing); err != nil {
			return nil, storageError(err)
		}
		return &ActionResult{OrderID: existing.OrderID, NewState: existing.State}, nil
	}

	ord := &store.Order{
		OrderID:       uuid.NewString(),
		TransactionID: env.Context.TransactionID,
		BapID:         env.Context.BapID,
		BppID:         s.defaults.SubscriberID,
		Domain:        env.Context.Domain,
		City:          env.Context.EffectiveCity(),
		State:         order.StateCreated,
		Provider:      msg.Order.Provider,
		Items:         msg.Order.Items,
		Quote:         quote,
	}
	if err := s.orders.Create(ctx, ord); err != nil {
		return nil, storageError(err)
	}
	if err := s.orders.AppendTransition(ctx, &store.StateTransition{
		OrderID: ord.OrderID, FromState: "", ToState: order.StateCreated, Action: protocol.ActionSelect, Actor: "buyer",
	}); err != nil {
		return nil, storageError(err)
	}
	return &ActionResult{OrderID: ord.OrderID, NewState: ord.State}, nil
}

func (s *Service) handleInit(ctx context.Context, env *protocol.Envelope, msg *actionMessage) (*ActionResult, *protocol.Error) {
	ord, perr := s.orderForTransaction(ctx, env.Context.TransactionID)
	if perr != nil {
		return nil, perr
	}
	if msg.Order != nil {
		if len(msg.Order.Billing) > 0 {
			ord.Billing = msg.Order.Billing
		}
		if len(msg.Order.Fulfillments) > 0 {
			ord.Fulfillments = msg.Order.Fulfillments
		}
	}
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, storageError(err)
	}
	return &ActionResult{OrderID: ord.OrderID, NewState: ord.State}, nil
}

// handleConfirm moves the order to ACCEPTED and opens the settlement
// obligation between the counterparties.
func (s *Service) handleConfirm(ctx context.Context, env *protocol.Envelope, msg *actionMessage) (*ActionResult, *protocol.Error) {
	ord, perr := s.orderForTransaction(ctx, env.Context.TransactionID)
	if perr != nil {
		return nil, perr
	}
	if perr := order.Transition(ord.State, order.StateAccepted); perr != nil {
		return nil, perr
	}

	prev := ord.State
	ord.State = order.StateAccepted
	if msg.Order != nil && len(msg.Order.Payment) > 0 {
		ord.Payment = msg.Order.Payment
	}
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, storageError(err)
	}
	if err := s.orders.AppendTransition(ctx, &store.StateTransition{
		OrderID: ord.OrderID, FromState: prev, ToState: ord.State, Action: protocol.ActionConfirm, Actor: "buyer",
	}); err != nil {
		return nil, storageError(err)
	}

	amount, currency := quoteAmount(ord.Quote)
	if err := s.settlements.Create(ctx, &store.Settlement{
		OrderID:          ord.OrderID,
		CollectorAppID:   ord.BapID,
		ReceiverAppID:    ord.BppID,
		SettlementStatus: store.SettlementPending,
		ReconStatus:      store.ReconUnmatched,
		Amount:           amount,
		Currency:         currency,
	}); err != nil {
		s.log.Error("settlement create failed", zap.String("order_id", ord.OrderID), zap.Error(err))
	}

	return &ActionResult{OrderID: ord.OrderID, NewState: ord.State}, nil
}

func (s *Service) handleCancel(ctx context.Context, env *protocol.Envelope, msg *actionMessage) (*ActionResult, *protocol.Error) {
	if perr := order.ValidateCancellationReason(msg.CancellationReasonID); perr != nil {
		return nil, perr
	}
	ord, perr := s.orderForTransaction(ctx, env.Context.TransactionID)
	if perr != nil {
		return nil, perr
	}
	if perr := order.Transition(ord.State, order.StateCancelled); perr != nil {
		return nil, perr
	}

	prev := ord.State
	ord.State = order.StateCancelled
	ord.CancellationReasonCode = msg.CancellationReasonID
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, storageError(err)
	}
	if err := s.orders.AppendTransition(ctx, &store.StateTransition{
		OrderID:   ord.OrderID,
		FromState: prev,
		ToState:   ord.State,
		Action:    protocol.ActionCancel,
		Actor:     order.CancellationActor(msg.CancellationReasonID),
		Details:   "reason " + msg.CancellationReasonID,
	}); err != nil {
		return nil, storageError(err)
	}
	return &ActionResult{OrderID: ord.OrderID, NewState: ord.State}, nil
}

func (s *Service) handleUpdate(ctx context.Context, env *protocol.Envelope, msg *actionMessage) (*ActionResult, *protocol.Error) {
	ord, perr := s.orderForTransaction(ctx, env.Context.TransactionID)
	if perr != nil {
		return nil, perr
	}

	var reason string
	if msg.Order != nil {
		reason = returnReason(msg.Order.Fulfillments)
	}
	if reason != "" {
		if perr := order.ValidateReturnReason(reason); perr != nil {
			return nil, perr
		}
		if perr := order.Transition(ord.State, order.StateReturned); perr != nil {
			return nil, perr
		}
		prev := ord.State
		ord.State = order.StateReturned
		ord.Fulfillments = msg.Order.Fulfillments
		if err := s.orders.Update(ctx, ord); err != nil {
			return nil, storageError(err)
		}
		if err := s.orders.AppendTransition(ctx, &store.StateTransition{
			OrderID:   ord.OrderID,
			FromState: prev,
			ToState:   ord.State,
			Action:    protocol.ActionUpdate,
			Actor:     order.ReturnActor(reason),
			Details:   "return reason " + reason,
		}); err != nil {
			return nil, storageError(err)
		}
		return &ActionResult{OrderID: ord.OrderID, NewState: ord.State}, nil
	}

	// Plain update: apply the diff, state unchanged.
	if msg.Order != nil {
		if len(msg.Order.Items) > 0 {
			ord.Items = msg.Order.Items
		}
		if len(msg.Order.Billing) > 0 {
			ord.Billing = msg.Order.Billing
		}
		if len(msg.Order.Fulfillments) > 0 {
			ord.Fulfillments = msg.Order.Fulfillments
		}
	}
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, storageError(err)
	}
	return &ActionResult{OrderID: ord.OrderID, NewState: ord.State}, nil
}

func (s *Service) handleRating(ctx context.Context, env *protocol.Envelope, msg *actionMessage) (*ActionResult, *protocol.Error) {
	if msg.Rating == nil {
		return nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "rating requires message.rating")
	}
	if msg.Rating.Value < 1 || msg.Rating.Value > 5 {
		return nil, protocol.NewError(protocol.KindBusinessError, protocol.CodeInvalidValue,
			"rating %d outside 1..5", msg.Rating.Value)
	}

	target := msg.Rating.ID
	if target == "" {
		target = env.Context.TransactionID
	}
	if err := s.rdb.HSet(ctx, ratingsKey, target, msg.Rating.Value).Err(); err != nil {
		return nil, storageError(err)
	}
	return s.readOnlyResult(ctx, env)
}

func (s *Service) orderForTransaction(ctx context.Context, txnID string) (*store.Order, *protocol.Error) {
	ord, err := s.orders.ByTransaction(ctx, txnID)
	if err != nil {
		return nil, protocol.NewError(protocol.KindDomainError, protocol.CodeUnknownProvider,
			"no order for transaction %s", txnID)
	}
	return ord, nil
}

// AdvanceOrder is the fulfillment integration hook: it drives ACCEPTED →
// IN_PROGRESS → COMPLETED outside the protocol surface.
func (s *Service) AdvanceOrder(ctx context.Context, orderID, toState string) (*store.Order, *protocol.Error) {
	ord, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, protocol.NewError(protocol.KindDomainError, protocol.CodeUnknownProvider, "unknown order %s", orderID)
	}

	unlock := s.lockTransaction(ord.TransactionID)
	defer unlock()

	if toState == "" {
		switch ord.State {
		case order.StateAccepted:
			toState = order.StateInProgress
		case order.StateInProgress:
			toState = order.StateCompleted
		default:
			return nil, protocol.NewError(protocol.KindBusinessError, protocol.CodeInvalidTransition,
				"no default advance from %s", ord.State)
		}
	}
	if perr := order.Transition(ord.State, toState); perr != nil {
		return nil, perr
	}

	prev := ord.State
	ord.State = toState
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, storageError(err)
	}
	if err := s.orders.AppendTransition(ctx, &store.StateTransition{
		OrderID: ord.OrderID, FromState: prev, ToState: toState, Action: "advance", Actor: "seller",
	}); err != nil {
		return nil, storageError(err)
	}
	return ord, nil
}

// ── Quote ──

type quoteItemRef struct {
	ID       string `json:"id"`
	Quantity struct {
		Count int `json:"count"`
	} `json:"quantity"`
}

// buildQuote prices the selected items against the stored catalog. Unknown
// items are a DOMAIN-ERROR; a missing catalog yields an unpriced quote.
func (s *Service) buildQuote(ctx context.Context, items json.RawMessage) (json.RawMessage, *protocol.Error) {
	var refs []quoteItemRef
	if len(items) > 0 {
		if err := json.Unmarshal(items, &refs); err != nil {
			return nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField,
				"malformed order.items: %v", err)
		}
	}

	resp, err := s.catalog.BuildOnSearchResponse(ctx, s.defaults.SubscriberID, nil)
	if err != nil {
		return nil, storageError(err)
	}

	priced := map[string]catalog.Price{}
	if resp != nil {
		for _, p := range resp.Providers {
			for _, it := range p.Items {
				if it.Price != nil {
					priced[it.ID] = *it.Price
				}
			}
		}
	}

	total := 0.0
	currency := "INR"
	breakup := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		count := ref.Quantity.Count
		if count <= 0 {
			count = 1
		}
		price, ok := priced[ref.ID]
		if !ok {
			if resp != nil {
				return nil, protocol.NewError(protocol.KindDomainError, protocol.CodeUnknownProvider,
					"unknown item %s", ref.ID)
			}
			continue
		}
		v, err := strconv.ParseFloat(price.Value, 64)
		if err != nil {
			continue
		}
		if price.Currency != "" {
			currency = price.Currency
		}
		line := v * float64(count)
		total += line
		breakup = append(breakup, map[string]any{
			"item_id": ref.ID,
			"price":   map[string]string{"currency": currency, "value": strconv.FormatFloat(line, 'f', 2, 64)},
		})
	}

	quote := map[string]any{
		"price":   map[string]string{"currency": currency, "value": strconv.FormatFloat(total, 'f', 2, 64)},
		"breakup": breakup,
		"ttl":     "PT15M",
	}
	blob, err := json.Marshal(quote)
	if err != nil {
		return nil, storageError(err)
	}
	return blob, nil
}

// quoteAmount pulls the total out of a stored quote blob.
func quoteAmount(quote json.RawMessage) (string, string) {
	var q struct {
		Price struct {
			Currency string `json:"currency"`
			Value    string `json:"value"`
		} `json:"price"`
	}
	if err := json.Unmarshal(quote, &q); err != nil {
		return "0.00", "INR"
	}
	if q.Price.Value == "" {
		return "0.00", "INR"
	}
	currency := q.Price.Currency
	if currency == "" {
		currency = "INR"
	}
	return q.Price.Value, currency
}

func storageError(err error) *protocol.Error {
	return protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "%v", err)
}
