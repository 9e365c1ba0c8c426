package bpp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/store"
)

// sendCallback builds the on_* reply for one ACKed action and posts it,
// signed, to the buyer app. A nil message (for example no catalog delta)
// suppresses the callback entirely.
func (s *Service) sendCallback(ctx context.Context, action string, env *protocol.Envelope, msg *actionMessage) {
	message, err := s.buildCallbackMessage(ctx, action, env, msg)
	if err != nil {
		s.log.Error("callback build failed",
			zap.String("action", action),
			zap.String("transaction_id", env.Context.TransactionID),
			zap.Error(err))
		return
	}
	if message == nil {
		return
	}

	cbAction := protocol.CallbackAction(action)
	cbEnv := &protocol.Envelope{
		Context: protocol.NewContext(protocol.ContextParams{
			Domain:        env.Context.Domain,
			Country:       env.Context.EffectiveCountry(),
			City:          env.Context.EffectiveCity(),
			Action:        cbAction,
			CoreVersion:   env.Context.EffectiveVersion(),
			BapID:         env.Context.BapID,
			BapURI:        env.Context.BapURI,
			BppID:         s.defaults.SubscriberID,
			BppURI:        s.defaults.SubscriberURL,
			TransactionID: env.Context.TransactionID,
			TTL:           s.defaults.TTL,
		}),
		Message: message,
	}

	deadline := time.Now().Add(env.Context.TTLWindow(s.defaults.TTL))
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	url := env.Context.BapURI + "/" + cbAction
	sentAt := time.Now()
	ack, err := s.client.PostEnvelope(callCtx, url, cbEnv, "")

	entry := &store.TxLogEntry{
		TransactionID: cbEnv.Context.TransactionID,
		MessageID:     cbEnv.Context.MessageID,
		Action:        cbAction,
		BapID:         cbEnv.Context.BapID,
		BppID:         cbEnv.Context.BppID,
		Domain:        cbEnv.Context.Domain,
		City:          cbEnv.Context.EffectiveCity(),
		Status:        store.TxStatusSent,
		LatencyMS:     time.Since(sentAt).Milliseconds(),
	}
	switch {
	case ack != nil && ack.Message.Ack.Status == "NACK":
		// A structured NACK can ride on a 4xx; keep its body over a bare ERROR.
		entry.Status = store.TxStatusNack
		if blob, merr := json.Marshal(ack); merr == nil {
			entry.ResponseBody = blob
		}
		if err != nil {
			entry.Error = err.Error()
		}
	case err != nil:
		entry.Status = store.TxStatusError
		if time.Now().After(deadline) {
			entry.Status = store.TxStatusTimeout
		}
		entry.Error = err.Error()
		s.log.Warn("callback delivery failed", zap.String("url", url), zap.Error(err))
	default:
		entry.Status = store.TxStatusAck
	}
	if _, err := s.txlog.Append(ctx, entry); err != nil {
		s.log.Error("callback txlog append failed", zap.Error(err))
	}
}

func (s *Service) buildCallbackMessage(ctx context.Context, action string, env *protocol.Envelope, msg *actionMessage) (json.RawMessage, error) {
	switch action {
	case protocol.ActionSearch:
		return s.buildOnSearch(ctx, msg)
	case protocol.ActionTrack:
		return json.Marshal(map[string]any{
			"tracking": map[string]string{
				"url":    s.defaults.SubscriberURL + "/tracking/" + env.Context.TransactionID,
				"status": "active",
			},
		})
	case protocol.ActionRating:
		return json.Marshal(map[string]any{"feedback_ack": true})
	case protocol.ActionSupport:
		return s.buildOnSupport(ctx, env, msg)
	default:
		// Every order action answers with the current order snapshot.
		ord, err := s.orders.ByTransaction(ctx, env.Context.TransactionID)
		if err != nil {
			return nil, err
		}
		return orderSnapshot(ord)
	}
}

// buildOnSearch answers with the filtered catalog, or nothing when no
// catalog is stored or an incremental pull has no delta.
func (s *Service) buildOnSearch(ctx context.Context, msg *actionMessage) (json.RawMessage, error) {
	resp, err := s.catalog.BuildOnSearchResponse(ctx, s.defaults.SubscriberID, msg.Intent)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return json.Marshal(map[string]any{"catalog": resp})
}

// buildOnSupport opens a grievance when the request carries one and answers
// with the support channel.
func (s *Service) buildOnSupport(ctx context.Context, env *protocol.Envelope, msg *actionMessage) (json.RawMessage, error) {
	reply := map[string]any{
		"phone": s.defaults.SupportPhone,
		"email": s.defaults.SupportEmail,
		"uri":   s.defaults.SubscriberURL + "/support",
	}

	if msg.Issue != nil {
		issue := &store.Issue{
			IssueID:     uuid.NewString(),
			Category:    msg.Issue.Category,
			SubCategory: msg.Issue.SubCategory,
			ShortDesc:   msg.Issue.ShortDesc,
		}
		if ord, err := s.orders.ByTransaction(ctx, env.Context.TransactionID); err == nil {
			issue.OrderID = ord.OrderID
		}
		if err := s.issues.Create(ctx, issue); err != nil {
			s.log.Error("issue create failed", zap.Error(err))
		} else {
			reply["issue_id"] = issue.IssueID
		}
	}
	return json.Marshal(reply)
}

// orderSnapshot serializes the order the way callbacks carry it.
func orderSnapshot(ord *store.Order) (json.RawMessage, error) {
	snapshot := map[string]any{
		"id":    ord.OrderID,
		"state": ord.State,
	}
	setRaw := func(key string, raw json.RawMessage) {
		if len(raw) > 0 {
			snapshot[key] = raw
		}
	}
	setRaw("provider", ord.Provider)
	setRaw("items", ord.Items)
	setRaw("billing", ord.Billing)
	setRaw("fulfillments", ord.Fulfillments)
	setRaw("quote", ord.Quote)
	setRaw("payment", ord.Payment)
	if ord.CancellationReasonCode != "" {
		snapshot["cancellation_reason_id"] = ord.CancellationReasonCode
	}
	return json.Marshal(map[string]any{"order": snapshot})
}
