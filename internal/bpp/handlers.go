package bpp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/auth"
	"github.com/becknlabs/beckn-engine/internal/catalog"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/store"
)

// Handler exposes the protocol surface and the internal management API.
type Handler struct {
	svc        *Service
	catalogTTL time.Duration
	log        *zap.Logger
}

func NewHandler(svc *Service, catalogTTL time.Duration, log *zap.Logger) *Handler {
	return &Handler{svc: svc, catalogTTL: catalogTTL, log: log}
}

func (h *Handler) Register(r *gin.Engine, keys auth.KeyProvider) {
	signed := r.Group("/", auth.Middleware(auth.HeaderAuthorization, keys, h.log))
	for _, action := range protocol.Actions {
		signed.POST("/"+action, h.handleAction(action))
	}

	internal := r.Group("/internal")
	internal.PUT("/catalog", h.handleStoreCatalog)
	internal.PATCH("/catalog/items/:id", h.handleUpdateItem)
	internal.POST("/catalog/updates", h.handleRecordUpdate)
	internal.POST("/orders/:id/advance", h.handleAdvance)
	internal.GET("/orders/:id", h.handleGetOrder)
	internal.GET("/orders/:id/transitions", h.handleTransitions)
	internal.GET("/orders/:id/settlements", h.handleSettlements)
	internal.GET("/issues/:id", h.handleGetIssue)
}

// handleAction is the shared inbound pipeline: validate, dedup, drive the
// state machine, ACK, then answer asynchronously.
func (h *Handler) handleAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, protocol.Nack(
				protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "unreadable body")))
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.JSON(http.StatusBadRequest, protocol.Nack(
				protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "malformed envelope: %v", err)))
			return
		}
		if perr := protocol.Validate(&env.Context, time.Now()); perr != nil {
			c.JSON(http.StatusBadRequest, protocol.Nack(perr))
			return
		}

		seen, err := h.svc.deduper.Seen(c.Request.Context(), env.Context.MessageID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, protocol.Nack(
				protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "dedup unavailable")))
			return
		}
		if seen {
			c.JSON(http.StatusOK, protocol.Ack())
			return
		}

		var msg actionMessage
		if len(env.Message) > 0 {
			if err := json.Unmarshal(env.Message, &msg); err != nil {
				c.JSON(http.StatusBadRequest, protocol.Nack(
					protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "malformed message: %v", err)))
				return
			}
		}

		result, perr := h.svc.processOrderAction(c.Request.Context(), action, &env, &msg)
		if perr != nil {
			c.JSON(statusFor(perr), protocol.Nack(perr))
			return
		}

		h.logInbound(c.Request.Context(), action, body, &env, result)
		go h.svc.sendCallback(context.WithoutCancel(c.Request.Context()), action, &env, &msg)

		c.JSON(http.StatusOK, protocol.Ack())
	}
}

func (h *Handler) logInbound(ctx context.Context, action string, body []byte, env *protocol.Envelope, result *ActionResult) {
	respBody, _ := json.Marshal(result)
	if _, err := h.svc.txlog.Append(ctx, &store.TxLogEntry{
		TransactionID: env.Context.TransactionID,
		MessageID:     env.Context.MessageID,
		Action:        action,
		BapID:         env.Context.BapID,
		BppID:         h.svc.defaults.SubscriberID,
		Domain:        env.Context.Domain,
		City:          env.Context.EffectiveCity(),
		RequestBody:   body,
		ResponseBody:  respBody,
		Status:        store.TxStatusAck,
	}); err != nil {
		h.log.Error("inbound txlog append failed", zap.Error(err))
	}
}

// ── Internal management ──

func (h *Handler) handleStoreCatalog(c *gin.Context) {
	var req struct {
		Catalog catalog.Catalog `json:"catalog"`
		TTL     string          `json:"ttl,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid catalog"})
		return
	}
	ttl := h.catalogTTL
	if req.TTL != "" {
		parsed, err := protocol.ParseISODuration(req.TTL)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl"})
			return
		}
		ttl = parsed
	}
	if err := h.svc.catalog.StoreCatalog(c.Request.Context(), h.svc.defaults.SubscriberID, &req.Catalog, ttl); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleUpdateItem(c *gin.Context) {
	var patch catalog.Item
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item patch"})
		return
	}
	if err := h.svc.catalog.UpdateItem(c.Request.Context(), h.svc.defaults.SubscriberID, c.Param("id"), &patch); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleRecordUpdate(c *gin.Context) {
	var u catalog.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}
	if err := h.svc.catalog.RecordUpdate(c.Request.Context(), h.svc.defaults.SubscriberID, u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleAdvance(c *gin.Context) {
	var req struct {
		ToState string `json:"to_state,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	ord, perr := h.svc.AdvanceOrder(c.Request.Context(), c.Param("id"), req.ToState)
	if perr != nil {
		c.JSON(statusFor(perr), protocol.Nack(perr))
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": ord.OrderID, "state": ord.State})
}

func (h *Handler) handleGetOrder(c *gin.Context) {
	ord, err := h.svc.orders.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown order"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, ord)
}

func (h *Handler) handleTransitions(c *gin.Context) {
	transitions, err := h.svc.orders.Transitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if transitions == nil {
		transitions = []store.StateTransition{}
	}
	c.JSON(http.StatusOK, transitions)
}

func (h *Handler) handleSettlements(c *gin.Context) {
	settlements, err := h.svc.settlements.ByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if settlements == nil {
		settlements = []store.Settlement{}
	}
	c.JSON(http.StatusOK, settlements)
}

func (h *Handler) handleGetIssue(c *gin.Context) {
	issue, err := h.svc.issues.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown issue"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, issue)
}

func statusFor(perr *protocol.Error) int {
	switch perr.Type {
	case protocol.KindTechnicalError:
		return http.StatusInternalServerError
	case protocol.KindPolicyError:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
