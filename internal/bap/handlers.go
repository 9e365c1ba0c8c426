package bap

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/auth"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/store"
)

// Handler exposes the simplified API and the callback router.
type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register mounts the outbound API under /api and one verified /on_<action>
// route per protocol action.
func (h *Handler) Register(r *gin.Engine, keys auth.KeyProvider) {
	api := r.Group("/api")
	for _, action := range protocol.Actions {
		api.POST("/"+action, h.handleAction(action))
	}
	api.GET("/orders/:txn_id", h.handleOrderStatus)
	api.GET("/search/:txn_id", h.handleSearchResults)
	api.POST("/webhooks", h.handleRegisterWebhook)
	api.DELETE("/webhooks/:subscriber_id", h.handleUnregisterWebhook)

	callbacks := r.Group("/", auth.Middleware(auth.HeaderAuthorization, keys, h.log))
	for _, action := range protocol.Actions {
		callbacks.POST("/"+protocol.CallbackAction(action), h.handleCallback(protocol.CallbackAction(action)))
	}
}

func (h *Handler) handleAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, protocol.Nack(
				protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "invalid request body")))
			return
		}
		resp, perr := h.svc.Send(c.Request.Context(), action, &req)
		if perr != nil {
			status := http.StatusBadRequest
			if perr.Type == protocol.KindTechnicalError {
				status = http.StatusInternalServerError
			}
			c.JSON(status, protocol.Nack(perr))
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handler) handleCallback(action string) gin.HandlerFunc {
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
		if perr := h.svc.HandleCallback(c.Request.Context(), action, body, &env); perr != nil {
			status := http.StatusBadRequest
			if perr.Type == protocol.KindTechnicalError {
				status = http.StatusInternalServerError
			}
			c.JSON(status, protocol.Nack(perr))
			return
		}
		c.JSON(http.StatusOK, protocol.Ack())
	}
}

func (h *Handler) handleOrderStatus(c *gin.Context) {
	txnID := c.Param("txn_id")
	view, err := h.svc.OrderStatus(c.Request.Context(), txnID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"transaction_id": txnID, "error": "unknown transaction"})
		return
	}
	if err != nil {
		h.log.Error("order status failed", zap.String("transaction_id", txnID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) handleSearchResults(c *gin.Context) {
	results, err := h.svc.SearchResults(c.Request.Context(), c.Param("txn_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) handleRegisterWebhook(c *gin.Context) {
	var hook Webhook
	if err := c.ShouldBindJSON(&hook); err != nil || hook.URL == "" || hook.SubscriberID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook needs subscriber_id and url"})
		return
	}
	if len(hook.Events) == 0 {
		hook.Events = []string{"*"}
	}
	if err := h.svc.webhooks.Register(c.Request.Context(), hook); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleUnregisterWebhook(c *gin.Context) {
	if err := h.svc.webhooks.Unregister(c.Request.Context(), c.Param("subscriber_id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
