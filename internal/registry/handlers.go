package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/store"
)

// Handler exposes the registry over HTTP.
type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/subscribe", h.handleSubscribe)
	r.POST("/on_subscribe", h.handleOnSubscribe)
	r.POST("/lookup", h.handleLookup)
	r.POST("/vlookup", h.handleVLookup)
	r.POST("/ondc/vlookup", h.handleONDCVLookup)

	admin := r.Group("/admin/subscribers")
	admin.GET("", h.handleList)
	admin.GET("/:id/audit", h.handleAudit)
	admin.GET("/:id/domains", h.handleDomains)
	admin.POST("/:id/domains", h.handleAddDomain)
	admin.POST("/:id/approve", h.handleTransition("approve"))
	admin.POST("/:id/suspend", h.handleTransition("suspend"))
	admin.POST("/:id/revoke", h.handleTransition("revoke"))
	admin.DELETE("/:id", h.handleDelete)
}

func (h *Handler) handleSubscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.Nack(
			protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "invalid request body")))
		return
	}
	resp, perr := h.svc.Subscribe(c.Request.Context(), &req, c.ClientIP())
	if perr != nil {
		c.JSON(statusFor(perr), protocol.Nack(perr))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleOnSubscribe(c *gin.Context) {
	var ans ChallengeAnswer
	if err := c.ShouldBindJSON(&ans); err != nil {
		c.JSON(http.StatusBadRequest, protocol.Nack(
			protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "invalid request body")))
		return
	}
	if perr := h.svc.ConfirmSubscription(c.Request.Context(), &ans, c.ClientIP()); perr != nil {
		c.JSON(statusFor(perr), protocol.Nack(perr))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": store.StatusSubscribed})
}

func (h *Handler) handleLookup(c *gin.Context) {
	var f store.LookupFilter
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
		return
	}
	subs, err := h.svc.Lookup(c.Request.Context(), f)
	if err != nil {
		h.log.Error("lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if subs == nil {
		subs = []store.Subscriber{}
	}
	c.JSON(http.StatusOK, subs)
}

func (h *Handler) handleVLookup(c *gin.Context) {
	var f store.LookupFilter
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
		return
	}
	signed, err := h.svc.VLookup(c.Request.Context(), f)
	if err != nil {
		h.log.Error("vlookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, signed)
}

func (h *Handler) handleONDCVLookup(c *gin.Context) {
	var req VLookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	resp, err := h.svc.ONDCVLookup(c.Request.Context(), &req)
	if errors.Is(err, ErrUnauthorized) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}
	if err != nil {
		h.log.Error("ondc vlookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ── Admin ──

func (h *Handler) handleList(c *gin.Context) {
	subs, err := h.svc.List(c.Request.Context(), c.Query("status"), c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if subs == nil {
		subs = []store.Subscriber{}
	}
	c.JSON(http.StatusOK, subs)
}

func (h *Handler) handleTransition(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.svc.Transition(c.Request.Context(), c.Param("id"), action, actor(c), c.ClientIP())
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscriber"})
			return
		}
		if errors.Is(err, store.ErrVersionConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, retry"})
			return
		}
		if err != nil {
			h.log.Error("admin transition failed", zap.String("action", action), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (h *Handler) handleDelete(c *gin.Context) {
	err := h.svc.Delete(c.Request.Context(), c.Param("id"), actor(c), c.ClientIP())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscriber"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleAddDomain(c *gin.Context) {
	var d store.SubscriberDomain
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain tuple"})
		return
	}
	d.SubscriberID = c.Param("id")
	err := h.svc.AddDomain(c.Request.Context(), d, actor(c), c.ClientIP())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown subscriber"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleDomains(c *gin.Context) {
	domains, err := h.svc.Domains(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if domains == nil {
		domains = []store.SubscriberDomain{}
	}
	c.JSON(http.StatusOK, domains)
}

func (h *Handler) handleAudit(c *gin.Context) {
	trail, err := h.svc.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if trail == nil {
		trail = []store.AuditEntry{}
	}
	c.JSON(http.StatusOK, trail)
}

func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return "admin"
}

func statusFor(perr *protocol.Error) int {
	switch perr.Type {
	case protocol.KindPolicyError:
		return http.StatusForbidden
	case protocol.KindTechnicalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
