// Package gateway implements the broadcast node: it fans a buyer's search
// out to every matching seller platform and relays on_search callbacks back.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/auth"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/registry"
	"github.com/becknlabs/beckn-engine/internal/store"
	"github.com/becknlabs/beckn-engine/internal/transport"
)

const (
	fanoutWorkers   = 8
	fanoutQueueSize = 256

	maxAttempts  = 3
	retryBackoff = 2 * time.Second
)

// broadcast is one queued delivery: the verbatim envelope bytes plus where
// to take them and how long they stay worth delivering.
type broadcast struct {
	body     []byte
	url      string
	deadline time.Time
}

type Gateway struct {
	reg     *registry.Client
	client  *transport.Client
	deduper *protocol.Deduper
	log     *zap.Logger

	defaultTTL time.Duration
	queue      chan broadcast
}

func New(reg *registry.Client, client *transport.Client, deduper *protocol.Deduper, defaultTTL time.Duration, log *zap.Logger) *Gateway {
	return &Gateway{
		reg:        reg,
		client:     client,
		deduper:    deduper,
		log:        log,
		defaultTTL: defaultTTL,
		queue:      make(chan broadcast, fanoutQueueSize),
	}
}

// Run starts the fan-out worker pool and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for i := 0; i < fanoutWorkers; i++ {
		go g.worker(ctx)
	}
	<-ctx.Done()
}

func (g *Gateway) Register(r *gin.Engine, keys auth.KeyProvider) {
	signed := r.Group("/", auth.Middleware(auth.HeaderAuthorization, keys, g.log))
	signed.POST("/search", g.handleSearch)
	signed.POST("/on_search", g.handleOnSearch)
}

// handleSearch ACKs synchronously and queues the broadcast. A replayed
// message_id is ACKed but not re-broadcast.
func (g *Gateway) handleSearch(c *gin.Context) {
	body, env, perr := readEnvelope(c)
	if perr != nil {
		c.JSON(http.StatusBadRequest, protocol.Nack(perr))
		return
	}
	if perr := protocol.Validate(&env.Context, time.Now()); perr != nil {
		c.JSON(http.StatusBadRequest, protocol.Nack(perr))
		return
	}

	seen, err := g.deduper.Seen(c.Request.Context(), env.Context.MessageID)
	if err != nil {
		g.log.Error("dedup check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, protocol.Nack(
			protocol.NewError(protocol.KindTechnicalError, protocol.CodeStorageFailure, "dedup unavailable")))
		return
	}
	if seen {
		c.JSON(http.StatusOK, protocol.Ack())
		return
	}

	deadline := time.Now().Add(env.Context.TTLWindow(g.defaultTTL))
	go g.fanOut(context.WithoutCancel(c.Request.Context()), body, env, deadline)

	c.JSON(http.StatusOK, protocol.Ack())
}

// fanOut resolves the matching BPPs and queues one delivery each. The lookup
// matches SUBSCRIBED BPPs on the context's domain and city (or nationwide).
func (g *Gateway) fanOut(ctx context.Context, body []byte, env *protocol.Envelope, deadline time.Time) {
	bpps, err := g.reg.Lookup(ctx, store.LookupFilter{
		Type:   store.TypeBPP,
		Domain: env.Context.Domain,
		City:   env.Context.EffectiveCity(),
	})
	if err != nil {
		g.log.Error("fan-out lookup failed",
			zap.String("transaction_id", env.Context.TransactionID),
			zap.Error(err))
		return
	}
	if len(bpps) == 0 {
		g.log.Info("no matching BPPs",
			zap.String("domain", env.Context.Domain),
			zap.String("city", env.Context.EffectiveCity()))
		return
	}

	for _, bpp := range bpps {
		b := broadcast{body: body, url: bpp.SubscriberURL + "/search", deadline: deadline}
		select {
		case g.queue <- b:
		case <-ctx.Done():
			return
		default:
			g.log.Warn("fan-out queue full, dropping delivery", zap.String("url", b.url))
		}
	}
	g.log.Info("search queued for broadcast",
		zap.String("transaction_id", env.Context.TransactionID),
		zap.Int("bpps", len(bpps)))
}

func (g *Gateway) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-g.queue:
			g.deliver(ctx, b)
		}
	}
}

// deliver posts with up to maxAttempts tries, doubling the backoff, and
// abandons the broadcast once its ttl window closes.
func (g *Gateway) deliver(ctx context.Context, b broadcast) {
	gatewaySig, err := g.client.SignBody(b.body)
	if err != nil {
		g.log.Error("gateway countersign failed", zap.Error(err))
		return
	}

	backoff := retryBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if time.Now().After(b.deadline) {
			g.log.Warn("broadcast abandoned, ttl window closed", zap.String("url", b.url))
			return
		}

		callCtx, cancel := context.WithDeadline(ctx, b.deadline)
		_, err := g.client.Post(callCtx, b.url, b.body, gatewaySig)
		cancel()
		if err == nil {
			return
		}
		g.log.Warn("broadcast delivery failed",
			zap.String("url", b.url),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
	}
}

// handleOnSearch relays a seller's callback to the originating buyer app.
func (g *Gateway) handleOnSearch(c *gin.Context) {
	body, env, perr := readEnvelope(c)
	if perr != nil {
		c.JSON(http.StatusBadRequest, protocol.Nack(perr))
		return
	}
	if perr := protocol.Validate(&env.Context, time.Now()); perr != nil {
		c.JSON(http.StatusBadRequest, protocol.Nack(perr))
		return
	}

	// The registry gates unknown BAPs; routing follows the context's bap_uri.
	if _, err := g.reg.Subscriber(c.Request.Context(), env.Context.BapID); err != nil {
		c.JSON(http.StatusBadRequest, protocol.Nack(
			protocol.NewError(protocol.KindPolicyError, protocol.CodeUnauthorized,
				"unknown bap %s", env.Context.BapID)))
		return
	}

	deadline := time.Now().Add(env.Context.TTLWindow(g.defaultTTL))
	select {
	case g.queue <- broadcast{body: body, url: env.Context.BapURI + "/on_search", deadline: deadline}:
	default:
		g.log.Warn("fan-out queue full, dropping callback", zap.String("bap", env.Context.BapID))
	}

	c.JSON(http.StatusOK, protocol.Ack())
}

func readEnvelope(c *gin.Context) ([]byte, *protocol.Envelope, *protocol.Error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "unreadable body")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, protocol.NewError(protocol.KindContextError, protocol.CodeMissingField, "malformed envelope: %v", err)
	}
	return body, &env, nil
}
