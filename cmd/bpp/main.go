package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/bpp"
	"github.com/becknlabs/beckn-engine/internal/catalog"
	"github.com/becknlabs/beckn-engine/internal/config"
	"github.com/becknlabs/beckn-engine/internal/crypto"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/registry"
	"github.com/becknlabs/beckn-engine/internal/store"
	"github.com/becknlabs/beckn-engine/internal/transport"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.RequireIdentity(); err != nil {
		log.Fatal("incomplete identity", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	db, err := store.Open(ctx, cfg.Store.DBPath)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer db.Close()

	// ── Signing identity ──────────────────────────────────────────────────────
	priv, err := crypto.DecodeSigningPrivateKey(cfg.Identity.SigningPrivateKey)
	if err != nil {
		log.Fatal("invalid SIGNING_PRIVATE_KEY", zap.Error(err))
	}
	client := transport.NewClient(
		transport.Identity{
			SubscriberID: cfg.Identity.SubscriberID,
			UniqueKeyID:  cfg.Identity.UniqueKeyID,
			PrivateKey:   priv,
		},
		cfg.SignatureTTL(),
		cfg.OutboundTimeout(),
		log,
	)

	// ── Registry client (key provider for inbound verification) ──────────────
	reg := registry.NewClient(cfg.Network.RegistryURL, rdb, cfg.OutboundTimeout(), log)

	// ── Seller-side service ───────────────────────────────────────────────────
	svc := bpp.NewService(
		bpp.Defaults{
			SubscriberID:  cfg.Identity.SubscriberID,
			SubscriberURL: cfg.Identity.SubscriberURL,
			TTL:           cfg.OutboundTimeout(),
			SupportEmail:  cfg.Support.Email,
			SupportPhone:  cfg.Support.Phone,
		},
		store.NewOrders(db),
		store.NewSettlements(db),
		store.NewIssues(db),
		store.NewTxLog(db),
		catalog.NewStore(rdb, log),
		protocol.NewDeduper(rdb, cfg.DedupTTL()),
		client,
		rdb,
		log,
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	bpp.NewHandler(svc, cfg.CatalogTTL(), log).Register(r, reg)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("seller app starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
