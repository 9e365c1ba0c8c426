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

	"github.com/becknlabs/beckn-engine/internal/config"
	"github.com/becknlabs/beckn-engine/internal/crypto"
	"github.com/becknlabs/beckn-engine/internal/registry"
	"github.com/becknlabs/beckn-engine/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if cfg.Identity.SubscriberID == "" || cfg.Identity.SigningPrivateKey == "" {
		log.Fatal("registry needs SUBSCRIBER_ID and SIGNING_PRIVATE_KEY to sign lookup responses")
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

	// ── Registry service ──────────────────────────────────────────────────────
	priv, err := crypto.DecodeSigningPrivateKey(cfg.Identity.SigningPrivateKey)
	if err != nil {
		log.Fatal("invalid SIGNING_PRIVATE_KEY", zap.Error(err))
	}
	svc := registry.NewService(
		store.NewSubscribers(db),
		store.NewAudit(db),
		rdb,
		registry.Identity{
			SubscriberID: cfg.Identity.SubscriberID,
			UniqueKeyID:  cfg.Identity.UniqueKeyID,
			PrivateKey:   priv,
		},
		log,
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	registry.NewHandler(svc, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("registry starting", zap.Int("port", cfg.Server.Port))
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
