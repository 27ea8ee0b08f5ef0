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

	"github.com/tollgate-labs/tollgate/internal/chain"
	"github.com/tollgate-labs/tollgate/internal/challenge"
	"github.com/tollgate-labs/tollgate/internal/config"
	"github.com/tollgate-labs/tollgate/internal/gateway"
	"github.com/tollgate-labs/tollgate/internal/ledger"
	"github.com/tollgate-labs/tollgate/internal/recorder"
	"github.com/tollgate-labs/tollgate/internal/replay"
	"github.com/tollgate-labs/tollgate/internal/score"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (replay guard + ledger queue) ───────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (primary + optional fallback RPC) ────────────────────────
	onchain, err := chain.NewClient(ctx, cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Replay guard + verifier ───────────────────────────────────────────────
	guard := replay.NewGuard(rdb, time.Duration(cfg.Payment.ReplayTTLHours)*time.Hour)
	verifier := chain.NewVerifier(
		onchain.Primary(),
		onchain.Fallback(),
		guard,
		cfg.Chain.Confirmations,
		time.Duration(cfg.Chain.RPCTimeoutMS)*time.Millisecond,
		log,
	)

	// ── Durable ledger + recorder ─────────────────────────────────────────────
	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err))
	}
	defer store.Close()
	go recorder.Run(ctx, rdb, store, log)

	// ── Scoring + challenge ───────────────────────────────────────────────────
	scorer := score.New(score.DefaultRules(), cfg.Scoring.Threshold, cfg.Scoring.ExtraAllowedAgents)
	issuer := &challenge.Issuer{
		Network:          cfg.Payment.Network,
		Recipient:        cfg.Payment.Recipient,
		TokenContract:    cfg.Payment.TokenContract,
		TimeoutSeconds:   cfg.Payment.TimeoutSeconds,
		DocumentationURL: cfg.Payment.DocumentationURL,
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	gw, err := gateway.NewHandler(cfg, scorer, issuer, verifier, rdb, log)
	if err != nil {
		log.Fatal("gateway init failed", zap.Error(err))
	}
	gw.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("gateway starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("origin", cfg.Origin.URL),
		)
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
