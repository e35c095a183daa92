package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"conversai/internal/app"
	"conversai/internal/config"
	"conversai/internal/ratelimit"
	"conversai/internal/server"
	"conversai/internal/util"
	"conversai/pkg/ai"
	"conversai/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	}
	sessions, err := store.NewJWTSessionStore(
		cfg.SessionSecret,
		time.Duration(cfg.SessionTTLMinutes)*time.Minute,
		revoker,
		store.JWTOptions{},
	)
	if err != nil {
		util.Fatal("failed to init sessions", "err", err)
	}

	provider, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationModel)
	if err != nil {
		util.Fatal("failed to init provider", "err", err)
	}
	pacer := ratelimit.NewPacer(time.Duration(cfg.PacerIntervalSeconds) * time.Second)
	retryer := ai.NewRetryer(pacer, ai.RetryerConfig{
		MaxAttempts:          cfg.RetryMaxAttempts,
		BaseDelay:            time.Duration(cfg.RetryBaseDelaySeconds) * time.Second,
		ThrottleThreshold:    cfg.ThrottleThreshold,
		ConservativeInterval: time.Duration(cfg.ConservativeIntervalSeconds) * time.Second,
	})

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	serverCfg := server.Config{
		App:            app.New(st, sessions, provider, retryer),
		Sessions:       sessions,
		TrustedProxies: trusted,
	}
	if cfg.RedisAddr != "" {
		serverCfg.SignupLimiter = mustLimiter(cfg, "signup", cfg.SignupPerMinute)
		serverCfg.LoginLimiter = mustLimiter(cfg, "login", cfg.LoginPerMinute)
		serverCfg.SendLimiter = mustLimiter(cfg, "send", cfg.SendPerMinute)
	} else {
		slog.Warn("redisAddr not set, per-IP rate limits disabled")
	}

	addr := ":" + cfg.Port
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		util.Fatal("failed to listen", "addr", addr, "err", err)
	}
	listener = netutil.LimitListener(listener, cfg.MaxConns)

	srv := &http.Server{
		Handler:      server.New(serverCfg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		util.Fatal("server error", "err", err)
	}
}

func mustLimiter(cfg config.FileConfig, route string, perMinute int) *ratelimit.FixedWindowLimiter {
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword,
		"conversai:ratelimit:"+route,
		perMinute, time.Minute,
	)
	if err != nil {
		util.Fatal("failed to init rate limiter", "route", route, "err", err)
	}
	return limiter
}
