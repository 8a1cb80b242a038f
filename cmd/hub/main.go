// Command hub runs the DeeperHub realtime server: a hand-rolled
// WebSocket endpoint at /ws plus a /health status endpoint, wiring
// together the token, session, rate-limit, security, transport, broker,
// and dispatch components (spec §2's data-flow: accept → handshake →
// request gate → dispatch → broker fan-out).
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"deeperhub/internal/broker"
	"deeperhub/internal/clockid"
	"deeperhub/internal/config"
	"deeperhub/internal/dispatch"
	"deeperhub/internal/httpx"
	"deeperhub/internal/ratelimit"
	"deeperhub/internal/security"
	"deeperhub/internal/session"
	"deeperhub/internal/telemetry"
	"deeperhub/internal/token"
	"deeperhub/internal/userstore"
	"deeperhub/internal/wsproto"
)

// server bundles the pieces main needs to start listening and to
// drain cleanly on shutdown.
type server struct {
	router       http.Handler
	connRegistry *wsproto.Registry
	sessions     *session.Registry
	rateLimiter  *ratelimit.Store
	tokens       *token.Service
}

// buildServer wires every component into an http.Handler. Split out of
// main so an integration test can stand up the exact same wiring
// against an in-memory userstore.Store instead of Postgres.
func buildServer(cfg config.Config, users userstore.Store, clock clockid.Clock, logger *slog.Logger) *server {
	passwords := userstore.NewPasswordService()

	tokens := token.New(token.Config{
		Issuer:        cfg.Issuer,
		SigningKey:    cfg.JWTSigningKey,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		RememberMeTTL: cfg.RememberMeTTL,
	}, clock.Now)

	csrf := security.NewCSRFTokenStore()

	sessions := session.New(session.Config{
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		InactivityTimeout:  cfg.InactivityTimeout,
		DefaultTTL:         cfg.RefreshTokenTTL,
	}, clock.Now, func(ev session.InvalidatedEvent) {
		csrf.Forget(ev.SessionID)
		logger.Info("session invalidated", "session_id", ev.SessionID, "user_id", ev.UserID, "reason", ev.Reason)
	})

	rateLimiter := ratelimit.NewStore(clock.Now, map[string]ratelimit.Policy{
		"connect_rate": {Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax, LockoutDuration: cfg.LockoutDuration},
		"auth_login":   {Window: cfg.BruteForceWindow, Max: cfg.BruteForceMaxAttempts, LockoutDuration: cfg.LockoutDuration},
	})
	connLimiter := ratelimit.NewConnLimiter(float64(cfg.RateLimitMax)/cfg.RateLimitWindow.Seconds(), cfg.RateLimitMax)

	gate := &security.RequestGate{
		RateLimit:      rateLimiter,
		ConnLimiter:    connLimiter,
		CSRF:           csrf,
		CSRFRequired:   cfg.CSRFRequired,
		AllowedOrigins: cfg.AllowedOrigins,
	}

	connRegistry := wsproto.NewRegistry()

	channelBroker := broker.New(broker.Config{BackpressureThreshold: 1000}, clock.Now, func(topic string) {
		telemetry.BrokerDroppedTotal.WithLabelValues(topic).Inc()
		logger.Warn("broker dropped message: subscriber inbox full", "topic", topic)
	})

	dispatcher := &dispatch.Dispatcher{
		Tokens:      tokens,
		Sessions:    sessions,
		Users:       users,
		Passwords:   passwords,
		Broker:      channelBroker,
		Registry:    connRegistry,
		MessageGate: security.MessageGate{},
		CSRF:        csrf,
		RateLimit:   rateLimiter,
		Clock:       clock,
		Log:         logger,
	}

	workerCfg := wsproto.WorkerConfig{
		MaxFrameBytes:     cfg.MaxFrameBytes,
		IdleTimeout:       cfg.IdleTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}

	upgrade := httpx.NewUpgradeHandler(httpx.UpgradeDeps{
		Gate:      gate,
		Registry:  connRegistry,
		WorkerCfg: workerCfg,
		Handle:    dispatcher.Handle,
		Log:       logger,
	})

	startedAt := clock.Now()
	maxConnections := cfg.MaxSessionsPerUser * 1000 // advisory figure surfaced on /health only
	health := func() httpx.HealthStatus {
		return httpx.HealthStatus{
			Status:             "ok",
			Port:               cfg.Addr,
			MaxConnections:     maxConnections,
			CurrentConnections: connRegistry.Count(),
			UptimeSeconds:      clock.Now().Sub(startedAt).Seconds(),
			Timestamp:          clock.Now().UTC(),
		}
	}

	router := httpx.NewRouter(httpx.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPM:   300,
		UpgradeWS:      upgrade,
		Health:         health,
	})

	return &server{
		router:       router,
		connRegistry: connRegistry,
		sessions:     sessions,
		rateLimiter:  rateLimiter,
		tokens:       tokens,
	}
}

func main() {
	cfg := config.Load()
	clock := clockid.System()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	telemetry.MustRegister()

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("gorm open: %v", err)
	}
	if err := gdb.AutoMigrate(&userstore.User{}); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}
	users := userstore.NewGormStore(gdb)

	srv := buildServer(cfg, users, clock, logger)

	stopSweep := startSweepers(srv.sessions, srv.rateLimiter, srv.tokens, 30*time.Second)
	defer close(stopSweep)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("deeperhub listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	for _, c := range srv.connRegistry.Snapshot() {
		_ = c.Close(wsproto.CloseGoingAway)
	}
}

// startSweepers runs the periodic GC passes named across C6/C4/C5
// (session inactivity/expiry sweep, rate-limit window prune, token
// revocation-set prune) on a shared ticker.
func startSweepers(sessions *session.Registry, rateLimiter *ratelimit.Store, tokens *token.Service, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sessions.Sweep()
				rateLimiter.Sweep()
				tokens.Sweep()
			case <-stop:
				return
			}
		}
	}()
	return stop
}
