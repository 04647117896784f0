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

	"handshakegate/gate-service/internal/challenge"
	"handshakegate/gate-service/internal/circuitbreaker"
	"handshakegate/gate-service/internal/config"
	"handshakegate/gate-service/internal/gate"
	"handshakegate/gate-service/internal/handshake"
	"handshakegate/gate-service/internal/httputil"
	"handshakegate/gate-service/internal/lifecycle"
	"handshakegate/gate-service/internal/logging"
	"handshakegate/gate-service/internal/metrics"
	"handshakegate/gate-service/internal/rate"
	"handshakegate/gate-service/internal/session"
	"handshakegate/gate-service/internal/token"
	"handshakegate/gate-service/internal/upstream"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate as a reverse proxy in front of the configured origin",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Bool("tls_enabled", cfg.Server.TLSEnabled).
		Str("origin", cfg.Upstream.Origin).
		Msg("server configuration")
	log.Info().
		Bool("enabled", cfg.Gate.Enabled).
		Int("excluded_paths", len(cfg.Gate.ExcludedPaths)).
		Int("whitelist_ips", len(cfg.Gate.Whitelist.IPs)).
		Int("whitelist_user_agents", len(cfg.Gate.Whitelist.UserAgents)).
		Msg("gate configuration")
	log.Info().
		Int("lifetime_sec", cfg.Token.LifetimeSec).
		Int("grace_period_sec", cfg.Token.GracePeriodSec).
		Int("renewal_threshold_sec", cfg.Token.RenewalThresholdSec).
		Int("rotation_interval_sec", cfg.Token.RotationIntervalSec).
		Bool("strict_ip", cfg.Token.StrictIPCheck).
		Str("session_backend", cfg.Session.Backend).
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Msg("token configuration")

	// SECURITY: the example key is public. Anyone holding it can mint
	// envelopes, so it is refused outright when serving TLS.
	if cfg.UsesExampleKey() {
		if cfg.Server.TLSEnabled {
			return fmt.Errorf("token key %q is the public example key; run `handshakegate keygen`", cfg.Token.CurrentKID)
		}
		log.Warn().
			Str("kid", cfg.Token.CurrentKID).
			Str("config_path", cfgPath).
			Msg("tokens are sealed with the public example key; generate one with `handshakegate keygen`")
	}

	metrics.MustRegister()

	codec, err := token.NewCodec(cfg.Token.Keys, cfg.Token.CurrentKID)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Breaker.TimeoutSec) * time.Second,
	})

	var rdb redis.UniversalClient
	if cfg.Session.Backend == "redis" || cfg.RateLimit.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// The breakers take over; startup does not wait for Redis.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable at startup")
		}
		cancel()
	}

	var store session.Store
	if cfg.Session.Backend == "redis" {
		store = session.NewRedisStore(rdb, cfg.Session.KeyPrefix, cfg.SessionTTL(), breakers.GetOrCreate("session"))
	} else {
		store = session.NewMemoryStoreWithCapacity(cfg.SessionTTL(), cfg.Session.Capacity)
	}

	lc := lifecycle.New(lifecycle.Config{
		Lifetime:              time.Duration(cfg.Token.LifetimeSec) * time.Second,
		GracePeriod:           time.Duration(cfg.Token.GracePeriodSec) * time.Second,
		RenewalThreshold:      time.Duration(cfg.Token.RenewalThresholdSec) * time.Second,
		RotationInterval:      time.Duration(cfg.Token.RotationIntervalSec) * time.Second,
		FingerprintValidation: cfg.Token.FingerprintValidation,
		StrictIP:              cfg.Token.StrictIPCheck,
	}, codec, lifecycle.NewTokenStore(store))

	secret := cfg.Challenge.Secret
	if secret == "" {
		log.Warn().Msg("challenge.secret not set; generating ephemeral secret for anti-forgery tokens (will not survive restart)")
		if secret, err = challenge.GenerateSecret(); err != nil {
			return err
		}
	}
	issuer, err := challenge.NewIssuer(secret)
	if err != nil {
		return fmt.Errorf("challenge issuer: %w", err)
	}

	var verifyLimiter, renewLimiter rate.Limiter
	if cfg.RateLimit.Backend == "redis" {
		breaker := breakers.GetOrCreate("rate_limit")
		verifyLimiter = rate.NewRedisLimiter(rdb, cfg.RateLimit.KeyPrefix, cfg.RateLimit.VerifyPerMinute, breaker)
		renewLimiter = rate.NewRedisLimiter(rdb, cfg.RateLimit.KeyPrefix, cfg.RateLimit.RenewPerMinute, breaker)
	} else {
		verifyLimiter = rate.NewSlidingWindow(cfg.RateLimit.VerifyPerMinute)
		renewLimiter = rate.NewSlidingWindow(cfg.RateLimit.RenewPerMinute)
	}

	audit := logging.NewAudit(cfg.Logging)
	hs, err := handshake.New(handshake.Options{
		Lifecycle:     lc,
		Issuer:        issuer,
		VerifyLimiter: verifyLimiter,
		RenewLimiter:  renewLimiter,
		Cookie:        cfg.Cookie,
		Client:        cfg.Client,
		Audit:         audit,
		LoaderPath:    cfg.Gate.LoaderPath,
		BlockedPath:   cfg.Gate.BlockedPath,
		CSP:           cfg.Gate.CSP,
		ChallengeTTL:  cfg.ChallengeTTL(),
	})
	if err != nil {
		return fmt.Errorf("handshake handler: %w", err)
	}

	g, err := gate.New(gate.Config{
		Enabled:             cfg.Gate.Enabled,
		ExcludedPaths:       cfg.Gate.ExcludedPaths,
		WhitelistIPs:        cfg.Gate.Whitelist.IPs,
		WhitelistUserAgents: cfg.Gate.Whitelist.UserAgents,
		Cookie:              cfg.Cookie,
		Audit:               audit,
	}, lc, hs)
	if err != nil {
		return fmt.Errorf("gate: %w", err)
	}

	origin, err := upstream.New(cfg.Upstream)
	if err != nil {
		return err
	}

	// Gated site: session first, then the handshake endpoints or the gate.
	site := http.NewServeMux()
	hs.Register(site)
	site.Handle("/", g.Middleware(origin))
	sessions := session.NewManager(store, session.CookieOptions{
		Name:     cfg.Session.CookieName,
		Domain:   cfg.Cookie.Domain,
		Secure:   cfg.Cookie.Secure,
		SameSite: httputil.SameSite(cfg.Cookie.SameSite),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/readyz", handleReady(rdb, breakers))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/stats", handleAdminStats)
	mux.Handle("/", sessions.Middleware(site))

	handler := Chain(
		httputil.RequestIDMiddleware(log.Logger, cfg.Server.TrustedProxyCIDRs),
		withCommonHeaders,
	)(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErrors := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			log.Info().
				Str("addr", cfg.Server.Listen).
				Str("cert", cfg.Server.TLSCertFile).
				Str("key", cfg.Server.TLSKeyFile).
				Msg("starting with TLS")
			serverErrors <- srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			log.Warn().Str("addr", cfg.Server.Listen).Msg("starting without TLS (WARNING: use TLS in production)")
			serverErrors <- srv.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		if err := origin.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("upstream shutdown error")
		}
	}
	log.Info().Msg("shutdown complete")
	return nil
}
