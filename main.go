// Entry point: wires config, logging, Redis, the health prober, every
// pipeline collaborator, and the HTTP server, with graceful shutdown on
// SIGINT/SIGTERM. Grounded on the teacher's main.go wiring and shutdown
// pattern; provider registration is gone entirely since this gateway has
// no LLM providers to register.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foundrygate/gateway/botguard"
	"github.com/foundrygate/gateway/challenge"
	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/configcache"
	"github.com/foundrygate/gateway/health"
	"github.com/foundrygate/gateway/logger"
	"github.com/foundrygate/gateway/pipeline"
	"github.com/foundrygate/gateway/proxy"
	"github.com/foundrygate/gateway/ratelimit"
	"github.com/foundrygate/gateway/redisclient"
	"github.com/foundrygate/gateway/route"
	"github.com/foundrygate/gateway/router"
	"github.com/foundrygate/gateway/storage"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gateway starting")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without redis")
		rc = nil
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing without redis")
	} else {
		log.Info().Msg("redis connected")
	}

	store := storage.NewHTTPStore(cfg.StorageURL)
	configs := configcache.New(rc, store, cfg.ConfigCacheTTL, log)

	healthStore := health.NewStore()
	selector := route.New(healthStore)

	var classifier botguard.AIClassifier
	if cfg.AIClassifierURL != "" {
		classifier = pipeline.NewHTTPClassifier(cfg.AIClassifierURL, cfg.AIClassifierAPIKey)
	}
	guard := botguard.New(classifier)

	limiter := ratelimit.New(rc)
	prox := proxy.New()
	chal := challenge.New(cfg.ChallengeSecret, cfg.IsProduction())

	metrics := pipeline.NewMetricsQueue(cfg.MetricsSinkURL, cfg.MetricsAPIKey, log)
	bgCtx, bgCancel := context.WithCancel(context.Background())
	metrics.Start(bgCtx)

	pipe := pipeline.New(configs, guard, limiter, selector, prox, chal, metrics, log,
		cfg.IPHashSalt, 24, cfg.ChallengePageURL, cfg.RequestBudget)

	r := router.New(cfg, log, pipe, chal)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestBudget + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// The background prober watches one domain's backend list, set via
	// GATEWAY_DEFAULT_DOMAIN; the health store reports any backend it has
	// no record of as healthy, so a multi-domain deployment gets no health
	// filtering (and latency-aware treats latency as unknown) for domains
	// outside the prober's watch list rather than failing.
	prober := health.NewProber(healthStore, 15*time.Second, log)
	if cfg.DefaultDomain != "" {
		bootCfg := configs.LoadConfig(bgCtx, cfg.DefaultDomain)
		prober.Start(bootCfg.Backends)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	prober.Stop()
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}
