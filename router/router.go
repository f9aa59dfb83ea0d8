// Package router assembles the gateway's chi.Router: the middleware
// chain, the liveness/readiness/metrics endpoints, and the catch-all
// mount of the pipeline. DIRECT grounding on the teacher's
// router/router.go for the middleware chain ordering and the
// mwMaxBodySize/mwRequestLogger helpers; route surface is rebuilt
// around a single catch-all pipeline mount instead of the teacher's
// /v1 API tree, since this gateway proxies arbitrary backends rather
// than exposing its own API.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/foundrygate/gateway/challenge"
	"github.com/foundrygate/gateway/config"
	gwmw "github.com/foundrygate/gateway/middleware"
	"github.com/foundrygate/gateway/pipeline"
)

// New returns a configured chi.Router with the full middleware chain and
// the gateway's endpoints mounted.
func New(cfg *config.EnvConfig, appLogger zerolog.Logger, pipe *pipeline.Pipeline, chal *challenge.Issuer) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORS([]string{"*"}))
	r.Use(gwmw.SecurityHeaders)
	r.Use(gwmw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"gateway"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"gateway"}`))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// The challenge page posts a solved captcha response here to turn it
	// into a signed challenge token (spec §4.9).
	r.Post("/__challenge/verify", challenge.NewVerifyHandler(
		chal,
		&http.Client{Timeout: 5 * time.Second},
		challenge.Secrets{Turnstile: cfg.TurnstileSecret, HCaptcha: cfg.HCaptchaSecret},
		cfg.IPHashSalt,
		24,
	))

	// Every other path/method is a proxy candidate handled by the
	// pipeline's single Handle entry point (spec §4.10).
	r.NotFound(pipe.Handle)
	r.MethodNotAllowed(pipe.Handle)
	r.HandleFunc("/*", pipe.Handle)

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", r.Header.Get("X-Request-Id")).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
