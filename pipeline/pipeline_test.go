package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundrygate/gateway/botguard"
	"github.com/foundrygate/gateway/challenge"
	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/configcache"
	"github.com/foundrygate/gateway/features"
	"github.com/foundrygate/gateway/health"
	"github.com/foundrygate/gateway/proxy"
	"github.com/foundrygate/gateway/ratelimit"
	"github.com/foundrygate/gateway/route"
)

type fakeStore struct {
	cfg *config.GlobalConfig
}

func (f *fakeStore) GetActiveConfig(ctx context.Context, domain string) (*config.GlobalConfig, error) {
	return f.cfg, nil
}

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func buildPipeline(t *testing.T, gc *config.GlobalConfig) *Pipeline {
	t.Helper()
	configs := configcache.New(nil, &fakeStore{cfg: gc}, time.Minute, discardLogger())
	guard := botguard.New(nil)
	limiter := ratelimit.New(nil)
	selector := route.New(health.NewStore())
	prox := proxy.New()
	chal := challenge.New("test-secret", false)
	metrics := NewMetricsQueue("", "", discardLogger())

	return New(configs, guard, limiter, selector, prox, chal, metrics, discardLogger(),
		"test-salt", 24, "https://challenge.example.com/", 5*time.Second)
}

func TestHandleProxiesToSelectedBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	gc := &config.GlobalConfig{
		Status:   config.StatusActive,
		Domain:   "example.com",
		Backends: []config.Backend{{ID: "b1", URL: backend.URL, Enabled: true, Weight: 1}},
		Policies: []config.RoutePolicy{
			{ID: "catch-all", Priority: 1, PathPattern: "/**", Enabled: true, BackendIDs: []string{"b1"}, Strategy: config.StrategyRandom},
		},
	}
	p := buildPipeline(t, gc)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "example.com"
	rw := httptest.NewRecorder()

	p.Handle(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 proxied response, got %d: %s", rw.Code, rw.Body.String())
	}
	if rw.Body.String() != "ok" {
		t.Fatalf("unexpected body: %q", rw.Body.String())
	}
}

func TestHandleNoBackendsReturns503(t *testing.T) {
	gc := &config.GlobalConfig{Status: config.StatusActive, Domain: "example.com"}
	p := buildPipeline(t, gc)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "example.com"
	rw := httptest.NewRecorder()

	p.Handle(rw, req)

	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rw.Code)
	}
}

func TestHandleBotGuardBlocksHighScore(t *testing.T) {
	gc := &config.GlobalConfig{
		Status: config.StatusActive,
		Domain: "example.com",
		Backends: []config.Backend{
			{ID: "b1", URL: "http://127.0.0.1:1", Enabled: true, Weight: 1},
		},
		Policies: []config.RoutePolicy{
			{
				ID: "catch-all", Priority: 1, PathPattern: "/**", Enabled: true,
				BackendIDs: []string{"b1"}, Strategy: config.StrategyRandom,
				BotGuard: &config.BotGuardConfig{
					Enabled:    true,
					Thresholds: config.BotThresholds{Low: 0.3, Medium: 0.6, High: 0.85},
					Actions:    config.BotActions{Low: config.ActionAllow, Medium: config.ActionChallenge, High: config.ActionBlock},
				},
			},
		},
	}
	p := buildPipeline(t, gc)

	// No user-agent, no accept headers, deep path: should score high on the
	// heuristic ensemble and get blocked before ever reaching the backend.
	req := httptest.NewRequest(http.MethodGet, "/a/b/c/d", nil)
	req.Host = "example.com"
	rw := httptest.NewRecorder()

	p.Handle(rw, req)

	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 forbidden for a high bot score, got %d: %s", rw.Code, rw.Body.String())
	}
	if rw.Body.String() != "Forbidden" {
		t.Fatalf("expected plain Forbidden body, got %q", rw.Body.String())
	}
}

func TestHandleChallengeTokenBypassesBotGuard(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gc := &config.GlobalConfig{
		Status: config.StatusActive,
		Domain: "example.com",
		Backends: []config.Backend{
			{ID: "b1", URL: backend.URL, Enabled: true, Weight: 1},
		},
		Policies: []config.RoutePolicy{
			{
				ID: "catch-all", Priority: 1, PathPattern: "/**", Enabled: true,
				BackendIDs: []string{"b1"}, Strategy: config.StrategyRandom,
				BotGuard: &config.BotGuardConfig{
					Enabled:    true,
					Thresholds: config.BotThresholds{Low: 0.3, Medium: 0.6, High: 0.85},
					Actions:    config.BotActions{Low: config.ActionAllow, Medium: config.ActionChallenge, High: config.ActionBlock},
				},
			},
		},
	}
	p := buildPipeline(t, gc)

	req := httptest.NewRequest(http.MethodGet, "/a/b/c/d", nil)
	req.Host = "example.com"

	f := features.Extract(req, p.ipSalt, 24)
	tok, _, err := p.challenge.Issue(f.IPHash, "/a/b/c/d")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	req.Header.Set("X-Challenge-Token", tok)

	rw := httptest.NewRecorder()
	p.Handle(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 for a request carrying a valid challenge token, got %d", rw.Code)
	}
}
