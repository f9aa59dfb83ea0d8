package botguard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/features"
)

func fullGuardConfig() config.BotGuardConfig {
	return config.BotGuardConfig{
		Enabled:    true,
		Thresholds: thresholds(),
		Actions: config.BotActions{
			Low:    config.ActionAllow,
			Medium: config.ActionChallenge,
			High:   config.ActionBlock,
		},
	}
}

func thresholds() config.BotThresholds {
	return config.BotThresholds{Low: 0.3, Medium: 0.6, High: 0.85}
}

func TestBucketForBoundaries(t *testing.T) {
	th := thresholds()
	cases := []struct {
		score float64
		want  config.Bucket
	}{
		{0.29, config.BucketLow},
		{0.30, config.BucketMedium},
		{0.84, config.BucketMedium},
		{0.85, config.BucketHigh},
		{1.0, config.BucketHigh},
	}
	for _, tc := range cases {
		got := bucketFor(tc.score, th)
		if got != tc.want {
			t.Errorf("bucketFor(%v) = %v, want %v", tc.score, got, tc.want)
		}
	}
}

func TestHeuristicScoreNoSignalsIsLow(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	r.Header.Set("Accept", "text/html")
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Accept-Encoding", "gzip")
	r.Header.Set("Referer", "https://example.com")
	r.AddCookie(&http.Cookie{Name: "session", Value: "x"})

	f := features.Extract(r, "salt", 24)
	score, _ := heuristicScore(f, "mozilla/5.0 (macintosh)")
	if score >= thresholds().Low {
		t.Fatalf("expected low score for a browser-shaped request, got %v", score)
	}
}

func TestHeuristicScoreMissingUAIsHigh(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/a/b/c/d", nil)
	f := features.Extract(r, "salt", 24)
	score, hits := heuristicScore(f, "")
	if score < thresholds().High {
		t.Fatalf("expected high score for a headerless request, got %v (%v)", score, hits)
	}
}

func TestEvaluateBlocklistDominatesAllowlist(t *testing.T) {
	g := New(nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-Ip", "203.0.113.9")
	f := features.Extract(r, "salt", 24)

	d := g.Evaluate(context.Background(), f, fullGuardConfig(), []string{f.IPHash}, []string{f.IPHash}, false)
	if d.Action != config.ActionBlock {
		t.Fatalf("expected block when ip is on both lists, got %v", d.Action)
	}
}

func TestEvaluateValidTokenShortCircuits(t *testing.T) {
	g := New(nil)
	r := httptest.NewRequest(http.MethodGet, "/a/b/c/d", nil)
	f := features.Extract(r, "salt", 24)

	d := g.Evaluate(context.Background(), f, fullGuardConfig(), nil, nil, true)
	if d.Action != config.ActionAllow {
		t.Fatalf("expected allow with a valid challenge token, got %v", d.Action)
	}
}

func TestEvaluateGoodBotSuppressesUAPatternOnly(t *testing.T) {
	// A crawler-shaped request with realistic headers: bot_ua_pattern must
	// not fire for a known-good UA, but the remaining heuristics still run
	// (spec §4.4 scenario 3 / §9) — this is not a full bypass.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	r.Header.Set("Accept", "text/html")
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Accept-Encoding", "gzip")
	f := features.Extract(r, "salt", 24)

	score, hits := heuristicScore(f, strings.ToLower(f.UserAgent))
	for _, h := range hits {
		if h == "bot_ua_pattern" {
			t.Fatalf("expected bot_ua_pattern to be suppressed for a known-good bot, got hits %v", hits)
		}
	}
	if score >= thresholds().Low {
		t.Fatalf("expected a low score once bot_ua_pattern is suppressed and headers are browser-shaped, got %v (%v)", score, hits)
	}
}

func TestEvaluateBadUAWithoutGoodMatchTriggersPattern(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", "some-random-crawler/1.0")
	f := features.Extract(r, "salt", 24)

	_, hits := heuristicScore(f, strings.ToLower(f.UserAgent))
	found := false
	for _, h := range hits {
		if h == "bot_ua_pattern" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bot_ua_pattern to fire for an unrecognized crawler UA, got hits %v", hits)
	}
}
