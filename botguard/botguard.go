// Package botguard implements C4, the weighted heuristic bot scorer with
// an optional AI-classifier blend. Rule weights, bucket boundaries, and
// bot lists are taken verbatim from the specification; the allow/block
// list and AI-blend shape are new code grounded on that spec text
// directly — there is no teacher equivalent of "bot scoring" to imitate.
package botguard

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/features"
)

// BAD_BOTS are user-agent substrings treated as known-bad automation
// (spec §4.4, case-insensitive substring match).
var BAD_BOTS = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests",
	"httpx", "axios", "node-fetch", "go-http-client", "java/", "libwww",
	"headless", "phantom", "selenium", "puppeteer", "playwright",
}

// GOOD_BOTS are user-agent substrings that suppress the bot_ua_pattern
// rule specifically (spec §4.4) — they do not bypass the remaining
// heuristics, which still run and may still trigger a non-low bucket.
var GOOD_BOTS = []string{
	"googlebot", "bingbot", "yandexbot", "duckduckbot", "baiduspider",
	"facebookexternalhit", "twitterbot", "linkedinbot", "slackbot", "discordbot",
}

var suspiciousAcceptLanguage = regexp.MustCompile(`^([a-z]{2}|\*)$`)

// Decision is the outcome of a single Evaluate call (spec §4.4).
type Decision struct {
	Action     config.BotAction
	Bucket     config.Bucket
	Score      float64
	RuleHits   []string
	UsedAI     bool
	RerouteID  string
}

// Guard is the C4 Bot Guard.
type Guard struct {
	classifier AIClassifier
}

// AIClassifier is the optional external AI bot-score collaborator
// (spec §6). A nil classifier means the AI blend is skipped entirely.
type AIClassifier interface {
	Classify(ctx context.Context, f features.RequestFeatures) (score float64, err error)
}

// New builds a bot guard. classifier may be nil.
func New(classifier AIClassifier) *Guard {
	return &Guard{classifier: classifier}
}

// Evaluate scores a request and returns the action to take. hasValidToken
// short-circuits straight to allow without running heuristics, per the
// pipeline's challenge-token rule (spec §4.10).
func (g *Guard) Evaluate(ctx context.Context, f features.RequestFeatures, cfg config.BotGuardConfig, ipAllowlist, ipBlocklist []string, hasValidToken bool) Decision {
	if !cfg.Enabled {
		return Decision{Action: config.ActionAllow, Bucket: config.BucketLow}
	}

	if matchesList(f, ipBlocklist) {
		return Decision{Action: config.ActionBlock, Bucket: config.BucketHigh, Score: 1, RuleHits: []string{"blocklist"}}
	}
	if matchesList(f, ipAllowlist) {
		return Decision{Action: config.ActionAllow, Bucket: config.BucketLow}
	}
	if hasValidToken {
		return Decision{Action: config.ActionAllow, Bucket: config.BucketLow, RuleHits: []string{"challenge_token"}}
	}

	ua := strings.ToLower(f.UserAgent)
	score, hits := heuristicScore(f, ua)

	usedAI := false
	if cfg.UseAIClassifier && g.classifier != nil {
		aiScore, err := g.classifyBounded(ctx, f, cfg.AITimeoutMs)
		if err == nil {
			score = score*0.6 + aiScore*0.4
			usedAI = true
		}
	}

	bucket := bucketFor(score, cfg.Thresholds)
	action := actionFor(bucket, cfg.Actions)

	d := Decision{Action: action, Bucket: bucket, Score: score, RuleHits: hits, UsedAI: usedAI}
	if action == config.ActionReroute {
		d.RerouteID = cfg.RerouteBackendID
	}
	return d
}

// classifyBounded calls the AI classifier under a bounded timeout,
// failing silent (return err) on timeout or transport failure so the
// caller falls back to the heuristic-only score (spec §7).
func (g *Guard) classifyBounded(ctx context.Context, f features.RequestFeatures, timeoutMs int64) (float64, error) {
	if timeoutMs <= 0 {
		timeoutMs = 50
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	return g.classifier.Classify(cctx, f)
}

// matchesAny reports whether ua (already lowercased) contains any of
// patterns as a substring.
func matchesAny(ua string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

// pathDepth counts non-empty path segments, used by deep_path_no_referer.
func pathDepth(path string) int {
	depth := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

// matchesList reports whether f's ip hash or subnet appears in list.
// Lists are expected to carry hashed/subnet values, not raw IPs, since
// RequestFeatures never carries a raw IP either.
func matchesList(f features.RequestFeatures, list []string) bool {
	for _, entry := range list {
		if entry == f.IPHash || entry == f.Subnet {
			return true
		}
	}
	return false
}

// heuristicScore runs the 12-rule weighted ensemble (spec §4.4). Weights
// are additive and capped at 1.0.
func heuristicScore(f features.RequestFeatures, ua string) (float64, []string) {
	var score float64
	var hits []string

	add := func(weight float64, name string) {
		score += weight
		hits = append(hits, name)
	}

	if f.UserAgent == "" {
		add(0.40, "missing_ua")
	} else if len(f.UserAgent) < 20 {
		add(0.20, "short_ua")
	}

	if matchesAny(ua, BAD_BOTS) && !matchesAny(ua, GOOD_BOTS) {
		add(0.50, "bot_ua_pattern")
	}

	if !f.HasAcceptHeader {
		add(0.25, "missing_accept")
	}
	if f.AcceptLanguage == "" {
		add(0.20, "missing_accept_language")
	} else if suspiciousAcceptLanguage.MatchString(strings.ToLower(f.AcceptLanguage)) {
		add(0.15, "suspicious_accept_language")
	}
	if f.HeaderCount < 5 {
		add(0.20, "few_headers")
	}
	if !f.HasCookies && f.Referer != "" {
		add(0.10, "no_cookies_returning")
	}
	if f.AcceptEncoding == "" {
		add(0.15, "missing_accept_encoding")
	}
	if pathDepth(f.Path) > 2 && f.Referer == "" {
		add(0.10, "deep_path_no_referer")
	}
	if f.Method == "TRACE" || f.Method == "CONNECT" || f.Method == "OPTIONS" {
		add(0.30, "unusual_method")
	}
	if f.RequestsInWindow > 50 {
		add(0.35, "high_frequency")
	}

	if score > 1 {
		score = 1
	}
	return score, hits
}

// bucketFor resolves Open Question #1: high if score >= thresholds.high,
// medium if score >= thresholds.low, low otherwise. thresholds.medium is
// never consulted for the boundary.
func bucketFor(score float64, t config.BotThresholds) config.Bucket {
	switch {
	case score >= t.High:
		return config.BucketHigh
	case score >= t.Low:
		return config.BucketMedium
	default:
		return config.BucketLow
	}
}

func actionFor(bucket config.Bucket, actions config.BotActions) config.BotAction {
	switch bucket {
	case config.BucketHigh:
		return actions.High
	case config.BucketMedium:
		return actions.Medium
	default:
		return actions.Low
	}
}
