// Package pipeline implements C10, the single orchestration entry point
// that every request flows through. The wall-clock budget and
// cancellation-safe response writer are grounded on the teacher's
// middleware/timeout.go TimeoutMiddleware/timeoutWriter; the overall
// wiring shape (construct every collaborator once, call through a single
// Handle) follows the teacher's main.go composition style.
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundrygate/gateway/botguard"
	"github.com/foundrygate/gateway/challenge"
	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/configcache"
	"github.com/foundrygate/gateway/features"
	"github.com/foundrygate/gateway/policy"
	"github.com/foundrygate/gateway/proxy"
	"github.com/foundrygate/gateway/ratelimit"
	"github.com/foundrygate/gateway/route"
)

// Pipeline wires every component into the single request-handling
// entry point described by spec §4.10.
type Pipeline struct {
	configs   *configcache.Cache
	botGuard  *botguard.Guard
	limiter   *ratelimit.Limiter
	selector  *route.Selector
	proxy     *proxy.Proxy
	challenge *challenge.Issuer
	metrics   *MetricsQueue
	logger    zerolog.Logger

	ipSalt           string
	subnetMask       int
	challengePageURL string
	requestBudget    time.Duration

	mu       sync.Mutex
	matchers map[string]*policy.Matcher
}

// New builds the orchestrator from its collaborators.
func New(
	configs *configcache.Cache,
	botGuard *botguard.Guard,
	limiter *ratelimit.Limiter,
	selector *route.Selector,
	prox *proxy.Proxy,
	chal *challenge.Issuer,
	metrics *MetricsQueue,
	logger zerolog.Logger,
	ipSalt string,
	subnetMask int,
	challengePageURL string,
	requestBudget time.Duration,
) *Pipeline {
	return &Pipeline{
		configs:          configs,
		botGuard:         botGuard,
		limiter:          limiter,
		selector:         selector,
		proxy:            prox,
		challenge:        chal,
		metrics:          metrics,
		logger:           logger.With().Str("component", "pipeline").Logger(),
		ipSalt:           ipSalt,
		subnetMask:       subnetMask,
		challengePageURL: challengePageURL,
		requestBudget:    requestBudget,
		matchers:         make(map[string]*policy.Matcher),
	}
}

// Handle is the single entry point every inbound request flows through.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Interface("panic", rec).Msg("unhandled panic in pipeline")
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
		}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), p.requestBudget)
	defer cancel()
	r = r.WithContext(ctx)
	bw := newBudgetWriter(w)
	w = bw

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				bw.timeout()
			}
		case <-done:
		}
	}()

	start := time.Now()
	domain := hostOnly(r.Host)

	// Step: parse the request URL; chi/net-http already rejects
	// unparsable request lines before reaching here, but a defensive
	// check keeps this step explicit per spec §4.10.
	if r.URL == nil || r.URL.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "unparsable request url")
		return
	}

	// Cross-domain challenge-completion handshake (spec §4.9): a
	// completed challenge redirects back with __challenge=<token>.
	if tok := r.URL.Query().Get("__challenge"); tok != "" {
		p.completeChallengeHandshake(w, r, domain, tok)
		return
	}

	gc := p.configs.LoadConfig(ctx, domain)
	matcher := p.matcherFor(domain, gc)

	f := features.Extract(r, p.ipSalt, p.subnetMask)

	policyMatch, matched := matcher.Match(r.URL.Path, r.Method)
	candidateIDs := gc.AllBackendIDs()
	var policyID string
	rateCfg := gc.DefaultRateLimit
	botCfg := gc.DefaultBotGuard
	strategy := gc.DefaultStrategy
	var sticky *config.StickyConfig
	var ipAllow, ipBlock []string

	if matched {
		policyID = policyMatch.ID
		candidateIDs = policyMatch.BackendIDs
		if policyMatch.RateLimit != nil {
			rateCfg = *policyMatch.RateLimit
		}
		if policyMatch.BotGuard != nil {
			botCfg = *policyMatch.BotGuard
		}
		strategy = policyMatch.Strategy
		sticky = policyMatch.StickyConfig
		ipAllow = policyMatch.IPAllowlist
		ipBlock = policyMatch.IPBlocklist
	}

	// rateCfg's SubnetMask is only known now, after policy matching, but
	// Extract already ran with the process-wide default mask; re-derive
	// the subnet under the policy's mask when it asks for a different one
	// so KeyTypeSubnet rate limiting actually honors it (spec §3, 8-32).
	if rateCfg.SubnetMask != 0 && rateCfg.SubnetMask != p.subnetMask {
		f.Subnet = features.Subnet(r, rateCfg.SubnetMask)
	}

	candidates := gc.EnabledBackends(candidateIDs)
	if len(candidates) == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "no_backends", "no enabled backend for this request")
		return
	}

	challengeToken := challenge.FromRequest(r)
	hasValidToken := false
	if challengeToken != "" {
		_, hasValidToken = p.challenge.Verify(challengeToken, f.IPHash)
	}

	rlResult := p.limiter.Check(ctx, f, rateCfg, policyID)
	if !rlResult.Allowed {
		writeRateLimited(w, rlResult, f.RequestID)
		p.record(f, domain, policyID, "", "", "throttled", http.StatusTooManyRequests, start, true, botguard.Decision{})
		return
	}
	f.RequestsInWindow = rlResult.Count

	decision := p.botGuard.Evaluate(ctx, f, botCfg, ipAllow, ipBlock, hasValidToken)
	switch decision.Action {
	case config.ActionBlock:
		writeForbidden(w, f.RequestID)
		p.record(f, domain, policyID, "", "", string(decision.Action), http.StatusForbidden, start, false, decision)
		return
	case config.ActionChallenge:
		p.issueChallengeRedirect(w, r, f, gc)
		p.record(f, domain, policyID, "", "", string(decision.Action), http.StatusFound, start, false, decision)
		return
	case config.ActionThrottle:
		writeRateLimited(w, ratelimit.Result{Allowed: false, RetryAfterMs: 1000}, f.RequestID)
		p.record(f, domain, policyID, "", "", string(decision.Action), http.StatusTooManyRequests, start, false, decision)
		return
	case config.ActionReroute:
		if decision.RerouteID != "" {
			candidates = gc.EnabledBackends([]string{decision.RerouteID})
			if len(candidates) == 0 {
				candidates = gc.EnabledBackends(candidateIDs)
			}
		}
	}

	sel, ok := p.selector.Select(policyID, candidates, strategy, f, r, sticky)
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "no_backends", "backend selection failed")
		return
	}

	applyRateLimitHeaders(w, rlResult)
	if sel.IsNewAssignment {
		applyStickyCookie(w, sticky, sel.Backend.ID)
	}

	result := p.proxy.Forward(w, r, sel.Backend, f.RequestID, f.TraceID)

	p.record(f, domain, policyID, sel.Backend.ID, string(sel.Strategy), string(decision.Action), result.StatusCode, start, false, decision)
}

func (p *Pipeline) completeChallengeHandshake(w http.ResponseWriter, r *http.Request, domain, token string) {
	f := features.Extract(r, p.ipSalt, p.subnetMask)
	if _, ok := p.challenge.Verify(token, f.IPHash); !ok {
		writeForbidden(w, f.RequestID)
		return
	}
	returnTo := r.URL.Query().Get("return")
	if returnTo == "" {
		returnTo = "/"
	}
	_, cookie, err := p.challenge.Issue(f.IPHash, r.URL.Path)
	if err == nil {
		http.SetCookie(w, cookie)
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (p *Pipeline) issueChallengeRedirect(w http.ResponseWriter, r *http.Request, f features.RequestFeatures, gc *config.GlobalConfig) {
	pageURL := gc.ChallengePageURL
	if pageURL == "" {
		pageURL = p.challengePageURL
	}
	original := r.URL.String()
	location := challenge.RedirectURL(pageURL, original)
	w.Header().Set("X-Request-Id", f.RequestID)
	http.Redirect(w, r, location, http.StatusFound)
}

func (p *Pipeline) matcherFor(domain string, gc *config.GlobalConfig) *policy.Matcher {
	key := domain + "@" + itoa(gc.Version)

	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.matchers[key]; ok {
		return m
	}
	m, err := policy.New(gc)
	if err != nil || m == nil {
		m, _ = policy.New(&config.GlobalConfig{})
	}
	p.matchers[key] = m
	return m
}

func (p *Pipeline) record(f features.RequestFeatures, domain, policyID, backendID, strategy, action string, status int, start time.Time, rateLimited bool, decision botguard.Decision) {
	p.metrics.Record(MetricRecord{
		RequestID:   f.RequestID,
		TraceID:     f.TraceID,
		Domain:      domain,
		Path:        f.Path,
		Method:      f.Method,
		PolicyID:    policyID,
		BackendID:   backendID,
		Strategy:    strategy,
		BotBucket:   string(decision.Bucket),
		BotScore:    decision.Score,
		Action:      action,
		StatusCode:  status,
		LatencyMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		RateLimited: rateLimited,
		Timestamp:   time.Now().UTC(),
	})
}

func applyRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Remaining", itoa64(res.Remaining))
	if !res.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", itoa64(res.ResetAt.Unix()))
	}
}

func applyStickyCookie(w http.ResponseWriter, sticky *config.StickyConfig, backendID string) {
	if sticky == nil || sticky.Type != config.StickyCookie || sticky.CookieName == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sticky.CookieName,
		Value:    backendID,
		Path:     "/",
		MaxAge:   3600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeForbidden(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("Forbidden"))
}

// writeRateLimited emits the bit-exact 429 envelope from spec §6.
func writeRateLimited(w http.ResponseWriter, res ratelimit.Result, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", itoa64(res.RetryAfterMs/1000))
	w.Header().Set("X-RateLimit-Remaining", itoa64(res.Remaining))
	w.Header().Set("X-Request-Id", requestID)
	if !res.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", itoa64(res.ResetAt.Unix()))
	}
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      "Too Many Requests",
		"message":    "Rate limit exceeded",
		"retryAfter": res.RetryAfterMs / 1000,
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func hostOnly(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		return host[:idx]
	}
	return host
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}
