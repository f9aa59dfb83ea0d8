// Package proxy implements C8, forwarding a request to a selected
// backend and streaming its response back. Connection pooling is
// grounded on the teacher's provider/pool.go ConnectionPool; the
// compression-header-drop quirk and header-stripping lists are grounded
// on the teacher's middleware/headers.go HeaderNormalization.
package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/foundrygate/gateway/config"
)

// hopByHopHeaders are stripped before forwarding in either direction,
// matching the teacher's headersToStripFromRequest/Response lists.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Proxy is the C8 Proxy. One Proxy instance is shared across requests;
// its http.Client/Transport pool connections per the teacher's
// ConnectionPool idiom.
type Proxy struct {
	client *http.Client
}

// New builds a proxy with a pooled transport. Transparent response
// decompression is disabled (Open Question #3), so resp.Uncompressed is
// never set and Content-Encoding/Content-Length are forwarded as the
// backend sent them; see the Uncompressed check in Forward.
func New() *Proxy {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
	return &Proxy{
		client: &http.Client{
			Transport: transport,
			Timeout:   25 * time.Second,
		},
	}
}

// Result carries the backend's response plus measured latency, or an
// error describing why the backend could not be reached.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	LatencyMs  float64
	Err        error
}

// Forward rewrites r's scheme/host to backend's URL, preserving path and
// query, forwards headers, and streams the backend's response body back.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, backend config.Backend, requestID, traceID string) Result {
	target, err := url.Parse(backend.URL)
	if err != nil {
		return writeBackendError(w, backend.ID, 0, err)
	}

	outURL := *r.URL
	outURL.Scheme = target.Scheme
	outURL.Host = target.Host

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		return writeBackendError(w, backend.ID, 0, err)
	}
	outReq.Host = target.Host
	copyHeaders(outReq.Header, r.Header)
	outReq.Header.Set("X-Request-Id", requestID)
	outReq.Header.Set("X-Trace-Id", traceID)

	start := time.Now()
	resp, err := p.client.Do(outReq)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return writeBackendError(w, backend.ID, latencyMs, err)
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	// resp.Uncompressed is only set when the transport itself requested
	// compression and transparently decompressed the body, leaving the
	// headers describing bytes that are no longer on the wire (spec §4.8).
	// The transport built in New runs with DisableCompression: true, so this never
	// fires in practice and Content-Encoding/Content-Length are forwarded
	// untouched, per Design Note §9 #3, for any backend that compressed on
	// its own — stripping them unconditionally would ship compressed bytes
	// under headers claiming they're plain, breaking client-side decoding.
	if resp.Uncompressed {
		w.Header().Del("Content-Encoding")
		w.Header().Del("Content-Length")
	}
	w.Header().Set("X-Backend", backend.ID)
	w.Header().Set("X-Backend-Latency", formatLatency(latencyMs))
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("X-Trace-Id", traceID)

	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		if rerr != nil {
			break
		}
	}

	return Result{StatusCode: resp.StatusCode, Header: resp.Header, LatencyMs: latencyMs}
}

// writeBackendError synthesizes the spec's 502 envelope when the backend
// cannot be reached at all (spec §6).
func writeBackendError(w http.ResponseWriter, backendID string, latencyMs float64, err error) Result {
	body := map[string]string{
		"error":   "Bad Gateway",
		"message": "Backend unavailable",
		"backend": backendID,
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend", backendID)
	w.Header().Set("X-Backend-Latency", formatLatency(latencyMs))
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(body)
	return Result{StatusCode: http.StatusBadGateway, LatencyMs: latencyMs, Err: err}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func formatLatency(ms float64) string {
	return strconv.FormatFloat(ms, 'f', 2, 64)
}
