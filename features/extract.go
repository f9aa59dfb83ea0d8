// Package features implements C2, deriving a privacy-preserving
// RequestFeatures record from an inbound HTTP request. RequestFeatures
// carries no raw IPv4 address, no cookie value except the session id, and
// no body content; an IPv6 address is kept unmasked as the Subnet, and
// ClientIP is the one exported way to read the raw address.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestFeatures is the read-only-after-construction record the rest of
// the pipeline reasons about (spec §3).
type RequestFeatures struct {
	RequestID  string
	TraceID    string
	IPHash     string
	Subnet     string
	Method     string
	Path       string
	Host       string
	Protocol   string
	UserAgent  string

	AcceptLanguage string
	AcceptEncoding string
	Referer        string
	Origin         string

	HeaderCount     int
	HasAcceptHeader bool
	HasCookies      bool
	CookieCount     int

	Country string
	Region  string
	City    string
	ASN     string

	TLSVersion string

	SessionID string

	RequestsInWindow int64

	Timestamp time.Time
}

const defaultSubnetMask = 24

// Extract derives RequestFeatures from r. ipSalt is mixed into the IP
// hash so the hash is a function of (clientIP, ipSalt) only — never the
// raw address.
func Extract(r *http.Request, ipSalt string, subnetMask int) RequestFeatures {
	if subnetMask == 0 {
		subnetMask = defaultSubnetMask
	}

	clientIP := resolveClientIP(r)
	ipHash := hashIP(clientIP, ipSalt)
	subnet := deriveSubnet(clientIP, subnetMask)

	headerCount := 0
	for range r.Header {
		headerCount++
	}

	cookies := r.Cookies()
	sessionID := ""
	for _, ck := range cookies {
		name := strings.ToLower(ck.Name)
		if name == "session" || name == "sid" || name == "_session" {
			sessionID = ck.Value
			break
		}
	}

	f := RequestFeatures{
		RequestID: opaqueID(r.Header.Get("X-Request-Id"), 16),
		TraceID:   opaqueID(r.Header.Get("X-Trace-Id"), 32),
		IPHash:    ipHash,
		Subnet:    subnet,
		Method:    r.Method,
		Path:      r.URL.Path,
		Host:      r.Host,
		Protocol:  r.Proto,
		UserAgent: r.UserAgent(),

		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		Referer:        r.Header.Get("Referer"),
		Origin:         r.Header.Get("Origin"),

		HeaderCount:     headerCount,
		HasAcceptHeader: r.Header.Get("Accept") != "",
		HasCookies:      len(cookies) > 0,
		CookieCount:     len(cookies),

		Country: r.Header.Get("X-Geo-Country"),
		Region:  r.Header.Get("X-Geo-Region"),
		City:    r.Header.Get("X-Geo-City"),
		ASN:     r.Header.Get("X-Geo-ASN"),

		TLSVersion: r.Header.Get("X-Forwarded-Tls-Version"),

		SessionID: sessionID,

		Timestamp: time.Now().UTC(),
	}
	return f
}

// Subnet re-derives the subnet for r under maskBits, independent of
// whatever mask Extract used. The rate limiter's policy-specific
// RateLimitConfig.SubnetMask (spec §3) is only known after policy
// matching, which happens after Extract already ran with the
// process-wide default mask; callers that need the policy's mask
// re-derive just this field rather than re-running all of Extract.
func Subnet(r *http.Request, maskBits int) string {
	if maskBits == 0 {
		maskBits = defaultSubnetMask
	}
	return deriveSubnet(resolveClientIP(r), maskBits)
}

// ClientIP resolves the caller's raw address using the same precedence
// as Extract (spec §4.2). It exists only for the narrow set of callers
// that must hand the raw address to an external collaborator the spec
// explicitly allows it for (the third-party captcha verify call, which
// accepts an optional remoteip) — RequestFeatures itself never carries
// it, except that an IPv6 address is its own Subnet.
func ClientIP(r *http.Request) string {
	return resolveClientIP(r)
}

// resolveClientIP picks the client IP per spec §4.2: x-real-ip, else the
// first token of x-forwarded-for, else 0.0.0.0.
func resolveClientIP(r *http.Request) string {
	if v := r.Header.Get("X-Real-Ip"); v != "" {
		return strings.TrimSpace(v)
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		parts := strings.Split(v, ",")
		return strings.TrimSpace(parts[0])
	}
	return "0.0.0.0"
}

// hashIP returns the first 8 bytes (hex) of SHA-256(ip || ipSalt).
func hashIP(ip, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:8])
}

// deriveSubnet masks an IPv4 address to the given bit length; IPv6
// addresses are returned as-is (spec §4.2).
func deriveSubnet(ip string, maskBits int) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ip
	}
	if maskBits < 8 {
		maskBits = 8
	}
	if maskBits > 32 {
		maskBits = 32
	}
	mask := net.CIDRMask(maskBits, 32)
	return v4.Mask(mask).String()
}

// opaqueID returns preferred (an inbound id header) cut to length if
// non-empty (a shorter value is returned unchanged, not padded), else a
// freshly generated opaque id of that length.
func opaqueID(preferred string, length int) string {
	if preferred != "" {
		if len(preferred) >= length {
			return preferred[:length]
		}
		return preferred
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(raw) < length {
		raw += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return raw[:length]
}
