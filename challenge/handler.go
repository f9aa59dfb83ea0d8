package challenge

import (
	"encoding/json"
	"net/http"

	"github.com/foundrygate/gateway/features"
)

// verifyRequest is the body the challenge page posts once its visitor
// has solved the third-party captcha (spec §4.9's human-verification
// step, which feeds token issuance).
type verifyRequest struct {
	Provider string `json:"provider"` // "turnstile" or "hcaptcha"
	Token    string `json:"token"`
	Return   string `json:"return"`
}

// Secrets holds the third-party captcha secrets the verify handler needs
// (spec §6's TURNSTILE_SECRET / HCAPTCHA_SECRET environment keys).
type Secrets struct {
	Turnstile string
	HCaptcha  string
}

// NewVerifyHandler builds the HTTP handler the challenge page posts a
// solved captcha response to. On success it issues a challenge token and
// sets its cookie; on failure it returns 400 so the caller re-challenges
// (spec §7). ipSalt/subnetMask mirror the values the rest of the
// pipeline hashes the caller's address with, so the issued token's
// ipHash claim matches what Pipeline.Handle will see on the next request.
func NewVerifyHandler(issuer *Issuer, client *http.Client, secrets Secrets, ipSalt string, subnetMask int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeVerifyError(w, "invalid request body")
			return
		}

		remoteIP := features.ClientIP(r)
		ipHash := features.Extract(r, ipSalt, subnetMask).IPHash

		var ok bool
		var err error
		switch req.Provider {
		case "turnstile":
			ok, err = VerifyTurnstile(client, secrets.Turnstile, req.Token, remoteIP)
		case "hcaptcha":
			ok, err = VerifyHCaptcha(client, secrets.HCaptcha, req.Token, remoteIP)
		default:
			writeVerifyError(w, "unknown captcha provider")
			return
		}
		if err != nil || !ok {
			writeVerifyError(w, "captcha verification failed")
			return
		}

		path := req.Return
		if path == "" {
			path = "/"
		}
		_, cookie, err := issuer.Issue(ipHash, path)
		if err != nil {
			writeVerifyError(w, "token issuance failed")
			return
		}
		http.SetCookie(w, cookie)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "verified", "return": path})
	}
}

func writeVerifyError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_captcha", "message": message})
}
