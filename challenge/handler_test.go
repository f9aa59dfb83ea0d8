package challenge

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifyHandlerRejectsUnknownProvider(t *testing.T) {
	issuer := New("test-secret", false)
	handler := NewVerifyHandler(issuer, http.DefaultClient, Secrets{}, "salt", 24)

	body := bytes.NewBufferString(`{"provider":"recaptcha","token":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/__challenge/verify", body)
	rw := httptest.NewRecorder()

	handler(rw, req)

	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown captcha provider, got %d", rw.Code)
	}
}

func TestVerifyHandlerRejectsMalformedBody(t *testing.T) {
	issuer := New("test-secret", false)
	handler := NewVerifyHandler(issuer, http.DefaultClient, Secrets{}, "salt", 24)

	req := httptest.NewRequest(http.MethodPost, "/__challenge/verify", bytes.NewBufferString("not json"))
	rw := httptest.NewRecorder()

	handler(rw, req)

	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rw.Code)
	}
}

func TestVerifyHandlerRejectsNonPost(t *testing.T) {
	issuer := New("test-secret", false)
	handler := NewVerifyHandler(issuer, http.DefaultClient, Secrets{}, "salt", 24)

	req := httptest.NewRequest(http.MethodGet, "/__challenge/verify", nil)
	rw := httptest.NewRecorder()

	handler(rw, req)

	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for a non-POST request, got %d", rw.Code)
	}
}
