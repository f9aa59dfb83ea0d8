package challenge

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	issuer := New("test-secret", false)
	tok, cookie, err := issuer.Issue("ipHash123", "/some/path")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if cookie.Name != cookieName {
		t.Fatalf("unexpected cookie name: %v", cookie.Name)
	}

	claims, ok := issuer.Verify(tok, "ipHash123")
	if !ok {
		t.Fatal("expected token to verify")
	}
	if claims.IPHash != "ipHash123" || claims.Path != "/some/path" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsMismatchedIPHash(t *testing.T) {
	issuer := New("test-secret", false)
	tok, _, _ := issuer.Issue("ipHash123", "/some/path")

	if _, ok := issuer.Verify(tok, "different-hash"); ok {
		t.Fatal("expected verification to fail on ip hash mismatch")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := New("secret-a", false)
	tok, _, _ := issuer.Issue("ipHash123", "/p")

	other := New("secret-b", false)
	if _, ok := other.Verify(tok, "ipHash123"); ok {
		t.Fatal("expected verification to fail with a different signing secret")
	}
}

func TestFromRequestPrefersCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieName, Value: "cookie-token"})
	r.Header.Set(headerName, "header-token")

	if got := FromRequest(r); got != "cookie-token" {
		t.Fatalf("expected cookie token preferred, got %q", got)
	}
}

func TestFromRequestFallsBackToHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(headerName, "header-token")

	if got := FromRequest(r); got != "header-token" {
		t.Fatalf("expected header fallback, got %q", got)
	}
}

func TestRedirectURLEncodesReturnParam(t *testing.T) {
	got := RedirectURL("https://challenge.example.com/", "https://app.example.com/a?b=c")
	want := "https://challenge.example.com/?return=https%3A%2F%2Fapp.example.com%2Fa%3Fb%3Dc"
	if got != want {
		t.Fatalf("unexpected redirect url:\ngot  %q\nwant %q", got, want)
	}
}
