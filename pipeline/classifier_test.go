package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foundrygate/gateway/features"
)

func TestHTTPClassifierReturnsScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bot_score":0.73,"is_bot":true}`))
	}))
	defer server.Close()

	c := NewHTTPClassifier(server.URL, "secret")
	score, err := c.Classify(context.Background(), features.RequestFeatures{IPHash: "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0.73 {
		t.Fatalf("expected score 0.73, got %v", score)
	}
}

func TestHTTPClassifierErrorsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewHTTPClassifier(server.URL, "")
	if _, err := c.Classify(context.Background(), features.RequestFeatures{}); err == nil {
		t.Fatal("expected an error for a non-200 classifier response")
	}
}

func TestHTTPClassifierErrorsOnUnreachableHost(t *testing.T) {
	c := NewHTTPClassifier("http://127.0.0.1:1", "")
	if _, err := c.Classify(context.Background(), features.RequestFeatures{}); err == nil {
		t.Fatal("expected an error when the classifier host is unreachable")
	}
}
