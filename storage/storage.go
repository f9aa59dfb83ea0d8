// Package storage defines the narrow interface the config cache (C1) uses
// to reach the out-of-scope configuration database. Spec.md names this
// collaborator only by its interface — GetActiveConfig/SaveConfig/
// ListConfigs over a SQL-backed store with user/domain ownership — so this
// package supplies a thin HTTP client standing in for that service rather
// than reimplementing it.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/foundrygate/gateway/config"
)

// Store is the subset of the configuration-storage service the gateway
// core calls on a config-cache miss.
type Store interface {
	// GetActiveConfig returns the single active GlobalConfig for a domain.
	GetActiveConfig(ctx context.Context, domain string) (*config.GlobalConfig, error)
}

// HTTPStore calls an external configuration-storage HTTP service.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore builds a Store client bounded by a short default timeout;
// storage failures are part of the fail-open path (spec §7) so this client
// never retries internally — the caller decides what to do on error.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

func (s *HTTPStore) GetActiveConfig(ctx context.Context, domain string) (*config.GlobalConfig, error) {
	u := s.baseURL + "/configs/active?domain=" + url.QueryEscape(domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("storage returned status %d", resp.StatusCode)
	}

	var gc config.GlobalConfig
	if err := json.NewDecoder(resp.Body).Decode(&gc); err != nil {
		return nil, fmt.Errorf("decoding storage response: %w", err)
	}
	return &gc, nil
}
