package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/foundrygate/gateway/features"
)

// HTTPClassifier calls an external AI bot-scoring service over HTTP,
// satisfying botguard.AIClassifier. Bounded per-call by the caller's
// context deadline (spec §6).
type HTTPClassifier struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPClassifier builds a classifier client. url is not checked here:
// with an empty url every Classify call returns an error, so the bot
// guard keeps its heuristic score. main builds no classifier at all when
// AI_CLASSIFIER_URL is empty.
func NewHTTPClassifier(url, apiKey string) *HTTPClassifier {
	return &HTTPClassifier{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

// classifyRequest/classifyResponse mirror the wire contract in spec §6
// exactly — the external classifier is a black box the gateway cannot
// renegotiate a schema with.
type classifyRequest struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	UserAgent string `json:"user_agent"`
}

type classifyResponse struct {
	BotScore float64 `json:"bot_score"`
	IsBot    bool    `json:"is_bot"`
}

// Classify posts the non-identifying feature subset to the classifier
// and returns its bot_score, in [0,1].
func (c *HTTPClassifier) Classify(ctx context.Context, f features.RequestFeatures) (float64, error) {
	payload := classifyRequest{
		URL:       f.Path,
		Method:    f.Method,
		UserAgent: f.UserAgent,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ai classifier returned status %d", resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.BotScore, nil
}
