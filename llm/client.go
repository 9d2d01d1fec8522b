// Package llm provides the optional remote-completion client used to
// augment evaluation results: an OpenAI-compatible HTTP client wrapped in
// a circuit breaker and an LRU response cache.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/internal/config"
)

// Match is one technique match as returned by the LLM's JSON response.
type Match struct {
	TechniqueId     string `json:"techniqueId"`
	TechniqueName   string `json:"techniqueName"`
	ConfidenceScore int    `json:"confidenceScore"`
	MatchedText     string `json:"matchedText"`
	Rationale       string `json:"rationale"`
}

type completionResponse struct {
	Matches []Match `json:"matches"`
}

// Client wraps a remote completion endpoint with a circuit breaker and an
// LRU response cache keyed by (systemPrompt, userPrompt).
type Client struct {
	cfg     config.LLMConfig
	http    *http.Client
	breaker *circuitBreaker
	cache   *responseCache
}

// New constructs a Client from cfg. Returns nil if LLM augmentation is
// disabled, so callers can treat a nil *Client as "no LLM available".
func New(cfg config.LLMConfig) *Client {
	if !cfg.Enabled {
		return nil
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: newCircuitBreaker(5, 5*time.Minute),
		cache:   newResponseCache(cfg.CacheCap, cfg.CacheTTL),
	}
}

// Available reports whether the client can currently accept a request
// (configured and the circuit is not open).
func (c *Client) Available() bool {
	return c != nil && !c.breaker.open()
}

// Complete sends (systemPrompt, userPrompt) to the configured endpoint and
// parses the {matches:[...]} JSON response. Results are cached; a cached
// hit never touches the circuit breaker or network.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) ([]Match, error) {
	if c == nil {
		return nil, attackscore.Internal(nil, "llm client not configured")
	}
	if cached, ok := c.cache.get(systemPrompt, userPrompt); ok {
		return cached, nil
	}
	if c.breaker.open() {
		return nil, attackscore.Transient(nil, "llm circuit breaker open")
	}

	matches, err := c.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		c.breaker.recordFailure()
		return nil, attackscore.Transient(err, "llm completion")
	}
	c.breaker.recordSuccess()
	c.cache.put(systemPrompt, userPrompt, matches)
	return matches, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) ([]Match, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	reqBody.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, body)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, err
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("llm response had no choices")
	}

	var parsed completionResponse
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("parse llm matches: %w", err)
	}
	return parsed.Matches, nil
}

// circuitBreaker opens after consecutiveFailures failures and stays open
// for openDuration before allowing another attempt.
type circuitBreaker struct {
	mu                  sync.Mutex
	threshold           int
	openDuration        time.Duration
	consecutiveFailures int
	openedAt            time.Time
}

func newCircuitBreaker(threshold int, openDuration time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, openDuration: openDuration}
}

func (b *circuitBreaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutiveFailures < b.threshold {
		return false
	}
	if time.Since(b.openedAt) >= b.openDuration {
		b.consecutiveFailures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures == b.threshold {
		b.openedAt = time.Now()
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
}
