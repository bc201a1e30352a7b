// Package oracle is the HTTP client for the knowledge service ("Oracle"):
// search, memory, and the compact context block injected into container
// prompts.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
)

// Config parameterizes the client.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	// CacheTTL is the baseline answer-cache TTL; the budget governor's
	// multiplier stretches it as spend climbs.
	CacheTTL time.Duration
	// TTLMultiplier is consulted on each cache write; nil means ×1.
	TTLMultiplier func() int
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// Client talks to the knowledge service with bounded retries and a TTL
// response cache.
type Client struct {
	cfg  Config
	http *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs the client. An empty BaseURL yields a disabled client whose
// calls fail fast; the pipeline falls through to containers.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: make(map[string]cacheEntry),
	}
}

type answerRequest struct {
	ChatJID string `json:"chat_jid"`
	Query   string `json:"query"`
}

type answerResponse struct {
	Answer string `json:"answer"`
}

// Answer resolves a knowledge query. Errors signal fall-through to the
// container tier; they are expected and cheap.
func (c *Client) Answer(ctx context.Context, chatJID, query string) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("op=oracle.Answer: client disabled")
	}
	key := "answer:" + chatJID + ":" + query
	if v, ok := c.cached(key); ok {
		return v, nil
	}

	start := time.Now()
	var answer string
	operation := func() error {
		body, err := json.Marshal(answerRequest{ChatJID: chatJID, Query: query})
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/answer", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("oracle status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("oracle status %d", resp.StatusCode))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		var ar answerResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			return backoff.Permanent(err)
		}
		answer = ar.Answer
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return "", fmt.Errorf("op=oracle.Answer: %w", err)
	}
	observability.OracleRequestDuration.Observe(time.Since(start).Seconds())
	c.store(key, answer)
	return answer, nil
}

// ContextBlock returns the compact per-chat context snippet, or "" when the
// service is unavailable. Never fails a run.
func (c *Client) ContextBlock(ctx context.Context, chatJID string) string {
	if c.cfg.BaseURL == "" {
		return ""
	}
	key := "context:" + chatJID
	if v, ok := c.cached(key); ok {
		return v
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/context?chat_jid="+chatJID, nil)
	if err != nil {
		return ""
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("oracle context fetch failed", slog.Any("error", err))
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return ""
	}
	block := string(data)
	c.store(key, block)
	return block
}

func (c *Client) cached(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.cache, key)
		return "", false
	}
	return e.value, true
}

func (c *Client) store(key, value string) {
	ttl := c.cfg.CacheTTL
	if c.cfg.TTLMultiplier != nil {
		if m := c.cfg.TTLMultiplier(); m > 1 {
			ttl *= time.Duration(m)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
}
