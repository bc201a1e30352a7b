package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswer_SuccessAndCache(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/answer", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "42"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AuthToken: "tok", CacheTTL: time.Minute})
	got, err := c.Answer(context.Background(), "g@g.us", "meaning of life")
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	// Second identical query hits the cache.
	got, err = c.Answer(context.Background(), "g@g.us", "meaning of life")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnswer_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "eventually"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	got, err := c.Answer(context.Background(), "g", "q")
	require.NoError(t, err)
	assert.Equal(t, "eventually", got)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestAnswer_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Answer(context.Background(), "g", "q")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not retry")
}

func TestAnswer_DisabledClientFailsFast(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	_, err := c.Answer(context.Background(), "g", "q")
	require.Error(t, err)
}

func TestContextBlock_NeverFails(t *testing.T) {
	t.Parallel()
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	assert.Empty(t, c.ContextBlock(context.Background(), "g"))
}

func TestContextBlock_CachedWithMultiplier(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/context", r.URL.Path)
		_, _ = w.Write([]byte("recent context"))
	}))
	defer srv.Close()

	mult := 6
	c := New(Config{BaseURL: srv.URL, CacheTTL: time.Minute, TTLMultiplier: func() int { return mult }})
	assert.Equal(t, "recent context", c.ContextBlock(context.Background(), "g"))
	assert.Equal(t, "recent context", c.ContextBlock(context.Background(), "g"))
	assert.Equal(t, int32(1), calls.Load())
}
