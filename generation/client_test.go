package generation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return NewHTTPClient(config.GenerationConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: timeout,
	}, nil)
}

func TestHTTPClientGenerate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"# Overview\n\ngenerated"}}]}`))
	}, 0)

	out, err := client.Generate(context.Background(), "write a doc")
	require.NoError(t, err)
	assert.Equal(t, "# Overview\n\ngenerated", out)
}

func TestHTTPClientTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}, 0)

		_, err := client.Generate(context.Background(), "p")
		require.Error(t, err)
		assert.Equal(t, types.ErrTransientGeneration, types.GetErrorCode(err), "status %d", status)
		assert.Equal(t, types.FailureTransient, Classify(err))
	}
}

func TestHTTPClientPermanentStatuses(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}, 0)

		_, err := client.Generate(context.Background(), "p")
		require.Error(t, err)
		assert.Equal(t, types.ErrPermanentGeneration, types.GetErrorCode(err), "status %d", status)
		assert.Equal(t, types.FailurePermanent, Classify(err))
	}
}

func TestHTTPClientTimeoutIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, "p")
	require.Error(t, err)
	assert.Equal(t, types.FailureTransient, Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, types.FailureNone, Classify(nil))
	assert.Equal(t, types.FailureTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, types.FailurePermanent, Classify(Permanent("bad", nil)))
	assert.Equal(t, types.FailureTransient, Classify(Transient("slow", nil)))
	// Unclassified errors default to transient.
	assert.Equal(t, types.FailureTransient, Classify(assert.AnError))
}

func TestRateLimitedClient(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}, 0)

	limited := NewRateLimitedClient(client, 1000, 1)
	for i := 0; i < 3; i++ {
		_, err := limited.Generate(context.Background(), "p")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)

	// Zero rps disables wrapping entirely.
	same := NewRateLimitedClient(client, 0, 0)
	assert.Same(t, client, same.(*HTTPClient))
}

func TestTokenizerFallback(t *testing.T) {
	tok := NewTokenizer("no_such_encoding", nil)
	text := "0123456789abcdef"
	assert.Equal(t, len(text)/4, tok.Count(text))
}
