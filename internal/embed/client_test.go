package embed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/resilience"
)

func testExecutor(t *testing.T) *resilience.Executor {
	t.Helper()
	return resilience.New(resilience.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		BreakerEnabled: false,
	}, zap.NewNop())
}

func vec(vals ...float32) []float32 { return vals }

func writeEmbeddings(w http.ResponseWriter, items ...map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": items})
}

func TestEmbedBatchReordersByIndex(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		got  embedRequest
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()

		// Deliberately out of order.
		writeEmbeddings(w,
			map[string]any{"index": 1, "embedding": vec(0.4, 0.5)},
			map[string]any{"index": 0, "embedding": vec(0.1, 0.2)},
		)
	}))
	defer srv.Close()

	client := New(Config{
		Endpoint:   srv.URL,
		APIKey:     "key123",
		Model:      "text-embedding-3-small",
		Dimensions: 2,
	}, testExecutor(t))

	vectors, err := client.EmbedBatch(t.Context(), []string{"first text", "second text"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0.1, 0.2}, {0.4, 0.5}}, vectors)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "Bearer key123", auth)
	require.Equal(t, "text-embedding-3-small", got.Model)
	require.Equal(t, []string{"first text", "second text"}, got.Input)
	require.Equal(t, 2, got.Dimensions)
	require.Equal(t, "float", got.EncodingFormat)
}

func TestEmbedBatchChunksLargeInputs(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		chunks [][]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		chunks = append(chunks, req.Input)
		mu.Unlock()

		items := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			items[i] = map[string]any{"index": i, "embedding": vec(float32(i))}
		}
		writeEmbeddings(w, items...)
	}))
	defer srv.Close()

	client := New(Config{Endpoint: srv.URL, BatchSize: 2}, testExecutor(t))

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := client.EmbedBatch(t.Context(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}

func TestEmbedBatchRejectsCountMismatch(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeEmbeddings(w, map[string]any{"index": 0, "embedding": vec(0.1)})
	}))
	defer srv.Close()

	client := New(Config{Endpoint: srv.URL}, testExecutor(t))

	_, err := client.EmbedBatch(t.Context(), []string{"one", "two"})
	require.Error(t, err)
	require.ErrorIs(t, err, errBadResponse)
	require.Contains(t, err.Error(), "got 1 vectors for 2 inputs")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "malformed responses must not be retried")
}

func TestEmbedBatchDoesNotRetryAuthFailures(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer srv.Close()

	client := New(Config{Endpoint: srv.URL, APIKey: "bad"}, testExecutor(t))

	_, err := client.EmbedBatch(t.Context(), []string{"text"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
	require.Contains(t, err.Error(), "invalid api key")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestEmbedBatchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEmbeddings(w, map[string]any{"index": 0, "embedding": vec(0.7)})
	}))
	defer srv.Close()

	client := New(Config{Endpoint: srv.URL}, testExecutor(t))

	vectors, err := client.EmbedBatch(t.Context(), []string{"text"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0.7}}, vectors)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	t.Parallel()

	client := New(Config{Endpoint: "http://127.0.0.1:0"}, testExecutor(t))
	vectors, err := client.EmbedBatch(t.Context(), nil)
	require.NoError(t, err)
	require.Nil(t, vectors)
}
