package tasks

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTaskContext(args map[string]any) registry.TaskContext {
	return registry.TaskContext{
		RunID:  "run-1",
		NodeID: "node-1",
		Args:   args,
		Data:   map[string]any{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRegisterNativeTasks(t *testing.T) {
	reg := registry.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	RegisterNativeTasks(reg)

	for _, reference := range []string{"log", "delay", "http.request"} {
		fn, err := reg.Resolve(reference, registry.DefaultScope)
		require.NoError(t, err)
		assert.NotNil(t, fn)
	}
}

func TestLogTask(t *testing.T) {
	update, err := LogTask(t.Context(), testTaskContext(map[string]any{"message": "hello"}))
	require.NoError(t, err)
	assert.Nil(t, update)

	update, err = LogTask(t.Context(), testTaskContext(nil))
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestDelayTask(t *testing.T) {
	t.Run("sleeps and reports the duration", func(t *testing.T) {
		start := time.Now()
		update, err := DelayTask(t.Context(), testTaskContext(map[string]any{"duration": "20ms"}))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
		assert.Equal(t, "20ms", update["delayed"])
	})

	t.Run("requires a duration", func(t *testing.T) {
		_, err := DelayTask(t.Context(), testTaskContext(nil))
		assert.Error(t, err)
	})

	t.Run("rejects an unparseable duration", func(t *testing.T) {
		_, err := DelayTask(t.Context(), testTaskContext(map[string]any{"duration": "soon"}))
		assert.Error(t, err)
	})

	t.Run("aborts on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()

		_, err := DelayTask(ctx, testTaskContext(map[string]any{"duration": "5s"}))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestHTTPRequestTask(t *testing.T) {
	t.Run("decodes a json response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"shipped"}`))
		}))
		defer server.Close()

		update, err := HTTPRequestTask(t.Context(), testTaskContext(map[string]any{"url": server.URL}))
		require.NoError(t, err)

		response, ok := update["http_response"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, http.StatusOK, response["status_code"])

		body, ok := response["body"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "shipped", body["status"])
	})

	t.Run("posts a body with headers under a custom result key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"order_id":"o-1"}`, string(body))

			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		update, err := HTTPRequestTask(t.Context(), testTaskContext(map[string]any{
			"url":        server.URL,
			"method":     "post",
			"body":       map[string]any{"order_id": "o-1"},
			"headers":    map[string]any{"Content-Type": "application/json"},
			"result_key": "created",
		}))
		require.NoError(t, err)

		response, ok := update["created"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, http.StatusCreated, response["status_code"])
	})

	t.Run("falls back to a string body for non-json responses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("plain text"))
		}))
		defer server.Close()

		update, err := HTTPRequestTask(t.Context(), testTaskContext(map[string]any{"url": server.URL}))
		require.NoError(t, err)

		response := update["http_response"].(map[string]any)
		assert.Equal(t, "plain text", response["body"])
	})

	t.Run("requires a url", func(t *testing.T) {
		_, err := HTTPRequestTask(t.Context(), testTaskContext(nil))
		assert.ErrorIs(t, err, ErrHTTPRequestURLInvalid)
	})
}
