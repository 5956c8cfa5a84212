package loki

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedPush struct {
	mu       sync.Mutex
	requests []pushRequest
}

func (c *capturedPush) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req pushRequest
		require.NoError(t, json.Unmarshal(body, &req))

		c.mu.Lock()
		c.requests = append(c.requests, req)
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *capturedPush) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, req := range c.requests {
		for _, s := range req.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestWriterShipsBatches(t *testing.T) {
	var captured capturedPush
	srv := httptest.NewServer(captured.handler(t))
	defer srv.Close()

	w := NewWriter(Config{
		URL:       srv.URL,
		Labels:    map[string]string{"node": "test-node"},
		BatchSize: 2,
	})
	w.Start()

	_, err := w.Write([]byte(`{"level":"info","message":"one"}`))
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"level":"info","message":"two"}`))
	require.NoError(t, err)

	// Batch of 2 triggers an immediate flush
	require.Eventually(t, func() bool {
		return len(captured.lines()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.Equal(t, uint64(0), w.PushErrors())

	captured.mu.Lock()
	defer captured.mu.Unlock()
	require.NotEmpty(t, captured.requests)
	labels := captured.requests[0].Streams[0].Stream
	assert.Equal(t, "test-node", labels["node"])
	assert.Equal(t, "geostore", labels["job"])
}

func TestWriterFlushesOnStop(t *testing.T) {
	var captured capturedPush
	srv := httptest.NewServer(captured.handler(t))
	defer srv.Close()

	w := NewWriter(Config{URL: srv.URL, FlushInterval: time.Hour})
	w.Start()

	_, err := w.Write([]byte(`{"message":"pending"}`))
	require.NoError(t, err)

	w.Stop()
	require.Len(t, captured.lines(), 1)
	assert.Contains(t, captured.lines()[0], "pending")
}

func TestWriterSurvivesUnreachableLoki(t *testing.T) {
	w := NewWriter(Config{URL: "http://127.0.0.1:1", FlushInterval: time.Hour, Timeout: time.Second})
	w.Start()

	_, err := w.Write([]byte(`{"message":"lost"}`))
	require.NoError(t, err)

	w.Stop()
	assert.Equal(t, uint64(1), w.PushErrors())
}

func TestWriterSkipsEmptyLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://127.0.0.1:1"})
	n, err := w.Write([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.buffer)
}
