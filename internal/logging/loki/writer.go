// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL (e.g. "http://10.0.0.1:3100")
	Labels        map[string]string // Static labels added to every entry
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer implements io.Writer and ships log lines to Loki in batches.
// Write never returns an error; an unreachable Loki must not take the
// node's logging down with it.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client

	mu     sync.Mutex
	buffer []entry

	batchSize     int
	flushInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	pushErrors uint64
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to begin shipping.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Labels == nil {
		cfg.Labels = make(map[string]string)
	}
	if _, ok := cfg.Labels["job"]; !ok {
		cfg.Labels["job"] = "geostore"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:           cfg.URL,
		labels:        cfg.Labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		ctx:           ctx,
		cancel:        cancel,
		kick:          make(chan struct{}, 1),
	}
}

// Write implements io.Writer. zerolog reuses its buffer, so the line
// is copied before queuing.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{ts: time.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.kick:
				w.flush()
			}
		}
	}()
}

// Stop shuts the writer down, flushing any remaining entries.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	values := make([][]string, len(entries))
	for i, e := range entries {
		// Loki wants nanosecond timestamps as strings
		values[i] = []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}

	payload := pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}}
	data, err := json.Marshal(payload)
	if err != nil {
		w.reportError("marshal payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		w.reportError("create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.reportError("send logs: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		w.reportError("server returned status %d", resp.StatusCode)
	}
}

// reportError counts a push failure. The first few go to stderr;
// writing them through zerolog would loop straight back here.
func (w *Writer) reportError(format string, args ...interface{}) {
	if atomic.AddUint64(&w.pushErrors, 1) <= 3 {
		fmt.Fprintf(os.Stderr, "loki: "+format+"\n", args...)
	}
}

// PushErrors returns the count of failed pushes.
func (w *Writer) PushErrors() uint64 {
	return atomic.LoadUint64(&w.pushErrors)
}
