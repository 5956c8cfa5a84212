// Package tracing exposes Go's FlightRecorder so a running node can
// be trace-dumped over HTTP without restarting it.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotEnabled is returned when a snapshot is requested while tracing
// is disabled.
var ErrNotEnabled = errors.New("tracing not enabled")

var (
	mu       sync.Mutex
	recorder *trace.FlightRecorder
	enabled  bool
)

// Init starts the FlightRecorder. With enable false it is a no-op and
// Snapshot returns ErrNotEnabled.
func Init(enable bool, bufferSize int) error {
	mu.Lock()
	defer mu.Unlock()

	if !enable {
		enabled = false
		return nil
	}

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	recorder = trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(bufferSize),
	})
	if err := recorder.Start(); err != nil {
		return err
	}

	enabled = true
	return nil
}

// Enabled reports whether tracing is currently active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// Snapshot writes the current trace buffer to w. The output is
// readable with `go tool trace`.
func Snapshot(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	if !enabled || recorder == nil {
		return ErrNotEnabled
	}

	_, err := recorder.WriteTo(w)
	return err
}

// Stop stops the recorder. Safe to call more than once.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if recorder != nil {
		recorder.Stop()
		recorder = nil
	}
	enabled = false
}
