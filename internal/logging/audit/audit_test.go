package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLineFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&syncWriter{w: &buf}, 50001, zerolog.Nop())

	l.Record(EventSavedReplication, "file-1", "centroid-1", "http://node-b:50002")

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))

	fields := strings.Split(strings.TrimSuffix(line, "\n"), ", ")
	require.Len(t, fields, 6)
	assert.Equal(t, "50001", fields[1])
	assert.Equal(t, "saved-replication", fields[2])
	assert.Equal(t, "file-1", fields[3])
	assert.Equal(t, "centroid-1", fields[4])
	assert.Equal(t, "http://node-b:50002", fields[5])
}

func TestRecordEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&syncWriter{w: &buf}, 50001, zerolog.Nop())

	l.Record(EventReplicationCycleTick, "", "", "")

	fields := strings.Split(strings.TrimSuffix(buf.String(), "\n"), ", ")
	require.Len(t, fields, 6)
	assert.Equal(t, "replication-cycle-tick", fields[2])
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	l, err := Open(path, 50001, zerolog.Nop())
	require.NoError(t, err)
	l.Record(EventNodeConnected, "node-1", "", "")
	require.NoError(t, l.Close())

	// Reopening must append, not truncate.
	l, err = Open(path, 50001, zerolog.Nop())
	require.NoError(t, err)
	l.Record(EventDeleteReplica, "file-2", "", "")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "node-connected")
	assert.Contains(t, lines[1], "delete-replica")
}

func TestRecordConcurrent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&syncWriter{w: &buf}, 50001, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(EventReceiveAccessReport, "device", "file", "")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 50)
	for _, line := range lines {
		assert.Len(t, strings.Split(line, ", "), 6)
	}
}

// syncWriter guards a bytes.Buffer for the concurrency test; the
// Logger serializes writes itself but the test buffer needs its own
// guard against the final read.
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
