// Package audit provides the append-only event trail for replica
// lifecycle transitions. Every entry is written as one line to a sink
// opened once at startup, and mirrored as a structured zerolog event.
// The trail is write-only: nothing in the node reads it back.
package audit

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType enumerates the audited lifecycle transitions.
type EventType string

const (
	EventReceiveUpload        EventType = "receive-upload"
	EventReceiveReplication   EventType = "receive-replication"
	EventServeOriginal        EventType = "serve-original"
	EventServeReplica         EventType = "serve-replica"
	EventAlreadyReplicated    EventType = "already-replicated"
	EventReceiveAccessReport  EventType = "receive-access-report"
	EventResetCentroid        EventType = "reset-centroid"
	EventReplicationCycleTick EventType = "replication-cycle-tick"
	EventRetentionCycleTick   EventType = "retention-cycle-tick"
	EventDeleteReplica        EventType = "delete-replica"
	EventTriggerReplication   EventType = "trigger-replication"
	EventSavedReplication     EventType = "saved-replication"
	EventReplicationError     EventType = "replication-error"
	EventNodeConnected        EventType = "node-connected"
)

// Logger writes audit entries to an append-only sink. It is safe for
// concurrent use; line writes are serialized so entries never interleave.
type Logger struct {
	nodePort int
	logger   zerolog.Logger

	mu   sync.Mutex
	sink io.Writer
	file *os.File // non-nil when Open created the sink
}

// Open creates a logger backed by an append-only file at path. The file
// is opened once and never rotated by the node; rotation is an external
// concern.
func Open(path string, nodePort int, logger zerolog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := NewLogger(f, nodePort, logger)
	l.file = f
	return l, nil
}

// NewLogger creates a logger writing to an arbitrary sink. Used by
// tests and by callers that manage the sink themselves.
func NewLogger(sink io.Writer, nodePort int, logger zerolog.Logger) *Logger {
	return &Logger{
		nodePort: nodePort,
		logger:   logger.With().Str("component", "audit").Logger(),
		sink:     sink,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewLogger(io.Discard, 0, zerolog.Nop())
}

// Record appends one audit entry. subjectID is the acting entity (a
// device, file, or cycle id), objectID the entity acted upon, and
// targetNode the remote endpoint involved, each empty when not
// applicable. Sink errors are reported on the structured logger and
// otherwise swallowed; an audit failure never fails the operation
// being audited.
func (l *Logger) Record(event EventType, subjectID, objectID, targetNode string) {
	now := time.Now().UTC()
	line := fmt.Sprintf("%s, %d, %s, %s, %s, %s\n",
		now.Format(time.RFC3339), l.nodePort, event, subjectID, objectID, targetNode)

	l.mu.Lock()
	_, err := io.WriteString(l.sink, line)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error().Err(err).Str("event_type", string(event)).Msg("Audit sink write failed")
	}

	l.logger.Info().
		Str("event_type", string(event)).
		Int("node_port", l.nodePort).
		Str("subject_id", subjectID).
		Str("object_id", objectID).
		Str("target_node", targetNode).
		Msg("Audit event")
}

// Close flushes and closes the underlying file, if Open created one.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	return l.file.Close()
}
