// Package audit is an append-only JSON-lines log of lifecycle events
// (bootstrap, join, peer connect/disconnect), adapted from the teacher
// daemon's audit logger but scoped to this core's event vocabulary
// instead of command-execution auditing.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Level mirrors the teacher's log-level vocabulary.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARNING"
	LevelError Level = "ERROR"
)

// Event is one line of the audit log.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Kind      string            `json:"kind"` // e.g. "bootstrap.start", "join.welcomed", "peer.connected"
	NodeUUID  string            `json:"node_uuid,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	Error     string            `json:"error,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Logger appends Events to a single file, one JSON object per line. It
// is constructed explicitly and passed to whatever needs it — no
// package-level singleton, matching the "no process-wide mutable state"
// decision applied to the core generally (§9).
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (creating if necessary) the audit log at path for append.
func New(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{file: f}, nil
}

func (l *Logger) Log(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Timestamp = time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return l.file.Sync()
}

func (l *Logger) Info(kind, nodeUUID string, fields map[string]string) {
	if err := l.Log(Event{Level: LevelInfo, Kind: kind, NodeUUID: nodeUUID, Fields: fields}); err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
	}
}

func (l *Logger) Errorf(kind, nodeUUID string, cause error, fields map[string]string) {
	errStr := ""
	if cause != nil {
		errStr = cause.Error()
	}
	if err := l.Log(Event{Level: LevelError, Kind: kind, NodeUUID: nodeUUID, Error: errStr, Fields: fields}); err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
	}
}

func (l *Logger) Close() error {
	return l.file.Close()
}
