// Package audit keeps an append-only JSON-lines record of what buildfleet
// decided and did, one file per process run.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FilePrefix names every audit file: <prefix>-<timestamp>.audit.
const FilePrefix = "buildfleet"

// EntryType classifies an audit entry.
type EntryType string

const (
	EntryStarted         EntryType = "started"
	EntryDecided         EntryType = "decided"
	EntryExcluded        EntryType = "excluded"
	EntryDeregistered    EntryType = "deregistered"
	EntrySnapshotDeleted EntryType = "snapshot_deleted"
	EntryFailed          EntryType = "failed"
	EntryLaunched        EntryType = "launched"
	EntryReady           EntryType = "ready"
	EntryTimedOut        EntryType = "timed_out"
)

// Entry is one line of an audit file.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Subject   string          `json:"subject,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Log appends entries to the current audit file. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	path     string
	now      func() time.Time
}

// Open creates a new audit file in dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.audit", FilePrefix, time.Now().UTC().Format("20060102-150405.000"))
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	return &Log{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		now:    time.Now,
	}, nil
}

// Path returns the file the log writes to.
func (l *Log) Path() string {
	return l.path
}

// Append records a successful event about subject.
func (l *Log) Append(entryType EntryType, subject string, data any) error {
	return l.append(entryType, subject, data, nil)
}

// AppendError records a failed event about subject.
func (l *Log) AppendError(entryType EntryType, subject string, data any, cause error) error {
	return l.append(entryType, subject, data, cause)
}

func (l *Log) append(entryType EntryType, subject string, data any, cause error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal audit data: %w", err)
		}
		raw = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := Entry{
		Timestamp: l.now().UTC(),
		Sequence:  l.sequence,
		Type:      entryType,
		Subject:   subject,
		Data:      raw,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	return l.writeEntry(entry)
}

func (l *Log) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.writer.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit entry: %w", err)
	}
	return l.file.Sync()
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
