package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry records one command executed by a session.
type AuditEntry struct {
	Timestamp string   `json:"timestamp"`
	SessionID string   `json:"session_id"`
	Remote    string   `json:"remote"`
	Verb      string   `json:"verb"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd"`      // jail-relative
	Decision  string   `json:"decision"` // "allow" or "deny"
	Outcome   string   `json:"outcome"`  // "ok", "error", "denied", "closed"
	Reply     string   `json:"reply,omitempty"`
	Bytes     int64    `json:"bytes,omitempty"`
	Duration  float64  `json:"duration_ms"`
	Error     string   `json:"error,omitempty"`
}

// AuditLogger writes structured audit logs in JSON-lines format.
type AuditLogger struct {
	path   string
	writer io.WriteCloser
	mu     sync.Mutex
}

// NewAuditLogger creates a new audit logger writing to the specified file.
// If path is empty, audit logging is disabled.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return &AuditLogger{writer: nopWriteCloser{}}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &AuditLogger{path: path, writer: file}, nil
}

// Path returns the log file, or "" when auditing is disabled.
func (al *AuditLogger) Path() string {
	return al.path
}

// Log writes an audit entry to the log file.
func (al *AuditLogger) Log(entry AuditEntry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.writer == nil {
		return errors.New("audit log closed")
	}

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	data = append(data, '\n')
	if _, err := al.writer.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	return nil
}

// Close closes the audit log file. Later calls to Log fail.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.writer == nil {
		return nil
	}
	err := al.writer.Close()
	al.writer = nil
	return err
}

// ReadAuditLog reads the audit entries in the specified file, keeping at
// most the last limit entries when limit is positive. Malformed lines are
// skipped.
func ReadAuditLog(path string, limit int) ([]AuditEntry, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan audit log: %w", err)
	}

	return entries, nil
}

// nopWriteCloser is a no-op io.WriteCloser for disabled audit logging.
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
