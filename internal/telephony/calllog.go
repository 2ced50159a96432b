package telephony

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CallLog appends one JSON line per provider request or response to a
// file, rotating it aside once it grows past maxBytes. The file exists so
// operators can replay exactly what was sent to the vendor.
type CallLog struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
}

type callLogEntry struct {
	Timestamp string `json:"timestamp"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

const responseTruncateAt = 2048

// NewCallLog opens (or creates) the log file. A maxMB of zero disables
// rotation.
func NewCallLog(path string, maxMB int) (*CallLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("call log: open %s: %w", path, err)
	}
	return &CallLog{path: path, maxBytes: int64(maxMB) * 1024 * 1024, file: f}, nil
}

// Record appends one entry. Write failures are returned but callers treat
// them as non-fatal; losing a log line must never fail a call.
func (l *CallLog) Record(method string, params any, response []byte, callErr error) error {
	entry := callLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Method:    method,
		Params:    params,
	}
	if len(response) > 0 {
		body := string(response)
		if len(body) > responseTruncateAt {
			body = body[:responseTruncateAt] + "...(truncated)"
		}
		entry.Response = body
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("call log: marshal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(); err != nil {
		return err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("call log: write: %w", err)
	}
	return nil
}

// Close releases the file handle.
func (l *CallLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *CallLog) rotateLocked() error {
	if l.maxBytes <= 0 {
		return nil
	}
	info, err := l.file.Stat()
	if err != nil || info.Size() < l.maxBytes {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("call log: close for rotate: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("call log: rotate: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("call log: reopen: %w", err)
	}
	l.file = f
	return nil
}
