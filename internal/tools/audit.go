package tools

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// auditRecord is one line of the tool audit log.
type auditRecord struct {
	TS         string         `json:"ts"`
	SessionKey string         `json:"session_key"`
	RunID      string         `json:"run_id,omitempty"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	OK         bool           `json:"ok"`
	DurationMS int64          `json:"duration_ms"`
	Result     string         `json:"result,omitempty"`
}

// auditLogger appends sanitized tool invocations to a JSONL file. A nil
// logger is a no-op.
type auditLogger struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func newAuditLogger(path string, logger *slog.Logger) *auditLogger {
	if path == "" {
		return nil
	}
	return &auditLogger{path: path, logger: logger}
}

func (a *auditLogger) record(rec auditRecord) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		a.logger.Warn("audit log dir", "err", err)
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		a.logger.Warn("audit log marshal", "err", err)
		return
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Warn("audit log open", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		a.logger.Warn("audit log write", "err", err)
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
