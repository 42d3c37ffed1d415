package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/picklr-io/fleetform/internal/engine"
	"github.com/picklr-io/fleetform/internal/logging"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Timestamp string          `json:"timestamp"`
	Operation string          `json:"operation"` // "apply", "destroy", "import"
	User      string          `json:"user"`
	Scope     string          `json:"scope"`
	Session   string          `json:"session,omitempty"`
	Changes   []AuditChange   `json:"changes,omitempty"`
	Summary   *engine.Summary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AuditChange records what happened to a single node.
type AuditChange struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Status string `json:"status,omitempty"`
}

// auditLogPath returns the path to the audit log file.
func auditLogPath() string {
	return filepath.Join(projectDir(), ".fleetform", "audit.log")
}

// writeAudit records every node of report that was not left unchanged.
func writeAudit(op string, report *engine.Report) {
	entry := AuditEntry{Operation: op, Session: report.SessionID, Summary: &report.Summary}
	for _, o := range report.Outcomes {
		if o.Status == engine.StatusNoOp {
			continue
		}
		entry.Changes = append(entry.Changes, AuditChange{ID: o.ID, Action: string(o.Action), Status: string(o.Status)})
	}
	if err := report.Err(); err != nil {
		entry.Error = err.Error()
	}
	writeAuditEntry(entry)
}

// writeAuditEntry appends entry to the audit log. Failures are logged and
// never fail the operation.
func writeAuditEntry(entry AuditEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}
	if entry.Scope == "" && cfg != nil {
		entry.Scope = cfg.Lock.Scope
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logging.Warn("failed to encode audit entry", "error", err)
		return
	}
	path := auditLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logging.Warn("failed to create audit directory", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logging.Warn("failed to open audit log", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		logging.Warn("failed to write audit log", "path", path, "error", err)
	}
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
