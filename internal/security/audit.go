// Package security holds the HTTP-request audit trail and login lockout
// tracking used to satisfy the admin-surface hardening requirements.
package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /api/queue" or "auth:login"
	Status    int       `json:"status"` // 200, 401, 403
	Details   string    `json:"details"`
}

// NotifyFunc is wired to the Event Broadcaster so audit entries reach
// connected admin clients as notification events.
type NotifyFunc func(entry AccessLogEntry)

type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
	notify  NotifyFunc
}

func NewAuditLogger(logger *slog.Logger, dataDir string) *AuditLogger {
	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	path := filepath.Join(logDir, "access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
	}

	return &AuditLogger{
		logFile: f,
		logPath: path,
		logger:  logger,
	}
}

func (a *AuditLogger) SetNotifyFunc(fn NotifyFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify = fn
}

func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		jsonBytes, _ := json.Marshal(entry)
		a.logFile.WriteString(string(jsonBytes) + "\n")
	}
	notify := a.notify
	a.mu.Unlock()

	if notify != nil {
		notify(entry)
	}

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "audit", "action", action, "status", status, "ip", sourceIP)
}

func (a *AuditLogger) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// GetRecentLogs returns up to limit most recent entries, newest first.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
