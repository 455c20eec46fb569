// Package audit writes the append-only security trail. Logging is
// best-effort: an audit failure must never block or fail the primary
// operation that produced the event.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"session-control-plane/internal/audit/domain"
)

// Saver is the minimal persistence surface the logger needs. The storage
// Backend satisfies it.
type Saver interface {
	SaveAuditLog(ctx context.Context, entry *domain.AuditLog) error
}

// Logger persists audit entries through a Saver, filling in ID and
// timestamp. A nil *Logger is valid and discards everything.
type Logger struct {
	saver Saver
}

// NewLogger returns a Logger that persists to saver.
func NewLogger(saver Saver) *Logger {
	return &Logger{saver: saver}
}

// Log writes one audit entry. Best-effort: failures are logged to the
// process log and not returned.
func (l *Logger) Log(ctx context.Context, entry *domain.AuditLog) {
	if l == nil || l.saver == nil || entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := entry.Validate(); err != nil {
		log.Printf("audit: dropping invalid entry %s: %v", entry.Action, err)
		return
	}
	if err := l.saver.SaveAuditLog(ctx, entry); err != nil {
		log.Printf("audit: failed to save %s for session %s: %v", entry.Action, entry.SessionID, err)
	}
}
