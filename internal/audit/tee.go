package audit

import (
	"context"
	"log"

	"session-control-plane/internal/audit/domain"
)

type teeSaver struct {
	primary     Saver
	secondaries []Saver
}

// Tee returns a Saver that writes to primary and fans out to the
// secondaries. Only the primary's error is reported; secondary sinks
// (metrics, log export) are best-effort.
func Tee(primary Saver, secondaries ...Saver) Saver {
	return &teeSaver{primary: primary, secondaries: secondaries}
}

func (t *teeSaver) SaveAuditLog(ctx context.Context, entry *domain.AuditLog) error {
	err := t.primary.SaveAuditLog(ctx, entry)
	for _, s := range t.secondaries {
		if s == nil {
			continue
		}
		if serr := s.SaveAuditLog(ctx, entry); serr != nil {
			log.Printf("audit: secondary sink failed for %s: %v", entry.Action, serr)
		}
	}
	return err
}
