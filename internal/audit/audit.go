// Package audit records protection and anomaly events: rate-limit
// violations, oversized uploads, and orphaned snapshots.
package audit

import (
	"context"
	"log"
	"time"

	"canvasync/internal/util"
)

type Kind string

const (
	KindRateLimitViolation Kind = "rate-limit-violation"
	KindOversizedUpload    Kind = "oversized-upload"
	KindOrphanedSnapshot   Kind = "orphaned-snapshot"
)

type Entry struct {
	ID         string
	Kind       Kind
	TeamID     string
	DocumentID string
	Identity   string
	Detail     string
	At         time.Time
}

// Sink persists entries; the Postgres store implements it.
type Sink interface {
	InsertAuditEntry(ctx context.Context, entry Entry) error
}

type Recorder struct {
	sink Sink
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record stamps and persists an entry. A sink failure is logged and
// otherwise ignored; auditing must never fail the request it observes.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = util.NewID("audit")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if r == nil || r.sink == nil {
		log.Printf("audit: %s team=%s doc=%s identity=%s detail=%s", entry.Kind, entry.TeamID, entry.DocumentID, entry.Identity, entry.Detail)
		return
	}
	if err := r.sink.InsertAuditEntry(ctx, entry); err != nil {
		log.Printf("audit: persist %s entry: %v", entry.Kind, err)
	}
}
