package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVersionConflict reports that another session flushed a newer
	// snapshot since this session last synced.
	ErrVersionConflict = errors.New("snapshot version conflict")
)

// RateLimitedError signals throttling distinctly from failure so callers
// back off instead of erroring out.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Backend is the durable side of a sync session: snapshot load and
// conditional save against the server's sync_version.
type Backend interface {
	// LoadSnapshot returns the current snapshot and its version. A document
	// that has never been flushed yields an empty snapshot at version 0.
	LoadSnapshot(ctx context.Context, teamID, documentID string) ([]byte, int64, error)

	// SaveSnapshot replaces the snapshot wholesale iff the stored version
	// still equals knownVersion, returning the bumped version. A losing
	// race yields ErrVersionConflict.
	SaveSnapshot(ctx context.Context, teamID, documentID string, data []byte, knownVersion int64) (int64, error)

	// SaveSnapshotDetached delivers a flush that must survive the caller
	// disappearing mid-request (page teardown). No confirmation, no error.
	SaveSnapshotDetached(teamID, documentID string, data []byte, knownVersion int64)
}

// Broadcaster fans local fragments out to the document's other sessions.
// broadcast.Adapter satisfies it.
type Broadcaster interface {
	Publish(ctx context.Context, documentID, clientID string, fragment []byte)
	Subscribe(ctx context.Context, documentID, clientID string, onFragment func(fragment []byte)) (func(), error)
}
