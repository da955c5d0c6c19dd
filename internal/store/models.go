package store

import "time"

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Document is the metadata row for one collaborative canvas. The snapshot
// bytes themselves live in the blob store; SyncVersion names the durable
// generation a client has observed.
type Document struct {
	ID          string
	TeamID      string
	Title       string
	SyncVersion int64
	SizeBytes   int64
	LastSavedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
