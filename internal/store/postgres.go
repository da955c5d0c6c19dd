package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"canvasync/internal/audit"
	"canvasync/internal/util"
)

// ErrStaleVersion reports that a conditional sync_version bump found the row
// at a different version than the caller expected.
var ErrStaleVersion = errors.New("sync version is stale")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		RETURNING id, display_name
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("user"), name).Scan(&user.ID, &user.DisplayName); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpsertTeamMembership(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_memberships (team_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, teamID, userID)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM team_memberships WHERE team_id=$1 AND user_id=$2)
	`, teamID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, teamID, title string) (Document, error) {
	const query = `
		INSERT INTO documents (id, team_id, title)
		VALUES ($1, $2, $3)
		RETURNING id, team_id, title, sync_version, size_bytes, last_saved_at, created_at, updated_at
	`
	return s.scanDocument(s.db.QueryRowContext(ctx, query, util.NewID("doc"), teamID, title))
}

func (s *PostgresStore) GetDocument(ctx context.Context, teamID, documentID string) (Document, error) {
	const query = `
		SELECT id, team_id, title, sync_version, size_bytes, last_saved_at, created_at, updated_at
		FROM documents
		WHERE team_id=$1 AND id=$2
	`
	return s.scanDocument(s.db.QueryRowContext(ctx, query, teamID, documentID))
}

func (s *PostgresStore) ListDocuments(ctx context.Context, teamID string) ([]Document, error) {
	const query = `
		SELECT id, team_id, title, sync_version, size_bytes, last_saved_at, created_at, updated_at
		FROM documents
		WHERE team_id=$1
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.TeamID, &doc.Title, &doc.SyncVersion, &doc.SizeBytes, &doc.LastSavedAt, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateDocumentTitle(ctx context.Context, teamID, documentID, title string) (Document, error) {
	const query = `
		UPDATE documents
		SET title=$3, updated_at=NOW()
		WHERE team_id=$1 AND id=$2
		RETURNING id, team_id, title, sync_version, size_bytes, last_saved_at, created_at, updated_at
	`
	return s.scanDocument(s.db.QueryRowContext(ctx, query, teamID, documentID, title))
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, teamID, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE team_id=$1 AND id=$2`, teamID, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// BumpSyncVersion atomically advances sync_version from expectedVersion and
// records the new snapshot's size and save time. It is called only after the
// blob write is confirmed durable; a concurrent writer having advanced the
// row first yields ErrStaleVersion.
func (s *PostgresStore) BumpSyncVersion(ctx context.Context, teamID, documentID string, expectedVersion, sizeBytes int64) (int64, error) {
	const query = `
		UPDATE documents
		SET sync_version=sync_version+1, size_bytes=$4, last_saved_at=NOW(), updated_at=NOW()
		WHERE team_id=$1 AND id=$2 AND sync_version=$3
		RETURNING sync_version
	`
	var newVersion int64
	err := s.db.QueryRowContext(ctx, query, teamID, documentID, expectedVersion, sizeBytes).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing row from a lost race.
		if _, getErr := s.GetDocument(ctx, teamID, documentID); getErr != nil {
			return 0, getErr
		}
		return 0, ErrStaleVersion
	}
	if err != nil {
		return 0, fmt.Errorf("bump sync version: %w", err)
	}
	return newVersion, nil
}

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, team_id, document_id, identity, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, string(entry.Kind), entry.TeamID, entry.DocumentID, entry.Identity, entry.Detail, entry.At)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, teamID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT id, kind, team_id, document_id, identity, detail, created_at
		FROM audit_log
		WHERE team_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var kind string
		var at time.Time
		if err := rows.Scan(&entry.ID, &kind, &entry.TeamID, &entry.DocumentID, &entry.Identity, &entry.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Kind = audit.Kind(kind)
		entry.At = at
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) scanDocument(row *sql.Row) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.TeamID, &doc.Title, &doc.SyncVersion, &doc.SizeBytes, &doc.LastSavedAt, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}
