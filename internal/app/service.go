package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"canvasync/internal/audit"
	"canvasync/internal/auth"
	"canvasync/internal/blob"
	"canvasync/internal/config"
	"canvasync/internal/store"
	"canvasync/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type CreateDocumentInput struct {
	Title string `json:"title"`
}

type PatchDocumentInput struct {
	Title string `json:"title"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UpsertTeamMembership(ctx context.Context, teamID, userID string) error
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)
	CreateDocument(ctx context.Context, teamID, title string) (store.Document, error)
	GetDocument(ctx context.Context, teamID, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, teamID string) ([]store.Document, error)
	UpdateDocumentTitle(ctx context.Context, teamID, documentID, title string) (store.Document, error)
	DeleteDocument(ctx context.Context, teamID, documentID string) error
	BumpSyncVersion(ctx context.Context, teamID, documentID string, expectedVersion, sizeBytes int64) (int64, error)
	ListAuditEntries(ctx context.Context, teamID string, limit int) ([]audit.Entry, error)
}

type blobStore interface {
	Save(ctx context.Context, teamID, documentID string, data []byte) error
	Load(ctx context.Context, teamID, documentID string) ([]byte, error)
	Delete(ctx context.Context, teamID, documentID string) error
	MaxBytes() int64
}

// syncBroker is the fan-out side the websocket bridge talks to.
// broadcast.Adapter satisfies it.
type syncBroker interface {
	Publish(ctx context.Context, documentID, clientID string, fragment []byte)
	Subscribe(ctx context.Context, documentID, clientID string, onFragment func(fragment []byte)) (func(), error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	blobs  blobStore
	broker syncBroker
	audit  *audit.Recorder
}

func New(cfg config.Config, dataStore *store.PostgresStore, blobs *blob.Client, broker syncBroker) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		blobs:  blobs,
		broker: broker,
		audit:  audit.NewRecorder(dataStore),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBroker(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	return s.broker.Ping(ctx)
}

// Login is the development login: it ensures the user exists, grants
// membership in the requested teams, and issues an access token.
func (s *Service) Login(ctx context.Context, name string, teams []string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	for _, teamID := range teams {
		if err := blob.ValidateID(teamID); err != nil {
			return Session{}, domainError(http.StatusBadRequest, "INVALID_TEAM_ID", "Team id contains disallowed characters", nil)
		}
		if err := s.store.UpsertTeamMembership(ctx, teamID, user.ID); err != nil {
			return Session{}, err
		}
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// requireMember enforces team scoping before any lookup so a non-member
// learns nothing about what exists inside the team.
func (s *Service) requireMember(ctx context.Context, teamID, userID string) error {
	if err := blob.ValidateID(teamID); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_TEAM_ID", "Team id contains disallowed characters", nil)
	}
	member, err := s.store.IsTeamMember(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if !member {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func validateDocumentID(documentID string) error {
	if err := blob.ValidateID(documentID); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_DOCUMENT_ID", "Document id contains disallowed characters", nil)
	}
	return nil
}

func documentPayload(doc store.Document) map[string]any {
	payload := map[string]any{
		"id":          doc.ID,
		"teamId":      doc.TeamID,
		"title":       doc.Title,
		"syncVersion": doc.SyncVersion,
		"sizeBytes":   doc.SizeBytes,
		"createdAt":   doc.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if doc.LastSavedAt != nil {
		payload["lastSavedAt"] = doc.LastSavedAt.UTC().Format(time.RFC3339)
	} else {
		payload["lastSavedAt"] = nil
	}
	return payload
}

func (s *Service) CreateDocument(ctx context.Context, session Session, teamID string, input CreateDocumentInput) (map[string]any, error) {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return nil, err
	}
	doc, err := s.store.CreateDocument(ctx, teamID, strings.TrimSpace(input.Title))
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session, teamID string) ([]map[string]any, error) {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return nil, err
	}
	docs, err := s.store.ListDocuments(ctx, teamID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, documentPayload(doc))
	}
	return payload, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, teamID, documentID string) (map[string]any, error) {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return nil, err
	}
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, teamID, documentID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

func (s *Service) PatchDocument(ctx context.Context, session Session, teamID, documentID string, input PatchDocumentInput) (map[string]any, error) {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return nil, err
	}
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	doc, err := s.store.UpdateDocumentTitle(ctx, teamID, documentID, strings.TrimSpace(input.Title))
	if err != nil {
		return nil, err
	}
	return documentPayload(doc), nil
}

// DeleteDocument removes the metadata row first, then the snapshot. A
// snapshot that outlives its row is invisible (state reads go through the
// row) and gets logged rather than failing the delete.
func (s *Service) DeleteDocument(ctx context.Context, session Session, teamID, documentID string) error {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return err
	}
	if err := validateDocumentID(documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, teamID, documentID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, teamID, documentID); err != nil && !errors.Is(err, blob.ErrNotFound) {
		s.audit.Record(ctx, audit.Entry{
			Kind:       audit.KindOrphanedSnapshot,
			TeamID:     teamID,
			DocumentID: documentID,
			Identity:   session.UserID,
			Detail:     fmt.Sprintf("snapshot delete failed after metadata delete: %v", err),
		})
	}
	return nil
}

// LoadState returns the snapshot bytes and the current sync version. A
// document that has never been flushed yields an empty body at the row's
// version, which is 0 for a fresh document.
func (s *Service) LoadState(ctx context.Context, session Session, teamID, documentID string) ([]byte, int64, error) {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return nil, 0, err
	}
	if err := validateDocumentID(documentID); err != nil {
		return nil, 0, err
	}
	doc, err := s.store.GetDocument(ctx, teamID, documentID)
	if err != nil {
		return nil, 0, err
	}
	data, err := s.blobs.Load(ctx, teamID, documentID)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, doc.SyncVersion, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return data, doc.SyncVersion, nil
}

// SaveState replaces the snapshot wholesale. The order is fixed: blob
// write first, metadata bump second, so the version only moves once the
// bytes are durable. A bump that fails after the blob landed leaves an
// orphaned snapshot, which is recorded in the audit log for repair.
func (s *Service) SaveState(ctx context.Context, session Session, teamID, documentID string, data []byte, knownVersion int64) (int64, error) {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return 0, err
	}
	if err := validateDocumentID(documentID); err != nil {
		return 0, err
	}

	if int64(len(data)) > s.blobs.MaxBytes() {
		s.audit.Record(ctx, audit.Entry{
			Kind:       audit.KindOversizedUpload,
			TeamID:     teamID,
			DocumentID: documentID,
			Identity:   session.UserID,
			Detail:     fmt.Sprintf("snapshot of %d bytes exceeds limit of %d", len(data), s.blobs.MaxBytes()),
		})
		return 0, domainError(http.StatusBadRequest, "SNAPSHOT_TOO_LARGE",
			fmt.Sprintf("Snapshot exceeds the %d byte limit", s.blobs.MaxBytes()), nil)
	}

	doc, err := s.store.GetDocument(ctx, teamID, documentID)
	if err != nil {
		return 0, err
	}
	if doc.SyncVersion != knownVersion {
		return 0, staleVersionError(doc.SyncVersion)
	}

	if err := s.blobs.Save(ctx, teamID, documentID, data); err != nil {
		return 0, err
	}

	newVersion, err := s.store.BumpSyncVersion(ctx, teamID, documentID, knownVersion, int64(len(data)))
	if errors.Is(err, store.ErrStaleVersion) {
		// Another writer won between our check and the bump. The blob we
		// wrote has been superseded or is about to be; report the conflict.
		current := knownVersion
		if fresh, lookupErr := s.store.GetDocument(ctx, teamID, documentID); lookupErr == nil {
			current = fresh.SyncVersion
		}
		return 0, staleVersionError(current)
	}
	if err != nil {
		s.audit.Record(ctx, audit.Entry{
			Kind:       audit.KindOrphanedSnapshot,
			TeamID:     teamID,
			DocumentID: documentID,
			Identity:   session.UserID,
			Detail:     fmt.Sprintf("version bump failed after durable write at version %d: %v", knownVersion, err),
		})
		return 0, domainError(http.StatusInternalServerError, "SAVE_INCOMPLETE",
			"Snapshot stored but version bump failed", nil)
	}
	return newVersion, nil
}

func staleVersionError(currentVersion int64) *DomainError {
	return domainError(http.StatusConflict, "VERSION_CONFLICT",
		"Snapshot version is stale", map[string]any{"currentVersion": currentVersion})
}

func (s *Service) ListAuditEvents(ctx context.Context, session Session, teamID string, limit int) ([]map[string]any, error) {
	if err := s.requireMember(ctx, teamID, session.UserID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListAuditEntries(ctx, teamID, limit)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{
			"id":         entry.ID,
			"kind":       string(entry.Kind),
			"teamId":     entry.TeamID,
			"documentId": entry.DocumentID,
			"identity":   entry.Identity,
			"detail":     entry.Detail,
			"at":         entry.At.UTC().Format(time.RFC3339),
		})
	}
	return payload, nil
}

// RecordRateLimitViolation is called from the HTTP layer, which owns the
// limiter; the audit trail lives with the rest of the domain writes.
func (s *Service) RecordRateLimitViolation(ctx context.Context, identity, path string) {
	s.audit.Record(ctx, audit.Entry{
		Kind:     audit.KindRateLimitViolation,
		Identity: identity,
		Detail:   "rate limit exceeded on " + path,
	})
}
