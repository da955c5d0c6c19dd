package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"canvasync/internal/audit"
	"canvasync/internal/blob"
	"canvasync/internal/config"
	"canvasync/internal/store"
)

type fakeStore struct {
	mu           sync.Mutex
	auditEntries []audit.Entry

	pingFn                 func(context.Context) error
	ensureUserByNameFn     func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	upsertTeamMembershipFn func(context.Context, string, string) error
	isTeamMemberFn         func(context.Context, string, string) (bool, error)
	createDocumentFn       func(context.Context, string, string) (store.Document, error)
	getDocumentFn          func(context.Context, string, string) (store.Document, error)
	listDocumentsFn        func(context.Context, string) ([]store.Document, error)
	updateDocumentTitleFn  func(context.Context, string, string, string) (store.Document, error)
	deleteDocumentFn       func(context.Context, string, string) error
	bumpSyncVersionFn      func(context.Context, string, string, int64, int64) (int64, error)
	listAuditEntriesFn     func(context.Context, string, int) ([]audit.Entry, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "user-1", DisplayName: name}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Avery"}, nil
}

func (f *fakeStore) UpsertTeamMembership(ctx context.Context, teamID, userID string) error {
	if f.upsertTeamMembershipFn != nil {
		return f.upsertTeamMembershipFn(ctx, teamID, userID)
	}
	return nil
}

func (f *fakeStore) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	if f.isTeamMemberFn != nil {
		return f.isTeamMemberFn(ctx, teamID, userID)
	}
	return true, nil
}

func (f *fakeStore) CreateDocument(ctx context.Context, teamID, title string) (store.Document, error) {
	if f.createDocumentFn != nil {
		return f.createDocumentFn(ctx, teamID, title)
	}
	return store.Document{ID: "doc-1", TeamID: teamID, Title: title}, nil
}

func (f *fakeStore) GetDocument(ctx context.Context, teamID, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, teamID, documentID)
	}
	return store.Document{ID: documentID, TeamID: teamID, Title: "Doc"}, nil
}

func (f *fakeStore) ListDocuments(ctx context.Context, teamID string) ([]store.Document, error) {
	if f.listDocumentsFn != nil {
		return f.listDocumentsFn(ctx, teamID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateDocumentTitle(ctx context.Context, teamID, documentID, title string) (store.Document, error) {
	if f.updateDocumentTitleFn != nil {
		return f.updateDocumentTitleFn(ctx, teamID, documentID, title)
	}
	return store.Document{ID: documentID, TeamID: teamID, Title: title}, nil
}

func (f *fakeStore) DeleteDocument(ctx context.Context, teamID, documentID string) error {
	if f.deleteDocumentFn != nil {
		return f.deleteDocumentFn(ctx, teamID, documentID)
	}
	return nil
}

func (f *fakeStore) BumpSyncVersion(ctx context.Context, teamID, documentID string, expectedVersion, sizeBytes int64) (int64, error) {
	if f.bumpSyncVersionFn != nil {
		return f.bumpSyncVersionFn(ctx, teamID, documentID, expectedVersion, sizeBytes)
	}
	return expectedVersion + 1, nil
}

func (f *fakeStore) ListAuditEntries(ctx context.Context, teamID string, limit int) ([]audit.Entry, error) {
	if f.listAuditEntriesFn != nil {
		return f.listAuditEntriesFn(ctx, teamID, limit)
	}
	return nil, nil
}

func (f *fakeStore) InsertAuditEntry(_ context.Context, entry audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditEntries = append(f.auditEntries, entry)
	return nil
}

func (f *fakeStore) auditKinds() []audit.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]audit.Kind, 0, len(f.auditEntries))
	for _, entry := range f.auditEntries {
		kinds = append(kinds, entry.Kind)
	}
	return kinds
}

type fakeBlobs struct {
	mu       sync.Mutex
	data     map[string][]byte
	maxBytes int64
	saveErr  error
	deleted  []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: make(map[string][]byte), maxBytes: 10 << 20}
}

func (f *fakeBlobs) Save(_ context.Context, teamID, documentID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.data[teamID+"/"+documentID] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobs) Load(_ context.Context, teamID, documentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[teamID+"/"+documentID]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBlobs) Delete(_ context.Context, teamID, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, teamID+"/"+documentID)
	delete(f.data, teamID+"/"+documentID)
	return nil
}

func (f *fakeBlobs) MaxBytes() int64 { return f.maxBytes }

func newTestService(fs *fakeStore, blobs blobStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret: "test-secret",
			AccessTTL: time.Hour,
		},
		store: fs,
		blobs: blobs,
		audit: audit.NewRecorder(fs),
	}
}

func TestLoginGrantsRequestedTeamMemberships(t *testing.T) {
	var granted []string
	fs := &fakeStore{
		upsertTeamMembershipFn: func(_ context.Context, teamID, userID string) error {
			granted = append(granted, teamID+"/"+userID)
			return nil
		},
	}
	svc := newTestService(fs, newFakeBlobs())

	session, err := svc.Login(context.Background(), "  Avery  ", []string{"team-a", "team-b"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.Token == "" {
		t.Fatal("expected a token")
	}
	if session.UserName != "Avery" {
		t.Fatalf("expected trimmed name, got %q", session.UserName)
	}
	if len(granted) != 2 || granted[0] != "team-a/user-1" || granted[1] != "team-b/user-1" {
		t.Fatalf("unexpected memberships %v", granted)
	}
}

func TestLoginRejectsUnsafeTeamID(t *testing.T) {
	svc := newTestService(&fakeStore{}, newFakeBlobs())
	_, err := svc.Login(context.Background(), "Avery", []string{"../escape"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 DomainError, got %v", err)
	}
}

func TestNonMemberGetsForbiddenWithoutLookup(t *testing.T) {
	lookedUp := false
	fs := &fakeStore{
		isTeamMemberFn: func(context.Context, string, string) (bool, error) { return false, nil },
		getDocumentFn: func(context.Context, string, string) (store.Document, error) {
			lookedUp = true
			return store.Document{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs, newFakeBlobs())

	_, err := svc.GetDocument(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if lookedUp {
		t.Fatal("document lookup must not run for non-members")
	}
}

func TestLoadStateForFreshDocument(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, teamID, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, TeamID: teamID, SyncVersion: 0}, nil
		},
	}
	svc := newTestService(fs, newFakeBlobs())

	data, version, err := svc.LoadState(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1")
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if len(data) != 0 || version != 0 {
		t.Fatalf("expected empty state at version 0, got %d bytes version %d", len(data), version)
	}
}

func TestSaveStateBumpsVersionAfterDurableWrite(t *testing.T) {
	blobs := newFakeBlobs()
	var bumpSize int64
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, teamID, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, TeamID: teamID, SyncVersion: 3}, nil
		},
		bumpSyncVersionFn: func(_ context.Context, teamID, documentID string, expected, size int64) (int64, error) {
			if _, ok := blobs.data[teamID+"/"+documentID]; !ok {
				t.Error("version bumped before the blob write landed")
			}
			bumpSize = size
			return expected + 1, nil
		},
	}
	svc := newTestService(fs, blobs)

	version, err := svc.SaveState(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1", []byte("snapshot"), 3)
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if version != 4 {
		t.Fatalf("expected version 4, got %d", version)
	}
	if bumpSize != int64(len("snapshot")) {
		t.Fatalf("expected size %d recorded, got %d", len("snapshot"), bumpSize)
	}
}

func TestSaveStateStaleVersionConflicts(t *testing.T) {
	blobs := newFakeBlobs()
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, teamID, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, TeamID: teamID, SyncVersion: 5}, nil
		},
	}
	svc := newTestService(fs, blobs)

	_, err := svc.SaveState(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1", []byte("x"), 3)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	details, _ := domainErr.Details.(map[string]any)
	if details["currentVersion"] != int64(5) {
		t.Fatalf("expected currentVersion 5 in details, got %v", domainErr.Details)
	}
	if len(blobs.data) != 0 {
		t.Fatal("stale save must not write the blob")
	}
}

func TestSaveStateRacedBumpConflicts(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, teamID, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, TeamID: teamID, SyncVersion: 3}, nil
		},
		bumpSyncVersionFn: func(context.Context, string, string, int64, int64) (int64, error) {
			return 0, store.ErrStaleVersion
		},
	}
	svc := newTestService(fs, newFakeBlobs())

	_, err := svc.SaveState(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1", []byte("x"), 3)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestSaveStateOversizedIsRejectedAndAudited(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.maxBytes = 8
	fs := &fakeStore{}
	svc := newTestService(fs, blobs)

	_, err := svc.SaveState(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1", []byte("way too many bytes"), 0)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "SNAPSHOT_TOO_LARGE" {
		t.Fatalf("expected SNAPSHOT_TOO_LARGE, got %v", err)
	}
	if len(blobs.data) != 0 {
		t.Fatal("oversized snapshot must not reach the blob store")
	}
	kinds := fs.auditKinds()
	if len(kinds) != 1 || kinds[0] != audit.KindOversizedUpload {
		t.Fatalf("expected oversized-upload audit entry, got %v", kinds)
	}
}

func TestSaveStateOrphanedSnapshotIsAudited(t *testing.T) {
	blobs := newFakeBlobs()
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, teamID, documentID string) (store.Document, error) {
			return store.Document{ID: documentID, TeamID: teamID, SyncVersion: 2}, nil
		},
		bumpSyncVersionFn: func(context.Context, string, string, int64, int64) (int64, error) {
			return 0, errors.New("metadata store down")
		},
	}
	svc := newTestService(fs, blobs)

	_, err := svc.SaveState(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1", []byte("snapshot"), 2)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
	if len(blobs.data) != 1 {
		t.Fatal("blob write should have landed before the bump failed")
	}
	kinds := fs.auditKinds()
	if len(kinds) != 1 || kinds[0] != audit.KindOrphanedSnapshot {
		t.Fatalf("expected orphaned-snapshot audit entry, got %v", kinds)
	}
}

func TestDeleteDocumentCascadesSnapshotRemoval(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.data["team-a/doc-1"] = []byte("snapshot")
	svc := newTestService(&fakeStore{}, blobs)

	if err := svc.DeleteDocument(context.Background(), Session{UserID: "user-1"}, "team-a", "doc-1"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != "team-a/doc-1" {
		t.Fatalf("expected snapshot delete for team-a/doc-1, got %v", blobs.deleted)
	}
}

func TestSaveStateRejectsUnsafeDocumentID(t *testing.T) {
	blobs := newFakeBlobs()
	svc := newTestService(&fakeStore{}, blobs)

	for _, id := range []string{"../escape", "a/b", "a b", ""} {
		_, err := svc.SaveState(context.Background(), Session{UserID: "user-1"}, "team-a", id, []byte("x"), 0)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != http.StatusBadRequest {
			t.Fatalf("id %q: expected 400, got %v", id, err)
		}
	}
	if len(blobs.data) != 0 {
		t.Fatal("unsafe ids must never reach the blob store")
	}
}
