package app

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"canvasync/internal/auth"
	"canvasync/internal/blob"
	"canvasync/internal/ratelimit"
)

const syncVersionHeader = "X-Sync-Version"

type HTTPServer struct {
	service    *Service
	limiter    *ratelimit.Limiter
	schemas    *bodySchemas
	corsOrigin string
	maxBody    int64
}

func NewHTTPServer(service *Service, limiter *ratelimit.Limiter, corsOrigin string, maxBody int64) (*HTTPServer, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &HTTPServer{
		service:    service,
		limiter:    limiter,
		schemas:    schemas,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
	}, nil
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		s.handleLogin(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "teams" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	teamID := parts[2]
	class := ratelimit.ClassMetadata
	if len(parts) == 6 && (parts[5] == "state" || parts[5] == "sync") {
		class = ratelimit.ClassState
	}
	if !s.allow(w, r, session, class) {
		return
	}

	switch {
	case len(parts) == 4 && parts[3] == "documents":
		switch r.Method {
		case http.MethodPost:
			s.handleCreateDocument(w, r, session, teamID)
		case http.MethodGet:
			s.handleListDocuments(w, r, session, teamID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return

	case len(parts) == 4 && parts[3] == "audit-events" && r.Method == http.MethodGet:
		s.handleListAuditEvents(w, r, session, teamID)
		return

	case len(parts) == 5 && parts[3] == "documents":
		documentID := parts[4]
		switch r.Method {
		case http.MethodGet:
			s.handleGetDocument(w, r, session, teamID, documentID)
		case http.MethodPatch:
			s.handlePatchDocument(w, r, session, teamID, documentID)
		case http.MethodDelete:
			s.handleDeleteDocument(w, r, session, teamID, documentID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return

	case len(parts) == 6 && parts[3] == "documents" && parts[5] == "state":
		documentID := parts[4]
		switch r.Method {
		case http.MethodGet:
			s.handleGetState(w, r, session, teamID, documentID)
		case http.MethodPut, http.MethodPost:
			s.handlePutState(w, r, session, teamID, documentID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return

	case len(parts) == 6 && parts[3] == "documents" && parts[5] == "sync" && r.Method == http.MethodGet:
		s.handleSync(w, r, session, teamID, parts[4])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database":  map[string]any{"status": "ok"},
		"broadcast": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingBroker(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["broadcast"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string   `json:"name"`
		Teams []string `json:"teams"`
	}
	if err := s.decodeValidated(r, s.schemas.login, &body); err != nil {
		respondError(w, err)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name, body.Teams)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userId":    session.UserID,
		"userName":  session.UserName,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session, teamID string) {
	var body CreateDocumentInput
	if err := s.decodeValidated(r, s.schemas.createDocument, &body); err != nil {
		respondError(w, err)
		return
	}
	payload, err := s.service.CreateDocument(r.Context(), session, teamID, body)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, session Session, teamID string) {
	payload, err := s.service.ListDocuments(r.Context(), session, teamID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": payload})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, session Session, teamID, documentID string) {
	payload, err := s.service.GetDocument(r.Context(), session, teamID, documentID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePatchDocument(w http.ResponseWriter, r *http.Request, session Session, teamID, documentID string) {
	var body PatchDocumentInput
	if err := s.decodeValidated(r, s.schemas.patchDocument, &body); err != nil {
		respondError(w, err)
		return
	}
	payload, err := s.service.PatchDocument(r.Context(), session, teamID, documentID, body)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request, session Session, teamID, documentID string) {
	if err := s.service.DeleteDocument(r.Context(), session, teamID, documentID); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListAuditEvents(w http.ResponseWriter, r *http.Request, session Session, teamID string) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	payload, err := s.service.ListAuditEvents(r.Context(), session, teamID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": payload})
}

func (s *HTTPServer) handleGetState(w http.ResponseWriter, r *http.Request, session Session, teamID, documentID string) {
	data, version, err := s.service.LoadState(r.Context(), session, teamID, documentID)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(syncVersionHeader, strconv.FormatInt(version, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handlePutState serves both PUT (interactive save) and POST (teardown
// delivery); the semantics are identical, only the caller's patience
// differs.
func (s *HTTPServer) handlePutState(w http.ResponseWriter, r *http.Request, session Session, teamID, documentID string) {
	rawVersion := strings.TrimSpace(r.Header.Get(syncVersionHeader))
	if rawVersion == "" {
		writeError(w, http.StatusBadRequest, "VERSION_REQUIRED", syncVersionHeader+" header is required", nil)
		return
	}
	knownVersion, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || knownVersion < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_VERSION", syncVersionHeader+" header must be a non-negative integer", nil)
		return
	}

	// One byte over the cap is enough to prove the violation without
	// buffering an arbitrarily large body.
	limited := io.LimitReader(r.Body, s.maxBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Failed to read request body", nil)
		return
	}

	newVersion, err := s.service.SaveState(r.Context(), session, teamID, documentID, data, knownVersion)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set(syncVersionHeader, strconv.FormatInt(newVersion, 10))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "syncVersion": newVersion})
}

func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, session Session, class ratelimit.Class) bool {
	if s.limiter == nil {
		return true
	}
	ok, retryAfter := s.limiter.Allow(session.UserID, class, time.Now())
	if ok {
		return true
	}
	s.service.RecordRateLimitViolation(r.Context(), session.UserID, r.URL.Path)
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", map[string]any{"retryAfterSeconds": seconds})
	return false
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// decodeValidated reads the JSON body once, checks it against the schema,
// and then decodes it into the target struct.
func (s *HTTPServer) decodeValidated(r *http.Request, schema *jsonschema.Schema, target any) error {
	if r.Body == nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "Request body is required", nil)
	}
	defer r.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "Failed to read request body", nil)
	}
	value, err := decodeJSONValue(raw)
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", nil)
	}
	if err := validateBody(schema, value); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", nil)
	}
	return nil
}

func decodeJSONValue(raw []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, blob.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, blob.ErrInvalidID) {
		return http.StatusBadRequest, "INVALID_ID", "Identifier contains disallowed characters", nil
	}
	if errors.Is(err, blob.ErrTooLarge) {
		return http.StatusBadRequest, "SNAPSHOT_TOO_LARGE", "Snapshot exceeds the size limit", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach through the status recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+syncVersionHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", syncVersionHeader+", Retry-After")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
