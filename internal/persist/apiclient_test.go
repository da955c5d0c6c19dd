package persist

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestAPIClientLoadSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/api/teams/t1/documents/d1/state" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set(syncVersionHeader, "7")
		w.Write([]byte("snapshot-bytes"))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "tok")
	data, version, err := client.LoadSnapshot(context.Background(), "t1", "d1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if string(data) != "snapshot-bytes" || version != 7 {
		t.Fatalf("got %q version %d", data, version)
	}
}

func TestAPIClientSaveSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if got := r.Header.Get(syncVersionHeader); got != "7" {
			t.Errorf("expected version header 7, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "new-state" {
			t.Errorf("unexpected body %q", body)
		}
		w.Header().Set(syncVersionHeader, "8")
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "tok")
	version, err := client.SaveSnapshot(context.Background(), "t1", "d1", []byte("new-state"), 7)
	if err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if version != 8 {
		t.Fatalf("expected version 8, got %d", version)
	}
}

func TestAPIClientSaveConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "tok")
	_, err := client.SaveSnapshot(context.Background(), "t1", "d1", []byte("x"), 3)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestAPIClientRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "tok")
	_, err := client.SaveSnapshot(context.Background(), "t1", "d1", []byte("x"), 0)
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfter != 17*time.Second {
		t.Fatalf("expected 17s retry-after, got %s", limited.RetryAfter)
	}
}

func TestAPIClientErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"forbidden","error":"not a member of this team"}`))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "tok")
	_, _, err := client.LoadSnapshot(context.Background(), "t1", "d1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "forbidden" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestAPIClientDetachedDelivery(t *testing.T) {
	var mu sync.Mutex
	var method, version string
	var body []byte
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method = r.Method
		version = r.Header.Get(syncVersionHeader)
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		close(done)
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "tok")
	client.SaveSnapshotDetached("t1", "d1", []byte("teardown-state"), 5)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("detached delivery never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPost {
		t.Fatalf("expected POST, got %s", method)
	}
	if version != "5" {
		t.Fatalf("expected version header 5, got %q", version)
	}
	if string(body) != "teardown-state" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestAPIClientEscapesPathSegments(t *testing.T) {
	client := NewAPIClient("http://example.test", "tok")
	got := client.stateURL("team one", "doc/../x")
	want := "http://example.test/api/teams/team%20one/documents/doc%2F..%2Fx/state"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
