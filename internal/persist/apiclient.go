package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const syncVersionHeader = "X-Sync-Version"

// HTTPError carries a categorized API failure.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// APIClient implements Backend against the state API.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client

	// detachedTimeout bounds the lifetime of a fire-and-forget delivery
	// once its originator is gone.
	detachedTimeout time.Duration
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		client:          &http.Client{Timeout: 30 * time.Second},
		detachedTimeout: 10 * time.Second,
	}
}

func (c *APIClient) stateURL(teamID, documentID string) string {
	return fmt.Sprintf("%s/api/teams/%s/documents/%s/state", c.baseURL, url.PathEscape(teamID), url.PathEscape(documentID))
}

func (c *APIClient) LoadSnapshot(ctx context.Context, teamID, documentID string) ([]byte, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.stateURL(teamID, documentID), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, c.responseError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read snapshot body: %w", err)
	}
	version, err := strconv.ParseInt(resp.Header.Get(syncVersionHeader), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parse %s header: %w", syncVersionHeader, err)
	}
	return data, version, nil
}

func (c *APIClient) SaveSnapshot(ctx context.Context, teamID, documentID string, data []byte, knownVersion int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.stateURL(teamID, documentID), bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(syncVersionHeader, strconv.FormatInt(knownVersion, 10))

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		version, err := strconv.ParseInt(resp.Header.Get(syncVersionHeader), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s header: %w", syncVersionHeader, err)
		}
		return version, nil
	case http.StatusConflict:
		return 0, ErrVersionConflict
	default:
		return 0, c.responseError(resp)
	}
}

// SaveSnapshotDetached posts the snapshot on a context independent of the
// caller, so a closing editor page cannot cancel the delivery. Errors are
// logged only; the outbox is the safety net.
func (c *APIClient) SaveSnapshotDetached(teamID, documentID string, data []byte, knownVersion int64) {
	body := append([]byte(nil), data...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.detachedTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.stateURL(teamID, documentID), bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set(syncVersionHeader, strconv.FormatInt(knownVersion, 10))

		resp, err := c.client.Do(req)
		if err != nil {
			log.Printf("persist: detached save %s/%s: %v", teamID, documentID, err)
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
}

func (c *APIClient) responseError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Minute
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if seconds, err := strconv.Atoi(raw); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	return &HTTPError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Error}
}
