package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tetherhq/tether/internal/models"
)

// TokenSource supplies the bearer token attached to requests and the
// WebSocket dial. Refresh is called after the server reports an expired
// token; sources that cannot refresh return their static token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource always returns the same token (possibly empty).
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error)   { return string(s), nil }
func (s StaticTokenSource) Refresh(context.Context) (string, error) { return string(s), nil }

// API is the HTTP client for the session lifecycle endpoints.
type API struct {
	BaseURL string
	Tokens  TokenSource
	HTTP    *http.Client
}

// NewAPI creates an API client for the given base URL.
func NewAPI(baseURL string, tokens TokenSource) *API {
	if tokens == nil {
		tokens = StaticTokenSource("")
	}
	return &API{
		BaseURL: baseURL,
		Tokens:  tokens,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := a.Tokens.Token(ctx); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("server: %s", apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// CreateSession requests a new session from the registry.
func (a *API) CreateSession(ctx context.Context, req models.CreateSessionRequest) (models.SessionInfo, error) {
	var info models.SessionInfo
	_, err := a.do(ctx, http.MethodPost, "/v1/sessions", req, &info)
	return info, err
}

// ListSessions returns all sessions the server knows.
func (a *API) ListSessions(ctx context.Context) ([]models.SessionInfo, error) {
	var infos []models.SessionInfo
	_, err := a.do(ctx, http.MethodGet, "/v1/sessions", nil, &infos)
	return infos, err
}

// LatestSession discovers the newest live session for a scope. ok is false
// when none exists.
func (a *API) LatestSession(ctx context.Context, scope models.Scope) (models.SessionInfo, bool, error) {
	var info models.SessionInfo
	status, err := a.do(ctx, http.MethodGet, "/v1/sessions/latest?scope="+url.QueryEscape(string(scope)), nil, &info)
	if status == http.StatusNotFound {
		return models.SessionInfo{}, false, nil
	}
	if err != nil {
		return models.SessionInfo{}, false, err
	}
	return info, true, nil
}

// DestroySession tears a session down server-side. destroyed is false when
// the session was already gone.
func (a *API) DestroySession(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Destroyed bool `json:"destroyed"`
	}
	_, err := a.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, &resp)
	return resp.Destroyed, err
}

// ResizeSession updates the pty size out of band.
func (a *API) ResizeSession(ctx context.Context, id string, cols, rows uint16) error {
	_, err := a.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/resize",
		models.ResizeRequest{Cols: cols, Rows: rows}, nil)
	return err
}

// RefreshToken exchanges a token for a fresh one via /v1/auth/token.
func (a *API) RefreshToken(ctx context.Context, token, source string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"token": token, "source": source}
	if _, err := a.do(ctx, http.MethodPost, "/v1/auth/token", body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// AttachURL builds the WebSocket URL for a session, including the bearer
// token as a query parameter (WebSocket dials cannot set cookies reliably).
func (a *API) AttachURL(ctx context.Context, sessionID string) (string, error) {
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/sessions/" + sessionID + "/attach"

	q := u.Query()
	if token, err := a.Tokens.Token(ctx); err == nil && token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RefreshingTokenSource refreshes its token through the server's auth
// endpoint when told to. Used by the mobile engine, whose tokens come from
// the gateway pairing layer and expire while the app is backgrounded.
type RefreshingTokenSource struct {
	mu      sync.Mutex
	current string
	source  string
	api     *API
}

// NewRefreshingTokenSource wraps an initial token obtained during pairing.
func NewRefreshingTokenSource(baseURL, initial, source string) *RefreshingTokenSource {
	ts := &RefreshingTokenSource{current: initial, source: source}
	// The refresh call itself must not authenticate with the token being
	// replaced, so the inner API uses the raw token directly.
	ts.api = NewAPI(baseURL, StaticTokenSource(""))
	return ts
}

func (ts *RefreshingTokenSource) Token(context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.current, nil
}

func (ts *RefreshingTokenSource) Refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	old := ts.current
	ts.mu.Unlock()

	token, err := ts.api.RefreshToken(ctx, old, ts.source)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	ts.mu.Lock()
	ts.current = token
	ts.mu.Unlock()
	return token, nil
}
