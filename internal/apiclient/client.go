// Package apiclient is the tracker's HTTP client for the ingestion server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"backend-drivertrack/internal/location"
)

const userAgent = "drivertrack-tracker"

// Error is returned for any non-2xx response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	User         User   `json:"user"`
}

type Client struct {
	URL        *url.URL
	HTTPClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTPClient = httpClient
		}
	}
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.HTTPClient = &http.Client{Timeout: d, Transport: c.HTTPClient.Transport}
	}
}

func New(baseURL *url.URL, opts ...ClientOption) *Client {
	c := &Client{
		URL:        baseURL,
		HTTPClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request sends a JSON request. token may be empty for unauthenticated calls.
func (c *Client) Request(ctx context.Context, method, path, token string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	endpoint, err := url.Parse(path)
	if err != nil {
		return nil, xerrors.Errorf("parse path %q: %w", path, err)
	}
	fullURL := c.URL.ResolveReference(endpoint)

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return nil, xerrors.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	resp, err := c.Request(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("decode response body: %w", err)
	}
	return nil
}

func readErrorResponse(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &Error{StatusCode: resp.StatusCode}
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return &Error{StatusCode: resp.StatusCode, Message: body.Error}
		}
		if body.Message != "" {
			return &Error{StatusCode: resp.StatusCode, Message: body.Message}
		}
	}
	return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return LoginResponse{}, xerrors.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return LoginResponse{}, xerrors.New("login: empty access token")
	}
	return resp, nil
}

// UploadBatch posts points to the batch endpoint. Any error, including a
// non-2xx status, means the whole batch should be retried later.
func (c *Client) UploadBatch(ctx context.Context, token string, points []location.Point) (location.BatchResponse, error) {
	var resp location.BatchResponse
	err := c.do(ctx, http.MethodPost, "/locations/batch", token, location.BatchRequest{Points: points}, &resp)
	if err != nil {
		return location.BatchResponse{}, xerrors.Errorf("upload batch: %w", err)
	}
	return resp, nil
}

func (c *Client) StartSession(ctx context.Context, token string) (location.Session, error) {
	var resp location.Session
	if err := c.do(ctx, http.MethodPost, "/sessions/start", token, struct{}{}, &resp); err != nil {
		return location.Session{}, xerrors.Errorf("start session: %w", err)
	}
	return resp, nil
}

func (c *Client) PauseSession(ctx context.Context, token, sessionID string) (location.Session, error) {
	return c.sessionAction(ctx, "pause", token, sessionID)
}

func (c *Client) ResumeSession(ctx context.Context, token, sessionID string) (location.Session, error) {
	return c.sessionAction(ctx, "resume", token, sessionID)
}

func (c *Client) StopSession(ctx context.Context, token, sessionID string) (location.Session, error) {
	return c.sessionAction(ctx, "stop", token, sessionID)
}

func (c *Client) sessionAction(ctx context.Context, action, token, sessionID string) (location.Session, error) {
	var resp location.Session
	body := map[string]string{"session_id": sessionID}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+action, token, body, &resp); err != nil {
		return location.Session{}, xerrors.Errorf("%s session: %w", action, err)
	}
	return resp, nil
}

// CurrentSession returns the caller's active or paused session, or nil.
func (c *Client) CurrentSession(ctx context.Context, token string) (*location.Session, error) {
	var resp struct {
		Session *location.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/current", token, nil, &resp); err != nil {
		return nil, xerrors.Errorf("current session: %w", err)
	}
	return resp.Session, nil
}

func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, nil); err != nil {
		return xerrors.Errorf("health: %w", err)
	}
	return nil
}
