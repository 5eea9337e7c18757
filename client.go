// Package chatsync is a client core for a direct-messaging service: one
// consistent view of conversations, presence, typing indicators, profile
// images and notifications, kept in sync with the server over a websocket
// channel and a small HTTP API.
//
// Example:
//
//	client := chatsync.NewClient("http://localhost:5000")
//	session := chatsync.NewSession(client, client.Realtime(nil))
//
//	session.On(chatsync.ChangeMessages, func(c chatsync.Change) { ... })
//	_ = session.Login(ctx, "alice", "secret")
//	_ = session.OpenConversation(ctx, "bob")
//	_ = session.SendText(ctx, "bob", "hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the directory, auth and media endpoints. It is safe for
// concurrent use.
type Client struct {
	baseURL       string
	userAgent     string
	maxImageBytes int64
	httpClient    *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithMaxImageBytes overrides the profile image size limit.
func WithMaxImageBytes(n int64) ClientOption {
	return func(c *Client) { c.maxImageBytes = n }
}

// NewClient creates a client for the server at baseURL. An empty baseURL
// uses DefaultBaseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		maxImageBytes: DefaultMaxImageBytes,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root shared by the HTTP API and the channel.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime creates a realtime channel to the same server. The channel reuses
// the client's transport unless config sets its own.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	} else {
		cfg = *DefaultRealtimeConfig()
	}
	if cfg.HTTPClient == nil || cfg.HTTPClient == http.DefaultClient {
		// Websocket connections are long-lived; the request timeout must
		// not apply to them.
		hc := *c.httpClient
		hc.Timeout = 0
		cfg.HTTPClient = &hc
	}
	return NewRealtimeClient(c.baseURL, &cfg)
}

// ImageURL resolves a server-side image name to an absolute URL. Names that
// are already absolute are returned unchanged.
func (c *Client) ImageURL(name string) string {
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return name
	}
	return c.baseURL + "/uploads/" + strings.TrimLeft(name, "/")
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// apiError builds an APIError from a failed response, preferring the
// server's {"error": ...} message.
func apiError(status int, data []byte, fallback string) *APIError {
	msg := fallback
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.Message != "":
			msg = body.Message
		}
	}
	return &APIError{Status: status, Message: msg}
}

// ============================================================================
// Auth
// ============================================================================

// Register creates an account. The server replies {"message"} on success.
func (c *Client) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	return c.authenticate(ctx, "/api/register", username, password, "registration failed")
}

// Login checks credentials against the directory.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	return c.authenticate(ctx, "/api/login", username, password, "authentication failed")
}

func (c *Client) authenticate(ctx context.Context, path, username, password, fallback string) (*AuthResult, error) {
	creds, err := normalizeCredentials(username, password)
	if err != nil {
		return nil, err
	}
	status, data, err := c.doRequest(ctx, http.MethodPost, path, creds)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, apiError(status, data, fallback)
	}
	result, err := decodeJSON[AuthResult](data)
	if err != nil {
		return nil, err
	}
	if result.Error != "" || result.Message == "" {
		return nil, apiError(status, data, fallback)
	}
	return result, nil
}

// ============================================================================
// Directory
// ============================================================================

// ListUsers fetches every registered user with their presence.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	status, data, err := c.doRequest(ctx, http.MethodGet, "/api/users", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError(status, data, "failed to list users")
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// ProfileImage returns the absolute URL of username's image, or "" when the
// user has none.
func (c *Client) ProfileImage(ctx context.Context, username string) (string, error) {
	status, data, err := c.doRequest(ctx, http.MethodGet, "/api/profile-image/"+url.PathEscape(username), nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	if status != http.StatusOK {
		return "", apiError(status, data, "failed to fetch profile image")
	}
	result, err := decodeJSON[ProfileImageResult](data)
	if err != nil {
		return "", err
	}
	return c.ImageURL(result.ImageURL), nil
}

// ============================================================================
// Media
// ============================================================================

// UploadProfileImage uploads data as username's profile image and returns the
// server-side image name. The content must sniff as an image within the
// size limit; both checks happen before any request is made.
func (c *Client) UploadProfileImage(ctx context.Context, username, filename string, data []byte) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", fmt.Errorf("upload: %w", ErrNotAuthenticated)
	}
	mimeType, err := checkImage(filename, data, c.maxImageBytes)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="profileImage"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.WriteField("username", username); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload-profile-image", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	status, body, err := c.send(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", apiError(status, body, "upload failed")
	}
	result, err := decodeJSON[ProfileImageResult](body)
	if err != nil {
		return "", err
	}
	if result.ImageURL == "" {
		return "", apiError(status, body, "upload returned no image")
	}
	return result.ImageURL, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
