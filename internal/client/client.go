// Package client implements the authenticated HTTP client for the
// health monitor service. Every call attaches the session's basic-auth
// header, and every response is classified in a fixed priority order:
// transport failure, authorization failure, application failure,
// success. An authorization failure tears the session down for every
// caller, including ones whose requests were already in flight.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/healthmon/healthchat/internal/models"
	"go.uber.org/zap"
)

// SessionClearer removes the persisted session. The client calls it
// exactly once, when the server rejects the held credentials.
type SessionClearer interface {
	Clear() error
}

type Client struct {
	baseURL string
	httpc   *http.Client
	creds   models.Credentials
	store   SessionClearer
	logger  *zap.Logger

	invalidated    atomic.Bool
	invalidateOnce sync.Once
	invalidCh      chan struct{}
}

// New creates an authenticated client holding the given credential
// bundle. The store may be nil when no session has been established
// yet (login and registration calls).
func New(baseURL string, creds models.Credentials, store SessionClearer, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		httpc:     &http.Client{Timeout: timeout},
		creds:     creds,
		store:     store,
		logger:    logger,
		invalidCh: make(chan struct{}),
	}
}

// Invalidated returns a channel that is closed exactly once, when any
// request comes back with an authorization failure. Callers awaiting
// their own responses observe the same teardown: their calls return
// ErrSessionInvalid instead of a result.
func (c *Client) Invalidated() <-chan struct{} {
	return c.invalidCh
}

func (c *Client) invalidate() {
	c.invalidateOnce.Do(func() {
		c.invalidated.Store(true)
		if c.store != nil {
			if err := c.store.Clear(); err != nil {
				c.logger.Error("failed to clear session store", zap.Error(err))
			}
		}
		close(c.invalidCh)
		c.logger.Warn("session invalidated by server")
	})
}

// errEnvelope is the failure shape shared by every endpoint: the
// service reports logical failures as success=false with a
// human-readable detail (framework errors) or error (chat errors).
type errEnvelope struct {
	Success *bool  `json:"success"`
	Detail  string `json:"detail"`
	Error   string `json:"error"`
}

func (e *errEnvelope) message(status int) string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Error != "" {
		return e.Error
	}
	return http.StatusText(status)
}

// doRequest issues one request and classifies the result. authed
// selects whether the credential header is attached and whether a 401
// tears the session down; login and registration run unauthenticated
// and report a 401 as a plain application error instead.
func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body io.Reader, authed bool, out any) error {
	if authed && c.invalidated.Load() {
		return ErrSessionInvalid
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	if authed {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if authed && resp.StatusCode == http.StatusUnauthorized {
		c.invalidate()
		return ErrSessionInvalid
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	var env errEnvelope
	// A non-JSON error body still classifies by status below.
	_ = json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.finish(&APIError{StatusCode: resp.StatusCode, Message: env.message(resp.StatusCode)})
	}
	if env.Success != nil && !*env.Success {
		return c.finish(&APIError{StatusCode: resp.StatusCode, Message: env.message(resp.StatusCode)})
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return c.finish(&APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)})
		}
	}
	return c.finish(nil)
}

// finish applies the cross-cutting invalidation rule: a caller whose
// request was already in flight when another call hit a 401 must not
// apply its result to the torn-down state.
func (c *Client) finish(err error) error {
	if c.invalidated.Load() {
		return ErrSessionInvalid
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request for %s: %w", path, err)
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}
	return c.doRequest(ctx, method, path, contentType, reader, true, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	body := strings.NewReader(form.Encode())
	return c.doRequest(ctx, http.MethodPost, path, "application/x-www-form-urlencoded", body, false, out)
}

// Wire shapes. Timestamps arrive as ISO 8601 strings, with or without
// a zone depending on which layer of the service produced them.

type chatJSON struct {
	ChatID    string `json:"chat_id"`
	ChatName  string `json:"chat_name"`
	UpdatedAt string `json:"updated_at"`
}

type messageJSON struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ListChats fetches the conversation list, ordered by server-side
// recency (most recently updated first).
func (c *Client) ListChats(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Chats []chatJSON `json:"chats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/list", nil, &resp); err != nil {
		return nil, err
	}
	chats := make([]models.Conversation, 0, len(resp.Chats))
	for _, ch := range resp.Chats {
		chats = append(chats, models.Conversation{
			ID:        ch.ChatID,
			Name:      ch.ChatName,
			UpdatedAt: parseTime(ch.UpdatedAt),
		})
	}
	return chats, nil
}

// CreateChat creates a conversation and returns its id.
func (c *Client) CreateChat(ctx context.Context, name string) (string, error) {
	req := map[string]string{"chat_name": name}
	var resp struct {
		ChatID string `json:"chat_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/new", req, &resp); err != nil {
		return "", err
	}
	return resp.ChatID, nil
}

// RenameChat changes a conversation's display name.
func (c *Client) RenameChat(ctx context.Context, id, newName string) error {
	req := map[string]string{"new_name": newName}
	return c.doJSON(ctx, http.MethodPut, "/api/chat/"+url.PathEscape(id)+"/rename", req, nil)
}

// DeleteChat removes a conversation and its messages.
func (c *Client) DeleteChat(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(id), nil, nil)
}

// ChatMessages fetches the full message timeline for a conversation,
// in the order the server persisted it.
func (c *Client) ChatMessages(ctx context.Context, id string) ([]models.Message, error) {
	var resp struct {
		Messages []messageJSON `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(id)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, models.Message{
			Role:      models.Role(m.Role),
			Content:   m.Content,
			CreatedAt: parseTime(m.CreatedAt),
		})
	}
	return msgs, nil
}

// SendMessage posts a user message and returns the assistant's reply.
func (c *Client) SendMessage(ctx context.Context, id, text string, opts models.SendOptions) (string, error) {
	req := struct {
		Message       string `json:"message"`
		UseHealthData bool   `json:"use_health_data"`
		InsightType   string `json:"insight_type"`
	}{
		Message:       text,
		UseHealthData: opts.UseHealthData,
		InsightType:   string(opts.InsightType),
	}
	if req.InsightType == "" {
		req.InsightType = string(models.InsightRawData)
	}
	var resp struct {
		Response string `json:"response"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(id)+"/message", req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

// Login exchanges a username and password for a user id. It runs
// unauthenticated; rejected credentials surface as an APIError, not a
// session teardown, because no session exists yet.
func (c *Client) Login(ctx context.Context, username, password string) (int64, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	var resp struct {
		UserID int64 `json:"user_id"`
	}
	if err := c.postForm(ctx, "/api/login", form, &resp); err != nil {
		return 0, err
	}
	return resp.UserID, nil
}

// Register creates an account and returns the new user id.
func (c *Client) Register(ctx context.Context, username, name, password string) (int64, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("name", name)
	form.Set("password", password)
	var resp struct {
		UserID int64 `json:"user_id"`
	}
	if err := c.postForm(ctx, "/api/register", form, &resp); err != nil {
		return 0, err
	}
	return resp.UserID, nil
}

// Account is the profile returned by the /api/me endpoint.
type Account struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Me fetches the authenticated account's profile.
func (c *Client) Me(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.doJSON(ctx, http.MethodGet, "/api/me", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// UploadExport uploads a zipped health data export and returns the
// server's status message. Single fire-and-forget request; there is no
// resume or chunking.
func (c *Client) UploadExport(ctx context.Context, zipPath string) (string, error) {
	f, err := os.Open(zipPath)
	if err != nil {
		return "", fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(zipPath))
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read export file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	var resp struct {
		Message string `json:"message"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/upload", mw.FormDataContentType(), &buf, true, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// DeleteAccount permanently removes the authenticated account and all
// of its data.
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/user/delete", nil, nil)
}
