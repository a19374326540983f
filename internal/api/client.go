// Package api is the REST client for the chat backend. It returns the chat
// package's domain types and is consumed by chat.Store through chat.API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/chat-client/internal/chat"
	"github.com/whisper/chat-client/pkg/logger"
)

var (
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrNotFound     = errors.New("api: not found")
)

// maxErrorBody bounds how much of an error response is kept in StatusError.
const maxErrorBody = 512

// StatusError is returned for any non-2xx response. It unwraps to
// ErrUnauthorized for 401/403 and ErrNotFound for 404.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("api: %s %s: %d %s: %s", e.Method, e.Path, e.Code, http.StatusText(e.Code), e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Config holds the REST client settings.
type Config struct {
	BaseURL string        // e.g. "https://api.example.com/api/v1"
	Timeout time.Duration // per request, 0 means no timeout
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 15 * time.Second,
	}
}

// TokenSource returns the bearer token for the next request.
type TokenSource func() string

// StaticToken is a TokenSource for a fixed token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// HTTPClient implements chat.API over HTTP with bearer authentication.
type HTTPClient struct {
	base   *url.URL
	token  TokenSource
	client *http.Client
	log    *zap.Logger
}

var _ chat.API = (*HTTPClient)(nil)

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client. Config.Timeout is
// ignored when this option is used.
func WithHTTPClient(c *http.Client) Option { return func(h *HTTPClient) { h.client = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(h *HTTPClient) { h.log = l } }

// New creates a client for config.BaseURL.
func New(config Config, token TokenSource, opts ...Option) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api: base url %q must be absolute", config.BaseURL)
	}
	if token == nil {
		token = StaticToken("")
	}
	h := &HTTPClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: config.Timeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logger.Component(h.log, "api")
	return h, nil
}

// ListChats implements GET /chats.
func (h *HTTPClient) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	if err := h.getList(ctx, "/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// ListUsers implements GET /users.
func (h *HTTPClient) ListUsers(ctx context.Context) ([]chat.User, error) {
	var users []chat.User
	if err := h.getList(ctx, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetMessages implements GET /chats/{id}/messages.
func (h *HTTPClient) GetMessages(ctx context.Context, chatID string, q chat.MessageQuery) ([]chat.Message, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Before != "" {
		query.Set("before", q.Before)
	}
	var msgs []chat.Message
	if err := h.getList(ctx, "/chats/"+url.PathEscape(chatID)+"/messages", query, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage implements POST /chats/{id}/messages.
func (h *HTTPClient) SendMessage(ctx context.Context, chatID, content string) (chat.Message, error) {
	body := map[string]string{"content": content, "type": string(chat.MessageText)}
	var msg chat.Message
	if err := h.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", nil, body, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// DeleteMessage implements DELETE /messages/{id}.
func (h *HTTPClient) DeleteMessage(ctx context.Context, messageID string) error {
	return h.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

// SendTyping implements POST /chats/{id}/typing.
func (h *HTTPClient) SendTyping(ctx context.Context, chatID string, isTyping bool) error {
	body := map[string]bool{"is_typing": isTyping}
	return h.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/typing", nil, body, nil)
}

// MarkAsSeen implements POST /chats/{id}/seen. An empty messageID marks the
// whole chat.
func (h *HTTPClient) MarkAsSeen(ctx context.Context, chatID, messageID string) error {
	body := map[string]string{}
	if messageID != "" {
		body["message_id"] = messageID
	}
	return h.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/seen", nil, body, nil)
}

// CreateChat implements POST /chats.
func (h *HTTPClient) CreateChat(ctx context.Context, participantID string) (chat.Chat, error) {
	body := map[string]string{"participant_id": participantID}
	var c chat.Chat
	if err := h.doObject(ctx, http.MethodPost, "/chats", body, &c); err != nil {
		return chat.Chat{}, err
	}
	return c, nil
}

// CreateGroup implements POST /chats/group.
func (h *HTTPClient) CreateGroup(ctx context.Context, title string, participantIDs []string) (chat.Chat, error) {
	body := struct {
		Title          string   `json:"title"`
		ParticipantIDs []string `json:"participant_ids"`
	}{title, participantIDs}
	var c chat.Chat
	if err := h.doObject(ctx, http.MethodPost, "/chats/group", body, &c); err != nil {
		return chat.Chat{}, err
	}
	return c, nil
}

// getList fetches a list that the server returns either bare or wrapped in
// {"data": [...]}.
func (h *HTTPClient) getList(ctx context.Context, path string, query url.Values, out interface{}) error {
	var raw json.RawMessage
	if err := h.do(ctx, http.MethodGet, path, query, nil, &raw); err != nil {
		return err
	}
	return decodeEnvelope(raw, out, '[')
}

// doObject sends a request whose response object may be wrapped in
// {"data": {...}}.
func (h *HTTPClient) doObject(ctx context.Context, method, path string, body, out interface{}) error {
	var raw json.RawMessage
	if err := h.do(ctx, method, path, nil, body, &raw); err != nil {
		return err
	}
	return decodeEnvelope(raw, out, '{')
}

func (h *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u, err := url.Parse(h.base.String() + path)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := h.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	h.log.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeEnvelope decodes raw into out, unwrapping a {"data": ...} envelope
// when raw does not already start with want.
func decodeEnvelope(raw json.RawMessage, out interface{}, want byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err == nil {
			data := bytes.TrimSpace(env.Data)
			if bytes.Equal(data, []byte("null")) {
				return nil
			}
			if len(data) > 0 && data[0] == want {
				raw = data
			}
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
