// Package chatcore is the realtime conversation core of Tendly: one-to-one
// conversations between parents and caregivers with live message delivery,
// optimistic sends, typing presence and expiring attachment links.
//
// Example:
//
//	client := chatcore.NewClient("https://xyz.supabase.co", "anon-key",
//		chatcore.WithAccessToken(userJWT),
//		chatcore.WithBucket("chat-attachments"))
//
//	rt := client.Realtime(&chatcore.RealtimeConfig{AutoReconnect: true})
//	ctrl, _ := chatcore.NewController(chatcore.ControllerConfig{
//		SelfID:  parentID,
//		OtherID: caregiverID,
//	}, chatcore.Collaborators{
//		Registry:    chatcore.NewRegistry(client.Conversations, client.Messages),
//		Messages:    client.Messages,
//		Attachments: chatcore.NewAttachments(client.Storage),
//		Bridge:      chatcore.NewBridge(rt),
//	})
//	if err := ctrl.Start(ctx); err != nil { ... }
//	defer ctrl.Close()
//	ctrl.Send(ctx, "Hi! Are you free on Friday?", nil)
package chatcore

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
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultBucket  = "chat-attachments"

	messagesTable      = "messages"
	conversationsTable = "conversations"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the hosted backend: the REST API for rows, object storage
// for attachments and the realtime endpoint for change feeds.
type Client struct {
	apiKey     string
	baseURL    string
	bucket     string
	httpClient *http.Client
	log        *zap.Logger

	tokenMu     sync.RWMutex
	accessToken string

	Messages      *MessagesClient
	Conversations *ConversationsClient
	Storage       *StorageClient
}

type ClientOption func(*Client)

// WithAccessToken sets the end-user JWT sent as the bearer token.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.accessToken = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithBucket sets the storage bucket holding attachments.
func WithBucket(bucket string) ClientOption {
	return func(c *Client) { c.bucket = bucket }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient creates a backend client. apiKey is the project's public key.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  DefaultBucket,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Messages = &MessagesClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Storage = &StorageClient{c: c}
	return c
}

// SetAccessToken replaces the end-user JWT, e.g. after a refresh. Requests
// already in flight keep the token they were sent with. It is safe to call
// concurrently with requests.
func (c *Client) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()
}

func (c *Client) token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.accessToken
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// RealtimeURL returns the WebSocket endpoint derived from the base URL.
func (c *Client) RealtimeURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("apikey", c.apiKey)
	q.Set("vsn", "1.0.0")
	return base + "/realtime/v1/websocket?" + q.Encode()
}

// Realtime creates a realtime client for this backend. Call Connect, or open
// a channel, to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.apiKey
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return NewRealtimeClient(c.RealtimeURL(), &cfg)
}

// Ping checks that the REST API answers with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/"+conversationsTable, nil, url.Values{"select": {"id"}, "limit": {"1"}}, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	token := c.token()
	if token == "" {
		token = c.apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// doRequest sends a JSON request and returns the body of a 2xx response.
// Other statuses are returned as *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeaders(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	c.log.Debug("request", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
	return data, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || (apiErr.Message == "" && apiErr.Code == "") {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeRows decodes a JSON array of rows into generic maps for normalization.
func decodeRows(data []byte) ([]map[string]any, error) {
	rows, err := decodeJSON[[]map[string]any](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

// isUniqueViolation reports a PostgREST uniqueness conflict.
func isUniqueViolation(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusConflict || apiErr.Code == "23505"
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient implements MessageService over the REST API.
type MessagesClient struct{ c *Client }

var representation = map[string]string{"Prefer": "return=representation"}

// Create inserts a message and returns the stored row.
func (m *MessagesClient) Create(ctx context.Context, msg NewMessage) (*Message, error) {
	row := map[string]any{
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"body":            msg.Body,
	}
	if msg.ID != "" {
		row["id"] = msg.ID
	}
	if !msg.CreatedAt.IsZero() {
		row["created_at"] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	msg.Attachment.flatten(row)

	data, err := m.c.doRequest(ctx, http.MethodPost, "/rest/v1/"+messagesTable, row, nil, representation)
	if err != nil {
		return nil, err
	}
	created, err := m.single(data)
	if err != nil {
		return nil, err
	}
	if created.Attachment != nil && msg.Attachment != nil && created.Attachment.Path == msg.Attachment.Path {
		created.Attachment.URL = msg.Attachment.URL
	}
	return created, nil
}

// Update changes the body of a message owned by senderID.
func (m *MessagesClient) Update(ctx context.Context, messageID, senderID string, fields MessageFields) (*Message, error) {
	if fields.EditedAt.IsZero() {
		fields.EditedAt = time.Now()
	}
	q := url.Values{"id": {"eq." + messageID}, "sender_id": {"eq." + senderID}}
	body := map[string]any{"body": fields.Body, "edited_at": fields.EditedAt.UTC().Format(time.RFC3339Nano)}
	data, err := m.c.doRequest(ctx, http.MethodPatch, "/rest/v1/"+messagesTable, body, q, representation)
	if err != nil {
		return nil, err
	}
	return m.single(data)
}

// SoftDelete tombstones a message owned by senderID.
func (m *MessagesClient) SoftDelete(ctx context.Context, messageID, senderID string) error {
	q := url.Values{"id": {"eq." + messageID}, "sender_id": {"eq." + senderID}}
	body := map[string]any{
		"deleted_at":           time.Now().UTC().Format(time.RFC3339Nano),
		"body":                 "",
		"attachment_path":      nil,
		"attachment_name":      nil,
		"attachment_mime_type": nil,
		"attachment_size":      nil,
	}
	data, err := m.c.doRequest(ctx, http.MethodPatch, "/rest/v1/"+messagesTable, body, q, representation)
	if err != nil {
		return err
	}
	if _, err := m.single(data); err != nil {
		return err
	}
	return nil
}

// MarkRead stamps read_at on every unread message the other participant sent.
func (m *MessagesClient) MarkRead(ctx context.Context, conversationID, readerID string) error {
	q := url.Values{
		"conversation_id": {"eq." + conversationID},
		"sender_id":       {"neq." + readerID},
		"read_at":         {"is.null"},
	}
	body := map[string]any{"read_at": time.Now().UTC().Format(time.RFC3339Nano)}
	_, err := m.c.doRequest(ctx, http.MethodPatch, "/rest/v1/"+messagesTable, body, q, map[string]string{"Prefer": "return=minimal"})
	return err
}

// List returns the messages of a conversation oldest first.
func (m *MessagesClient) List(ctx context.Context, conversationID string) ([]Message, error) {
	q := url.Values{
		"select":          {"*"},
		"conversation_id": {"eq." + conversationID},
		"order":           {"created_at.asc,id.asc"},
	}
	data, err := m.c.doRequest(ctx, http.MethodGet, "/rest/v1/"+messagesTable, nil, q, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := NormalizeRecord(row)
		if err != nil {
			m.c.log.Warn("skipping malformed message row", zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *MessagesClient) single(data []byte) (*Message, error) {
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	msg, err := NormalizeRecord(rows[0])
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient implements ConversationService over the REST API.
type ConversationsClient struct{ c *Client }

// GetOrCreate returns the conversation for the pair, inserting it if absent.
// A uniqueness conflict on insert is reported as ErrConversationExists.
func (cv *ConversationsClient) GetOrCreate(ctx context.Context, participantA, participantB string) (*Conversation, error) {
	a, b := canonicalPair(participantA, participantB)
	conv, err := cv.Find(ctx, a, b)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	row := map[string]any{"participant_a": a, "participant_b": b}
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/rest/v1/"+conversationsTable, row, nil, representation)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", ErrConversationExists, err)
		}
		return nil, err
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return NormalizeConversation(rows[0])
}

// Find looks up the conversation for an ordered pair.
func (cv *ConversationsClient) Find(ctx context.Context, a, b string) (*Conversation, error) {
	q := url.Values{
		"select":        {"*"},
		"participant_a": {"eq." + a},
		"participant_b": {"eq." + b},
		"limit":         {"1"},
	}
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/rest/v1/"+conversationsTable, nil, q, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return NormalizeConversation(rows[0])
}

// List returns the conversations userID takes part in, most recent first.
func (cv *ConversationsClient) List(ctx context.Context, userID string) ([]*Conversation, error) {
	q := url.Values{
		"select": {"*"},
		"or":     {fmt.Sprintf("(participant_a.eq.%s,participant_b.eq.%s)", userID, userID)},
		"order":  {"last_message_at.desc.nullslast,created_at.desc"},
	}
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/rest/v1/"+conversationsTable, nil, q, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := NormalizeConversation(row)
		if err != nil {
			cv.c.log.Warn("skipping malformed conversation row", zap.Error(err))
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}
