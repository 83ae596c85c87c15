package chatcore

import (
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "http " + strconv.Itoa(e.Status) + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Conversation Types
// ============================================================================

// Conversation is the durable thread between exactly two participants.
// ParticipantA and ParticipantB are stored in lexical order so a pair has
// one canonical form regardless of who opened the thread.
type Conversation struct {
	ID            string     `json:"id"`
	ParticipantA  string     `json:"participant_a"`
	ParticipantB  string     `json:"participant_b"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Has reports whether id is one of the two participants.
func (c *Conversation) Has(id string) bool {
	return c.ParticipantA == id || c.ParticipantB == id
}

// Other returns the participant that is not selfID.
func (c *Conversation) Other(selfID string) string {
	if c.ParticipantA == selfID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// canonicalPair orders two participant ids lexically.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// ============================================================================
// Message Types
// ============================================================================

// AttachmentRef points at an uploaded object. Path is the durable identity;
// URL is a time-limited access link and may be refreshed at any time.
type AttachmentRef struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// Message is the canonical record of one message in a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Body           string         `json:"body"`
	CreatedAt      time.Time      `json:"created_at"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
}

// Deleted reports whether the message is a tombstone.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Edited reports whether the message body was changed after creation.
func (m *Message) Edited() bool { return m.EditedAt != nil }

// clone returns a deep copy so callers never share pointers with the store.
func (m Message) clone() Message {
	out := m
	out.EditedAt = copyTime(m.EditedAt)
	out.DeletedAt = copyTime(m.DeletedAt)
	out.ReadAt = copyTime(m.ReadAt)
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	return out
}

// tombstoned clears user content once DeletedAt is set.
func (m Message) tombstoned() Message {
	if m.DeletedAt != nil {
		m.Body = ""
		m.Attachment = nil
	}
	return m
}

// revision is the latest moment the record is known to have changed.
func (m *Message) revision() time.Time {
	t := m.CreatedAt
	for _, p := range []*time.Time{m.EditedAt, m.DeletedAt, m.ReadAt} {
		if p != nil && p.After(t) {
			t = *p
		}
	}
	return t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewMessage is the payload for creating a message.
type NewMessage struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Body           string         `json:"body"`
	CreatedAt      time.Time      `json:"created_at"`
	Attachment     *AttachmentRef `json:"-"`
}

// MessageFields are the mutable fields of an edit.
type MessageFields struct {
	Body     string    `json:"body"`
	EditedAt time.Time `json:"edited_at"`
}

// DeliveryStatus is the read state shown next to a message.
type DeliveryStatus string

const (
	StatusSent DeliveryStatus = "sent"
	StatusRead DeliveryStatus = "read"
)

// MessageView is a Message decorated with local presentation state.
type MessageView struct {
	Message
	IsMine        bool           `json:"is_mine"`
	Status        DeliveryStatus `json:"status"`
	Confirmed     bool           `json:"confirmed"`
	Failed        bool           `json:"failed"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// EventKind identifies a change-feed operation.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// ChangeEvent is a normalized change-feed record for one message.
type ChangeEvent struct {
	Kind    EventKind
	Message Message
}

// ChannelStatus is reported by realtime subscriptions.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "SUBSCRIBED"
	ChannelError      ChannelStatus = "CHANNEL_ERROR"
	ChannelTimedOut   ChannelStatus = "TIMED_OUT"
	ChannelClosed     ChannelStatus = "CLOSED"
)
