package chatcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are the timestamp encodings seen from the REST API, the change
// feed and Postgres text output.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// NormalizeRecord converts a raw message row, as delivered by the change feed
// or the REST API, into a Message. It accepts snake_case and camelCase keys,
// string or numeric timestamps and either a nested "attachment" object or
// flat attachment_* columns. A record without id or created_at is rejected.
func NormalizeRecord(raw map[string]any) (Message, error) {
	if raw == nil {
		return Message{}, errors.New("empty record")
	}
	m := Message{
		ID:             strOr(raw, "", "id"),
		ConversationID: strOr(raw, "", "conversation_id", "conversationId"),
		SenderID:       strOr(raw, "", "sender_id", "senderId"),
		Body:           strOr(raw, "", "body", "content", "text"),
	}
	if m.ID == "" {
		return Message{}, errors.New("record has no id")
	}

	created, err := timeOr(raw, "created_at", "createdAt")
	if err != nil {
		return Message{}, fmt.Errorf("record %s: %w", m.ID, err)
	}
	if created == nil {
		return Message{}, fmt.Errorf("record %s has no created_at", m.ID)
	}
	m.CreatedAt = *created

	for _, f := range []struct {
		dst  **time.Time
		keys []string
	}{
		{&m.EditedAt, []string{"edited_at", "editedAt"}},
		{&m.DeletedAt, []string{"deleted_at", "deletedAt"}},
		{&m.ReadAt, []string{"read_at", "readAt"}},
	} {
		t, err := timeOr(raw, f.keys...)
		if err != nil {
			return Message{}, fmt.Errorf("record %s: %w", m.ID, err)
		}
		*f.dst = t
	}

	m.Attachment = attachmentOf(raw)
	return m.tombstoned(), nil
}

// NormalizeJSON decodes a JSON object and normalizes it.
func NormalizeJSON(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("decode record: %w", err)
	}
	return NormalizeRecord(raw)
}

// NormalizeConversation converts a raw conversation row.
func NormalizeConversation(raw map[string]any) (*Conversation, error) {
	c := &Conversation{
		ID:           strOr(raw, "", "id"),
		ParticipantA: strOr(raw, "", "participant_a", "participantA"),
		ParticipantB: strOr(raw, "", "participant_b", "participantB"),
		LastMessage:  strOr(raw, "", "last_message", "lastMessage"),
	}
	if c.ID == "" {
		return nil, errors.New("conversation has no id")
	}
	created, err := timeOr(raw, "created_at", "createdAt")
	if err != nil {
		return nil, err
	}
	if created != nil {
		c.CreatedAt = *created
	}
	if c.LastMessageAt, err = timeOr(raw, "last_message_at", "lastMessageAt"); err != nil {
		return nil, err
	}
	return c, nil
}

func attachmentOf(raw map[string]any) *AttachmentRef {
	if nested, ok := raw["attachment"].(map[string]any); ok {
		a := &AttachmentRef{
			Path:     strOr(nested, "", "path"),
			Name:     strOr(nested, "", "name", "file_name", "fileName"),
			MIMEType: strOr(nested, "", "mime_type", "mimeType", "type"),
			Size:     int64Or(nested, 0, "size"),
			URL:      strOr(nested, "", "url"),
		}
		if a.Path != "" {
			return a
		}
	}
	path := strOr(raw, "", "attachment_path", "attachmentPath")
	if path == "" {
		return nil
	}
	return &AttachmentRef{
		Path:     path,
		Name:     strOr(raw, "", "attachment_name", "attachmentName"),
		MIMEType: strOr(raw, "", "attachment_mime_type", "attachment_type", "attachmentType"),
		Size:     int64Or(raw, 0, "attachment_size", "attachmentSize"),
		URL:      strOr(raw, "", "attachment_url", "attachmentUrl"),
	}
}

// flatten writes the attachment as flat columns, the shape the messages table uses.
func (a *AttachmentRef) flatten(row map[string]any) {
	if a == nil {
		return
	}
	row["attachment_path"] = a.Path
	row["attachment_name"] = a.Name
	row["attachment_mime_type"] = a.MIMEType
	row["attachment_size"] = a.Size
}

func strOr(m map[string]any, fallback string, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return fallback
}

func int64Or(m map[string]any, fallback int64, keys ...string) int64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return fallback
}

// timeOr returns the first present timestamp among keys, nil if none is set.
func timeOr(m map[string]any, keys ...string) (*time.Time, error) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		t, err := parseTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		return &t, nil
	}
	return nil, nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, errors.New("empty timestamp")
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case float64:
		return epoch(x), nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return epoch(n), nil
	case time.Time:
		return x.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// epoch interprets n as seconds, or milliseconds when it is too large to be seconds.
func epoch(n float64) time.Time {
	if math.Abs(n) >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
