package chatcore

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeRecord(t *testing.T) {
	t.Run("snake case row with flat attachment", func(t *testing.T) {
		m, err := NormalizeRecord(map[string]any{
			"id":                   "m1",
			"conversation_id":      "c1",
			"sender_id":            "u1",
			"body":                 "see attached",
			"created_at":           "2026-03-01T09:00:00.123456+00:00",
			"edited_at":            nil,
			"attachment_path":      "c1/x-photo.png",
			"attachment_name":      "photo.png",
			"attachment_mime_type": "image/png",
			"attachment_size":      float64(2048),
		})
		if err != nil {
			t.Fatal(err)
		}
		if m.ID != "m1" || m.ConversationID != "c1" || m.SenderID != "u1" || m.Body != "see attached" {
			t.Errorf("message = %+v", m)
		}
		if want := time.Date(2026, 3, 1, 9, 0, 0, 123456000, time.UTC); !m.CreatedAt.Equal(want) {
			t.Errorf("created = %v", m.CreatedAt)
		}
		if m.EditedAt != nil {
			t.Error("null edited_at should stay nil")
		}
		if m.Attachment == nil || m.Attachment.Size != 2048 || m.Attachment.MIMEType != "image/png" {
			t.Errorf("attachment = %+v", m.Attachment)
		}
	})

	t.Run("camel case row with nested attachment", func(t *testing.T) {
		m, err := NormalizeRecord(map[string]any{
			"id":             "m2",
			"conversationId": "c1",
			"senderId":       "u2",
			"content":        "hello",
			"createdAt":      float64(1772355600000),
			"readAt":         "2026-03-01 09:05:00+00",
			"attachment": map[string]any{
				"path": "c1/doc.pdf", "fileName": "doc.pdf", "type": "application/pdf", "size": "10",
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		if m.Body != "hello" || m.SenderID != "u2" {
			t.Errorf("message = %+v", m)
		}
		if m.CreatedAt.Unix() != 1772355600 {
			t.Errorf("created = %v", m.CreatedAt)
		}
		if m.ReadAt == nil || m.ReadAt.Minute() != 5 {
			t.Errorf("read = %v", m.ReadAt)
		}
		if m.Attachment == nil || m.Attachment.Name != "doc.pdf" || m.Attachment.Size != 10 {
			t.Errorf("attachment = %+v", m.Attachment)
		}
	})

	t.Run("deleted row is tombstoned", func(t *testing.T) {
		m, err := NormalizeRecord(map[string]any{
			"id":              "m3",
			"created_at":      "2026-03-01T09:00:00Z",
			"deleted_at":      "2026-03-01T10:00:00Z",
			"body":            "leftover",
			"attachment_path": "c1/x.png",
		})
		if err != nil {
			t.Fatal(err)
		}
		if !m.Deleted() || m.Body != "" || m.Attachment != nil {
			t.Errorf("tombstone = %+v", m)
		}
	})

	t.Run("rejects incomplete rows", func(t *testing.T) {
		bad := []map[string]any{
			nil,
			{"created_at": "2026-03-01T09:00:00Z"},
			{"id": "x"},
			{"id": "x", "created_at": "yesterday"},
			{"id": "x", "created_at": "2026-03-01T09:00:00Z", "edited_at": true},
		}
		for i, raw := range bad {
			if _, err := NormalizeRecord(raw); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		}
	})
}

func TestNormalizeJSON(t *testing.T) {
	m, err := NormalizeJSON([]byte(`{"id":"m1","created_at":"2026-03-01T09:00:00Z","text":"hi"}`))
	if err != nil || m.Body != "hi" {
		t.Fatalf("m=%+v err=%v", m, err)
	}
	if _, err := NormalizeJSON([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNormalizeConversation(t *testing.T) {
	c, err := NormalizeConversation(map[string]any{
		"id":              "c1",
		"participant_a":   "a",
		"participant_b":   "b",
		"last_message":    "ok",
		"last_message_at": "2026-03-01T09:00:00Z",
		"created_at":      json.Number("1772355600"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Other("a") != "b" || c.LastMessageAt == nil || c.CreatedAt.IsZero() {
		t.Errorf("conversation = %+v", c)
	}
	if _, err := NormalizeConversation(map[string]any{}); err == nil {
		t.Error("expected error for missing id")
	}
}
