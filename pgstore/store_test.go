package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow feeds fixed values to Scan the way database/sql would.
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r))
	}
	for i, d := range dest {
		v := r[i]
		switch p := d.(type) {
		case sql.Scanner:
			if err := p.Scan(v); err != nil {
				return err
			}
		case *string:
			*p = v.(string)
		case *time.Time:
			*p = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

var created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))

// ============================================================================
// Scanning
// ============================================================================

func TestScanMessage(t *testing.T) {
	t.Run("live message with attachment", func(t *testing.T) {
		m, err := scanMessage(fakeRow{
			"m1", "c1", "alice", "hello", created,
			nil, nil, created.Add(time.Minute),
			"c1/x-photo.png", "photo.png", "image/png", int64(2048),
		})
		require.NoError(t, err)
		assert.Equal(t, "hello", m.Body)
		assert.Equal(t, time.UTC, m.CreatedAt.Location())
		assert.Nil(t, m.EditedAt)
		require.NotNil(t, m.ReadAt)
		require.NotNil(t, m.Attachment)
		assert.Equal(t, int64(2048), m.Attachment.Size)
		assert.Equal(t, "image/png", m.Attachment.MIMEType)
	})

	t.Run("tombstone drops content", func(t *testing.T) {
		m, err := scanMessage(fakeRow{
			"m2", "c1", "alice", "leftover", created,
			nil, created.Add(time.Hour), nil,
			"c1/x.png", "x.png", "image/png", int64(1),
		})
		require.NoError(t, err)
		assert.True(t, m.Deleted())
		assert.Empty(t, m.Body)
		assert.Nil(t, m.Attachment)
	})

	t.Run("text only", func(t *testing.T) {
		m, err := scanMessage(fakeRow{
			"m3", "c1", "bob", "hi", created,
			created.Add(time.Second), nil, nil,
			nil, nil, nil, nil,
		})
		require.NoError(t, err)
		assert.True(t, m.Edited())
		assert.Nil(t, m.Attachment)
	})
}

func TestScanConversation(t *testing.T) {
	c, err := scanConversation(fakeRow{"c1", "alice", "bob", "", nil, created})
	require.NoError(t, err)
	assert.Equal(t, "bob", c.Other("alice"))
	assert.Nil(t, c.LastMessageAt)

	c, err = scanConversation(fakeRow{"c1", "alice", "bob", "see you", created, created})
	require.NoError(t, err)
	require.NotNil(t, c.LastMessageAt)
	assert.Equal(t, "see you", c.LastMessage)
}

// ============================================================================
// Errors
// ============================================================================

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
	assert.False(t, isUniqueViolation(nil))
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
