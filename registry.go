package chatcore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ConversationService is the backend contract for conversations. GetOrCreate
// may fail with an error wrapping ErrConversationExists when a concurrent
// creator won the uniqueness race.
type ConversationService interface {
	GetOrCreate(ctx context.Context, participantA, participantB string) (*Conversation, error)
}

// MessageService is the backend contract for messages.
type MessageService interface {
	Create(ctx context.Context, msg NewMessage) (*Message, error)
	Update(ctx context.Context, messageID, senderID string, fields MessageFields) (*Message, error)
	SoftDelete(ctx context.Context, messageID, senderID string) error
	MarkRead(ctx context.Context, conversationID, readerID string) error
	List(ctx context.Context, conversationID string) ([]Message, error)
}

// maxResolveAttempts bounds re-fetches after uniqueness conflicts.
const maxResolveAttempts = 3

// Registry resolves conversations and their history.
type Registry struct {
	conversations ConversationService
	messages      MessageService
	group         singleflight.Group
	settings
}

// NewRegistry creates a Registry.
func NewRegistry(conversations ConversationService, messages MessageService, opts ...Option) *Registry {
	return &Registry{
		conversations: conversations,
		messages:      messages,
		settings:      newSettings(opts),
	}
}

// GetOrCreate returns the conversation between selfID and otherID, creating
// it if needed. Calls for the same pair converge on one conversation: local
// concurrent calls share a single backend round trip and a lost creation
// race is answered by fetching the winner.
func (r *Registry) GetOrCreate(ctx context.Context, selfID, otherID string) (*Conversation, error) {
	if selfID == "" || otherID == "" {
		return nil, &ResolutionError{Op: "get_or_create", Err: errors.New("both participant ids are required")}
	}
	if selfID == otherID {
		return nil, &ResolutionError{Op: "get_or_create", Err: errors.New("participants must differ")}
	}
	a, b := canonicalPair(selfID, otherID)

	v, err, shared := r.group.Do(a+"\x00"+b, func() (interface{}, error) {
		return r.resolve(ctx, a, b)
	})
	if err != nil {
		return nil, &ResolutionError{Op: "get_or_create", Err: err}
	}
	if shared {
		r.log.Debug("conversation resolution shared", zap.String("a", a), zap.String("b", b))
	}
	conv := *v.(*Conversation)
	return &conv, nil
}

func (r *Registry) resolve(ctx context.Context, a, b string) (*Conversation, error) {
	var lastErr error
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		conv, err := r.conversations.GetOrCreate(ctx, a, b)
		if err == nil {
			if conv == nil || conv.ID == "" {
				return nil, errors.New("backend returned no conversation")
			}
			return conv, nil
		}
		if !errors.Is(err, ErrConversationExists) {
			return nil, err
		}
		lastErr = err
		r.log.Debug("conversation created concurrently, refetching",
			zap.String("a", a), zap.String("b", b), zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("conversation still conflicting after %d attempts: %w", maxResolveAttempts, lastErr)
}

// GetHistory returns all messages of a conversation in ascending CreatedAt
// order. Messages with equal timestamps keep the order the backend returned.
func (r *Registry) GetHistory(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, &ResolutionError{Op: "history", Err: errors.New("conversation id is required")}
	}
	msgs, err := r.messages.List(ctx, conversationID)
	if err != nil {
		return nil, &ResolutionError{Op: "history", Err: err}
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].clone().tombstoned()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
