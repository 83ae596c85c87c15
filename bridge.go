package chatcore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bridge adapts a Feed to per-conversation message and typing subscriptions.
// Every record crosses NormalizeRecord before it reaches a callback.
type Bridge struct {
	feed  Feed
	table string

	mu       sync.Mutex
	presence map[presenceKey]PresenceChannel

	settings
}

// NewBridge creates a Bridge over feed.
func NewBridge(feed Feed, opts ...Option) *Bridge {
	return &Bridge{
		feed:     feed,
		table:    messagesTable,
		presence: make(map[presenceKey]PresenceChannel),
		settings: newSettings(opts),
	}
}

// Subscription is an open realtime subscription. Unsubscribe may be called
// any number of times.
type Subscription struct {
	once    sync.Once
	err     error
	leave   func(ctx context.Context) error
	cleanup func()
}

// Unsubscribe leaves the channel. Only the first call does any work.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		if s.cleanup != nil {
			s.cleanup()
		}
		if s.leave != nil {
			s.err = s.leave(ctx)
		}
	})
	return s.err
}

// SubscribeMessages streams normalized message changes for one conversation.
// Records that fail normalization or belong to another conversation are dropped.
func (b *Bridge) SubscribeMessages(ctx context.Context, conversationID string, onEvent func(ChangeEvent), onStatus StatusHandler) (*Subscription, error) {
	log := b.log.With(zap.String("conversation", conversationID))
	handler := func(kind EventKind, rec map[string]any) {
		var msg Message
		if kind == EventDelete {
			// Deletes may only carry the primary key.
			msg.ID = strOr(rec, "", "id")
			msg.ConversationID = strOr(rec, "", "conversation_id", "conversationId")
			if msg.ID == "" {
				b.metrics.droppedEvent("malformed")
				log.Debug("dropping delete without id")
				return
			}
		} else {
			var err error
			if msg, err = NormalizeRecord(rec); err != nil {
				b.metrics.droppedEvent("malformed")
				log.Warn("dropping malformed change", zap.String("kind", string(kind)), zap.Error(err))
				return
			}
		}
		if msg.ConversationID != "" && msg.ConversationID != conversationID {
			b.metrics.droppedEvent("foreign")
			return
		}
		b.metrics.feedEvent(kind)
		onEvent(ChangeEvent{Kind: kind, Message: msg})
	}

	ch, err := b.feed.Changes(ctx, "messages:"+conversationID, ChangeFilter{
		Schema: "public",
		Table:  b.table,
		Filter: "conversation_id=eq." + conversationID,
	}, handler, onStatus)
	if err != nil {
		return nil, err
	}
	return &Subscription{leave: ch.Leave}, nil
}

// SubscribeTyping reports the sorted set of participants other than selfID
// who are currently typing. The current set is delivered after joining.
func (b *Bridge) SubscribeTyping(ctx context.Context, conversationID, selfID string, onActive func([]string)) (*Subscription, error) {
	var (
		mu   sync.Mutex
		last []string
		seen bool
	)
	onSync := func(state PresenceState) {
		active := typingParticipants(state, selfID)
		mu.Lock()
		same := seen && equalStrings(last, active)
		last, seen = active, true
		mu.Unlock()
		if !same {
			onActive(active)
		}
	}
	onStatus := func(s ChannelStatus) {
		if s != ChannelSubscribed {
			b.log.Debug("typing channel status", zap.String("conversation", conversationID), zap.String("status", string(s)))
		}
	}

	ch, err := b.feed.Presence(ctx, "typing:"+conversationID, selfID, onSync, onStatus)
	if err != nil {
		return nil, &PresenceError{ConversationID: conversationID, Err: err}
	}
	key := presenceKey{conversationID, selfID}
	b.mu.Lock()
	b.presence[key] = ch
	b.mu.Unlock()

	return &Subscription{
		leave: ch.Leave,
		cleanup: func() {
			b.mu.Lock()
			if b.presence[key] == ch {
				delete(b.presence, key)
			}
			b.mu.Unlock()
		},
	}, nil
}

// SetTypingStatus publishes whether participantID is typing. participantID
// must be the selfID the typing subscription was opened with. Failures are
// logged as *PresenceError and never returned.
func (b *Bridge) SetTypingStatus(ctx context.Context, conversationID, participantID string, active bool) {
	b.mu.Lock()
	ch := b.presence[presenceKey{conversationID, participantID}]
	b.mu.Unlock()

	var err error
	if ch == nil {
		err = ErrNotSubscribed
	} else {
		err = ch.Track(ctx, map[string]any{
			"user_id": participantID,
			"typing":  active,
			"at":      b.now().UTC().Format(time.RFC3339Nano),
		})
	}
	if err != nil {
		b.metrics.presenceFailure()
		b.log.Debug("typing status not delivered", zap.Error(&PresenceError{ConversationID: conversationID, Err: err}))
	}
}

// presenceKey identifies a typing channel joined by one participant.
type presenceKey struct {
	conversationID string
	selfID         string
}

// typingParticipants extracts who is typing from presence metadata.
func typingParticipants(state PresenceState, selfID string) []string {
	active := make([]string, 0, len(state))
	for key, metas := range state {
		if key == selfID || len(metas) == 0 {
			continue
		}
		// The most recent meta wins when a key tracked more than once.
		meta := metas[len(metas)-1]
		if typing, _ := meta["typing"].(bool); !typing {
			continue
		}
		id := strOr(meta, key, "user_id")
		if id == selfID {
			continue
		}
		active = append(active, id)
	}
	sort.Strings(active)
	return active
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
