package chatcore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// In-memory backend
// ============================================================================

type memBackend struct {
	mu       sync.Mutex
	convs    map[string]*Conversation
	msgs     map[string][]Message
	nextConv int

	// conflicts makes the next N GetOrCreate calls report a lost race.
	conflicts  int
	convCalls  atomic.Int32
	gate       chan struct{}
	createErr  error
	updateErr  error
	deleteErr  error
	listErr    error
	assignIDs  bool
	createHook func(NewMessage)
	marked     atomic.Int32
}

func newMemBackend() *memBackend {
	return &memBackend{convs: map[string]*Conversation{}, msgs: map[string][]Message{}}
}

func (b *memBackend) GetOrCreate(ctx context.Context, a, c string) (*Conversation, error) {
	b.convCalls.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := a + "|" + c
	if b.conflicts > 0 {
		b.conflicts--
		if _, ok := b.convs[key]; !ok {
			b.nextConv++
			b.convs[key] = &Conversation{ID: fmt.Sprintf("conv-%d", b.nextConv), ParticipantA: a, ParticipantB: c, CreatedAt: t0}
		}
		return nil, fmt.Errorf("%w: duplicate key", ErrConversationExists)
	}
	conv, ok := b.convs[key]
	if !ok {
		b.nextConv++
		conv = &Conversation{ID: fmt.Sprintf("conv-%d", b.nextConv), ParticipantA: a, ParticipantB: c, CreatedAt: t0}
		b.convs[key] = conv
	}
	out := *conv
	return &out, nil
}

func (b *memBackend) Create(_ context.Context, nm NewMessage) (*Message, error) {
	if b.createHook != nil {
		b.createHook(nm)
	}
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Message{
		ID:             nm.ID,
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Body:           nm.Body,
		CreatedAt:      nm.CreatedAt,
		Attachment:     nm.Attachment,
	}
	if b.assignIDs {
		m.ID = "srv-" + nm.ID
	}
	b.msgs[nm.ConversationID] = append(b.msgs[nm.ConversationID], m)
	out := m.clone()
	return &out, nil
}

func (b *memBackend) find(id string) *Message {
	for _, list := range b.msgs {
		for i := range list {
			if list[i].ID == id {
				return &list[i]
			}
		}
	}
	return nil
}

func (b *memBackend) Update(_ context.Context, id, sender string, f MessageFields) (*Message, error) {
	if b.updateErr != nil {
		return nil, b.updateErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.find(id)
	if m == nil || m.SenderID != sender {
		return nil, ErrNotFound
	}
	m.Body = f.Body
	e := f.EditedAt
	m.EditedAt = &e
	out := m.clone()
	return &out, nil
}

func (b *memBackend) SoftDelete(_ context.Context, id, sender string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.find(id)
	if m == nil || m.SenderID != sender {
		return ErrNotFound
	}
	now := t0.Add(time.Hour)
	m.DeletedAt = &now
	m.Body = ""
	m.Attachment = nil
	return nil
}

func (b *memBackend) MarkRead(_ context.Context, conversationID, reader string) error {
	b.marked.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := t0.Add(time.Hour)
	list := b.msgs[conversationID]
	for i := range list {
		if list[i].SenderID != reader && list[i].ReadAt == nil {
			list[i].ReadAt = &now
		}
	}
	return nil
}

func (b *memBackend) List(_ context.Context, conversationID string) ([]Message, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.msgs[conversationID]))
	for i, m := range b.msgs[conversationID] {
		out[i] = m.clone()
	}
	return out, nil
}

func (b *memBackend) seed(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[m.ConversationID] = append(b.msgs[m.ConversationID], m)
}

// purge hard-deletes a row without emitting a change event.
func (b *memBackend) purge(conversationID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.msgs[conversationID][:0]
	for _, m := range b.msgs[conversationID] {
		if m.ID != id {
			rows = append(rows, m)
		}
	}
	b.msgs[conversationID] = rows
}

// ============================================================================
// Object storage
// ============================================================================

type memStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	removed  []string
	signs    int
	failPut  error
	failSign error
	gate     chan struct{}
	signGate chan struct{}
	blocked  atomic.Int32
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memStorage) Upload(ctx context.Context, path string, data []byte, contentType string, _ map[string]string) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failPut != nil {
		return s.failPut
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	s.types[path] = contentType
	return nil
}

func (s *memStorage) SignURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if s.signGate != nil {
		s.blocked.Add(1)
		select {
		case <-s.signGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signs++
	if s.failSign != nil {
		return "", s.failSign
	}
	return fmt.Sprintf("https://cdn.test/%s?v=%d&ttl=%d", path, s.signs, int(ttl.Seconds())), nil
}

func (s *memStorage) Remove(_ context.Context, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.objects, p)
		s.removed = append(s.removed, p)
	}
	return nil
}

func (s *memStorage) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *memStorage) removedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// ============================================================================
// Realtime feed
// ============================================================================

type fakeChannel struct {
	topic    string
	onChange ChangeHandler
	onStatus StatusHandler
	left     atomic.Bool
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) Leave(context.Context) error {
	c.left.Store(true)
	return nil
}

type fakePresence struct {
	fakeChannel
	key     string
	onSync  PresenceHandler
	mu      sync.Mutex
	tracked []map[string]any
	failErr error
}

func (p *fakePresence) Track(_ context.Context, meta map[string]any) error {
	if p.failErr != nil {
		return p.failErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked = append(p.tracked, meta)
	return nil
}

func (p *fakePresence) typingSignals() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.tracked))
	for i, m := range p.tracked {
		out[i], _ = m["typing"].(bool)
	}
	return out
}

type fakeFeed struct {
	mu          sync.Mutex
	changes     map[string]*fakeChannel
	presence    map[string]*fakePresence
	changesErr  error
	presenceErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{changes: map[string]*fakeChannel{}, presence: map[string]*fakePresence{}}
}

func (f *fakeFeed) Changes(_ context.Context, topic string, _ ChangeFilter, onChange ChangeHandler, onStatus StatusHandler) (Channel, error) {
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	ch := &fakeChannel{topic: topic, onChange: onChange, onStatus: onStatus}
	f.mu.Lock()
	f.changes[topic] = ch
	f.mu.Unlock()
	onStatus(ChannelSubscribed)
	return ch, nil
}

func (f *fakeFeed) Presence(_ context.Context, topic, key string, onSync PresenceHandler, onStatus StatusHandler) (PresenceChannel, error) {
	if f.presenceErr != nil {
		return nil, f.presenceErr
	}
	p := &fakePresence{fakeChannel: fakeChannel{topic: topic, onStatus: onStatus}, key: key, onSync: onSync}
	f.mu.Lock()
	f.presence[topic] = p
	f.mu.Unlock()
	onStatus(ChannelSubscribed)
	onSync(PresenceState{})
	return p, nil
}

func (f *fakeFeed) changeChannel(topic string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes[topic]
}

func (f *fakeFeed) presenceChannel(topic string) *fakePresence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presence[topic]
}

// row renders a message the way the change feed delivers it.
func row(m Message) map[string]any {
	r := map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"created_at":      m.CreatedAt.Format(time.RFC3339Nano),
	}
	if m.EditedAt != nil {
		r["edited_at"] = m.EditedAt.Format(time.RFC3339Nano)
	}
	if m.DeletedAt != nil {
		r["deleted_at"] = m.DeletedAt.Format(time.RFC3339Nano)
	}
	m.Attachment.flatten(r)
	return r
}

func joined(s []string) string { return strings.Join(s, ",") }
