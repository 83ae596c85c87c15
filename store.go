package chatcore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// URLResolver issues fresh access URLs for stored attachments.
type URLResolver interface {
	ResolveAccessURL(ctx context.Context, path string) (string, error)
}

type entry struct {
	msg       Message
	seq       uint64
	confirmed bool
	failed    bool
	reason    string
	stamp     uint64 // store clock at the last server-side write
}

// before orders entries by CreatedAt, then by local arrival.
func (e *entry) before(o *entry) bool {
	if !e.msg.CreatedAt.Equal(o.msg.CreatedAt) {
		return e.msg.CreatedAt.Before(o.msg.CreatedAt)
	}
	return e.seq < o.seq
}

// Store is the ordered, deduplicated message list of one conversation.
// Entries are keyed by message id; a later record for a known id replaces the
// earlier one in place. All methods are safe for concurrent use.
type Store struct {
	selfID   string
	resolver URLResolver

	mu      sync.Mutex
	entries []*entry
	index   map[string]*entry
	seq     uint64
	clock   uint64

	changes listeners[[]MessageView]
	settings
}

// NewStore creates an empty store for selfID. resolver is used by
// RefreshAttachmentURL and may be nil if attachments are never refreshed.
func NewStore(selfID string, resolver URLResolver, opts ...Option) *Store {
	s := &Store{
		selfID:   selfID,
		resolver: resolver,
		index:    make(map[string]*entry),
		settings: newSettings(opts),
	}
	s.changes.log = s.log
	return s
}

// OnChange registers fn to receive the full snapshot after every mutation.
// fn runs on the goroutine that caused the mutation.
func (s *Store) OnChange(fn func([]MessageView)) {
	s.changes.add(fn)
}

// Load replaces the store contents with history. Records are treated as
// confirmed and keep their relative order for equal timestamps.
func (s *Store) Load(history []Message) {
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.index = make(map[string]*entry, len(history))
	for _, m := range history {
		m = m.clone().tombstoned()
		if m.ID == "" {
			continue
		}
		if e, ok := s.index[m.ID]; ok {
			s.replaceLocked(e, m)
			continue
		}
		s.insertLocked(m, true)
	}
	s.mu.Unlock()
	s.notify()
}

// Merge folds a fresh history snapshot into the store. A known record is
// only overwritten when the snapshot copy is not older than what the store
// already holds. Confirmed entries missing from the snapshot were deleted on
// the server and are removed; unconfirmed and failed entries are kept.
func (s *Store) Merge(history []Message) {
	s.mergeSince(history, s.mark())
}

// mark returns the current store clock. Entries written after it survive
// mergeSince(history, mark) even when history does not contain them.
func (s *Store) mark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func (s *Store) mergeSince(history []Message, mark uint64) {
	s.mu.Lock()
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		m = m.clone().tombstoned()
		if m.ID == "" {
			continue
		}
		seen[m.ID] = true
		e, ok := s.index[m.ID]
		if !ok {
			s.insertLocked(m, true)
			continue
		}
		if e.confirmed && e.msg.revision().After(m.revision()) {
			continue
		}
		s.replaceLocked(e, m)
	}
	var gone []string
	for _, e := range s.entries {
		if e.confirmed && !seen[e.msg.ID] && e.stamp <= mark {
			gone = append(gone, e.msg.ID)
		}
	}
	for _, id := range gone {
		s.removeLocked(id)
	}
	s.mu.Unlock()
	if len(gone) > 0 {
		s.log.Debug("merge removed entries missing from history", zap.Int("count", len(gone)))
	}
	s.notify()
}

// ApplyRemoteEvent applies one change-feed event. Inserts and updates for a
// known id replace that entry; unknown ids are inserted in timestamp order
// after entries with the same timestamp. Deletes remove the entry.
func (s *Store) ApplyRemoteEvent(kind EventKind, rec Message) {
	rec = rec.clone().tombstoned()
	if rec.ID == "" {
		s.log.Debug("ignoring change event without id", zap.String("kind", string(kind)))
		return
	}

	s.mu.Lock()
	switch kind {
	case EventInsert, EventUpdate:
		if e, ok := s.index[rec.ID]; ok {
			s.replaceLocked(e, rec)
		} else {
			s.insertLocked(rec, true)
		}
	case EventDelete:
		if s.removeLocked(rec.ID) == nil {
			s.mu.Unlock()
			return
		}
	default:
		s.mu.Unlock()
		s.log.Warn("unknown change event kind", zap.String("kind", string(kind)))
		return
	}
	s.mu.Unlock()
	s.notify()
}

// AppendOptimistic adds a provisional, unconfirmed entry. It returns false if
// the id is already present.
func (s *Store) AppendOptimistic(msg Message) bool {
	msg = msg.clone()
	if msg.ID == "" {
		return false
	}
	s.mu.Lock()
	if _, ok := s.index[msg.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.insertLocked(msg, false)
	s.mu.Unlock()
	s.notify()
	return true
}

// Reconcile confirms the entry for rec.ID with the server record. If the
// change feed already confirmed it the call is a no-op.
func (s *Store) Reconcile(rec Message) {
	rec = rec.clone().tombstoned()
	if rec.ID == "" {
		return
	}
	s.mu.Lock()
	e, ok := s.index[rec.ID]
	switch {
	case ok && e.confirmed:
		s.mu.Unlock()
		return
	case ok:
		s.replaceLocked(e, rec)
	default:
		s.insertLocked(rec, true)
	}
	s.mu.Unlock()
	s.notify()
}

// Promote replaces the provisional entry localID with rec when the backend
// assigned its own id. If rec already arrived through the feed the
// provisional entry is dropped.
func (s *Store) Promote(localID string, rec Message) {
	rec = rec.clone().tombstoned()
	if rec.ID == "" || rec.ID == localID {
		s.Reconcile(rec)
		return
	}
	s.mu.Lock()
	local := s.index[localID]
	if existing, ok := s.index[rec.ID]; ok {
		if local != nil {
			s.removeLocked(localID)
		}
		if !existing.confirmed {
			s.replaceLocked(existing, rec)
		}
	} else if local != nil {
		delete(s.index, localID)
		s.replaceLocked(local, rec)
		s.index[rec.ID] = local
	} else {
		s.insertLocked(rec, true)
	}
	s.mu.Unlock()
	s.notify()
}

// MarkFailed flags an unconfirmed entry as failed to send.
func (s *Store) MarkFailed(id, reason string) bool {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok || e.confirmed {
		s.mu.Unlock()
		return false
	}
	e.failed = true
	e.reason = reason
	s.mu.Unlock()
	s.notify()
	return true
}

// Discard removes an unconfirmed entry, typically one that failed to send.
func (s *Store) Discard(id string) bool {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok || e.confirmed {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(id)
	s.mu.Unlock()
	s.notify()
	return true
}

// RefreshAttachmentURL resolves a new access URL for the attachment of
// message id and stores it. Only the URL changes. It returns "" when the
// message is unknown or has no attachment.
func (s *Store) RefreshAttachmentURL(ctx context.Context, id string) (string, error) {
	return s.refreshAttachmentURL(ctx, id, nil)
}

// refreshAttachmentURL is RefreshAttachmentURL with a guard consulted under
// the store lock once the resolver returns. A non-nil guard error is returned
// in place of the resolver's result and nothing is stored.
func (s *Store) refreshAttachmentURL(ctx context.Context, id string, guard func() error) (string, error) {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok || e.msg.Attachment == nil {
		s.mu.Unlock()
		return "", nil
	}
	path := e.msg.Attachment.Path
	s.mu.Unlock()

	if s.resolver == nil {
		return "", &ResolutionError{Op: "resolve_url", Err: errors.New("no url resolver configured")}
	}
	url, err := s.resolver.ResolveAccessURL(ctx, path)

	s.mu.Lock()
	if guard != nil {
		if gerr := guard(); gerr != nil {
			s.mu.Unlock()
			return "", gerr
		}
	}
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	e, ok = s.index[id]
	changed := ok && e.msg.Attachment != nil && e.msg.Attachment.Path == path && e.msg.Attachment.URL != url
	if changed {
		e.msg.Attachment.URL = url
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return url, nil
}

// Snapshot returns the ordered message views.
func (s *Store) Snapshot() []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageView, len(s.entries))
	for i, e := range s.entries {
		out[i] = s.viewLocked(e)
	}
	return out
}

// Get returns the view for id.
func (s *Store) Get(id string) (MessageView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[id]
	if !ok {
		return MessageView{}, false
	}
	return s.viewLocked(e), true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// patch mutates entry id in place and returns the previous record.
func (s *Store) patch(id string, fn func(*Message)) (Message, bool) {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return Message{}, false
	}
	prev := e.msg.clone()
	fn(&e.msg)
	s.mu.Unlock()
	s.notify()
	return prev, true
}

// restore puts back a record captured by patch.
func (s *Store) restore(prev Message) {
	s.mu.Lock()
	e, ok := s.index[prev.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.msg = prev
	s.mu.Unlock()
	s.notify()
}

func (s *Store) viewLocked(e *entry) MessageView {
	v := MessageView{
		Message:       e.msg.clone(),
		IsMine:        e.msg.SenderID == s.selfID,
		Status:        StatusSent,
		Confirmed:     e.confirmed,
		Failed:        e.failed,
		FailureReason: e.reason,
	}
	if e.msg.ReadAt != nil {
		v.Status = StatusRead
	}
	return v
}

func (s *Store) insertLocked(m Message, confirmed bool) {
	s.seq++
	s.clock++
	e := &entry{msg: m, seq: s.seq, confirmed: confirmed, stamp: s.clock}
	s.placeLocked(e)
	s.index[m.ID] = e
}

func (s *Store) placeLocked(e *entry) {
	i := sort.Search(len(s.entries), func(i int) bool { return e.before(s.entries[i]) })
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *Store) unplaceLocked(e *entry) {
	for i, x := range s.entries {
		if x == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *Store) removeLocked(id string) *entry {
	e, ok := s.index[id]
	if !ok {
		return nil
	}
	delete(s.index, id)
	s.unplaceLocked(e)
	return e
}

// replaceLocked swaps in the canonical record, keeping a still-valid access
// URL and repositioning only when the timestamp moved.
func (s *Store) replaceLocked(e *entry, m Message) {
	if old := e.msg.Attachment; old != nil && m.Attachment != nil &&
		old.Path == m.Attachment.Path && m.Attachment.URL == "" {
		m.Attachment.URL = old.URL
	}
	moved := !e.msg.CreatedAt.Equal(m.CreatedAt)
	if moved {
		s.unplaceLocked(e)
	}
	s.clock++
	e.msg = m
	e.confirmed = true
	e.failed = false
	e.reason = ""
	e.stamp = s.clock
	if moved {
		s.placeLocked(e)
	}
}

func (s *Store) notify() {
	s.changes.emit(s.Snapshot())
}
