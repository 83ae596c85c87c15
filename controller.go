package chatcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultMinResyncInterval = 2 * time.Second

	typingPublishTimeout = 5 * time.Second
	markReadTimeout      = 10 * time.Second
	closeTimeout         = 5 * time.Second
)

// ControllerState is the lifecycle state of a Controller.
type ControllerState string

const (
	StateNew       ControllerState = "new"
	StateResolving ControllerState = "resolving"
	StateLoading   ControllerState = "loading"
	StateReady     ControllerState = "ready"
	StateFailed    ControllerState = "failed"
	StateClosed    ControllerState = "closed"
)

// ComposeState is the sub-state of the compose box while Ready.
type ComposeState string

const (
	ComposeIdle    ComposeState = "idle"
	ComposeSending ComposeState = "sending"
	ComposeEditing ComposeState = "editing"
)

// NoticeKind classifies a user-visible action failure.
type NoticeKind string

const (
	NoticeSendFailed       NoticeKind = "send_failed"
	NoticeEditFailed       NoticeKind = "edit_failed"
	NoticeDeleteFailed     NoticeKind = "delete_failed"
	NoticeUploadFailed     NoticeKind = "upload_failed"
	NoticeRealtimeDegraded NoticeKind = "realtime_degraded"
)

// Notice is a non-fatal failure the UI should surface.
type Notice struct {
	Kind      NoticeKind
	MessageID string
	Err       error
}

// Text returns a short user-facing description.
func (n Notice) Text() string {
	switch n.Kind {
	case NoticeSendFailed:
		return "Message not sent."
	case NoticeEditFailed:
		return "Couldn't save your edit."
	case NoticeDeleteFailed:
		return "Couldn't delete the message."
	case NoticeUploadFailed:
		return "Attachment upload failed."
	case NoticeRealtimeDegraded:
		return "Live updates are interrupted. Reconnecting..."
	}
	return "Something went wrong."
}

// OutgoingAttachment is a file to upload with a message.
type OutgoingAttachment struct {
	Descriptor AttachmentDescriptor
	Payload    io.Reader
}

// ControllerConfig identifies the conversation and the UI callbacks.
type ControllerConfig struct {
	SelfID  string
	OtherID string

	// MinResyncInterval spaces out history re-fetches triggered by reconnects.
	MinResyncInterval time.Duration

	OnChange func([]MessageView)
	OnTyping func([]string)
	OnNotice func(Notice)
	OnState  func(ControllerState)
}

// Collaborators are the services a Controller drives. Attachments may be nil,
// in which case sends with attachments are rejected.
type Collaborators struct {
	Registry    *Registry
	Messages    MessageService
	Attachments *Attachments
	Bridge      *Bridge
}

// Controller runs one open conversation for one participant: it resolves the
// thread, keeps the message store in sync with the change feed and turns UI
// intents into backend calls. A Controller is single use; after Close every
// late response is discarded.
type Controller struct {
	cfg  ControllerConfig
	deps Collaborators
	settings

	store   *Store
	typing  *TypingCoordinator
	limiter *rate.Limiter
	runCtx  context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	state       ControllerState
	conv        *Conversation
	editing     *Message
	composeGen  uint64
	inflight    int
	msgSub      *Subscription
	typingSub   *Subscription
	subscribed  bool
	typers      []string
	markReading bool
	markPending bool

	notices listeners[Notice]
	states  listeners[ControllerState]
	typersL listeners[[]string]
}

// NewController wires a controller. Nothing happens until Start.
func NewController(cfg ControllerConfig, deps Collaborators, opts ...Option) (*Controller, error) {
	switch {
	case cfg.SelfID == "" || cfg.OtherID == "":
		return nil, errors.New("chatcore: both participant ids are required")
	case cfg.SelfID == cfg.OtherID:
		return nil, errors.New("chatcore: participants must differ")
	case deps.Registry == nil || deps.Messages == nil || deps.Bridge == nil:
		return nil, errors.New("chatcore: registry, messages and bridge are required")
	}
	if cfg.MinResyncInterval <= 0 {
		cfg.MinResyncInterval = DefaultMinResyncInterval
	}

	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		settings: newSettings(opts),
		limiter:  rate.NewLimiter(rate.Every(cfg.MinResyncInterval), 1),
		state:    StateNew,
	}
	c.log = c.log.With(zap.String("self", cfg.SelfID), zap.String("other", cfg.OtherID))
	c.runCtx, c.cancel = context.WithCancel(context.Background())

	var resolver URLResolver
	if deps.Attachments != nil {
		resolver = deps.Attachments
	}
	c.store = NewStore(cfg.SelfID, resolver, opts...)
	c.typing = NewTypingCoordinator(c.publishTyping)

	c.notices.log, c.states.log, c.typersL.log = c.log, c.log, c.log
	c.store.OnChange(cfg.OnChange)
	c.notices.add(cfg.OnNotice)
	c.states.add(cfg.OnState)
	c.typersL.add(cfg.OnTyping)
	return c, nil
}

// Start resolves the conversation, subscribes to its feeds and loads history.
// Failures before Ready are returned as *ResolutionError and leave the
// controller in StateFailed; there is no automatic retry.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateNew:
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return fmt.Errorf("chatcore: controller already started (%s)", c.state)
	}
	c.mu.Unlock()

	c.setState(StateResolving)
	conv, err := c.deps.Registry.GetOrCreate(ctx, c.cfg.SelfID, c.cfg.OtherID)
	if c.closed() {
		return ErrClosed
	}
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()
	c.log = c.log.With(zap.String("conversation", conv.ID))

	c.setState(StateLoading)

	// Subscribe before fetching history so nothing committed in between is missed.
	sub, err := c.deps.Bridge.SubscribeMessages(ctx, conv.ID, c.handleEvent, c.handleStatus)
	if err != nil {
		return c.fail(&ResolutionError{Op: "subscribe", Err: err})
	}
	if !c.keep(func() { c.msgSub = sub }) {
		sub.Unsubscribe(context.Background())
		return ErrClosed
	}

	tsub, err := c.deps.Bridge.SubscribeTyping(ctx, conv.ID, c.cfg.SelfID, c.handleTyping)
	if err != nil {
		c.log.Warn("typing presence unavailable", zap.Error(err))
	} else if !c.keep(func() { c.typingSub = tsub }) {
		tsub.Unsubscribe(context.Background())
		return ErrClosed
	}

	mark := c.store.mark()
	history, err := c.deps.Registry.GetHistory(ctx, conv.ID)
	if c.closed() {
		return ErrClosed
	}
	if err != nil {
		return c.fail(err)
	}
	c.store.mergeSince(history, mark)

	c.setState(StateReady)
	c.requestMarkRead()
	return nil
}

// Send posts text with an optional attachment. In edit mode it saves the edit
// instead. Empty text without an attachment is ignored. A failed create keeps
// the optimistic entry, marked failed, and returns *TransportError.
func (c *Controller) Send(ctx context.Context, text string, att *OutgoingAttachment) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.editing != nil {
		id := c.editing.ID
		c.mu.Unlock()
		return c.Edit(ctx, id, text)
	}
	blank := strings.TrimSpace(text) == ""
	if blank && att == nil {
		c.mu.Unlock()
		return nil
	}
	conv := c.conv
	gen := c.composeGen
	c.inflight++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	c.typing.MessageSent()

	var ref *AttachmentRef
	if att != nil {
		r, err := c.upload(ctx, conv.ID, att)
		if err != nil {
			return err
		}
		c.mu.Lock()
		superseded := c.composeGen != gen
		c.mu.Unlock()
		if superseded {
			c.log.Debug("discarding upload superseded by edit", zap.String("path", r.Path))
			c.discardUpload(r)
			return ErrSuperseded
		}
		ref = r
	}

	body := text
	if blank {
		body = ""
	}
	msg := Message{
		ID:             c.newID(),
		ConversationID: conv.ID,
		SenderID:       c.cfg.SelfID,
		Body:           body,
		CreatedAt:      c.now().UTC(),
		Attachment:     ref,
	}
	c.store.AppendOptimistic(msg)

	created, err := c.deps.Messages.Create(ctx, NewMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt,
		Attachment:     ref,
	})
	if c.closed() {
		return ErrClosed
	}
	if err != nil {
		c.metrics.messageOp("send", "error")
		c.store.MarkFailed(msg.ID, err.Error())
		terr := &TransportError{Op: "send", MessageID: msg.ID, Err: err}
		c.notify(Notice{Kind: NoticeSendFailed, MessageID: msg.ID, Err: terr})
		return terr
	}
	c.metrics.messageOp("send", "ok")
	if created.ID != "" && created.ID != msg.ID {
		c.store.Promote(msg.ID, *created)
	} else {
		c.store.Reconcile(*created)
	}
	return nil
}

func (c *Controller) upload(ctx context.Context, conversationID string, att *OutgoingAttachment) (*AttachmentRef, error) {
	if c.deps.Attachments == nil {
		return nil, &ValidationError{Field: "attachment", Reason: "attachments are not enabled"}
	}
	if att.Payload == nil {
		return nil, &ValidationError{Field: "attachment", Reason: "payload is required"}
	}
	ref, err := c.deps.Attachments.Upload(ctx, att.Payload, att.Descriptor, conversationID)
	if c.closed() {
		if ref != nil {
			c.discardUpload(ref)
		}
		return nil, ErrClosed
	}
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			c.notify(Notice{Kind: NoticeUploadFailed, Err: err})
		}
		return nil, err
	}
	return ref, nil
}

func (c *Controller) discardUpload(ref *AttachmentRef) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.deps.Attachments.Discard(ctx, ref); err != nil {
			c.log.Debug("orphaned attachment not removed", zap.String("path", ref.Path), zap.Error(err))
		}
	}()
}

// BeginEdit enters edit mode for one of the user's own messages. Any upload
// still in flight for the compose box is abandoned.
func (c *Controller) BeginEdit(id string) error {
	v, err := c.ownMessage(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	msg := v.Message.clone()
	c.editing = &msg
	c.composeGen++
	return nil
}

// CancelEdit leaves edit mode.
func (c *Controller) CancelEdit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing != nil {
		c.editing = nil
		c.composeGen++
	}
}

// Editing returns the message being edited, if any.
func (c *Controller) Editing() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return Message{}, false
	}
	return c.editing.clone(), true
}

// Edit replaces the body of one of the user's own messages. The change is
// shown immediately and rolled back if the backend rejects it.
func (c *Controller) Edit(ctx context.Context, id, text string) error {
	v, err := c.ownMessage(id)
	if err != nil {
		return err
	}
	body := text
	if strings.TrimSpace(body) == "" {
		if v.Attachment == nil {
			return &ValidationError{Field: "body", Reason: "message cannot be empty"}
		}
		body = ""
	}
	c.typing.MessageSent()
	if body == v.Body {
		c.finishEdit(id)
		return nil
	}

	now := c.now().UTC()
	prev, _ := c.store.patch(id, func(m *Message) {
		m.Body = body
		m.EditedAt = &now
	})
	updated, err := c.deps.Messages.Update(ctx, id, c.cfg.SelfID, MessageFields{Body: body, EditedAt: now})
	if c.closed() {
		return ErrClosed
	}
	if err != nil {
		c.metrics.messageOp("edit", "error")
		c.store.restore(prev)
		terr := &TransportError{Op: "edit", MessageID: id, Err: err}
		c.notify(Notice{Kind: NoticeEditFailed, MessageID: id, Err: terr})
		return terr
	}
	c.metrics.messageOp("edit", "ok")
	c.store.ApplyRemoteEvent(EventUpdate, *updated)
	c.finishEdit(id)
	return nil
}

// Delete soft-deletes one of the user's own messages. A message that failed
// to send is simply dropped from the list.
func (c *Controller) Delete(ctx context.Context, id string) error {
	v, err := c.ownMessage(id)
	if err != nil {
		if errors.Is(err, ErrMessageDeleted) {
			return nil
		}
		var verr *ValidationError
		if errors.As(err, &verr) {
			if cur, ok := c.store.Get(id); ok && cur.Failed {
				c.store.Discard(id)
				return nil
			}
		}
		return err
	}

	now := c.now().UTC()
	prev, _ := c.store.patch(v.ID, func(m *Message) {
		m.DeletedAt = &now
		m.Body = ""
		m.Attachment = nil
	})
	err = c.deps.Messages.SoftDelete(ctx, id, c.cfg.SelfID)
	if c.closed() {
		return ErrClosed
	}
	if err != nil {
		c.metrics.messageOp("delete", "error")
		c.store.restore(prev)
		terr := &TransportError{Op: "delete", MessageID: id, Err: err}
		c.notify(Notice{Kind: NoticeDeleteFailed, MessageID: id, Err: terr})
		return terr
	}
	c.metrics.messageOp("delete", "ok")
	c.finishEdit(id)
	return nil
}

// OnTextChanged forwards compose-box edits to the typing coordinator.
func (c *Controller) OnTextChanged(text string) {
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if ready {
		c.typing.OnLocalTextChanged(text)
	}
}

// RefreshAttachmentURL re-resolves an expired attachment link.
func (c *Controller) RefreshAttachmentURL(ctx context.Context, id string) (string, error) {
	if c.closed() {
		return "", ErrClosed
	}
	// The guard runs under the store lock; c.mu is never held while calling
	// into the store, so the nesting is safe.
	return c.store.refreshAttachmentURL(ctx, id, func() error {
		if c.closed() {
			return ErrClosed
		}
		return nil
	})
}

// CanModify reports whether v may be edited or deleted by this user.
func (c *Controller) CanModify(v MessageView) bool {
	return v.SenderID == c.cfg.SelfID && v.DeletedAt == nil && v.Confirmed
}

// Snapshot returns the ordered messages.
func (c *Controller) Snapshot() []MessageView {
	return c.store.Snapshot()
}

// TypingParticipants returns who else is typing right now.
func (c *Controller) TypingParticipants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.typers...)
}

// State returns the lifecycle state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ComposeState returns the compose sub-state.
func (c *Controller) ComposeState() ComposeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.editing != nil:
		return ComposeEditing
	case c.inflight > 0:
		return ComposeSending
	}
	return ComposeIdle
}

// Conversation returns the resolved conversation, nil before Resolving completes.
func (c *Controller) Conversation() *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	conv := *c.conv
	return &conv
}

// Close stops typing, leaves both subscriptions and discards every response
// still in flight. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	msgSub, typingSub := c.msgSub, c.typingSub
	c.msgSub, c.typingSub = nil, nil
	c.editing = nil
	c.composeGen++
	c.mu.Unlock()
	c.states.emit(StateClosed)

	c.typing.Stop()
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var result *multierror.Error
	if err := typingSub.Unsubscribe(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("typing: %w", err))
	}
	if err := msgSub.Unsubscribe(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("messages: %w", err))
	}
	return result.ErrorOrNil()
}

// ============================================================================
// Feed callbacks
// ============================================================================

func (c *Controller) handleEvent(ev ChangeEvent) {
	if c.closed() {
		c.metrics.droppedEvent("closed")
		return
	}
	c.store.ApplyRemoteEvent(ev.Kind, ev.Message)

	if ev.Kind == EventDelete || ev.Message.Deleted() {
		c.mu.Lock()
		if c.editing != nil && c.editing.ID == ev.Message.ID {
			c.editing = nil
			c.composeGen++
		}
		c.mu.Unlock()
	}
	if ev.Kind == EventInsert && ev.Message.SenderID != c.cfg.SelfID && c.State() == StateReady {
		c.requestMarkRead()
	}
}

func (c *Controller) handleStatus(s ChannelStatus) {
	if c.closed() {
		return
	}
	switch s {
	case ChannelSubscribed:
		c.mu.Lock()
		again := c.subscribed
		c.subscribed = true
		c.mu.Unlock()
		if again {
			go c.resync()
		}
	case ChannelError, ChannelTimedOut:
		c.log.Warn("message feed interrupted", zap.String("status", string(s)))
		c.notify(Notice{Kind: NoticeRealtimeDegraded, Err: fmt.Errorf("message feed %s", s)})
	case ChannelClosed:
		c.log.Debug("message feed closed")
	}
}

func (c *Controller) handleTyping(ids []string) {
	if c.closed() {
		return
	}
	c.mu.Lock()
	c.typers = append([]string(nil), ids...)
	c.mu.Unlock()
	c.typersL.emit(ids)
}

// resync re-fetches history after the feed was re-established so changes
// committed while disconnected are not lost, including hard deletes.
func (c *Controller) resync() {
	if err := c.limiter.Wait(c.runCtx); err != nil {
		return
	}
	conv := c.Conversation()
	if conv == nil {
		return
	}
	mark := c.store.mark()
	history, err := c.deps.Registry.GetHistory(c.runCtx, conv.ID)
	if c.closed() {
		return
	}
	if err != nil {
		c.log.Warn("history resync failed", zap.Error(err))
		return
	}
	c.store.mergeSince(history, mark)
	c.metrics.resync()
	c.log.Debug("history resynced", zap.Int("messages", len(history)))
}

// requestMarkRead runs at most one MarkRead at a time, coalescing requests
// that arrive while one is in flight into a single follow-up.
func (c *Controller) requestMarkRead() {
	c.mu.Lock()
	if c.markReading {
		c.markPending = true
		c.mu.Unlock()
		return
	}
	c.markReading = true
	c.mu.Unlock()

	go func() {
		for {
			c.markRead()
			c.mu.Lock()
			if !c.markPending || c.state == StateClosed {
				c.markReading = false
				c.mu.Unlock()
				return
			}
			c.markPending = false
			c.mu.Unlock()
		}
	}()
}

func (c *Controller) markRead() {
	conv := c.Conversation()
	if conv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, markReadTimeout)
	defer cancel()
	if err := c.deps.Messages.MarkRead(ctx, conv.ID, c.cfg.SelfID); err != nil && c.runCtx.Err() == nil {
		c.log.Debug("mark read failed", zap.Error(err))
	}
}

func (c *Controller) publishTyping(active bool) {
	conv := c.Conversation()
	if conv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), typingPublishTimeout)
	defer cancel()
	c.deps.Bridge.SetTypingStatus(ctx, conv.ID, c.cfg.SelfID, active)
}

// ============================================================================
// Helpers
// ============================================================================

// ownMessage returns a confirmed, live message sent by this user.
func (c *Controller) ownMessage(id string) (MessageView, error) {
	c.mu.Lock()
	err := c.readyLocked()
	c.mu.Unlock()
	if err != nil {
		return MessageView{}, err
	}
	v, ok := c.store.Get(id)
	switch {
	case !ok:
		return MessageView{}, ErrNotFound
	case !v.IsMine:
		return MessageView{}, ErrNotOwner
	case v.Deleted():
		return MessageView{}, ErrMessageDeleted
	case !v.Confirmed:
		return MessageView{}, &ValidationError{Field: "message", Reason: "message has not been delivered yet"}
	}
	return v, nil
}

func (c *Controller) finishEdit(id string) {
	c.mu.Lock()
	if c.editing != nil && c.editing.ID == id {
		c.editing = nil
		c.composeGen++
	}
	c.mu.Unlock()
}

func (c *Controller) readyLocked() error {
	switch c.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}
	return ErrNotReady
}

func (c *Controller) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

// keep runs fn under the lock unless the controller was closed meanwhile.
func (c *Controller) keep(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	fn()
	return true
}

func (c *Controller) setState(s ControllerState) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.states.emit(s)
}

// fail moves to StateFailed and tears down any subscription opened so far.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	msgSub, typingSub := c.msgSub, c.typingSub
	c.msgSub, c.typingSub = nil, nil
	c.mu.Unlock()
	c.setState(StateFailed)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	typingSub.Unsubscribe(ctx)
	msgSub.Unsubscribe(ctx)

	c.log.Warn("conversation failed to open", zap.Error(err))
	return err
}

func (c *Controller) notify(n Notice) {
	c.log.Info("notice", zap.String("kind", string(n.Kind)), zap.String("message", n.MessageID), zap.Error(n.Err))
	c.notices.emit(n)
}
