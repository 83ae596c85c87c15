package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

const (
	phxJoin      = "phx_join"
	phxReply     = "phx_reply"
	phxLeave     = "phx_leave"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"

	eventPostgresChanges = "postgres_changes"
	eventPresenceState   = "presence_state"
	eventPresenceDiff    = "presence_diff"
	eventPresence        = "presence"

	heartbeatTopic = "phoenix"
	topicPrefix    = "realtime:"
)

var errNotConnected = errors.New("realtime: not connected")

// phxMessage is one frame of the channel protocol.
type phxMessage struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type postgresChange struct {
	Data struct {
		Type      string         `json:"type"`
		Schema    string         `json:"schema"`
		Table     string         `json:"table"`
		Record    map[string]any `json:"record"`
		OldRecord map[string]any `json:"old_record"`
	} `json:"data"`
}

type presenceMetas struct {
	Metas []map[string]any `json:"metas"`
}

type presenceDiff struct {
	Joins  map[string]presenceMetas `json:"joins"`
	Leaves map[string]presenceMetas `json:"leaves"`
}

// PresenceState maps a presence key to the metadata it currently tracks.
type PresenceState map[string][]map[string]any

// ============================================================================
// Feed Interfaces
// ============================================================================

// ChangeFilter selects the rows a change subscription receives.
type ChangeFilter struct {
	Schema string
	Table  string
	Filter string
}

// ChangeHandler receives raw row changes. For deletes record is the old row.
type ChangeHandler func(kind EventKind, record map[string]any)

// StatusHandler receives subscription status transitions.
type StatusHandler func(ChannelStatus)

// PresenceHandler receives the full presence state after every sync.
type PresenceHandler func(PresenceState)

// Channel is a joined realtime topic.
type Channel interface {
	Topic() string
	Leave(ctx context.Context) error
}

// PresenceChannel is a channel that can publish presence metadata.
type PresenceChannel interface {
	Channel
	Track(ctx context.Context, meta map[string]any) error
}

// Feed opens change and presence subscriptions.
type Feed interface {
	Changes(ctx context.Context, topic string, filter ChangeFilter, onChange ChangeHandler, onStatus StatusHandler) (Channel, error)
	Presence(ctx context.Context, topic, key string, onSync PresenceHandler, onStatus StatusHandler) (PresenceChannel, error)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	APIKey               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	JoinTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns a jittered exponential delay. A connection that stayed up
// for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient multiplexes change-feed and presence channels over one
// WebSocket with heartbeat and auto-reconnect. Joined channels are rejoined
// after every reconnect and report ChannelSubscribed again.
//
// Channel callbacks run on the socket read goroutine, so frames for a topic
// are delivered in order. Callbacks must not block on realtime replies.
type RealtimeClient struct {
	url     string
	config  *RealtimeConfig
	log     *zap.Logger
	metrics *Metrics
	recon   *reconnector

	runCtx context.Context
	stop   context.CancelFunc

	connectMu sync.Mutex
	writeMu   sync.Mutex
	ref       atomic.Uint64

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*realtimeChannel
	pending          map[string]chan phxReplyPayload

	stateChanges listeners[RealtimeState]
}

// NewRealtimeClient creates a client for the WebSocket endpoint url.
// Call Connect, or open a channel, to establish the connection.
func NewRealtimeClient(url string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	runCtx, stop := context.WithCancel(context.Background())
	c := &RealtimeClient{
		url:      url,
		config:   &cfg,
		log:      cfg.Logger.Named("realtime"),
		metrics:  cfg.Metrics,
		recon:    newReconnector(&cfg),
		runCtx:   runCtx,
		stop:     stop,
		state:    StateDisconnected,
		channels: make(map[string]*realtimeChannel),
		pending:  make(map[string]chan phxReplyPayload),
	}
	c.stateChanges.log = c.log
	return c
}

// OnStateChange registers a handler for connection state transitions.
func (c *RealtimeClient) OnStateChange(h func(RealtimeState)) {
	c.stateChanges.add(h)
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RealtimeClient) setState(s RealtimeState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.stateChanges.emit(s)
	}
}

// Connect establishes the WebSocket connection. It is a no-op when already connected.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.runCtx.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = false
	c.mu.Unlock()
	c.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPClient: c.config.HTTPClient})
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(c.runCtx)
	c.mu.Lock()
	c.conn = conn
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()
	c.setState(StateConnected)
	c.log.Debug("connected")

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)
	return nil
}

// Close leaves every channel and closes the connection. The client cannot be reused.
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	chans := make([]*realtimeChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.channels = make(map[string]*realtimeChannel)
	c.mu.Unlock()

	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HeartbeatTimeout)
	defer cancel()
	for _, ch := range chans {
		if ch.markLeft() {
			if err := c.push(ctx, ch.leaveFrame(c.nextRef())); err != nil && !errors.Is(err, errNotConnected) {
				result = multierror.Append(result, fmt.Errorf("leave %s: %w", ch.topic, err))
			}
			ch.status(ChannelClosed)
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.mu.Unlock()
	c.stop()
	c.failPending()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.recon.reset()
	c.setState(StateDisconnected)
	return result.ErrorOrNil()
}

// Changes joins a channel streaming row changes that match filter.
func (c *RealtimeClient) Changes(ctx context.Context, topic string, filter ChangeFilter, onChange ChangeHandler, onStatus StatusHandler) (Channel, error) {
	if filter.Schema == "" {
		filter.Schema = "public"
	}
	change := map[string]any{"event": "*", "schema": filter.Schema, "table": filter.Table}
	if filter.Filter != "" {
		change["filter"] = filter.Filter
	}
	ch := c.newChannel(topic, map[string]any{
		"broadcast":        map[string]any{"self": false, "ack": false},
		"presence":         map[string]any{"key": ""},
		"postgres_changes": []map[string]any{change},
	}, onStatus)
	ch.onEvent = func(event string, payload json.RawMessage) {
		if event != eventPostgresChanges {
			return
		}
		var pc postgresChange
		if err := json.Unmarshal(payload, &pc); err != nil {
			c.log.Debug("bad postgres_changes payload", zap.String("topic", ch.topic), zap.Error(err))
			return
		}
		kind := EventKind(strings.ToUpper(pc.Data.Type))
		rec := pc.Data.Record
		if kind == EventDelete {
			rec = pc.Data.OldRecord
		}
		if onChange != nil {
			safeCall(c.log, func() { onChange(kind, rec) })
		}
	}
	if err := c.open(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Presence joins a presence channel under key. onSync receives the full state
// after the initial sync and after every diff.
func (c *RealtimeClient) Presence(ctx context.Context, topic, key string, onSync PresenceHandler, onStatus StatusHandler) (PresenceChannel, error) {
	ch := c.newChannel(topic, map[string]any{
		"broadcast":        map[string]any{"self": false, "ack": false},
		"presence":         map[string]any{"key": key},
		"postgres_changes": []map[string]any{},
	}, onStatus)
	pc := &presenceChannel{realtimeChannel: ch, state: PresenceState{}, onSync: onSync}
	ch.onEvent = pc.handle
	ch.afterJoin = pc.retrack
	if err := c.open(ctx, ch); err != nil {
		return nil, err
	}
	return pc, nil
}

func (c *RealtimeClient) newChannel(topic string, config map[string]any, onStatus StatusHandler) *realtimeChannel {
	return &realtimeChannel{
		client:   c,
		topic:    topicPrefix + topic,
		config:   config,
		onStatus: onStatus,
	}
}

func (c *RealtimeClient) open(ctx context.Context, ch *realtimeChannel) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if _, exists := c.channels[ch.topic]; exists {
		c.mu.Unlock()
		return fmt.Errorf("realtime: already joined %s", ch.topic)
	}
	c.channels[ch.topic] = ch
	c.mu.Unlock()

	if err := ch.join(ctx); err != nil {
		c.removeChannel(ch)
		return err
	}
	return nil
}

func (c *RealtimeClient) removeChannel(ch *realtimeChannel) {
	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()
}

func (c *RealtimeClient) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

// push writes one frame.
func (c *RealtimeClient) push(ctx context.Context, msg phxMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	if msg.Payload == nil {
		msg.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// request writes a frame and waits for the phx_reply carrying its ref.
func (c *RealtimeClient) request(ctx context.Context, msg phxMessage) (phxReplyPayload, error) {
	ch := make(chan phxReplyPayload, 1)
	c.mu.Lock()
	c.pending[msg.Ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Ref)
		c.mu.Unlock()
	}()

	if err := c.push(ctx, msg); err != nil {
		return phxReplyPayload{}, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return phxReplyPayload{}, errNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		return phxReplyPayload{}, ctx.Err()
	}
}

func (c *RealtimeClient) failPending() {
	c.mu.Lock()
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
	c.mu.Unlock()
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.route(msg)
	}
}

func (c *RealtimeClient) route(msg phxMessage) {
	if msg.Event == phxReply && msg.Ref != "" {
		var reply phxReplyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err == nil {
			c.mu.Lock()
			ch, ok := c.pending[msg.Ref]
			if ok {
				delete(c.pending, msg.Ref)
			}
			c.mu.Unlock()
			if ok {
				ch <- reply
				return
			}
		}
	}
	c.mu.Lock()
	ch := c.channels[msg.Topic]
	c.mu.Unlock()
	if ch != nil {
		ch.handle(msg)
	}
}

func (c *RealtimeClient) handleDrop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	intentional := c.intentionalClose
	c.conn = nil
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	chans := make([]*realtimeChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	c.failPending()
	if intentional {
		return
	}

	c.log.Warn("connection lost", zap.Error(err))
	for _, ch := range chans {
		ch.setJoined(false)
		ch.status(ChannelError)
	}
	c.setState(StateDisconnected)
	if c.config.AutoReconnect {
		go c.reconnectLoop()
	}
}

func (c *RealtimeClient) reconnectLoop() {
	for c.recon.shouldReconnect() {
		attempt, delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.metrics.reconnect()
		c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-c.runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(c.runCtx, c.config.JoinTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.rejoinAll()
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	c.log.Error("giving up reconnecting")
	c.setState(StateDisconnected)
}

func (c *RealtimeClient) rejoinAll() {
	c.mu.Lock()
	chans := make([]*realtimeChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	for _, ch := range chans {
		go func(ch *realtimeChannel) {
			ctx, cancel := context.WithTimeout(c.runCtx, c.config.JoinTimeout)
			defer cancel()
			if err := ch.join(ctx); err != nil {
				c.log.Warn("rejoin failed", zap.String("topic", ch.topic), zap.Error(err))
			}
		}(ch)
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, c.config.HeartbeatTimeout)
			_, err := c.request(hctx, phxMessage{Topic: heartbeatTopic, Event: phxHeartbeat, Ref: c.nextRef()})
			cancel()
			if err == nil || ctx.Err() != nil {
				continue
			}
			// Force close so the read loop notices and reconnects.
			c.log.Warn("heartbeat failed", zap.Error(err))
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			}
			return
		}
	}
}

// ============================================================================
// Channels
// ============================================================================

type realtimeChannel struct {
	client    *RealtimeClient
	topic     string
	config    map[string]any
	onEvent   func(event string, payload json.RawMessage)
	onStatus  StatusHandler
	afterJoin func(ctx context.Context)

	mu      sync.Mutex
	joinRef string
	joined  bool
	left    bool
}

func (ch *realtimeChannel) Topic() string { return ch.topic }

func (ch *realtimeChannel) join(ctx context.Context) error {
	c := ch.client
	ref := c.nextRef()
	ch.mu.Lock()
	if ch.left {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.joinRef = ref
	ch.mu.Unlock()

	payload := map[string]any{"config": ch.config}
	if c.config.Token != "" {
		payload["access_token"] = c.config.Token
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reply, err := c.request(ctx, phxMessage{JoinRef: ref, Ref: ref, Topic: ch.topic, Event: phxJoin, Payload: raw})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			ch.status(ChannelTimedOut)
		} else {
			ch.status(ChannelError)
		}
		return fmt.Errorf("join %s: %w", ch.topic, err)
	}
	if reply.Status != "ok" {
		ch.status(ChannelError)
		return fmt.Errorf("join %s rejected: %s", ch.topic, string(reply.Response))
	}

	ch.setJoined(true)
	ch.status(ChannelSubscribed)
	if ch.afterJoin != nil {
		ch.afterJoin(ctx)
	}
	return nil
}

func (ch *realtimeChannel) handle(msg phxMessage) {
	switch msg.Event {
	case phxError:
		ch.setJoined(false)
		ch.status(ChannelError)
	case phxClose:
		ch.setJoined(false)
		if !ch.isLeft() {
			ch.status(ChannelClosed)
		}
	case phxReply:
	default:
		if ch.onEvent != nil {
			ch.onEvent(msg.Event, msg.Payload)
		}
	}
}

// Leave unsubscribes from the topic. Calling it more than once is a no-op.
func (ch *realtimeChannel) Leave(ctx context.Context) error {
	if !ch.markLeft() {
		return nil
	}
	c := ch.client
	c.removeChannel(ch)
	err := c.push(ctx, ch.leaveFrame(c.nextRef()))
	ch.status(ChannelClosed)
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

func (ch *realtimeChannel) leaveFrame(ref string) phxMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return phxMessage{JoinRef: ch.joinRef, Ref: ref, Topic: ch.topic, Event: phxLeave}
}

func (ch *realtimeChannel) markLeft() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.left {
		return false
	}
	ch.left = true
	ch.joined = false
	return true
}

func (ch *realtimeChannel) isLeft() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.left
}

func (ch *realtimeChannel) isJoined() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joined
}

func (ch *realtimeChannel) setJoined(v bool) {
	ch.mu.Lock()
	ch.joined = v
	ch.mu.Unlock()
}

func (ch *realtimeChannel) status(s ChannelStatus) {
	if ch.onStatus != nil {
		safeCall(ch.client.log, func() { ch.onStatus(s) })
	}
}

type presenceChannel struct {
	*realtimeChannel

	pmu     sync.Mutex
	state   PresenceState
	tracked map[string]any
	onSync  PresenceHandler
}

// Track publishes meta under this channel's presence key, replacing any
// previously tracked meta. It is re-sent automatically after a rejoin.
func (pc *presenceChannel) Track(ctx context.Context, meta map[string]any) error {
	pc.pmu.Lock()
	pc.tracked = meta
	pc.pmu.Unlock()
	if !pc.isJoined() {
		return ErrNotSubscribed
	}
	return pc.sendTrack(ctx, meta)
}

func (pc *presenceChannel) sendTrack(ctx context.Context, meta map[string]any) error {
	raw, err := json.Marshal(map[string]any{"type": "presence", "event": "track", "payload": meta})
	if err != nil {
		return err
	}
	pc.mu.Lock()
	joinRef := pc.joinRef
	pc.mu.Unlock()
	c := pc.client
	return c.push(ctx, phxMessage{JoinRef: joinRef, Ref: c.nextRef(), Topic: pc.topic, Event: eventPresence, Payload: raw})
}

func (pc *presenceChannel) retrack(ctx context.Context) {
	pc.pmu.Lock()
	meta := pc.tracked
	pc.pmu.Unlock()
	if meta == nil {
		return
	}
	if err := pc.sendTrack(ctx, meta); err != nil {
		pc.client.log.Debug("retrack failed", zap.String("topic", pc.topic), zap.Error(err))
	}
}

func (pc *presenceChannel) handle(event string, payload json.RawMessage) {
	pc.pmu.Lock()
	switch event {
	case eventPresenceState:
		var st map[string]presenceMetas
		if err := json.Unmarshal(payload, &st); err != nil {
			pc.pmu.Unlock()
			return
		}
		pc.state = PresenceState{}
		for key, p := range st {
			pc.state[key] = p.Metas
		}
	case eventPresenceDiff:
		var diff presenceDiff
		if err := json.Unmarshal(payload, &diff); err != nil {
			pc.pmu.Unlock()
			return
		}
		pc.state.apply(diff)
	default:
		pc.pmu.Unlock()
		return
	}
	snapshot := pc.state.copy()
	pc.pmu.Unlock()

	if pc.onSync != nil {
		safeCall(pc.client.log, func() { pc.onSync(snapshot) })
	}
}

func (s PresenceState) apply(diff presenceDiff) {
	for key, joined := range diff.Joins {
		s[key] = append(s[key], joined.Metas...)
	}
	for key, left := range diff.Leaves {
		gone := make(map[string]bool, len(left.Metas))
		for _, m := range left.Metas {
			if ref, _ := m["phx_ref"].(string); ref != "" {
				gone[ref] = true
			}
		}
		kept := s[key][:0]
		for _, m := range s[key] {
			ref, _ := m["phx_ref"].(string)
			if ref == "" || !gone[ref] {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 || len(gone) == 0 {
			delete(s, key)
			continue
		}
		s[key] = kept
	}
}

func (s PresenceState) copy() PresenceState {
	out := make(PresenceState, len(s))
	for k, metas := range s {
		out[k] = append([]map[string]any(nil), metas...)
	}
	return out
}

func safeCall(log *zap.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
