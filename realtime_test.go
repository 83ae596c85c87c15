package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake channel server
// ============================================================================

type phxServer struct {
	t          *testing.T
	srv        *httptest.Server
	heartbeats atomic.Int32

	mu     sync.Mutex
	reject string
	conns  []*websocket.Conn
	frames []phxMessage
}

func newPhxServer(t *testing.T) *phxServer {
	s := &phxServer{t: t}
	s.srv = httptest.NewServer(s)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *phxServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/realtime/v1/websocket"
}

func (s *phxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case phxHeartbeat:
			s.heartbeats.Add(1)
			s.write(conn, phxMessage{Ref: msg.Ref, Topic: msg.Topic, Event: phxReply, Payload: json.RawMessage(`{"status":"ok","response":{}}`)})
			continue
		case phxJoin:
			status := "ok"
			s.mu.Lock()
			rejected := msg.Topic == s.reject
			s.mu.Unlock()
			if rejected {
				status = "error"
			}
			s.write(conn, phxMessage{JoinRef: msg.JoinRef, Ref: msg.Ref, Topic: msg.Topic, Event: phxReply,
				Payload: json.RawMessage(`{"status":"` + status + `","response":{}}`)})
		}
		s.mu.Lock()
		s.frames = append(s.frames, msg)
		s.mu.Unlock()
	}
}

func (s *phxServer) setReject(topic string) {
	s.mu.Lock()
	s.reject = topic
	s.mu.Unlock()
}

func (s *phxServer) write(conn *websocket.Conn, msg phxMessage) {
	data, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn.Write(ctx, websocket.MessageText, data)
}

func (s *phxServer) push(topic, event string, payload any) {
	raw, _ := json.Marshal(payload)
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(conn, phxMessage{Topic: topic, Event: event, Payload: raw})
}

func (s *phxServer) dropAll() {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusInternalError, "restart")
	}
}

func (s *phxServer) received(event string) []phxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []phxMessage
	for _, f := range s.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type statusLog struct {
	mu sync.Mutex
	s  []ChannelStatus
}

func (l *statusLog) add(s ChannelStatus) {
	l.mu.Lock()
	l.s = append(l.s, s)
	l.mu.Unlock()
}

func (l *statusLog) count(s ChannelStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.s {
		if x == s {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietConfig() *RealtimeConfig {
	return &RealtimeConfig{Token: "jwt-1", HeartbeatInterval: time.Hour, JoinTimeout: time.Second}
}

// ============================================================================
// Changes
// ============================================================================

func TestRealtimeChanges(t *testing.T) {
	srv := newPhxServer(t)
	client := NewRealtimeClient(srv.url(), quietConfig())
	defer client.Close()

	var mu sync.Mutex
	var got []map[string]any
	var kinds []EventKind
	statuses := &statusLog{}

	ch, err := client.Changes(context.Background(), "messages:c1", ChangeFilter{Table: "messages", Filter: "conversation_id=eq.c1"},
		func(kind EventKind, rec map[string]any) {
			mu.Lock()
			kinds = append(kinds, kind)
			got = append(got, rec)
			mu.Unlock()
		}, statuses.add)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if ch.Topic() != "realtime:messages:c1" {
		t.Errorf("topic = %q", ch.Topic())
	}
	if statuses.count(ChannelSubscribed) != 1 {
		t.Fatalf("statuses = %v", statuses.s)
	}
	if client.State() != StateConnected {
		t.Errorf("state = %s", client.State())
	}

	joins := srv.received(phxJoin)
	if len(joins) != 1 {
		t.Fatalf("joins = %d", len(joins))
	}
	var join struct {
		AccessToken string `json:"access_token"`
		Config      struct {
			PostgresChanges []map[string]string `json:"postgres_changes"`
		} `json:"config"`
	}
	if err := json.Unmarshal(joins[0].Payload, &join); err != nil {
		t.Fatal(err)
	}
	if join.AccessToken != "jwt-1" {
		t.Errorf("access_token = %q", join.AccessToken)
	}
	if pc := join.Config.PostgresChanges; len(pc) != 1 || pc[0]["filter"] != "conversation_id=eq.c1" || pc[0]["schema"] != "public" {
		t.Errorf("postgres_changes = %v", pc)
	}

	srv.push("realtime:messages:c1", eventPostgresChanges, map[string]any{
		"data": map[string]any{"type": "INSERT", "table": "messages", "record": map[string]any{"id": "m1", "body": "hi"}},
	})
	srv.push("realtime:messages:c1", eventPostgresChanges, map[string]any{
		"data": map[string]any{"type": "DELETE", "table": "messages", "old_record": map[string]any{"id": "m1"}},
	})
	srv.push("realtime:other", eventPostgresChanges, map[string]any{
		"data": map[string]any{"type": "INSERT", "record": map[string]any{"id": "x"}},
	})

	waitFor(t, "two changes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	if kinds[0] != EventInsert || got[0]["body"] != "hi" || kinds[1] != EventDelete || got[1]["id"] != "m1" {
		t.Errorf("kinds=%v records=%v", kinds, got)
	}
	mu.Unlock()

	if err := ch.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ch.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "leave frame", func() bool { return len(srv.received(phxLeave)) == 1 })
	if statuses.count(ChannelClosed) != 1 {
		t.Errorf("statuses = %v", statuses.s)
	}
}

func TestRealtimeJoinRejected(t *testing.T) {
	srv := newPhxServer(t)
	srv.setReject("realtime:messages:nope")
	client := NewRealtimeClient(srv.url(), quietConfig())
	defer client.Close()

	statuses := &statusLog{}
	_, err := client.Changes(context.Background(), "messages:nope", ChangeFilter{Table: "messages"}, nil, statuses.add)
	if err == nil {
		t.Fatal("expected join error")
	}
	if statuses.count(ChannelError) != 1 {
		t.Errorf("statuses = %v", statuses.s)
	}

	// The topic is free again after a failed join.
	srv.setReject("")
	if _, err := client.Changes(context.Background(), "messages:nope", ChangeFilter{Table: "messages"}, nil, nil); err != nil {
		t.Fatalf("second join: %v", err)
	}
}

func TestRealtimeDuplicateTopic(t *testing.T) {
	srv := newPhxServer(t)
	client := NewRealtimeClient(srv.url(), quietConfig())
	defer client.Close()

	if _, err := client.Changes(context.Background(), "messages:c1", ChangeFilter{Table: "messages"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Changes(context.Background(), "messages:c1", ChangeFilter{Table: "messages"}, nil, nil); err == nil {
		t.Fatal("expected duplicate topic error")
	}
}

// ============================================================================
// Presence
// ============================================================================

func TestRealtimePresence(t *testing.T) {
	srv := newPhxServer(t)
	client := NewRealtimeClient(srv.url(), quietConfig())
	defer client.Close()

	var mu sync.Mutex
	var states []PresenceState
	pc, err := client.Presence(context.Background(), "typing:c1", "alice", func(s PresenceState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	last := func() PresenceState {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 {
			return nil
		}
		return states[len(states)-1]
	}

	srv.push("realtime:typing:c1", eventPresenceState, map[string]any{
		"bob": map[string]any{"metas": []map[string]any{{"phx_ref": "r1", "typing": true}}},
	})
	waitFor(t, "presence state", func() bool { return len(last()["bob"]) == 1 })

	srv.push("realtime:typing:c1", eventPresenceDiff, map[string]any{
		"joins":  map[string]any{"carol": map[string]any{"metas": []map[string]any{{"phx_ref": "r2", "typing": false}}}},
		"leaves": map[string]any{"bob": map[string]any{"metas": []map[string]any{{"phx_ref": "r1"}}}},
	})
	waitFor(t, "presence diff", func() bool {
		s := last()
		_, bob := s["bob"]
		return !bob && len(s["carol"]) == 1
	})

	if err := pc.Track(context.Background(), map[string]any{"user_id": "alice", "typing": true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "track frame", func() bool { return len(srv.received(eventPresence)) == 1 })
	var track struct {
		Type    string         `json:"type"`
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	json.Unmarshal(srv.received(eventPresence)[0].Payload, &track)
	if track.Type != "presence" || track.Event != "track" || track.Payload["typing"] != true {
		t.Errorf("track = %+v", track)
	}

	pc.Leave(context.Background())
	if err := pc.Track(context.Background(), map[string]any{"typing": false}); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("track after leave: %v", err)
	}
}

func TestPresenceStateApply(t *testing.T) {
	s := PresenceState{"a": {{"phx_ref": "1"}, {"phx_ref": "2"}}}
	s.apply(presenceDiff{
		Joins:  map[string]presenceMetas{"b": {Metas: []map[string]any{{"phx_ref": "3"}}}},
		Leaves: map[string]presenceMetas{"a": {Metas: []map[string]any{{"phx_ref": "1"}}}},
	})
	if len(s["a"]) != 1 || s["a"][0]["phx_ref"] != "2" || len(s["b"]) != 1 {
		t.Fatalf("state = %v", s)
	}
	c := s.copy()
	c["a"] = nil
	if len(s["a"]) != 1 {
		t.Fatal("copy aliases original")
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestRealtimeReconnectRejoins(t *testing.T) {
	srv := newPhxServer(t)
	cfg := quietConfig()
	cfg.AutoReconnect = true
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	client := NewRealtimeClient(srv.url(), cfg)
	defer client.Close()

	var states []RealtimeState
	var smu sync.Mutex
	client.OnStateChange(func(s RealtimeState) {
		smu.Lock()
		states = append(states, s)
		smu.Unlock()
	})

	statuses := &statusLog{}
	if _, err := client.Changes(context.Background(), "messages:c1", ChangeFilter{Table: "messages"}, nil, statuses.add); err != nil {
		t.Fatal(err)
	}
	pc, err := client.Presence(context.Background(), "typing:c1", "alice", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.Track(context.Background(), map[string]any{"typing": true}); err != nil {
		t.Fatal(err)
	}

	srv.dropAll()

	waitFor(t, "channel error", func() bool { return statuses.count(ChannelError) == 1 })
	waitFor(t, "second SUBSCRIBED", func() bool { return statuses.count(ChannelSubscribed) == 2 })
	waitFor(t, "presence retracked", func() bool { return len(srv.received(eventPresence)) == 2 })

	smu.Lock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	smu.Unlock()
	if !sawReconnecting {
		t.Errorf("states = %v", states)
	}
	if client.State() != StateConnected {
		t.Errorf("state = %s", client.State())
	}
}

func TestRealtimeHeartbeat(t *testing.T) {
	srv := newPhxServer(t)
	cfg := quietConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	client := NewRealtimeClient(srv.url(), cfg)
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "heartbeats", func() bool { return srv.heartbeats.Load() >= 2 })
}

func TestRealtimeClose(t *testing.T) {
	srv := newPhxServer(t)
	client := NewRealtimeClient(srv.url(), quietConfig())

	statuses := &statusLog{}
	if _, err := client.Changes(context.Background(), "messages:c1", ChangeFilter{Table: "messages"}, nil, statuses.add); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.State() != StateDisconnected {
		t.Errorf("state = %s", client.State())
	}
	if statuses.count(ChannelClosed) != 1 {
		t.Errorf("statuses = %v", statuses.s)
	}
	if _, err := client.Changes(context.Background(), "messages:c2", ChangeFilter{Table: "messages"}, nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Changes after Close: %v", err)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})
	var delays []time.Duration
	for r.shouldReconnect() {
		_, d := r.nextDelay()
		delays = append(delays, d)
	}
	if len(delays) != 3 {
		t.Fatalf("attempts = %d", len(delays))
	}
	if delays[0] < 100*time.Millisecond || delays[0] > 150*time.Millisecond {
		t.Errorf("first delay = %v", delays[0])
	}
	if delays[2] < 400*time.Millisecond || delays[2] > time.Second {
		t.Errorf("third delay = %v", delays[2])
	}

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	if !unlimited.shouldReconnect() {
		t.Error("negative max attempts should never give up")
	}
}
