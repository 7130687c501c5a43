package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arcline/chat-relay/internal/config"
	"github.com/arcline/chat-relay/internal/metrics"
	"github.com/arcline/chat-relay/internal/protocol"
	"github.com/arcline/chat-relay/internal/roster"
	"github.com/arcline/chat-relay/internal/store"
)

// fakeConn records frames written to a session.
type fakeConn struct {
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 32)}
}

func (c *fakeConn) WriteText(data []byte) error {
	c.frames <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) next(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	select {
	case data := <-c.frames:
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("frame not JSON: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func frameType(t *testing.T, frame map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	if err := json.Unmarshal(frame["type"], &typ); err != nil {
		t.Fatalf("frame type: %v", err)
	}
	return typ
}

// fakeStore is an in-memory MessageStore with failure injection.
type fakeStore struct {
	mu       sync.Mutex
	nextID   uint64
	messages map[uint64]store.Message

	appendErr   error
	markReadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[uint64]store.Message)}
}

func (s *fakeStore) Append(sender, receiver, content string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return store.Message{}, s.appendErr
	}
	s.nextID++
	msg := store.Message{
		ID:        s.nextID,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *fakeStore) MarkRead(id uint64) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markReadErr != nil {
		return store.Message{}, s.markReadErr
	}
	msg, ok := s.messages[id]
	if !ok {
		return store.Message{}, fmt.Errorf("%w: id %d", store.ErrNotFound, id)
	}
	msg.IsRead = true
	s.messages[id] = msg
	return msg, nil
}

func (s *fakeStore) History(a, b string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for id := uint64(1); id <= s.nextID; id++ {
		msg, ok := s.messages[id]
		if !ok {
			continue
		}
		if (msg.Sender == a && msg.Receiver == b) || (msg.Sender == b && msg.Receiver == a) {
			out = append(out, msg)
		}
	}
	return out, nil
}

type testRig struct {
	engine   *Engine
	registry *roster.Registry
	store    *fakeStore
	metrics  *metrics.Metrics
}

func newTestRig(scope config.ReadReceiptScope) *testRig {
	registry := roster.NewRegistry(nil)
	st := newFakeStore()
	m := metrics.New()
	return &testRig{
		engine:   NewEngine(registry, st, m, nil, scope),
		registry: registry,
		store:    st,
		metrics:  m,
	}
}

// connect opens a session and joins it under identity. Empty identity leaves
// the session unbound.
func (rig *testRig) connect(t *testing.T, identity string) (*roster.Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	sess := roster.NewSession(conn, 16)
	rig.engine.HandleConnect(sess)
	t.Cleanup(sess.Close)
	if identity != "" {
		if err := rig.engine.HandleEvent(sess, protocol.Event{Type: protocol.EventJoin, Identity: identity}); err != nil {
			t.Fatalf("join %s: %v", identity, err)
		}
	}
	return sess, conn
}

func TestSendMessageStoresThenDelivers(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, aliceConn := rig.connect(t, "alice")
	_, bobConn := rig.connect(t, "bob")

	err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventSend, Sender: "alice", Receiver: "bob", Content: "hello",
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	received := bobConn.next(t)
	if got := frameType(t, received); got != "receiveMessage" {
		t.Fatalf("bob got %q, want receiveMessage", got)
	}
	var msg protocol.Message
	if err := json.Unmarshal(received["message"], &msg); err != nil {
		t.Fatalf("message payload: %v", err)
	}
	if msg.ID == 0 || msg.Sender != "alice" || msg.Content != "hello" || msg.IsRead {
		t.Fatalf("message = %+v", msg)
	}

	sent := aliceConn.next(t)
	if got := frameType(t, sent); got != "messageSent" {
		t.Fatalf("alice got %q, want messageSent", got)
	}

	if len(rig.store.messages) != 1 {
		t.Fatalf("store has %d messages, want 1", len(rig.store.messages))
	}
}

func TestSendMessageFansOutToAllReceiverSessions(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, _ := rig.connect(t, "alice")
	_, bobPhone := rig.connect(t, "bob")
	_, bobLaptop := rig.connect(t, "bob")

	if err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventSend, Sender: "alice", Receiver: "bob", Content: "hi",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	for _, conn := range []*fakeConn{bobPhone, bobLaptop} {
		if got := frameType(t, conn.next(t)); got != "receiveMessage" {
			t.Fatalf("got %q, want receiveMessage", got)
		}
	}
}

func TestSendMessageOfflineReceiverStillStored(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, aliceConn := rig.connect(t, "alice")

	if err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventSend, Sender: "alice", Receiver: "bob", Content: "you there?",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if got := frameType(t, aliceConn.next(t)); got != "messageSent" {
		t.Fatalf("alice got %q, want messageSent", got)
	}
	if len(rig.store.messages) != 1 {
		t.Fatal("offline receiver must not prevent persistence")
	}
	if rig.metrics.Get(metrics.EventRoutingMiss) != 1 {
		t.Fatal("expected a routing miss counter increment")
	}
}

func TestSendMessagePersistenceFailure(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)
	rig.store.appendErr = fmt.Errorf("%w: disk full", store.ErrPersistence)

	alice, aliceConn := rig.connect(t, "alice")
	_, bobConn := rig.connect(t, "bob")

	if err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventSend, Sender: "alice", Receiver: "bob", Content: "doomed",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	frame := aliceConn.next(t)
	if got := frameType(t, frame); got != "messageError" {
		t.Fatalf("alice got %q, want messageError", got)
	}
	var wireErr struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame["error"], &wireErr); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if wireErr.Code != protocol.ErrCodeStoreUnavailable {
		t.Fatalf("code = %q, want store_unavailable", wireErr.Code)
	}

	// The receiver must see nothing when persistence fails.
	bobConn.expectNone(t)
}

func TestMarkAsReadBroadcastsGlobally(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, aliceConn := rig.connect(t, "alice")
	_, bobConn := rig.connect(t, "bob")
	_, carolConn := rig.connect(t, "carol")

	msg, err := rig.store.Append("alice", "bob", "read me")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := rig.engine.HandleEvent(alice, protocol.Event{Type: protocol.EventMarkRead, MessageID: msg.ID}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	for name, conn := range map[string]*fakeConn{"alice": aliceConn, "bob": bobConn, "carol": carolConn} {
		frame := conn.next(t)
		if got := frameType(t, frame); got != "messageRead" {
			t.Fatalf("%s got %q, want messageRead", name, got)
		}
		var id uint64
		if err := json.Unmarshal(frame["messageId"], &id); err != nil || id != msg.ID {
			t.Fatalf("%s messageId = %d (err %v), want %d", name, id, err, msg.ID)
		}
	}

	if !rig.store.messages[msg.ID].IsRead {
		t.Fatal("message should be marked read in the store")
	}
}

func TestMarkAsReadPairScope(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopePair)

	alice, aliceConn := rig.connect(t, "alice")
	_, bobConn := rig.connect(t, "bob")
	_, carolConn := rig.connect(t, "carol")

	msg, err := rig.store.Append("alice", "bob", "pair scoped")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := rig.engine.HandleEvent(alice, protocol.Event{Type: protocol.EventMarkRead, MessageID: msg.ID}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if got := frameType(t, aliceConn.next(t)); got != "messageRead" {
		t.Fatalf("alice got %q", got)
	}
	if got := frameType(t, bobConn.next(t)); got != "messageRead" {
		t.Fatalf("bob got %q", got)
	}
	carolConn.expectNone(t)
}

func TestMarkAsReadUnknownIDSurfacesError(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, aliceConn := rig.connect(t, "alice")

	if err := rig.engine.HandleEvent(alice, protocol.Event{Type: protocol.EventMarkRead, MessageID: 999}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	frame := aliceConn.next(t)
	if got := frameType(t, frame); got != "messageError" {
		t.Fatalf("got %q, want messageError", got)
	}
	var wireErr struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame["error"], &wireErr); err != nil || wireErr.Code != protocol.ErrCodeNotFound {
		t.Fatalf("code = %q (err %v), want not_found", wireErr.Code, err)
	}
}

func TestMarkAsReadStoreFailureSurfacesError(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)
	rig.store.markReadErr = fmt.Errorf("%w: io error", store.ErrPersistence)

	alice, aliceConn := rig.connect(t, "alice")
	_, bobConn := rig.connect(t, "bob")

	if err := rig.engine.HandleEvent(alice, protocol.Event{Type: protocol.EventMarkRead, MessageID: 1}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	frame := aliceConn.next(t)
	if got := frameType(t, frame); got != "messageError" {
		t.Fatalf("got %q, want messageError", got)
	}
	bobConn.expectNone(t)
}

func TestSignalRelayRoutes(t *testing.T) {
	tests := []struct {
		name     string
		event    protocol.Event
		wantType string
		wantKey  string
	}{
		{
			name:     "call-user becomes call-made",
			event:    protocol.Event{Type: protocol.EventCallUser, From: "alice", To: "bob", Offer: json.RawMessage(`{"sdp":"v=0"}`)},
			wantType: "call-made",
			wantKey:  "offer",
		},
		{
			name:     "make-answer becomes answer-made",
			event:    protocol.Event{Type: protocol.EventMakeAnswer, From: "alice", To: "bob", Answer: json.RawMessage(`{"sdp":"v=0"}`)},
			wantType: "answer-made",
			wantKey:  "answer",
		},
		{
			name:     "ice-candidate keeps its name",
			event:    protocol.Event{Type: protocol.EventICE, From: "alice", To: "bob", Candidate: json.RawMessage(`"candidate:1"`)},
			wantType: "ice-candidate",
			wantKey:  "candidate",
		},
		{
			name:     "reject-call becomes call-rejected",
			event:    protocol.Event{Type: protocol.EventRejectCall, From: "alice", To: "bob"},
			wantType: "call-rejected",
		},
		{
			name:     "end-call becomes call-ended",
			event:    protocol.Event{Type: protocol.EventEndCall, From: "alice", To: "bob"},
			wantType: "call-ended",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(config.ReadReceiptScopeGlobal)
			alice, _ := rig.connect(t, "alice")
			_, bobConn := rig.connect(t, "bob")

			if err := rig.engine.HandleEvent(alice, tc.event); err != nil {
				t.Fatalf("HandleEvent: %v", err)
			}

			frame := bobConn.next(t)
			if got := frameType(t, frame); got != tc.wantType {
				t.Fatalf("got %q, want %q", got, tc.wantType)
			}
			var from string
			if err := json.Unmarshal(frame["from"], &from); err != nil || from != "alice" {
				t.Fatalf("from = %q (err %v), want alice", from, err)
			}
			if tc.wantKey != "" {
				if _, ok := frame[tc.wantKey]; !ok {
					t.Fatalf("frame missing %q: %v", tc.wantKey, frame)
				}
			}
		})
	}
}

func TestSignalForwardsDeclaredFromVerbatim(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	// The caller never joined; from is whatever the event declares.
	caller, _ := rig.connect(t, "")
	_, bobConn := rig.connect(t, "bob")

	if err := rig.engine.HandleEvent(caller, protocol.Event{
		Type: protocol.EventCallUser, From: "alice", To: "bob", Offer: json.RawMessage(`{"sdp":"v=0"}`),
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	frame := bobConn.next(t)
	if got := frameType(t, frame); got != "call-made" {
		t.Fatalf("got %q, want call-made", got)
	}
	var from string
	if err := json.Unmarshal(frame["from"], &from); err != nil || from != "alice" {
		t.Fatalf("from = %q (err %v), want alice", from, err)
	}
}

func TestSignalToAbsentIdentityIsSilentlyDropped(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, aliceConn := rig.connect(t, "alice")

	err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventCallUser, To: "ghost", Offer: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	// The caller must not be told anything.
	aliceConn.expectNone(t)
	if rig.metrics.Get(metrics.EventSignalDropped) != 1 {
		t.Fatal("expected signal_dropped counter increment")
	}
}

func TestSignalFansOutToAllTargetSessions(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, _ := rig.connect(t, "alice")
	_, bobPhone := rig.connect(t, "bob")
	_, bobLaptop := rig.connect(t, "bob")

	if err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventEndCall, To: "bob",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	for _, conn := range []*fakeConn{bobPhone, bobLaptop} {
		if got := frameType(t, conn.next(t)); got != "call-ended" {
			t.Fatalf("got %q, want call-ended", got)
		}
	}
}

func TestRebindRoutesToLatestIdentity(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, _ := rig.connect(t, "alice")
	bob, bobConn := rig.connect(t, "bob")

	// bob's session rebinds to robert; messages to bob now go nowhere.
	if err := rig.engine.HandleEvent(bob, protocol.Event{Type: protocol.EventJoin, Identity: "robert"}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	if err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventSend, Sender: "alice", Receiver: "robert", Content: "new name",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := frameType(t, bobConn.next(t)); got != "receiveMessage" {
		t.Fatalf("got %q, want receiveMessage under new identity", got)
	}

	if err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventEndCall, To: "bob",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	bobConn.expectNone(t)
}

func TestDisconnectLeavesOtherSessionsRoutable(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	alice, _ := rig.connect(t, "alice")
	bobPhone, bobPhoneConn := rig.connect(t, "bob")
	_, bobLaptopConn := rig.connect(t, "bob")

	rig.engine.HandleDisconnect(bobPhone)
	bobPhone.Close()

	if err := rig.engine.HandleEvent(alice, protocol.Event{
		Type: protocol.EventSend, Sender: "alice", Receiver: "bob", Content: "still here?",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if got := frameType(t, bobLaptopConn.next(t)); got != "receiveMessage" {
		t.Fatalf("laptop got %q, want receiveMessage", got)
	}
	bobPhoneConn.expectNone(t)
}

func TestHistoryMapsStoreMessages(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)

	_, err := rig.store.Append("alice", "bob", "one")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err = rig.store.Append("bob", "alice", "two")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	msgs, err := rig.engine.History("alice", "bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "one" || msgs[1].Content != "two" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestAuthEventAfterHandshakeIsProtocolError(t *testing.T) {
	rig := newTestRig(config.ReadReceiptScopeGlobal)
	alice, _ := rig.connect(t, "alice")

	if err := rig.engine.HandleEvent(alice, protocol.Event{Type: protocol.EventAuth}); err == nil {
		t.Fatal("auth after handshake should be a protocol error")
	}
}
