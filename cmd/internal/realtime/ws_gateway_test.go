package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"chorus/cmd/internal/auth"
	"chorus/cmd/internal/chat"
	v1 "chorus/shared/contracts/realtime/v1"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

type wsFixture struct {
	svc *chat.Service
	hub *Hub
	ts  *httptest.Server
}

func newWSFixture(t *testing.T, mutate func(*GatewayConfig)) *wsFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	metrics := NewMetrics(nil)
	hub := NewHub(log, metrics)
	svc := chat.NewService(log, chat.NewInMemoryStore(), chat.WithBroadcaster(hub))

	verifier, err := auth.NewJWTVerifier(testJWTSecret, "")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}
	gw := NewWSGateway(log, hub, svc, verifier, metrics, cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)

	return &wsFixture{svc: svc, hub: hub, ts: ts}
}

func mustToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Issue(testJWTSecret, "", auth.Principal{UserID: userID}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("auth.Issue: %v", err)
	}
	return tok
}

func (f *wsFixture) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, f.ts.URL, "", mustToken(t, userID))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func TestWSGateway_MissingTokenRejected(t *testing.T) {
	f := newWSFixture(t, nil)

	_, resp, err := dialWS(t, f.ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_InvalidTokenRejected(t *testing.T) {
	f := newWSFixture(t, nil)

	_, resp, err := dialWS(t, f.ts.URL, "", "not-a-valid-token")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_DisallowedOriginRejected(t *testing.T) {
	f := newWSFixture(t, nil)

	_, resp, err := dialWS(t, f.ts.URL, "https://evil.example", mustToken(t, "alice"))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_HelloAck(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.connect(t, "alice")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, struct{}{}))
	ack := readUntilType(t, conn, v1.TypeHelloAck, 2)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	if p.UserID != "alice" || p.SessionID == "" {
		t.Fatalf("unexpected hello ack: %+v", p)
	}
}

func TestWSGateway_SendDeliversToRoomAndPersists(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	conv, err := f.svc.FindOrCreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	joinRoom(t, alice, conv.ID)
	joinRoom(t, bob, conv.ID)

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "  hi  ",
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readUntilType(t, conn, v1.TypeReceiveMessage, 4)
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if p.ConversationID != conv.ID || p.SenderID != "alice" || p.Content != "  hi  " || p.ID <= 0 {
			t.Fatalf("unexpected message: %+v", p)
		}
	}

	n, err := f.svc.CountUnread(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected bob unread=1, got %d", n)
	}
}

func TestWSGateway_DeleteBroadcastsTombstone(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	conv, err := f.svc.FindOrCreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}
	msg, err := f.svc.SendMessage(ctx, conv.ID, "alice", "oops")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	joinRoom(t, alice, conv.ID)
	joinRoom(t, bob, conv.ID)

	// Bob cannot retract Alice's message.
	writeEnvelopeWS(t, bob, clientEnvelope(t, v1.TypeDeleteMessage, v1.DeleteMessagePayload{MessageID: msg.ID}))
	expectError(t, bob, v1.CodeForbidden)

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeDeleteMessage, v1.DeleteMessagePayload{MessageID: msg.ID}))
	env := readUntilType(t, bob, v1.TypeMessageDeletedUpdate, 4)

	var p v1.MessageDeletedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode deleted update: %v", err)
	}
	if p.MessageID != msg.ID || p.ConversationID != conv.ID || p.NewContent != chat.Tombstone {
		t.Fatalf("unexpected deleted update: %+v", p)
	}

	// Second retraction conflicts.
	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeDeleteMessage, v1.DeleteMessagePayload{MessageID: msg.ID}))
	expectError(t, alice, v1.CodeConflict)
}

func TestWSGateway_JoinRequiresMembership(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	conv, err := f.svc.FindOrCreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	mallory := f.connect(t, "mallory")
	writeEnvelopeWS(t, mallory, clientEnvelope(t, v1.TypeJoinRoom, v1.RoomPayload{ConversationID: conv.ID}))
	expectError(t, mallory, v1.CodeForbidden)

	if r := f.hub.Room(conv.ID); r != nil {
		t.Fatalf("expected no room for rejected join, got %d members", r.Len())
	}
}

func TestWSGateway_JoinWithoutMembershipCheck(t *testing.T) {
	f := newWSFixture(t, func(c *GatewayConfig) { c.RequireMembership = false })

	conn := f.connect(t, "mallory")
	joinRoom(t, conn, 99)

	if r := f.hub.Room(99); r == nil || r.Len() != 1 {
		t.Fatalf("expected room 99 with one member")
	}
}

func TestWSGateway_SenderMismatchRejected(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	conv, err := f.svc.FindOrCreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	alice := f.connect(t, "alice")
	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conv.ID,
		SenderID:       "bob",
		Content:        "pretending",
	}))
	expectError(t, alice, v1.CodeForbidden)

	msgs, err := f.svc.ListMessages(ctx, conv.ID, "alice")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestWSGateway_SendValidationErrors(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	conv, err := f.svc.FindOrCreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}
	alice := f.connect(t, "alice")

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Content: "   "}))
	expectError(t, alice, v1.CodeInvalidArgument)

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID + 100, Content: "hi"}))
	expectError(t, alice, v1.CodeNotFound)
}

func TestWSGateway_TypingRelayedToOthersOnly(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	conv, err := f.svc.FindOrCreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	joinRoom(t, alice, conv.ID)
	joinRoom(t, bob, conv.ID)

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeTyping, v1.TypingPayload{ConversationID: conv.ID, UserName: "Alice A."}))
	env := readUntilType(t, bob, v1.TypeUserTyping, 4)

	var p v1.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if p.UserID != "alice" || p.UserName != "Alice A." {
		t.Fatalf("unexpected typing payload: %+v", p)
	}

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeStopTyping, v1.TypingPayload{ConversationID: conv.ID}))
	_ = readUntilType(t, bob, v1.TypeUserStoppedTyping, 4)

	// Alice's next frame is the hello ack, not her own typing echo.
	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeHello, struct{}{}))
	next := readNext(t, alice)
	if next.Type != v1.TypeHelloAck {
		t.Fatalf("expected hello_ack, got %q", next.Type)
	}
}

func TestWSGateway_TypingOutsideRoomRejected(t *testing.T) {
	f := newWSFixture(t, nil)
	alice := f.connect(t, "alice")

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeTyping, v1.TypingPayload{ConversationID: 5}))
	expectError(t, alice, v1.CodeForbidden)
}

func TestWSGateway_BadFramesGetErrors(t *testing.T) {
	f := newWSFixture(t, nil)
	conn := f.connect(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	expectError(t, conn, v1.CodeBadRequest)

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: "launch_rockets"})
	expectError(t, conn, v1.CodeBadRequest)

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeJoinRoom})
	expectError(t, conn, v1.CodeBadRequest)
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	f := newWSFixture(t, func(c *GatewayConfig) {
		c.RateEvents = 2
		c.RateWindow = time.Minute
	})
	conn := f.connect(t, "alice")

	for i := 0; i < 3; i++ {
		writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, struct{}{}))
	}

	var sawLimit bool
	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			if !sawLimit && websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("connection closed without rate limit signal: %v", err)
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatalf("decode error payload: %v", err)
			}
			if p.Code != v1.CodeRateLimited {
				t.Fatalf("expected %q, got %q", v1.CodeRateLimited, p.Code)
			}
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Fatalf("expected rate_limited error")
	}
}

func TestWSGateway_ConversationClosedEndsRoom(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	g, err := f.svc.CreateGroup(ctx, "alice", []string{"bob"}, "crew")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	bob := f.connect(t, "bob")
	joinRoom(t, bob, g.ID)

	if err := f.svc.DeleteConversation(ctx, g.ID, "alice", false); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	env := readUntilType(t, bob, v1.TypeRoomLeft, 4)

	var p v1.RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode room_left: %v", err)
	}
	if p.ConversationID != g.ID {
		t.Fatalf("expected room_left for %d, got %d", g.ID, p.ConversationID)
	}
}

func TestWSGateway_RemovedMemberStopsReceiving(t *testing.T) {
	f := newWSFixture(t, nil)
	ctx := context.Background()

	g, err := f.svc.CreateGroup(ctx, "alice", []string{"bob", "carol"}, "crew")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	joinRoom(t, alice, g.ID)
	joinRoom(t, bob, g.ID)

	if _, err := f.svc.RemoveMember(ctx, g.ID, "alice", "bob"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	env := readNext(t, bob)
	if env.Type != v1.TypeRoomLeft {
		t.Fatalf("expected room_left, got %q", env.Type)
	}

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: g.ID,
		SenderID:       "alice",
		Content:        "bob is gone",
	}))
	_ = readUntilType(t, alice, v1.TypeReceiveMessage, 4)

	// Alice's fan-out is done, so a leaked copy would reach bob before this reply.
	writeEnvelopeWS(t, bob, clientEnvelope(t, v1.TypeTyping, v1.TypingPayload{ConversationID: g.ID}))
	next := readNext(t, bob)
	if next.Type != v1.TypeError {
		t.Fatalf("expected error for typing after removal, got %q", next.Type)
	}
}

func TestEnforceOrigin(t *testing.T) {
	g := &WSGateway{cfg: GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"https://app.example.com", "http://localhost"},
	}}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"https://app.example.com", true},
		{"http://localhost:5173", true},
		{"https://evil.example.com", false},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if c.origin != "" {
			r.Header.Set("Origin", c.origin)
		}
		err := g.enforceOrigin(r)
		if (err == nil) != c.ok {
			t.Fatalf("origin %q: ok=%v err=%v", c.origin, c.ok, err)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://App.Example.com", ""})
	want := []string{"app.example.com", "app.example.com:*", "localhost", "localhost:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
}

// ---- helpers ----

func clientEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(time.Now().UTC()),
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, conversationID int64) {
	t.Helper()
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeJoinRoom, v1.RoomPayload{ConversationID: conversationID}))
	_ = readUntilType(t, conn, v1.TypeRoomJoined, 4)
}

func expectError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeError, 4)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != code {
		t.Fatalf("expected error code %q, got %q (%s)", code, p.Code, p.Message)
	}
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readNext(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		env := readNext(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
