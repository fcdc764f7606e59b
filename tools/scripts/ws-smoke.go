// Package main provides a CI-friendly WebSocket smoke test for Chorus realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - room join for two participants
//   - send_message -> receive_message fanout to both clients
//   - delete_message -> message_deleted_update with the tombstone text
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chorus/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const (
	maxReadBytes = 1 << 20 // 1MiB
	tombstone    = "This message was deleted"
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("CHORUS_JWT_SECRET"), "HS256 secret used to sign smoke tokens")
		issuer  = flag.String("issuer", os.Getenv("CHORUS_JWT_ISSUER"), "Token issuer")
		userA   = flag.String("user-a", "smoke-a", "User id for client A")
		userB   = flag.String("user-b", "smoke-b", "User id for client B")
		convID  = flag.Int64("conv", 0, "Conversation id; 0 creates a direct conversation between A and B over HTTP")
		text    = flag.String("text", "hello chorus 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if len(strings.TrimSpace(*secret)) < 32 {
		fatalf("invalid -secret: must be at least 32 bytes")
	}

	tokenA := mustSign(*secret, *issuer, *userA)
	tokenB := mustSign(*secret, *issuer, *userB)

	root := context.Background()

	if *convID == 0 {
		*convID = mustCreateDirect(root, *wsURL, tokenA, *userB, *timeout)
	}

	a := mustConnect(root, "A", *userA, *wsURL, *origin, tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q conv=%d\n", a.sessionID, b.sessionID, *origin, *convID)
	}

	mustJoin(root, a, *convID, *timeout)
	mustJoin(root, b, *convID, *timeout)

	mustSend(root, a, *convID, *text, *timeout)

	msgID := mustAssertReceive(root, a, *convID, *userA, *text, *timeout)
	if got := mustAssertReceive(root, b, *convID, *userA, *text, *timeout); got != msgID {
		fatalf("receive_message id mismatch: A=%d B=%d", msgID, got)
	}

	mustDelete(root, a, msgID, *timeout)

	mustAssertDeleted(root, a, *convID, msgID, *timeout)
	mustAssertDeleted(root, b, *convID, msgID, *timeout)

	mustAssertNoType(root, b, v1.TypeReceiveMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%d message_id=%d\n", a.sessionID, b.sessionID, *convID, msgID)
}

func mustSign(secret, issuer, userID string) string {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fatalf("sign token for %s: %v", userID, err)
	}
	return tok
}

// apiBase maps ws(s)://host/ws to http(s)://host.
func apiBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse -url: %v", err)
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host}).String()
}

func mustCreateDirect(parent context.Context, wsURL, token, otherUserID string, stepTimeout time.Duration) int64 {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"otherUserId": otherUserID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase(wsURL)+"/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create direct conversation: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		fatalf("create direct conversation: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("decode create response: %v", err)
	}
	if out.ID <= 0 {
		fatalf("create response missing id")
	}
	return out.ID
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHello,
		ID:   fmt.Sprintf("%s-hello", name),
		TS:   time.Now().UTC(),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing sessionId (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack userId mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID int64, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinRoom,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RoomPayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	joined := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout, nil)

	var p v1.RoomPayload
	if err := json.Unmarshal(joined.Payload, &p); err != nil {
		fatalf("unmarshal room_joined payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("room_joined conversationId mismatch (%s): got=%d want=%d", c.name, p.ConversationID, convID)
	}
}

func mustSend(parent context.Context, c *smokeClient, convID int64, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			ConversationID: convID,
			SenderID:       c.userID,
			Content:        text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertReceive(parent context.Context, c *smokeClient, convID int64, senderID, text string, stepTimeout time.Duration) int64 {
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, nil)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if p.ID <= 0 {
		fatalf("receive_message invalid id (%s): %d", c.name, p.ID)
	}
	if p.ConversationID != convID {
		fatalf("receive_message conversationId mismatch (%s): got=%d want=%d", c.name, p.ConversationID, convID)
	}
	if p.SenderID != senderID {
		fatalf("receive_message senderId mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Content != text {
		fatalf("receive_message content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.SentAt.IsZero() {
		fatalf("receive_message sentAt missing/zero (%s)", c.name)
	}
	if p.Retracted {
		fatalf("receive_message unexpectedly retracted (%s)", c.name)
	}
	return p.ID
}

func mustDelete(parent context.Context, c *smokeClient, msgID int64, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDeleteMessage,
		ID:      fmt.Sprintf("%s-delete-%d", c.name, msgID),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.DeleteMessagePayload{MessageID: msgID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertDeleted(parent context.Context, c *smokeClient, convID, msgID int64, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageDeletedUpdate, stepTimeout, nil)

	var p v1.MessageDeletedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_deleted_update payload (%s): %v", c.name, err)
	}
	if p.MessageID != msgID {
		fatalf("message_deleted_update messageId mismatch (%s): got=%d want=%d", c.name, p.MessageID, msgID)
	}
	if p.ConversationID != convID {
		fatalf("message_deleted_update conversationId mismatch (%s): got=%d want=%d", c.name, p.ConversationID, convID)
	}
	if p.NewContent != tombstone {
		fatalf("message_deleted_update newContent mismatch (%s): got=%q want=%q", c.name, p.NewContent, tombstone)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
