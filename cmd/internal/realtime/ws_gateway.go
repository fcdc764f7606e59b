package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chorus/cmd/internal/auth"
	"chorus/cmd/internal/chat"
	v1 "chorus/shared/contracts/realtime/v1"
)

// Ledger is the chat surface the gateway drives. *chat.Service implements it;
// sends from the socket go through the same append routine as HTTP.
type Ledger interface {
	SendMessage(ctx context.Context, conversationID int64, senderID, content string) (chat.Message, error)
	RetractMessage(ctx context.Context, messageID int64, requesterID string) (chat.Message, error)
	IsParticipant(ctx context.Context, conversationID int64, userID string) (bool, error)
}

// GatewayConfig holds the websocket knobs. Zero values fall back to defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure bool

	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	// RequireMembership checks the store before admitting a connection to a room.
	RequireMembership bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	OpTimeout       time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only,
// membership checked on join.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		RequireMembership: true,
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		OpTimeout:         wsDefaultOpTimeout,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for Chorus realtime.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the Hub and the Ledger.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	ledger   Ledger
	verifier auth.Verifier
	metrics  *Metrics
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, ledger Ledger, verifier auth.Verifier, metrics *Metrics, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if hub == nil {
		hub = NewHub(log, metrics)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		ledger:         ledger,
		verifier:       verifier,
		metrics:        metrics,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.Rejected.WithLabelValues("origin").Inc()
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	principal, err := auth.Authenticate(g.verifier, r, true)
	if err != nil {
		g.metrics.Rejected.WithLabelValues("auth").Inc()
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.Rejected.WithLabelValues("subprotocol").Inc()
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(principal.UserID, sessionID, g.cfg.SendQueueSize)
	if !g.hub.Register(client) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	g.metrics.Connections.Inc()
	defer g.metrics.Connections.Dec()
	g.log.Info("ws.connect", "session_id", sessionID, "user_id", principal.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Room membership is removed before client.Close so broadcasters never target a dead session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Hub.Close on shutdown lands here; unblock the read loop.
				shutdown(websocket.StatusGoingAway, "server shutdown")
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	sess := &wsSession{g: g, client: client, principal: principal}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadRequest, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if now := time.Now().UTC(); !rl.Allow(now) {
			g.metrics.Rejected.WithLabelValues("rate").Inc()
			retry := rl.RetryAfter(now).Round(time.Millisecond)
			g.writeErrorNow(ctx, conn, v1.CodeRateLimited, fmt.Sprintf("too many events, retry in %s", retry))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadRequest, err.Error())
			continue readLoop
		}

		sess.dispatch(ctx, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.disconnect", "session_id", sessionID, "user_id", principal.UserID)
}

// ---- handlers ----

type wsSession struct {
	g         *WSGateway
	client    *Client
	principal auth.Principal
}

func (s *wsSession) dispatch(ctx context.Context, env v1.Envelope) {
	var err error
	switch env.Type {
	case v1.TypeHello:
		err = s.onHello(ctx)
	case v1.TypeJoinRoom:
		err = s.onJoin(ctx, env)
	case v1.TypeLeaveRoom:
		err = s.onLeave(ctx, env)
	case v1.TypeSendMessage:
		err = s.onSendMessage(ctx, env)
	case v1.TypeDeleteMessage:
		err = s.onDeleteMessage(ctx, env)
	case v1.TypeTyping:
		err = s.onTyping(env, true)
	case v1.TypeStopTyping:
		err = s.onTyping(env, false)
	default:
		err = protoErr(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
	if err == nil {
		return
	}

	code, msg := errorCode(err)
	if code == v1.CodeUnavailable {
		s.g.log.Error("ws.event.fail", "session_id", s.client.SessionID, "type", env.Type, "err", err)
	} else {
		s.g.log.Info("ws.event.reject", "session_id", s.client.SessionID, "type", env.Type, "code", code, "err", err)
	}
	s.g.trySendError(ctx, s.client, code, msg)
}

func (s *wsSession) onHello(ctx context.Context) error {
	return s.reply(ctx, v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: s.client.SessionID,
		UserID:    s.client.UserID,
	})
}

func (s *wsSession) onJoin(ctx context.Context, env v1.Envelope) error {
	var p v1.RoomPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.ConversationID <= 0 {
		return protoErr(v1.CodeBadRequest, "missing conversationId")
	}

	if s.g.cfg.RequireMembership {
		opCtx, cancel := context.WithTimeout(ctx, s.g.cfg.OpTimeout)
		ok, err := s.g.ledger.IsParticipant(opCtx, p.ConversationID, s.principal.UserID)
		cancel()
		if err != nil {
			return err
		}
		if !ok {
			s.g.metrics.Rejected.WithLabelValues("membership").Inc()
			return protoErr(v1.CodeForbidden, "not a participant of this conversation")
		}
	}

	if !s.g.hub.Join(p.ConversationID, s.client) {
		return protoErr(v1.CodeUnavailable, "shutting down")
	}
	if err := s.reply(ctx, v1.TypeRoomJoined, v1.RoomPayload{ConversationID: p.ConversationID}); err != nil {
		s.g.hub.Leave(p.ConversationID, s.client)
		return err
	}
	return nil
}

func (s *wsSession) onLeave(ctx context.Context, env v1.Envelope) error {
	var p v1.RoomPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	s.g.hub.Leave(p.ConversationID, s.client)
	return s.reply(ctx, v1.TypeRoomLeft, v1.RoomPayload{ConversationID: p.ConversationID})
}

func (s *wsSession) onSendMessage(ctx context.Context, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := s.checkActor(p.SenderID); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.g.cfg.OpTimeout)
	defer cancel()

	// Delivery happens through the Hub once the ledger commits.
	_, err := s.g.ledger.SendMessage(opCtx, p.ConversationID, s.principal.UserID, p.Content)
	return err
}

func (s *wsSession) onDeleteMessage(ctx context.Context, env v1.Envelope) error {
	var p v1.DeleteMessagePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.MessageID <= 0 {
		return protoErr(v1.CodeBadRequest, "missing messageId")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.g.cfg.OpTimeout)
	defer cancel()

	_, err := s.g.ledger.RetractMessage(opCtx, p.MessageID, s.principal.UserID)
	return err
}

func (s *wsSession) onTyping(env v1.Envelope, typing bool) error {
	var p v1.TypingPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := s.checkActor(p.UserID); err != nil {
		return err
	}
	if !s.client.InRoom(p.ConversationID) {
		return protoErr(v1.CodeForbidden, "join the room first")
	}

	var (
		out v1.Envelope
		err error
	)
	if typing {
		name := strings.TrimSpace(p.UserName)
		if name == "" {
			name = s.principal.UserID
		}
		out, err = newPayloadEnvelope(v1.TypeUserTyping, v1.UserTypingPayload{UserID: s.principal.UserID, UserName: name})
	} else {
		out, err = newPayloadEnvelope(v1.TypeUserStoppedTyping, v1.UserStoppedTypingPayload{UserID: s.principal.UserID})
	}
	if err != nil {
		return err
	}
	s.g.hub.Broadcast(p.ConversationID, out, s.client.SessionID)
	return nil
}

// checkActor rejects payloads that claim to act for another user.
// An empty id means "the connection's user".
func (s *wsSession) checkActor(claimed string) error {
	claimed = strings.TrimSpace(claimed)
	if claimed == "" || claimed == s.principal.UserID {
		return nil
	}
	s.g.metrics.Rejected.WithLabelValues("impersonation").Inc()
	s.g.log.Warn("ws.actor.mismatch", "session_id", s.client.SessionID, "user_id", s.principal.UserID, "claimed", claimed)
	return protoErr(v1.CodeForbidden, "payload user does not match the connection")
}

func (s *wsSession) reply(ctx context.Context, typ string, payload any) error {
	env, err := newPayloadEnvelope(typ, payload)
	if err != nil {
		return err
	}
	if !s.g.enqueue(ctx, s.client, env) {
		return protoErr(v1.CodeUnavailable, "backpressure: "+typ)
	}
	return nil
}

// ---- errors ----

type protocolError struct {
	code string
	msg  string
}

func (e protocolError) Error() string { return e.code + ": " + e.msg }

func protoErr(code, msg string) error { return protocolError{code: code, msg: msg} }

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return protoErr(v1.CodeBadRequest, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return protoErr(v1.CodeBadRequest, "invalid payload")
	}
	return nil
}

// errorCode maps gateway and chat errors to wire codes and client-safe messages.
func errorCode(err error) (string, string) {
	var pe protocolError
	if errors.As(err, &pe) {
		return pe.code, pe.msg
	}
	switch chat.KindOf(err) {
	case chat.ErrInvalidArgument:
		return v1.CodeInvalidArgument, chat.ErrorMessage(err)
	case chat.ErrForbidden:
		return v1.CodeForbidden, chat.ErrorMessage(err)
	case chat.ErrNotFound:
		return v1.CodeNotFound, chat.ErrorMessage(err)
	case chat.ErrExpired:
		return v1.CodeExpired, chat.ErrorMessage(err)
	case chat.ErrConflict:
		return v1.CodeConflict, chat.ErrorMessage(err)
	default:
		return v1.CodeUnavailable, "temporarily unavailable"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env, err := newPayloadEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

// writeErrorNow bypasses the send queue for errors that precede a close.
func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, err := newPayloadEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin check
// in agreement with enforceOrigin. Patterns are hosts with any port.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		if h != "*" {
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
