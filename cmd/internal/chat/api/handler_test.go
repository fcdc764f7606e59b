package chatapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chorus/cmd/internal/auth"
	"chorus/cmd/internal/chat"
	"chorus/cmd/internal/chat/mocks"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type apiFixture struct {
	svc   *chat.Service
	clock *testClock
	srv   *httptest.Server
}

func newAPIFixture(t *testing.T, bc chat.Broadcaster) *apiFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	opts := []chat.Option{chat.WithClock(clock.Now)}
	if bc != nil {
		opts = append(opts, chat.WithBroadcaster(bc))
	}
	svc := chat.NewService(log, chat.NewInMemoryStore(), opts...)

	h, err := NewHandler(log, svc, Config{})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	r := mux.NewRouter()
	api := r.NewRoute().Subrouter()
	api.Use(auth.Middleware(log, verifier))
	h.Register(api)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{svc: svc, clock: clock, srv: srv}
}

func (f *apiFixture) do(t *testing.T, userID, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		role := ""
		if userID == "root" {
			role = auth.RoleAdmin
		}
		tok, err := auth.Issue(testSecret, "", auth.Principal{UserID: userID, Role: role}, time.Hour, time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorCodeOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decodeBody[errorResponse](t, resp).Error.Code
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, "", http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", errorCodeOf(t, resp))
}

func TestAPI_DirectConversationFlow(t *testing.T) {
	ctrl := gomock.NewController(t)
	bc := mocks.NewMockBroadcaster(ctrl)
	f := newAPIFixture(t, bc)

	resp := f.do(t, "alice", http.MethodPost, "/conversations", directRequest{OtherUserID: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decodeBody[conversationResponse](t, resp)
	assert.Equal(t, "direct", conv.Kind)

	// Same pair from the other side resolves to the same conversation.
	resp = f.do(t, "bob", http.MethodPost, "/conversations", directRequest{OtherUserID: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, conv.ID, decodeBody[conversationResponse](t, resp).ID)

	bc.EXPECT().MessageCreated(gomock.Any()).Do(func(m chat.Message) {
		assert.Equal(t, "hi", m.Content)
		assert.Equal(t, conv.ID, m.ConversationID)
	})
	path := "/conversations/" + itoa(conv.ID) + "/messages"
	resp = f.do(t, "alice", http.MethodPost, path, sendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody[messageResponse](t, resp)
	assert.Equal(t, "alice", msg.SenderID)

	resp = f.do(t, "bob", http.MethodGet, "/conversations/unread-count", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), decodeBody[countResponse](t, resp).Count)

	resp = f.do(t, "bob", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody[[]messageResponse](t, resp)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)

	resp = f.do(t, "bob", http.MethodGet, "/conversations/"+itoa(conv.ID)+"/unread-count", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decodeBody[countResponse](t, resp).Count)

	resp = f.do(t, "mallory", http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCodeOf(t, resp))
}

func TestAPI_CreateDirectValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, "alice", http.MethodPost, "/conversations", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "otherUserId is required", decodeBody[errorResponse](t, resp).Error.Message)

	resp = f.do(t, "alice", http.MethodPost, "/conversations", directRequest{OtherUserID: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", errorCodeOf(t, resp))

	resp = f.do(t, "alice", http.MethodPost, "/conversations", `{"otherUserId":"bob","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", errorCodeOf(t, resp))
}

func TestAPI_SendMessageErrors(t *testing.T) {
	f := newAPIFixture(t, nil)
	conv, err := f.svc.FindOrCreateDirect(t.Context(), "alice", "bob")
	require.NoError(t, err)
	path := "/conversations/" + itoa(conv.ID) + "/messages"

	resp := f.do(t, "alice", http.MethodPost, path, sendMessageRequest{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodPost, path, sendMessageRequest{Content: strings.Repeat("x", chat.MaxContentChars+1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "carol", http.MethodPost, path, sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodPost, "/conversations/999/messages", sendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RetractMessage(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := t.Context()
	conv, err := f.svc.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	first, err := f.svc.SendMessage(ctx, conv.ID, "alice", "first")
	require.NoError(t, err)

	resp := f.do(t, "bob", http.MethodDelete, "/conversations/messages/"+itoa(first.ID), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodDelete, "/conversations/messages/"+itoa(first.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[messageResponse](t, resp)
	assert.True(t, got.Retracted)
	assert.Equal(t, chat.Tombstone, got.Content)

	resp = f.do(t, "alice", http.MethodDelete, "/conversations/messages/"+itoa(first.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	late, err := f.svc.SendMessage(ctx, conv.ID, "alice", "late")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	resp = f.do(t, "alice", http.MethodDelete, "/conversations/messages/"+itoa(late.ID), nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "expired", errorCodeOf(t, resp))

	resp = f.do(t, "alice", http.MethodDelete, "/conversations/messages/424242", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_GroupLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	bc := mocks.NewMockBroadcaster(ctrl)
	f := newAPIFixture(t, bc)

	resp := f.do(t, "alice", http.MethodPost, "/conversations/group", groupRequest{ParticipantIDs: []string{"bob", "carol"}, Name: "crew"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	g := decodeBody[conversationResponse](t, resp)
	require.NotNil(t, g.Name)
	assert.Equal(t, "crew", *g.Name)
	base := "/conversations/" + itoa(g.ID)

	resp = f.do(t, "alice", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeBody[conversationDetailResponse](t, resp)
	assert.Len(t, detail.Participants, 3)

	resp = f.do(t, "bob", http.MethodPatch, base, renameRequest{Name: "renamed"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodPatch, base, renameRequest{Name: "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", *decodeBody[conversationResponse](t, resp).Name)

	resp = f.do(t, "alice", http.MethodPost, base+"/members", addMembersRequest{UserIDs: []string{"dave", "bob"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"dave"}, decodeBody[addMembersResponse](t, resp).Added)

	resp = f.do(t, "bob", http.MethodDelete, base+"/members/carol", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	bc.EXPECT().MemberRemoved(g.ID, "alice")
	resp = f.do(t, "alice", http.MethodDelete, base+"/members/alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[removeMemberResponse](t, resp)
	require.NotNil(t, res.NewAdminID)
	assert.Equal(t, "bob", *res.NewAdminID)
	assert.False(t, res.ConversationDeleted)

	resp = f.do(t, "alice", http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]conversationSummaryResponse](t, resp))

	resp = f.do(t, "carol", http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]conversationSummaryResponse](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].DisplayName)

	bc.EXPECT().ConversationClosed(g.ID)
	resp = f.do(t, "bob", http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, "bob", http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_PlatformAdminCanDelete(t *testing.T) {
	ctrl := gomock.NewController(t)
	bc := mocks.NewMockBroadcaster(ctrl)
	f := newAPIFixture(t, bc)

	conv, err := f.svc.FindOrCreateDirect(t.Context(), "alice", "bob")
	require.NoError(t, err)

	bc.EXPECT().ConversationClosed(conv.ID)
	resp := f.do(t, "root", http.MethodDelete, "/conversations/"+itoa(conv.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_BadPathIDs(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, "alice", http.MethodGet, "/conversations/0/messages", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "alice", http.MethodGet, "/conversations/abc/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{chat.ErrInvalidArgument, http.StatusBadRequest},
		{chat.ErrForbidden, http.StatusForbidden},
		{chat.ErrNotFound, http.StatusNotFound},
		{chat.ErrConflict, http.StatusConflict},
		{chat.ErrExpired, http.StatusGone},
		{chat.ErrUnavailable, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		got, _ := statusFor(c.err)
		assert.Equal(t, c.status, got, c.err.Error())
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
