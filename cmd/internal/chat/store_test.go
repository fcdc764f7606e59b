package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectKey_IsOrderIndependent(t *testing.T) {
	assert.Equal(t, "5:alice:bob", DirectKey("alice", "bob"))
	assert.Equal(t, "5:alice:bob", DirectKey("bob", "alice"))
}

func TestDirectKey_SeparatorInIDsDoesNotCollide(t *testing.T) {
	pairs := [][2]string{
		{"a:b", "c"},
		{"a", "b:c"},
		{"a", "b:c:"},
		{"1:a", "b"},
		{"", "1:a:b"},
	}
	seen := make(map[string][2]string, len(pairs))
	for _, p := range pairs {
		k := DirectKey(p[0], p[1])
		if prev, ok := seen[k]; ok {
			t.Fatalf("pairs %q and %q share key %q", prev, p, k)
		}
		seen[k] = p
	}
}

func TestCheckRetraction(t *testing.T) {
	sent := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	active := Message{ID: 1, SenderID: "alice", Content: "x", SentAt: sent}
	retracted := active
	retracted.Retracted = true

	tests := []struct {
		name      string
		msg       Message
		requester string
		now       time.Time
		window    time.Duration
		want      error
	}{
		{name: "sender within window", msg: active, requester: "alice", now: sent.Add(30 * time.Minute)},
		{name: "exactly at window edge", msg: active, requester: "alice", now: sent.Add(DefaultRetractWindow)},
		{name: "after window", msg: active, requester: "alice", now: sent.Add(DefaultRetractWindow + time.Second), want: ErrExpired},
		{name: "two hours later", msg: active, requester: "alice", now: sent.Add(2 * time.Hour), want: ErrExpired},
		{name: "not the sender", msg: active, requester: "bob", now: sent, want: ErrForbidden},
		{name: "not the sender and late", msg: active, requester: "bob", now: sent.Add(2 * time.Hour), want: ErrForbidden},
		{name: "already retracted", msg: retracted, requester: "alice", now: sent, want: ErrConflict},
		{name: "custom window", msg: active, requester: "alice", now: sent.Add(2 * time.Minute), window: time.Minute, want: ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRetraction(tt.msg, tt.requester, tt.now, tt.window)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestErrors_KindAndMessage(t *testing.T) {
	err := opErr("chat.Test", ErrForbidden, "nope")
	assert.Equal(t, ErrForbidden, KindOf(err))
	assert.Equal(t, "nope", ErrorMessage(err))
	assert.Equal(t, "chat.Test: forbidden: nope", err.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, ErrForbidden, KindOf(wrapped))

	raw := errors.New("connection reset")
	assert.Equal(t, ErrUnavailable, KindOf(raw))

	c := classify("chat.Test", raw)
	require.ErrorIs(t, c, ErrUnavailable)
	require.ErrorIs(t, c, raw)
	assert.Equal(t, "store unavailable", ErrorMessage(c))

	assert.Equal(t, err, classify("chat.Test", err))
	assert.Nil(t, KindOf(nil))
}

func TestKeyedMutex_SerializesPerKeyAndCleansUp(t *testing.T) {
	km := newKeyedMutex()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(7)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, km.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock(2)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key 2 blocked behind key 1")
	}
}

func TestInMemoryStore_RemoveParticipantPromotesEarliest(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c, err := s.CreateGroup(ctx, CreateGroupInput{AdminID: "admin", MemberIDs: []string{"zed"}, Now: t0})
	require.NoError(t, err)
	_, err = s.AddParticipants(ctx, c.ID, []string{"amy"}, t0.Add(time.Minute))
	require.NoError(t, err)

	res, err := s.RemoveParticipant(ctx, c.ID, "admin")
	require.NoError(t, err)
	require.NotNil(t, res.NewAdminID)
	assert.Equal(t, "zed", *res.NewAdminID)

	p, err := s.GetParticipant(ctx, c.ID, "zed")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, p.Role)

	_, err = s.RemoveParticipant(ctx, c.ID, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	c, err := s.CreateDirect(ctx, CreateDirectInput{UserA: "a", UserB: "b", Now: time.Now()})
	require.NoError(t, err)
	m, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: c.ID, SenderID: "a", Content: "x", Now: time.Now()})
	require.NoError(t, err)
	_, err = s.ListMessagesAndMarkRead(ctx, c.ID, "b")
	require.NoError(t, err)

	p, err := s.GetParticipant(ctx, c.ID, "b")
	require.NoError(t, err)
	*p.LastReadMessageID = 0

	n, err := s.CountUnread(ctx, c.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "caller mutation must not leak into the store (message %d)", m.ID)
}
