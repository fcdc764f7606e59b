package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Broadcaster receives committed ledger events for live delivery.
//
//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_broadcaster.go -package=mocks chorus/cmd/internal/chat Broadcaster
type Broadcaster interface {
	MessageCreated(msg Message)
	MessageRetracted(msg Message)
	ConversationClosed(conversationID int64)
	// MemberRemoved revokes userID's live subscriptions to the conversation.
	MemberRemoved(conversationID int64, userID string)
}

type nopBroadcaster struct{}

func (nopBroadcaster) MessageCreated(Message)   {}
func (nopBroadcaster) MessageRetracted(Message) {}
func (nopBroadcaster) ConversationClosed(int64) {}
func (nopBroadcaster) MemberRemoved(int64, string) {}

// Service implements the conversation directory, message ledger, unread
// accounting, retraction and group membership operations. HTTP handlers and
// the realtime gateway both call into the same Service.
type Service struct {
	log      *slog.Logger
	store    Store
	bc       Broadcaster
	profiles ProfileDirectory
	metrics  *Metrics
	now      func() time.Time

	retractWindow time.Duration

	locks  *keyedMutex
	direct singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithBroadcaster sets the sink for committed message events.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) {
		if b != nil {
			s.bc = b
		}
	}
}

// WithProfiles sets the directory used for display names.
func WithProfiles(p ProfileDirectory) Option {
	return func(s *Service) {
		if p != nil {
			s.profiles = p
		}
	}
}

// WithMetrics sets the chat metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetractWindow overrides DefaultRetractWindow.
func WithRetractWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retractWindow = d
		}
	}
}

// NewService wires a Service over store.
func NewService(log *slog.Logger, store Store, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:           log,
		store:         store,
		bc:            nopBroadcaster{},
		profiles:      noProfiles{},
		metrics:       NewMetrics(nil),
		now:           time.Now,
		retractWindow: DefaultRetractWindow,
		locks:         newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetBroadcaster replaces the broadcaster after construction. It must be
// called before the service handles traffic.
func (s *Service) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = nopBroadcaster{}
	}
	s.bc = b
}

// RetractWindow reports the configured retraction window.
func (s *Service) RetractWindow() time.Duration { return s.retractWindow }

func (s *Service) clock() time.Time { return s.now().UTC() }

// fail classifies err and logs store failures. Domain errors pass through untouched.
func (s *Service) fail(op string, err error) error {
	err = classify(op, err)
	if errors.Is(err, ErrUnavailable) {
		s.metrics.Failures.WithLabelValues(op).Inc()
		s.log.Error("chat.store.fail", "op", op, "err", err)
	}
	return err
}

// requireParticipant returns the caller's membership, or Forbidden / NotFound.
func (s *Service) requireParticipant(ctx context.Context, op string, conversationID int64, userID string) (Participant, error) {
	p, err := s.store.GetParticipant(ctx, conversationID, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Participant{}, s.fail(op, err)
	}
	if _, cerr := s.store.GetConversation(ctx, conversationID); cerr != nil {
		if errors.Is(cerr, ErrNotFound) {
			return Participant{}, opErr(op, ErrNotFound, "conversation not found")
		}
		return Participant{}, s.fail(op, cerr)
	}
	return Participant{}, opErr(op, ErrForbidden, "not a participant of this conversation")
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *Service) IsParticipant(ctx context.Context, conversationID int64, userID string) (bool, error) {
	_, err := s.store.GetParticipant(ctx, conversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, s.fail("chat.IsParticipant", err)
	}
}
