package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/valkey-io/valkey-go"
)

const defaultRelayPrefix = "chorus:room:"

// relayMessage is the pub/sub payload. Origin lets an instance ignore its own echoes.
type relayMessage struct {
	Origin string `json:"origin"`
	RelayEvent
}

// ValkeyRelay fans room broadcasts out across instances via Valkey pub/sub.
// Each room maps to channel <prefix><conversationId>.
type ValkeyRelay struct {
	log        *slog.Logger
	metrics    *Metrics
	client     valkey.Client
	prefix     string
	instanceID string
}

// NewValkeyRelay builds a relay over an existing client. The caller owns the client.
func NewValkeyRelay(log *slog.Logger, metrics *Metrics, client valkey.Client, prefix, instanceID string) (*ValkeyRelay, error) {
	if client == nil {
		return nil, errors.New("realtime: nil valkey client")
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRelayPrefix
	}
	if strings.TrimSpace(instanceID) == "" {
		instanceID = NewInstanceID()
	}
	return &ValkeyRelay{
		log:        log,
		metrics:    metrics,
		client:     client,
		prefix:     prefix,
		instanceID: instanceID,
	}, nil
}

// InstanceID returns the origin tag stamped on published messages.
func (r *ValkeyRelay) InstanceID() string { return r.instanceID }

// Channel returns the pub/sub channel of a conversation room.
func (r *ValkeyRelay) Channel(conversationID int64) string {
	return r.prefix + strconv.FormatInt(conversationID, 10)
}

func (r *ValkeyRelay) Publish(ctx context.Context, ev RelayEvent) error {
	b, err := json.Marshal(relayMessage{Origin: r.instanceID, RelayEvent: ev})
	if err != nil {
		return err
	}
	cmd := r.client.B().Publish().Channel(r.Channel(ev.ConversationID)).Message(string(b)).Build()
	return r.client.Do(ctx, cmd).Error()
}

// Run subscribes to every room channel and delivers foreign messages to the hub.
// It blocks until ctx is canceled or the subscription fails.
func (r *ValkeyRelay) Run(ctx context.Context, hub *Hub) error {
	r.log.Info("relay.subscribe", "pattern", r.prefix+"*", "instance_id", r.instanceID)

	cmd := r.client.B().Psubscribe().Pattern(r.prefix + "*").Build()
	err := r.client.Receive(ctx, cmd, func(m valkey.PubSubMessage) {
		r.handle(hub, m.Message)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	return nil
}

// Ping checks connectivity for the readiness endpoint.
func (r *ValkeyRelay) Ping(ctx context.Context) error {
	return r.client.Do(ctx, r.client.B().Ping().Build()).Error()
}

func (r *ValkeyRelay) handle(hub *Hub, raw string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		r.metrics.RelayMessages.WithLabelValues("in", "bad").Inc()
		r.log.Warn("relay.decode.fail", "err", err)
		return
	}
	if m.Origin == r.instanceID {
		return
	}
	if m.Kind == relayBroadcast && m.Envelope != nil {
		if err := m.Envelope.Validate(); err != nil {
			r.metrics.RelayMessages.WithLabelValues("in", "bad").Inc()
			r.log.Warn("relay.envelope.invalid", "err", err)
			return
		}
	}
	if !hub.applyRelayEvent(m.RelayEvent) {
		r.metrics.RelayMessages.WithLabelValues("in", "bad").Inc()
		r.log.Warn("relay.event.invalid", "kind", m.Kind, "conversation_id", m.ConversationID)
		return
	}
	r.metrics.RelayMessages.WithLabelValues("in", "ok").Inc()
}
