package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds realtime gateway collectors.
type Metrics struct {
	Connections   prometheus.Gauge
	Rooms         prometheus.Gauge
	RoomJoins     prometheus.Counter
	Broadcasts    *prometheus.CounterVec
	Dropped       prometheus.Counter
	Rejected      *prometheus.CounterVec
	RelayMessages *prometheus.CounterVec
}

// NewMetrics registers realtime metrics on reg. A nil reg yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chorus",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chorus",
			Subsystem: "realtime",
			Name:      "rooms",
			Help:      "Rooms with at least one local member.",
		}),
		RoomJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "realtime",
			Name:      "room_joins_total",
			Help:      "Accepted join_room events.",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Room broadcasts by envelope type.",
		}, []string{"type"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "realtime",
			Name:      "dropped_total",
			Help:      "Envelopes dropped because a recipient queue was full or closing.",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "realtime",
			Name:      "rejected_total",
			Help:      "Rejected handshakes and events by reason.",
		}, []string{"reason"}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "realtime",
			Name:      "relay_messages_total",
			Help:      "Cross-instance relay traffic by direction and result.",
		}, []string{"direction", "result"}),
	}
}
