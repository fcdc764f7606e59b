package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the chat service counters.
type Metrics struct {
	MessagesAppended  prometheus.Counter
	MessagesRetracted prometheus.Counter
	DirectConflicts   prometheus.Counter
	Failures          *prometheus.CounterVec
}

// NewMetrics registers chat metrics on reg. A nil reg yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "chat",
			Name:      "messages_appended_total",
			Help:      "Messages committed to the ledger.",
		}),
		MessagesRetracted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "chat",
			Name:      "messages_retracted_total",
			Help:      "Messages replaced by a tombstone.",
		}),
		DirectConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "chat",
			Name:      "direct_create_conflicts_total",
			Help:      "Direct conversation inserts that lost a uniqueness race and re-read the winner.",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "chat",
			Name:      "store_failures_total",
			Help:      "Store failures classified as unavailable, by operation.",
		}, []string{"op"}),
	}
}
