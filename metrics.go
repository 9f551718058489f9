package servent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go-servent/wire"
)

// metrics are registered per node so several nodes can share a process.
// A nil *metrics is valid and records nothing.
type metrics struct {
	csEntries      prometheus.Counter
	tokenRequests  prometheus.Counter
	tokensSent     prometheus.Counter
	tokensReceived prometheus.Counter
	forwarded      *prometheus.CounterVec
	handled        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	members        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	var factory = promauto.With(reg)

	return &metrics{
		csEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "servent_critical_section_entries_total",
			Help: "Number of times this servent entered the distributed critical section.",
		}),
		tokenRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "servent_token_requests_total",
			Help: "Number of token requests broadcast by this servent.",
		}),
		tokensSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "servent_tokens_sent_total",
			Help: "Number of times this servent passed the token on.",
		}),
		tokensReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "servent_tokens_received_total",
			Help: "Number of times the token arrived at this servent.",
		}),
		forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "servent_operations_forwarded_total",
			Help: "Ring operations forwarded towards their owner.",
		}, []string{"op"}),
		handled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "servent_operations_handled_total",
			Help: "Ring operations executed by this servent as the key owner.",
		}, []string{"op", "status"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "servent_messages_dropped_total",
			Help: "Inbound messages dropped without a state change.",
		}, []string{"kind"}),
		members: factory.NewGauge(prometheus.GaugeOpts{
			Name: "servent_ring_members",
			Help: "Number of other members known to this servent.",
		}),
	}
}

func (m *metrics) criticalSectionEntered() {
	if m != nil {
		m.csEntries.Inc()
	}
}

func (m *metrics) tokenRequested() {
	if m != nil {
		m.tokenRequests.Inc()
	}
}

func (m *metrics) tokenSent() {
	if m != nil {
		m.tokensSent.Inc()
	}
}

func (m *metrics) tokenReceived() {
	if m != nil {
		m.tokensReceived.Inc()
	}
}

func (m *metrics) operationForwarded(op wire.OpKind) {
	if m != nil {
		m.forwarded.WithLabelValues(string(op)).Inc()
	}
}

func (m *metrics) operationHandled(op wire.OpKind, ok bool) {
	if m == nil {
		return
	}
	var status = "ok"
	if !ok {
		status = "fail"
	}
	m.handled.WithLabelValues(string(op), status).Inc()
}

func (m *metrics) messageDropped(kind wire.Kind) {
	if m != nil {
		m.dropped.WithLabelValues(string(kind)).Inc()
	}
}

func (m *metrics) setMembers(n int) {
	if m != nil {
		m.members.Set(float64(n))
	}
}
