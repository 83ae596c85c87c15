package chatcore

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for the messaging core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages         *prometheus.CounterVec
	feedEvents       *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	uploads          *prometheus.CounterVec
	reconnects       prometheus.Counter
	resyncs          prometheus.Counter
	presenceFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tendly",
			Subsystem: "chat",
			Name:      "message_ops_total",
			Help:      "Message operations by op and result.",
		}, []string{"op", "result"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tendly",
			Subsystem: "chat",
			Name:      "feed_events_total",
			Help:      "Change-feed events applied, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tendly",
			Subsystem: "chat",
			Name:      "feed_events_dropped_total",
			Help:      "Change-feed events discarded, by reason.",
		}, []string{"reason"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tendly",
			Subsystem: "chat",
			Name:      "attachment_uploads_total",
			Help:      "Attachment uploads by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tendly",
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Realtime socket reconnect attempts.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tendly",
			Subsystem: "chat",
			Name:      "history_resyncs_total",
			Help:      "History re-fetches after a subscription was re-established.",
		}),
		presenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tendly",
			Subsystem: "realtime",
			Name:      "presence_failures_total",
			Help:      "Typing broadcasts that could not be delivered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.feedEvents, m.dropped, m.uploads, m.reconnects, m.resyncs, m.presenceFailures)
	}
	return m
}

func (m *Metrics) messageOp(op, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(op, result).Inc()
}

func (m *Metrics) feedEvent(kind EventKind) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) droppedEvent(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) presenceFailure() {
	if m == nil {
		return
	}
	m.presenceFailures.Inc()
}
