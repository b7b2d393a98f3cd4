package network

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the ADNL transports. A nil
// *Metrics records nothing.
type Metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	messages        *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	connections     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adnl",
			Name:      "packets_sent_total",
			Help:      "Packets or frames written to the network.",
		}, []string{"transport"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adnl",
			Name:      "packets_received_total",
			Help:      "Packets or frames read from the network.",
		}, []string{"transport"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adnl",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets discarded, by reason.",
		}, []string{"transport", "reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adnl",
			Name:      "messages_dispatched_total",
			Help:      "Inbound messages dispatched, by TL type.",
		}, []string{"type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adnl",
			Name:      "requests_total",
			Help:      "Outbound queries and pings, by result.",
		}, []string{"kind", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "adnl",
			Name:      "request_duration_seconds",
			Help:      "Round trip time of successful queries and pings.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"kind"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "adnl",
			Name:      "connections",
			Help:      "Open TCP connections and known UDP peers.",
		}, []string{"transport"}),
	}

	for _, c := range []prometheus.Collector{
		m.packetsSent, m.packetsReceived, m.packetsDropped,
		m.messages, m.requests, m.requestDuration, m.connections,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sent(transport string) {
	if m != nil {
		m.packetsSent.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) received(transport string) {
	if m != nil {
		m.packetsReceived.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) dropped(transport, reason string) {
	if m != nil {
		m.packetsDropped.WithLabelValues(transport, reason).Inc()
	}
}

func (m *Metrics) dispatched(msgType string) {
	if m != nil {
		m.messages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) request(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
	if result == "ok" {
		m.requestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) connectionOpened(transport string) {
	if m != nil {
		m.connections.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) connectionClosed(transport string) {
	if m != nil {
		m.connections.WithLabelValues(transport).Dec()
	}
}
