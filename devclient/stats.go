package devclient

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var labels = []string{"target"}

var stats = &metrics{
	sentPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlhub",
		Subsystem: "device_client",
		Name:      "packets_sent_total",
		Help:      "Number of datagrams sent to the target, by channel.",
	}, []string{"target", "channel"}),

	receivedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlhub",
		Subsystem: "device_client",
		Name:      "packets_received_total",
		Help:      "Number of datagrams received from the target.",
	}, labels),

	recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlhub",
		Subsystem: "device_client",
		Name:      "recoveries_total",
		Help:      "Number of status-assisted retries, by recovery branch.",
	}, []string{"target", "branch"}),

	failures: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlhub",
		Subsystem: "device_client",
		Name:      "failures_total",
		Help:      "Number of requests failed back to the requester, by error code.",
	}, []string{"target", "code"}),

	queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "controlhub",
		Subsystem: "device_client",
		Name:      "queue_depth",
		Help:      "Number of requests queued behind the in-flight packet.",
	}, labels),
}

type metrics struct {
	sentPackets     *prometheus.CounterVec
	receivedPackets *prometheus.CounterVec
	recoveries      *prometheus.CounterVec
	failures        *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

func init() {
	prometheus.MustRegister(stats.sentPackets)
	prometheus.MustRegister(stats.receivedPackets)
	prometheus.MustRegister(stats.recoveries)
	prometheus.MustRegister(stats.failures)
	prometheus.MustRegister(stats.queueDepth)
}

func (m *metrics) newTarget(target string) {
	m.sentPackets.WithLabelValues(target, "control").Add(0)
	m.receivedPackets.WithLabelValues(target).Add(0)
	m.queueDepth.WithLabelValues(target).Set(0)
}

func (m *metrics) sent(target, channel string) {
	m.sentPackets.WithLabelValues(target, channel).Inc()
}

func (m *metrics) received(target string) {
	m.receivedPackets.WithLabelValues(target).Inc()
}

func (m *metrics) recovered(target, branch string) {
	m.recoveries.WithLabelValues(target, branch).Inc()
}

func (m *metrics) failed(target string, code uint16) {
	m.failures.WithLabelValues(target, strconv.Itoa(int(code))).Inc()
}

func (m *metrics) queued(target string, n int) {
	m.queueDepth.WithLabelValues(target).Set(float64(n))
}
