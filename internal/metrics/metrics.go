// Package metrics exposes the Prometheus collectors scraped at /metrics.
package metrics

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synckit_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_connections_rejected_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	// Message metrics
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_messages_received_total",
		Help: "Total messages received from clients by type",
	}, []string{"type"})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_messages_sent_total",
		Help: "Total messages sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	// Abuse-control metrics
	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_rate_limited_messages_total",
		Help: "Total messages rejected by the rate limiter",
	})

	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_auth_failures_total",
		Help: "Total authentication failures",
	})

	wireErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_wire_errors_total",
		Help: "Total error frames sent by error code",
	}, []string{"code"})

	// Document metrics
	documentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synckit_documents_active",
		Help: "Documents with at least one subscriber on this instance",
	})

	deltasApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_deltas_applied_total",
		Help: "Total deltas merged into document state",
	})

	broadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "synckit_broadcast_fanout",
		Help:    "Number of recipients per document broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	// Cross-instance metrics
	pubsubPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_pubsub_published_total",
		Help: "Total messages published to the cross-instance bus",
	})

	pubsubReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synckit_pubsub_received_total",
		Help: "Total messages received from the cross-instance bus",
	})

	// System metrics
	memoryRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synckit_memory_rss_bytes",
		Help: "Resident set size of the server process",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synckit_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)

	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(bytesSent)

	prometheus.MustRegister(rateLimitedMessages)
	prometheus.MustRegister(authFailures)
	prometheus.MustRegister(wireErrors)

	prometheus.MustRegister(documentsActive)
	prometheus.MustRegister(deltasApplied)
	prometheus.MustRegister(broadcastFanout)

	prometheus.MustRegister(pubsubPublished)
	prometheus.MustRegister(pubsubReceived)

	prometheus.MustRegister(memoryRSSBytes)
	prometheus.MustRegister(goroutinesActive)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector samples process-level metrics on a fixed interval.
type Collector struct {
	interval time.Duration
	stopCh   chan struct{}
	proc     *process.Process
}

// NewCollector builds a collector sampling every interval.
func NewCollector(interval time.Duration) *Collector {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		stopCh:   make(chan struct{}),
		proc:     proc,
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	goroutinesActive.Set(float64(runtime.NumGoroutine()))
	if c.proc != nil {
		if mem, err := c.proc.MemoryInfo(); err == nil {
			memoryRSSBytes.Set(float64(mem.RSS))
		}
	}
}

// ConnectionOpened records an accepted connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a closed connection.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// ConnectionRejected records a refused upgrade with its reason.
func ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// MessageReceived records one inbound message of the given wire type.
func MessageReceived(messageType string, size int) {
	messagesReceived.WithLabelValues(messageType).Inc()
	bytesReceived.Add(float64(size))
}

// MessageSent records one outbound frame.
func MessageSent(size int) {
	messagesSent.Inc()
	bytesSent.Add(float64(size))
}

// RateLimited records a message rejected by the rate limiter.
func RateLimited() {
	rateLimitedMessages.Inc()
}

// AuthFailure records a failed authentication attempt.
func AuthFailure() {
	authFailures.Inc()
}

// WireError records an error frame sent to a client.
func WireError(code string) {
	wireErrors.WithLabelValues(code).Inc()
}

// SetActiveDocuments tracks documents with local subscribers.
func SetActiveDocuments(n int) {
	documentsActive.Set(float64(n))
}

// DeltaApplied records one merged delta.
func DeltaApplied() {
	deltasApplied.Inc()
}

// BroadcastFanout records the recipient count of one broadcast.
func BroadcastFanout(recipients int) {
	broadcastFanout.Observe(float64(recipients))
}

// PubsubPublished records one publish to the bus.
func PubsubPublished() {
	pubsubPublished.Inc()
}

// PubsubReceived records one message consumed from the bus.
func PubsubReceived() {
	pubsubReceived.Inc()
}
