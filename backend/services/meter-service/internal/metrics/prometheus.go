// Package metrics registers and records Prometheus metrics for MQTT ingestion,
// pulse application, counter state, the HTTP API and the live update feed.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MQTTMessagesReceived *prometheus.CounterVec
	MQTTConnected        prometheus.Gauge
	MQTTConnects         prometheus.Counter
	MQTTDisconnects      prometheus.Counter
	MessagesDropped      *prometheus.CounterVec
	IngestQueueDepth     prometheus.Gauge
	PulsesApplied        *prometheus.CounterVec
	PulsesFailed         *prometheus.CounterVec
	PulseApplyDuration   prometheus.Histogram
	CounterValue         *prometheus.GaugeVec
	CounterResets        *prometheus.CounterVec
	HTTPRequests         *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	WSClients            prometheus.Gauge

	metricsMu         sync.RWMutex
	currentRegisterer prometheus.Registerer
	registered        []prometheus.Collector
)

func init() {
	SetRegisterer(prometheus.DefaultRegisterer)
}

// SetRegisterer unregisters every collector from the current registerer, recreates them
// against registerer and returns the previous one so tests can restore it.
func SetRegisterer(registerer prometheus.Registerer) prometheus.Registerer {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	previous := currentRegisterer
	if currentRegisterer != nil {
		for _, c := range registered {
			currentRegisterer.Unregister(c)
		}
	}
	currentRegisterer = registerer
	initializeMetrics(registerer)
	return previous
}

// Handler exposes the current registry in the Prometheus text format.
func Handler() http.Handler {
	metricsMu.RLock()
	defer metricsMu.RUnlock()

	if g, ok := currentRegisterer.(prometheus.Gatherer); ok && currentRegisterer != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// initializeMetrics must be called while holding metricsMu.
func initializeMetrics(registerer prometheus.Registerer) {
	factory := promauto.With(registerer)
	registered = registered[:0]
	track := func(c prometheus.Collector) {
		registered = append(registered, c)
	}

	MQTTMessagesReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_mqtt_messages_received_total",
		Help: "MQTT messages received by topic kind",
	}, []string{"kind"})
	track(MQTTMessagesReceived)

	MQTTConnected = factory.NewGauge(prometheus.GaugeOpts{
		Name: "meter_mqtt_connected",
		Help: "1 when the MQTT client is connected",
	})
	track(MQTTConnected)

	MQTTConnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "meter_mqtt_connects_total",
		Help: "Successful MQTT connections including reconnects",
	})
	track(MQTTConnects)

	MQTTDisconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "meter_mqtt_disconnects_total",
		Help: "Lost MQTT connections",
	})
	track(MQTTDisconnects)

	MessagesDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_messages_dropped_total",
		Help: "Inbound messages dropped before any pulse was applied",
	}, []string{"reason"})
	track(MessagesDropped)

	IngestQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "meter_ingest_queue_depth",
		Help: "Messages waiting in the ingest queue",
	})
	track(IngestQueueDepth)

	PulsesApplied = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_pulses_applied_total",
		Help: "Pulses committed to a counter",
	}, []string{"counter"})
	track(PulsesApplied)

	PulsesFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_pulses_failed_total",
		Help: "Pulses whose transaction was rolled back",
	}, []string{"reason"})
	track(PulsesFailed)

	PulseApplyDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "meter_pulse_apply_duration_seconds",
		Help:    "Latency of a single pulse transaction",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	track(PulseApplyDuration)

	CounterValue = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meter_counter_value_cubic_meters",
		Help: "Last known counter reading in cubic metres",
	}, []string{"counter"})
	track(CounterValue)

	CounterResets = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_counter_resets_total",
		Help: "Counter resets performed",
	}, []string{"counter"})
	track(CounterResets)

	HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_http_requests_total",
		Help: "HTTP requests served",
	}, []string{"route", "method", "status"})
	track(HTTPRequests)

	HTTPRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meter_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
	track(HTTPRequestDuration)

	WSClients = factory.NewGauge(prometheus.GaugeOpts{
		Name: "meter_ws_clients",
		Help: "Connected live update subscribers",
	})
	track(WSClients)
}

// RecordMessage counts an inbound MQTT message of the given kind.
func RecordMessage(kind string) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	MQTTMessagesReceived.WithLabelValues(kind).Inc()
}

// RecordDropped counts a message rejected before application.
func RecordDropped(reason string) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	MessagesDropped.WithLabelValues(reason).Inc()
}

// SetQueueDepth reports the ingest queue length.
func SetQueueDepth(n int) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	IngestQueueDepth.Set(float64(n))
}

// RecordPulse records the outcome of one pulse transaction.
func RecordPulse(counter string, err error, dur time.Duration, reason string) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	PulseApplyDuration.Observe(dur.Seconds())
	if err != nil {
		PulsesFailed.WithLabelValues(reason).Inc()
		return
	}
	PulsesApplied.WithLabelValues(counter).Inc()
}

// SetCounterValue publishes the latest reading of a counter.
func SetCounterValue(counter string, value float64) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	CounterValue.WithLabelValues(counter).Set(value)
}

// RecordReset counts a counter reset.
func RecordReset(counter string) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	CounterResets.WithLabelValues(counter).Inc()
}

// RecordMQTTConnection tracks broker connectivity.
func RecordMQTTConnection(connected bool) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if connected {
		MQTTConnected.Set(1)
		MQTTConnects.Inc()
		return
	}
	MQTTConnected.Set(0)
	MQTTDisconnects.Inc()
}

// ObserveHTTPRequest records one served request under its route pattern.
func ObserveHTTPRequest(route, method string, status int, dur time.Duration) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if route == "" {
		route = "other"
	}
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// SetWSClients reports the number of live update subscribers.
func SetWSClients(n int) {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	WSClients.Set(float64(n))
}
