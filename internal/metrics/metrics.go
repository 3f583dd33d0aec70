// Package metrics exposes Prometheus collectors for the session transport,
// the console controller and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/omnidesk/internal/conversation"
	"github.com/ashureev/omnidesk/internal/session"
)

const namespace = "omnidesk"

var (
	connectionStates = []session.State{session.Disconnected, session.Connecting, session.Connected, session.Closing}
	activities       = []conversation.Activity{conversation.ActivityIdle, conversation.ActivityRunning, conversation.ActivityError}
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	framesDecoded      *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	reconnects         prometheus.Counter
	reconnectAttempt   prometheus.Gauge
	connectionState    *prometheus.GaugeVec
	stateTransitions   *prometheus.CounterVec
	intentsPublished   *prometheus.CounterVec
	agentActivity      *prometheus.GaugeVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Inbound frames decoded, by message type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnection attempts scheduled after an unintentional loss.",
		}),
		reconnectAttempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_attempt",
			Help:      "Attempt number of the most recently scheduled reconnect; 0 after a successful connect.",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the transport's current connection state, 0 otherwise.",
		}, []string{"state"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Transport state transitions, by target state.",
		}, []string{"state"}),
		intentsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_published_total",
			Help:      "Operator intents sent to the agent, by frame type and result.",
		}, []string{"type", "result"}),
		agentActivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_activity",
			Help:      "1 for the agent's current activity, 0 otherwise.",
		}, []string{"activity"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesDecoded,
		m.framesDropped,
		m.reconnects,
		m.reconnectAttempt,
		m.connectionState,
		m.stateTransitions,
		m.intentsPublished,
		m.agentActivity,
		m.httpRequestsTotal,
		m.httpRequestSeconds,
	)

	m.ConnectionStateChanged(session.Disconnected)
	m.setActivity(conversation.ActivityIdle)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FrameDecoded implements session.Recorder.
func (m *Metrics) FrameDecoded(frameType string) {
	m.framesDecoded.WithLabelValues(frameType).Inc()
}

// FrameDropped implements session.Recorder.
func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ReconnectScheduled implements session.Recorder.
func (m *Metrics) ReconnectScheduled(attempt int) {
	m.reconnects.Inc()
	m.reconnectAttempt.Set(float64(attempt))
}

// ConnectionStateChanged is fed from the transport's OnStateChange hook.
func (m *Metrics) ConnectionStateChanged(s session.State) {
	for _, st := range connectionStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(st.String()).Set(v)
	}
	m.stateTransitions.WithLabelValues(s.String()).Inc()
	if s == session.Connected {
		m.reconnectAttempt.Set(0)
	}
}

// IntentPublished implements console.Recorder.
func (m *Metrics) IntentPublished(frameType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.intentsPublished.WithLabelValues(frameType, result).Inc()
}

// ActivityChanged implements console.Recorder.
func (m *Metrics) ActivityChanged(a conversation.Activity) {
	m.setActivity(a)
}

func (m *Metrics) setActivity(a conversation.Activity) {
	for _, act := range activities {
		v := 0.0
		if act == a {
			v = 1
		}
		m.agentActivity.WithLabelValues(string(act)).Set(v)
	}
}

// Middleware records request counts and latencies by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
