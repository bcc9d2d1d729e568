package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// LiveSessions tracks registered session tokens.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_live_sessions",
		Help: "Currently registered session tokens.",
	})

	// ActiveCalls tracks calls in RINGING or ACTIVE state.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_calls",
		Help: "Calls that are ringing or active.",
	})

	// MessagesRelayed counts chat messages by outcome (ok, forbidden, routing, ...).
	MessagesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Chat messages processed by outcome.",
		},
		[]string{"outcome"},
	)

	// Deliveries counts pushes to sessions by event kind and result.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Outbound pushes by event kind and result.",
		},
		[]string{"event", "result"},
	)

	// CallTransitions counts call state changes.
	CallTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_call_transitions_total",
			Help: "Call state transitions by target state and cause.",
		},
		[]string{"state", "cause"},
	)

	// TicketEvents counts ticket-created notifications by source and outcome.
	TicketEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ticket_events_total",
			Help: "Ticket-created events by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
)

// Init registers all collectors in the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			LiveSessions, ActiveCalls, MessagesRelayed, Deliveries, CallTransitions, TicketEvents,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses id segments so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "chat" && parts[2] == "messages" {
		parts[3] = ":ticketId"
		return "/" + strings.Join(parts, "/")
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the instrumented chain.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("obs: response writer does not support hijacking")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}
