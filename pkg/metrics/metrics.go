// Package metrics holds the Prometheus collectors of the connection core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
    "errors"
    "time"

    "github.com/prometheus/client_golang/prometheus"

    "rircd/pkg/mailbox"
)

const namespace = "rircd"

// Correlator call outcomes, used as the "outcome" label.
const (
    OutcomeOK         = "ok"
    OutcomeTimeout    = "timeout"
    OutcomeNoResponse = "no_response"
    OutcomeSendFailed = "send_failed"
    OutcomeCanceled   = "canceled"
)

type Metrics struct {
    Connections  prometheus.Gauge
    Listeners    prometheus.Gauge
    Accepts      *prometheus.CounterVec
    AcceptErrors *prometheus.CounterVec
    RetireErrors prometheus.Counter
    BytesRead    prometheus.Counter
    Lines        prometheus.Counter
    Calls        *prometheus.CounterVec
    CallLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func New(reg prometheus.Registerer) (*Metrics, error) {
    m := &Metrics{
        Connections: prometheus.NewGauge(prometheus.GaugeOpts{
            Namespace: namespace, Name: "connections",
            Help: "Connection actors currently present in the registry.",
        }),
        Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
            Namespace: namespace, Name: "listeners",
            Help: "Listener actors currently running.",
        }),
        Accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "accepts_total",
            Help: "Accepted connections per listener address.",
        }, []string{"listener"}),
        AcceptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "accept_errors_total",
            Help: "Non-fatal accept errors per listener address.",
        }, []string{"listener"}),
        RetireErrors: prometheus.NewCounter(prometheus.CounterOpts{
            Namespace: namespace, Name: "retire_errors_total",
            Help: "Superseded connections that could not be told to close.",
        }),
        BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
            Namespace: namespace, Name: "read_bytes_total",
            Help: "Bytes read from client sockets.",
        }),
        Lines: prometheus.NewCounter(prometheus.CounterOpts{
            Namespace: namespace, Name: "lines_total",
            Help: "Protocol lines forwarded to the endpoint.",
        }),
        Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "calls_total",
            Help: "Request/response calls by direction and outcome.",
        }, []string{"direction", "outcome"}),
        CallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
            Namespace: namespace, Name: "call_duration_seconds",
            Help:    "Latency of request/response calls.",
            Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
        }, []string{"direction"}),
    }
    if reg == nil { return m, nil }
    for _, c := range []prometheus.Collector{m.Connections, m.Listeners, m.Accepts, m.AcceptErrors, m.RetireErrors, m.BytesRead, m.Lines, m.Calls, m.CallLatency} {
        if err := reg.Register(c); err != nil { return nil, err }
    }
    return m, nil
}

func (m *Metrics) SetConnections(n int) {
    if m == nil { return }
    m.Connections.Set(float64(n))
}

func (m *Metrics) ListenerUp() {
    if m == nil { return }
    m.Listeners.Inc()
}

func (m *Metrics) ListenerDown() {
    if m == nil { return }
    m.Listeners.Dec()
}

func (m *Metrics) Accepted(listener string) {
    if m == nil { return }
    m.Accepts.WithLabelValues(listener).Inc()
}

func (m *Metrics) AcceptFailed(listener string) {
    if m == nil { return }
    m.AcceptErrors.WithLabelValues(listener).Inc()
}

func (m *Metrics) RetireFailed() {
    if m == nil { return }
    m.RetireErrors.Inc()
}

func (m *Metrics) Read(n int) {
    if m == nil { return }
    m.BytesRead.Add(float64(n))
}

func (m *Metrics) Line() {
    if m == nil { return }
    m.Lines.Inc()
}

// ObserveCall records one correlator call.
func (m *Metrics) ObserveCall(direction string, start time.Time, err error) {
    if m == nil { return }
    outcome := Outcome(err)
    m.Calls.WithLabelValues(direction, outcome).Inc()
    m.CallLatency.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}

// Outcome maps a correlator error to its label value.
func Outcome(err error) string {
    switch {
    case err == nil:
        return OutcomeOK
    case errors.Is(err, mailbox.ErrTimeout):
        return OutcomeTimeout
    case errors.Is(err, mailbox.ErrNoResponse):
        return OutcomeNoResponse
    case errors.Is(err, mailbox.ErrSendFailed):
        return OutcomeSendFailed
    default:
        return OutcomeCanceled
    }
}

// IsAlreadyRegistered reports whether err came from registering the same
// collectors twice, which callers sharing a registry may ignore.
func IsAlreadyRegistered(err error) bool {
    var are prometheus.AlreadyRegisteredError
    return errors.As(err, &are)
}
