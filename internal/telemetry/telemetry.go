package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/terralens/geolocator/config"
)

// Telemetry aggregates engine metrics: an in-memory snapshot for the ops
// endpoints plus Prometheus collectors scraped at /metrics.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
	mu      sync.RWMutex

	requestsTotal  *prometheus.CounterVec
	taskAttempts   *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	gatewayCalls   *prometheus.CounterVec
	breakerOpens   prometheus.Counter
	inflightAgents prometheus.Gauge
}

// Metrics holds cumulative engine counters.
type Metrics struct {
	mu sync.RWMutex

	TotalRequests     int64
	CompletedRequests int64
	FailedRequests    int64
	CancelledRequests int64

	TaskExecutions map[string]int64
	TaskFailures   map[string]int64
	TaskRetries    map[string]int64

	GatewayCalls    map[string]int64
	GatewayFailures map[string]int64
	BreakerOpens    int64
}

// RequestEvent captures one request reaching a terminal state.
type RequestEvent struct {
	RequestID      string
	Terminal       string
	ProcessingTime time.Duration
	Stages         int
	Findings       int
}

// TaskEvent captures one agent task attempt.
type TaskEvent struct {
	TaskID   string
	Role     string
	Attempt  int
	Success  bool
	Retried  bool
	Duration time.Duration
	Error    string
}

// GatewayEvent captures one mediated external source call.
type GatewayEvent struct {
	Source      string
	Success     bool
	CircuitOpen bool
	Duration    time.Duration
}

// New creates a telemetry instance and registers its collectors on the
// default Prometheus registerer.
func New(cfg config.TelemetryConfig) *Telemetry {
	return NewWithRegisterer(cfg, prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a telemetry instance against a caller-supplied
// registerer. Tests use a fresh registry to avoid duplicate registration.
func NewWithRegisterer(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	factory := promauto.With(reg)
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			TaskExecutions:  make(map[string]int64),
			TaskFailures:    make(map[string]int64),
			TaskRetries:     make(map[string]int64),
			GatewayCalls:    make(map[string]int64),
			GatewayFailures: make(map[string]int64),
		},
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geolocator_requests_total",
			Help: "Analysis requests by terminal state.",
		}, []string{"terminal"}),
		taskAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geolocator_task_attempts_total",
			Help: "Agent task attempts by role and outcome.",
		}, []string{"role", "outcome"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geolocator_task_duration_seconds",
			Help:    "Agent task attempt durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geolocator_stage_duration_seconds",
			Help:    "Stage wall-clock durations.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		gatewayCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geolocator_gateway_calls_total",
			Help: "External source calls by source and outcome.",
		}, []string{"source", "outcome"}),
		breakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "geolocator_gateway_breaker_opens_total",
			Help: "Circuit breaker open transitions.",
		}),
		inflightAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "geolocator_inflight_agents",
			Help: "Agent executor calls currently in flight.",
		}),
	}
	return t
}

// RecordRequestEvent records a request terminal transition.
func (t *Telemetry) RecordRequestEvent(ev RequestEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.TotalRequests++
	switch ev.Terminal {
	case "completed":
		t.metrics.CompletedRequests++
	case "failed":
		t.metrics.FailedRequests++
	case "cancelled":
		t.metrics.CancelledRequests++
	}
	t.metrics.mu.Unlock()
	t.requestsTotal.WithLabelValues(ev.Terminal).Inc()
	if t.config.Enabled {
		t.logger.Printf("request %s %s in %v (%d stages, %d findings)",
			ev.RequestID, ev.Terminal, ev.ProcessingTime, ev.Stages, ev.Findings)
	}
}

// RecordTaskEvent records one agent task attempt.
func (t *Telemetry) RecordTaskEvent(ev TaskEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.TaskExecutions[ev.Role]++
	if !ev.Success {
		t.metrics.TaskFailures[ev.Role]++
	}
	if ev.Retried {
		t.metrics.TaskRetries[ev.Role]++
	}
	t.metrics.mu.Unlock()
	outcome := "success"
	if !ev.Success {
		outcome = "failure"
	}
	t.taskAttempts.WithLabelValues(ev.Role, outcome).Inc()
	t.taskDuration.WithLabelValues(ev.Role).Observe(ev.Duration.Seconds())
}

// RecordStageDuration records a stage wall-clock duration.
func (t *Telemetry) RecordStageDuration(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordGatewayEvent records a mediated external source call.
func (t *Telemetry) RecordGatewayEvent(ev GatewayEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.GatewayCalls[ev.Source]++
	if !ev.Success {
		t.metrics.GatewayFailures[ev.Source]++
	}
	t.metrics.mu.Unlock()
	outcome := "success"
	switch {
	case ev.CircuitOpen:
		outcome = "circuit_open"
	case !ev.Success:
		outcome = "failure"
	}
	t.gatewayCalls.WithLabelValues(ev.Source, outcome).Inc()
}

// RecordBreakerOpen records a circuit breaker opening for a source.
func (t *Telemetry) RecordBreakerOpen(source string) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.BreakerOpens++
	t.metrics.mu.Unlock()
	t.breakerOpens.Inc()
	t.logger.Printf("circuit breaker opened for source %s", source)
}

// AgentStarted / AgentFinished track the in-flight executor gauge.
func (t *Telemetry) AgentStarted() {
	if t != nil {
		t.inflightAgents.Inc()
	}
}

func (t *Telemetry) AgentFinished() {
	if t != nil {
		t.inflightAgents.Dec()
	}
}

// GetMetrics returns a copy of the cumulative counters.
func (t *Telemetry) GetMetrics() Metrics {
	t.metrics.mu.RLock()
	defer t.metrics.mu.RUnlock()

	out := Metrics{
		TotalRequests:     t.metrics.TotalRequests,
		CompletedRequests: t.metrics.CompletedRequests,
		FailedRequests:    t.metrics.FailedRequests,
		CancelledRequests: t.metrics.CancelledRequests,
		BreakerOpens:      t.metrics.BreakerOpens,
		TaskExecutions:    make(map[string]int64, len(t.metrics.TaskExecutions)),
		TaskFailures:      make(map[string]int64, len(t.metrics.TaskFailures)),
		TaskRetries:       make(map[string]int64, len(t.metrics.TaskRetries)),
		GatewayCalls:      make(map[string]int64, len(t.metrics.GatewayCalls)),
		GatewayFailures:   make(map[string]int64, len(t.metrics.GatewayFailures)),
	}
	for k, v := range t.metrics.TaskExecutions {
		out.TaskExecutions[k] = v
	}
	for k, v := range t.metrics.TaskFailures {
		out.TaskFailures[k] = v
	}
	for k, v := range t.metrics.TaskRetries {
		out.TaskRetries[k] = v
	}
	for k, v := range t.metrics.GatewayCalls {
		out.GatewayCalls[k] = v
	}
	for k, v := range t.metrics.GatewayFailures {
		out.GatewayFailures[k] = v
	}
	return out
}
