// Package observability keeps in-process counters for the registration
// service and serves them as JSON.
package observability

import (
	"sync"
	"time"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// EntitySnapshot counts saga step outcomes for one entity type.
type EntitySnapshot struct {
	Outcomes     map[string]int64 `json:"outcomes"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	Entities        map[string]EntitySnapshot `json:"entities,omitempty"`
	Transitions     map[string]int64          `json:"transitions,omitempty"`
	Breakers        map[string]string         `json:"breakers,omitempty"`
	BreakerTrips    int64                     `json:"breaker_trips"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type entityStats struct {
	outcomes     map[string]int64
	count        int64
	totalLatency time.Duration
}

type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	entities       map[string]*entityStats
	transitions    map[string]int64
	breakers       map[string]string
	breakerTrips   int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:       time.Now(),
		methods:     make(map[string]*methodStats),
		entities:    make(map[string]*entityStats),
		transitions: make(map[string]int64),
		breakers:    make(map[string]string),
	}
}

// Start opens a span for a transport-level call.
func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// ObserveOperation records a completed orchestrator operation under the
// "registration." prefix so it sits beside transport methods.
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	method := "registration." + op
	m.mu.Lock()
	m.ensureMethod(method).inFlight++
	m.mu.Unlock()
	m.finish(method, d, err != nil)
}

// ObserveEntity records the outcome of one saga step.
func (m *Metrics) ObserveEntity(entity, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.entities[entity]
	if !ok {
		stats = &entityStats{outcomes: make(map[string]int64)}
		m.entities[entity] = stats
	}
	stats.outcomes[outcome]++
	stats.count++
	stats.totalLatency += d
}

// ObserveTransition counts status changes keyed "from>to".
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.transitions[from+">"+to]++
	m.mu.Unlock()
}

// ObserveBreaker tracks the latest state of a named circuit breaker.
func (m *Metrics) ObserveBreaker(name, from, to string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakers[name] = to
	if to == "open" {
		m.breakerTrips++
	}
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
		BreakerTrips:    m.breakerTrips,
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if len(m.entities) > 0 {
		snap.Entities = make(map[string]EntitySnapshot, len(m.entities))
		for entity, stats := range m.entities {
			outcomes := make(map[string]int64, len(stats.outcomes))
			for k, v := range stats.outcomes {
				outcomes[k] = v
			}
			avg := 0.0
			if stats.count > 0 {
				avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
			}
			snap.Entities[entity] = EntitySnapshot{Outcomes: outcomes, AvgLatencyMs: avg}
		}
	}
	if len(m.transitions) > 0 {
		snap.Transitions = make(map[string]int64, len(m.transitions))
		for k, v := range m.transitions {
			snap.Transitions[k] = v
		}
	}
	if len(m.breakers) > 0 {
		snap.Breakers = make(map[string]string, len(m.breakers))
		for k, v := range m.breakers {
			snap.Breakers[k] = v
		}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

// MarkShutdown records the drain point so /metrics can report it.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
