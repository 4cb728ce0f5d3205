package dstc

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Dispatch counters
	DispatchedTotal  int `json:"dispatched_total"`
	DispatchedOK     int `json:"dispatched_ok"`
	DispatchFailed   int `json:"dispatch_failed"`
	UnknownFunction  int `json:"unknown_function"`
	UnknownReference int `json:"unknown_reference"`
	DecodeErrors     int `json:"decode_errors"`
	HandlerErrors    int `json:"handler_errors"`
	RateLimited      int `json:"rate_limited"`

	// Callbacks
	CallbacksMinted    int `json:"callbacks_minted"`
	CallbacksConsumed  int `json:"callbacks_consumed"`
	CallbacksCancelled int `json:"callbacks_cancelled"`
	CallbacksPending   int `json:"callbacks_pending"`

	// Dispatch latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe collector for dispatch outcomes
type Metrics struct {
	mu sync.RWMutex

	maxLatencySamples int

	dispatchedTotal  int
	dispatchedOK     int
	dispatchFailed   int
	unknownFunction  int
	unknownReference int
	decodeErrors     int
	handlerErrors    int
	rateLimited      int

	callbacksMinted    int
	callbacksConsumed  int
	callbacksCancelled int

	// Latency samples (circular buffer via slice)
	latencies []float64
}

// NewMetrics creates a new Metrics instance
func NewMetrics(maxLatencySamples int) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}

	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		latencies:         make([]float64, 0, maxLatencySamples),
	}
}

// RecordDispatch records the outcome of one dispatched message
func (m *Metrics) RecordDispatch(start time.Time, err error) {
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()

	m.dispatchedTotal++
	if err == nil {
		m.dispatchedOK++
	} else {
		m.dispatchFailed++
		var herr *HandlerError
		switch {
		case errors.As(err, &herr):
			m.handlerErrors++
		case errors.Is(err, ErrUnknownFunction):
			m.unknownFunction++
		case errors.Is(err, ErrUnknownReference):
			m.unknownReference++
		case errors.Is(err, ErrTruncatedPayload), errors.Is(err, ErrTrailingBytes):
			m.decodeErrors++
		case errors.Is(err, ErrRateLimited):
			m.rateLimited++
		}
	}

	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)
}

// RecordCallbacksMinted records n callback identities handed to a peer
func (m *Metrics) RecordCallbacksMinted(n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacksMinted += n
}

// RecordCallbackConsumed records a callback delivery matched to its registration
func (m *Metrics) RecordCallbackConsumed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacksConsumed++
}

// RecordCallbackCancelled records a callback dropped before delivery
func (m *Metrics) RecordCallbackCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacksCancelled++
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		DispatchedTotal:    m.dispatchedTotal,
		DispatchedOK:       m.dispatchedOK,
		DispatchFailed:     m.dispatchFailed,
		UnknownFunction:    m.unknownFunction,
		UnknownReference:   m.unknownReference,
		DecodeErrors:       m.decodeErrors,
		HandlerErrors:      m.handlerErrors,
		RateLimited:        m.rateLimited,
		CallbacksMinted:    m.callbacksMinted,
		CallbacksConsumed:  m.callbacksConsumed,
		CallbacksCancelled: m.callbacksCancelled,
		Timestamp:          time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]

		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snapshot.LatencyAvgMs = sum / float64(n)

		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[n*95/100]
		snapshot.LatencyP99Ms = latencies[n*99/100]
	}

	return snapshot
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dispatchedTotal = 0
	m.dispatchedOK = 0
	m.dispatchFailed = 0
	m.unknownFunction = 0
	m.unknownReference = 0
	m.decodeErrors = 0
	m.handlerErrors = 0
	m.rateLimited = 0
	m.callbacksMinted = 0
	m.callbacksConsumed = 0
	m.callbacksCancelled = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
}
