package httpapi

import (
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const latencyWindowSize = 1024

// Metrics keeps in-process request counters for GET /stats.
type Metrics struct {
	mu       sync.Mutex
	requests map[string]map[string]int64
	latency  map[string]*latencyWindow

	inflight     atomic.Int64
	bytesOut     atomic.Int64
	rangeReads   atomic.Int64
	readFailures atomic.Int64
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Requests     map[string]map[string]int64 `json:"requests"`
	Latency      map[string]LatencyStats     `json:"latency"`
	Inflight     int64                       `json:"inflight"`
	BytesOut     int64                       `json:"bytes_out"`
	RangeReads   int64                       `json:"range_reads"`
	ReadFailures int64                       `json:"read_failures"`
}

// LatencyStats captures p50/p95/p99 in milliseconds.
type LatencyStats struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
	N   int     `json:"n"`
}

// NewMetrics creates a Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: make(map[string]map[string]int64),
		latency:  make(map[string]*latencyWindow),
	}
}

// Record counts one finished request of op by status class.
func (m *Metrics) Record(op string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	class := strconv.Itoa(status/100) + "xx"
	m.mu.Lock()
	byClass := m.requests[op]
	if byClass == nil {
		byClass = make(map[string]int64)
		m.requests[op] = byClass
	}
	byClass[class]++
	window := m.latency[op]
	if window == nil {
		window = &latencyWindow{values: make([]int64, latencyWindowSize)}
		m.latency[op] = window
	}
	window.add(dur)
	m.mu.Unlock()
}

func (m *Metrics) addBytesOut(n int64) {
	if m != nil && n > 0 {
		m.bytesOut.Add(n)
	}
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Stats {
	st := Stats{
		Requests: make(map[string]map[string]int64),
		Latency:  make(map[string]LatencyStats),
	}
	if m == nil {
		return st
	}
	m.mu.Lock()
	for op, byClass := range m.requests {
		cp := make(map[string]int64, len(byClass))
		for class, v := range byClass {
			cp[class] = v
		}
		st.Requests[op] = cp
	}
	for op, window := range m.latency {
		st.Latency[op] = window.snapshot()
	}
	m.mu.Unlock()
	st.Inflight = m.inflight.Load()
	st.BytesOut = m.bytesOut.Load()
	st.RangeReads = m.rangeReads.Load()
	st.ReadFailures = m.readFailures.Load()
	return st
}

// latencyWindow is a ring of recent durations; callers hold Metrics.mu.
type latencyWindow struct {
	values []int64
	idx    int
	filled bool
}

func (w *latencyWindow) add(d time.Duration) {
	w.values[w.idx] = d.Milliseconds()
	w.idx++
	if w.idx >= len(w.values) {
		w.idx = 0
		w.filled = true
	}
}

func (w *latencyWindow) snapshot() LatencyStats {
	n := w.idx
	if w.filled {
		n = len(w.values)
	}
	if n == 0 {
		return LatencyStats{}
	}
	sample := slices.Clone(w.values[:n])
	slices.Sort(sample)
	return LatencyStats{
		P50: percentile(sample, 0.50),
		P95: percentile(sample, 0.95),
		P99: percentile(sample, 0.99),
		N:   n,
	}
}

func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	pos := p * float64(len(values)-1)
	idx := int(pos)
	if idx+1 >= len(values) {
		return float64(values[idx])
	}
	frac := pos - float64(idx)
	return float64(values[idx])*(1-frac) + float64(values[idx+1])*frac
}
