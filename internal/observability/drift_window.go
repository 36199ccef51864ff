package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// DriftStats summarizes the absolute clock drift observed for one
// source, in seconds.
type DriftStats struct {
	Source     string  `json:"source"`
	Samples    int     `json:"samples"`
	LastS      float64 `json:"last_s"`
	AvgS       float64 `json:"avg_s"`
	P50S       float64 `json:"p50_s"`
	P95S       float64 `json:"p95_s"`
	P99S       float64 `json:"p99_s"`
	TargetP95S float64 `json:"target_p95_s,omitempty"`
}

type DriftIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type DriftSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Sources     []DriftStats     `json:"sources"`
	Indicators  []DriftIndicator `json:"indicators,omitempty"`
}

// DriftWindow keeps a rolling window of clock-drift observations per
// source so the debug endpoint can report how far client countdowns
// stray from the hub's.
type DriftWindow struct {
	mu         sync.RWMutex
	maxSamples int
	sources    map[string]*driftBuffer
	indicators map[string]int
}

type driftBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewDriftWindow(maxSamples int) *DriftWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &DriftWindow{
		maxSamples: maxSamples,
		sources:    make(map[string]*driftBuffer),
		indicators: make(map[string]int),
	}
}

func (w *DriftWindow) Observe(source string, seconds float64) {
	if source == "" || seconds < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.sources[source]
	if !ok {
		buf = &driftBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.sources[source] = buf
	}
	buf.values[buf.next] = seconds
	buf.last = seconds
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *DriftWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *DriftWindow) Snapshot() DriftSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	sources := make([]DriftStats, 0, len(w.sources))
	keys := make([]string, 0, len(w.sources))
	for source := range w.sources {
		keys = append(keys, source)
	}
	sort.Strings(keys)

	for _, source := range keys {
		buf := w.sources[source]
		if buf == nil {
			continue
		}
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		sources = append(sources, DriftStats{
			Source:     source,
			Samples:    n,
			LastS:      round2(buf.last),
			AvgS:       round2(sum / float64(n)),
			P50S:       round2(quantile(samples, 0.50)),
			P95S:       round2(quantile(samples, 0.95)),
			P99S:       round2(quantile(samples, 0.99)),
			TargetP95S: sourceTargetP95S(source),
		})
	}

	indicators := make([]DriftIndicator, 0, len(w.indicators))
	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)
	for _, name := range indicatorKeys {
		count := w.indicators[name]
		if count <= 0 {
			continue
		}
		indicators = append(indicators, DriftIndicator{
			Name:  name,
			Count: count,
		})
	}

	return DriftSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Sources:     sources,
		Indicators:  indicators,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sourceTargetP95S(source string) float64 {
	switch source {
	case "timer_sync":
		return 2
	case "timer_tick":
		return 1
	default:
		return 0
	}
}
