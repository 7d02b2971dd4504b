// Package metrics implements the rolling-window sample tracker that
// backs the health endpoint: response-time percentiles, a confidence
// histogram, and per-category health classification, plus host CPU/RAM
// stats surfaced alongside them.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/thijssvd/sommos/internal/domain"
)

// Confidence histogram buckets.
const (
	confidenceHighMin   = 0.70
	confidenceMediumMin = 0.40
)

// Health thresholds. A category is healthy with zero breaches, degraded
// with one, unhealthy with two or more.
const (
	maxHealthyErrorRate     = 0.10
	maxHealthyResponseMs    = 5000
	minHealthyAvgConfidence = 0.30
)

type sample struct {
	success        bool
	responseTimeMs int64
	confidence     float64
}

// window is a fixed-capacity ring buffer of the most recent samples for
// one category.
type window struct {
	mu      sync.Mutex
	samples []sample
	size    int
	next    int
	filled  bool
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 100
	}
	return &window{samples: make([]sample, size), size: size}
}

func (w *window) add(s sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = s
	w.next = (w.next + 1) % w.size
	if w.next == 0 {
		w.filled = true
	}
}

func (w *window) snapshot() []sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.filled {
		out := make([]sample, w.next)
		copy(out, w.samples[:w.next])
		return out
	}
	out := make([]sample, w.size)
	copy(out, w.samples[w.next:])
	copy(out[w.size-w.next:], w.samples[:w.next])
	return out
}

// ConfidenceHistogram buckets samples by confidence tier.
type ConfidenceHistogram struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// ResponseTimePercentiles reports the p50/p95/p99 of a category's window.
type ResponseTimePercentiles struct {
	P50 int64 `json:"p50_ms"`
	P95 int64 `json:"p95_ms"`
	P99 int64 `json:"p99_ms"`
}

// Health is the classification of a category's recent window.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// CategorySummary is the point-in-time snapshot for one category.
type CategorySummary struct {
	Category        string                  `json:"category"`
	SampleCount     int                     `json:"sample_count"`
	ErrorRate       float64                 `json:"error_rate"`
	AvgResponseTime float64                 `json:"avg_response_time_ms"`
	AvgConfidence   float64                 `json:"avg_confidence"`
	Percentiles     ResponseTimePercentiles `json:"percentiles"`
	Confidence      ConfidenceHistogram     `json:"confidence_histogram"`
	Health          Health                  `json:"health"`
}

// HostStats is the CPU/RAM snapshot surfaced alongside category summaries.
type HostStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// Summary is the full point-in-time snapshot returned by the health endpoint.
type Summary struct {
	Categories []CategorySummary `json:"categories"`
	Host       HostStats         `json:"host"`
}

// Tracker implements domain.MetricsSink: a rolling window of samples per
// category, with percentile and health derivation computed on read.
type Tracker struct {
	windowSize int

	mu         sync.RWMutex
	categories map[string]*window
}

var _ domain.MetricsSink = (*Tracker)(nil)

// New builds a Tracker whose per-category windows hold windowSize samples.
func New(windowSize int) *Tracker {
	return &Tracker{windowSize: windowSize, categories: make(map[string]*window)}
}

// RecordSample appends one sample to category's rolling window, creating
// the window on first use.
func (t *Tracker) RecordSample(category string, success bool, responseTimeMs int64, confidence float64) {
	t.mu.Lock()
	w, ok := t.categories[category]
	if !ok {
		w = newWindow(t.windowSize)
		t.categories[category] = w
	}
	t.mu.Unlock()

	w.add(sample{success: success, responseTimeMs: responseTimeMs, confidence: confidence})
}

// Summary returns a point-in-time snapshot across every category observed
// so far, plus host CPU/RAM usage.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	names := make([]string, 0, len(t.categories))
	windows := make(map[string]*window, len(t.categories))
	for name, w := range t.categories {
		names = append(names, name)
		windows[name] = w
	}
	t.mu.RUnlock()

	sort.Strings(names)

	summaries := make([]CategorySummary, 0, len(names))
	for _, name := range names {
		summaries = append(summaries, summarize(name, windows[name].snapshot()))
	}

	return Summary{Categories: summaries, Host: hostStats()}
}

// CategorySummary returns the snapshot for a single category, or a zero
// summary with HealthHealthy if the category has never reported a sample.
func (t *Tracker) CategorySummary(category string) CategorySummary {
	t.mu.RLock()
	w, ok := t.categories[category]
	t.mu.RUnlock()
	if !ok {
		return CategorySummary{Category: category, Health: HealthHealthy}
	}
	return summarize(category, w.snapshot())
}

func summarize(category string, samples []sample) CategorySummary {
	s := CategorySummary{Category: category, SampleCount: len(samples), Health: HealthHealthy}
	if len(samples) == 0 {
		return s
	}

	var failures, confidenceSamples int
	var totalResponse, totalConfidence float64
	times := make([]int64, len(samples))
	var hist ConfidenceHistogram

	for i, sm := range samples {
		if !sm.success {
			failures++
		}
		totalResponse += float64(sm.responseTimeMs)
		times[i] = sm.responseTimeMs

		if sm.confidence < 0 {
			continue
		}
		confidenceSamples++
		totalConfidence += sm.confidence

		switch {
		case sm.confidence >= confidenceHighMin:
			hist.High++
		case sm.confidence >= confidenceMediumMin:
			hist.Medium++
		default:
			hist.Low++
		}
	}

	s.ErrorRate = float64(failures) / float64(len(samples))
	s.AvgResponseTime = totalResponse / float64(len(samples))
	if confidenceSamples > 0 {
		s.AvgConfidence = totalConfidence / float64(confidenceSamples)
	}
	s.Confidence = hist
	s.Percentiles = percentilesOf(times)
	s.Health = classify(s.ErrorRate, s.AvgResponseTime, s.AvgConfidence, confidenceSamples > 0)
	return s
}

func percentilesOf(times []int64) ResponseTimePercentiles {
	sorted := make([]int64, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return ResponseTimePercentiles{
		P50: percentileOf(sorted, 0.50),
		P95: percentileOf(sorted, 0.95),
		P99: percentileOf(sorted, 0.99),
	}
}

// percentileOf uses nearest-rank on an already-sorted slice.
func percentileOf(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted)-1) + 0.5)
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// classify applies the breach rules to a window's aggregates. hasConfidence
// is false for categories whose samples never carry a confidence score
// (domain.NoConfidence throughout the window), in which case the confidence
// floor is excluded from the breach count rather than breaching on a
// meaningless zero average.
func classify(errorRate, avgResponseMs, avgConfidence float64, hasConfidence bool) Health {
	breaches := 0
	if errorRate > maxHealthyErrorRate {
		breaches++
	}
	if avgResponseMs > maxHealthyResponseMs {
		breaches++
	}
	if hasConfidence && avgConfidence < minHealthyAvgConfidence {
		breaches++
	}

	switch {
	case breaches == 0:
		return HealthHealthy
	case breaches == 1:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// hostStats samples CPU and RAM usage: a CPU window that blocks for
// 100ms and an instant memory read.
func hostStats() HostStats {
	var stats HostStats

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		stats.MemPercent = memStat.UsedPercent
	}

	return stats
}
