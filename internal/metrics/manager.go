// Package metrics keeps in-process counters, gauges, timings and outcome
// tallies keyed by "topic/function" paths.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	maxSamples = 1000 // Keep last 1000 samples for percentile calculations

	// OutcomeOK is the outcome counted as success when judging health.
	OutcomeOK = "ok"
)

// Manager holds every metric. The zero value is not usable; create with New.
type Manager struct {
	mu       sync.RWMutex
	timings  map[string]*timingMetric
	counters map[string]*counterMetric
	gauges   map[string]*gaugeMetric
	outcomes map[string]*outcomeMetric
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{
		timings:  make(map[string]*timingMetric),
		counters: make(map[string]*counterMetric),
		gauges:   make(map[string]*gaugeMetric),
		outcomes: make(map[string]*outcomeMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return topic + "/" + function
}

// getOrCreate looks up path in m, creating it with mk under the write lock.
func getOrCreate[T any](mgr *Manager, m map[string]*T, path string, mk func() *T) *T {
	mgr.mu.RLock()
	metric, ok := m[path]
	mgr.mu.RUnlock()
	if ok {
		return metric
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if metric, ok = m[path]; !ok {
		metric = mk()
		m[path] = metric
	}
	return metric
}

// RecordDuration records a duration directly
func (m *Manager) RecordDuration(topic, function string, duration time.Duration) {
	metric := getOrCreate(m, m.timings, buildPath(topic, function), func() *timingMetric {
		return &timingMetric{
			samples: make([]time.Duration, 0, 64),
			Min:     duration,
			Max:     duration,
		}
	})

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.Total += duration
	metric.Last = duration
	if duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}

	if len(metric.samples) < maxSamples {
		metric.samples = append(metric.samples, duration)
	} else {
		metric.samples[metric.sampleIdx] = duration
		metric.sampleIdx = (metric.sampleIdx + 1) % maxSamples
	}
}

// Time returns a func that records the time elapsed since Time was called.
//
//	defer m.Time("rpc", method)()
func (m *Manager) Time(topic, function string) func() {
	start := time.Now()
	return func() { m.RecordDuration(topic, function, time.Since(start)) }
}

// Inc increments a counter by one
func (m *Manager) Inc(topic, function string) {
	m.Add(topic, function, 1)
}

// Add increments a counter by delta
func (m *Manager) Add(topic, function string, delta int64) {
	metric := getOrCreate(m, m.counters, buildPath(topic, function), func() *counterMetric {
		return &counterMetric{}
	})
	metric.mu.Lock()
	metric.Value += delta
	metric.Last = time.Now()
	metric.mu.Unlock()
}

// SetGauge sets a gauge, tracking its range
func (m *Manager) SetGauge(topic, function string, value int64) {
	created := false
	metric := getOrCreate(m, m.gauges, buildPath(topic, function), func() *gaugeMetric {
		created = true
		return &gaugeMetric{Value: value, Min: value, Max: value}
	})
	metric.mu.Lock()
	defer metric.mu.Unlock()
	metric.Value = value
	metric.Last = time.Now()
	if created {
		return
	}
	if value < metric.Min {
		metric.Min = value
	}
	if value > metric.Max {
		metric.Max = value
	}
}

// RecordOutcome tallies one outcome
func (m *Manager) RecordOutcome(topic, function, outcome string) {
	metric := getOrCreate(m, m.outcomes, buildPath(topic, function), func() *outcomeMetric {
		return &outcomeMetric{Outcomes: make(map[string]int64)}
	})
	metric.mu.Lock()
	metric.Outcomes[outcome]++
	metric.Total++
	metric.LastOutcome = outcome
	metric.LastTime = time.Now()
	metric.mu.Unlock()
}

// Counter returns the current value of a counter, 0 if unknown.
func (m *Manager) Counter(topic, function string) int64 {
	m.mu.RLock()
	metric, ok := m.counters[buildPath(topic, function)]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	metric.mu.Lock()
	defer metric.mu.Unlock()
	return metric.Value
}

// Snapshot returns every metric, ordered by path then type.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.timings)+len(m.counters)+len(m.gauges)+len(m.outcomes))

	for path, metric := range m.timings {
		metric.mu.Lock()
		avg := float64(0)
		if metric.Count > 0 {
			avg = float64(metric.Total) / float64(metric.Count) / float64(time.Millisecond)
		}
		out = append(out, Snapshot{
			Path:   path,
			Type:   TypeTiming,
			Health: getTimingHealth(avg),
			Data: TimingSnapshot{
				Count:  metric.Count,
				AvgMs:  avg,
				MinMs:  ms(metric.Min),
				MaxMs:  ms(metric.Max),
				LastMs: ms(metric.Last),
				P95Ms:  calculatePercentile(metric.samples, 95),
				P99Ms:  calculatePercentile(metric.samples, 99),
			},
		})
		metric.mu.Unlock()
	}

	for path, metric := range m.counters {
		metric.mu.Lock()
		out = append(out, Snapshot{Path: path, Type: TypeCounter, Data: CounterSnapshot{Value: metric.Value}})
		metric.mu.Unlock()
	}

	for path, metric := range m.gauges {
		metric.mu.Lock()
		out = append(out, Snapshot{
			Path: path,
			Type: TypeGauge,
			Data: GaugeSnapshot{Value: metric.Value, Min: metric.Min, Max: metric.Max},
		})
		metric.mu.Unlock()
	}

	for path, metric := range m.outcomes {
		metric.mu.Lock()
		outcomes := make(map[string]int64, len(metric.Outcomes))
		for k, v := range metric.Outcomes {
			outcomes[k] = v
		}
		okRate := float64(0)
		if metric.Total > 0 {
			okRate = float64(metric.Outcomes[OutcomeOK]) / float64(metric.Total) * 100
		}
		out = append(out, Snapshot{
			Path:   path,
			Type:   TypeOutcome,
			Health: getSuccessRateHealth(okRate),
			Data: OutcomeSnapshot{
				Outcomes:    outcomes,
				Total:       metric.Total,
				OKRate:      okRate,
				LastOutcome: metric.LastOutcome,
			},
		})
		metric.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// calculatePercentile calculates the Nth percentile from samples
func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := (len(sorted) * percentile) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return ms(sorted[idx])
}

// getTimingHealth determines health based on timing
func getTimingHealth(avgMs float64) HealthStatus {
	if avgMs > 200 {
		return HealthCritical
	}
	if avgMs > 50 {
		return HealthWarning
	}
	return HealthGood
}

// getSuccessRateHealth determines health from the share of ok outcomes
func getSuccessRateHealth(rate float64) HealthStatus {
	if rate < 75 {
		return HealthCritical
	}
	if rate < 90 {
		return HealthWarning
	}
	return HealthGood
}
