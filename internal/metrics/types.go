package metrics

import (
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming  MetricType = "timing"
	TypeCounter MetricType = "counter"
	TypeGauge   MetricType = "gauge"
	TypeOutcome MetricType = "outcome"
)

// HealthStatus represents the health of a metric
type HealthStatus int

const (
	HealthGood     HealthStatus = iota // Green
	HealthWarning                      // Yellow
	HealthCritical                     // Red
)

func (h HealthStatus) String() string {
	switch h {
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	}
	return "good"
}

// MarshalText renders the health as its name in JSON.
func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// timingMetric tracks timing statistics
type timingMetric struct {
	mu        sync.Mutex
	Count     int64
	Total     time.Duration
	Min       time.Duration
	Max       time.Duration
	Last      time.Duration
	samples   []time.Duration // ring buffer for percentiles
	sampleIdx int
}

// counterMetric tracks incrementing values
type counterMetric struct {
	mu    sync.Mutex
	Value int64
	Last  time.Time
}

// gaugeMetric tracks values that can go up or down
type gaugeMetric struct {
	mu    sync.Mutex
	Value int64
	Min   int64
	Max   int64
	Last  time.Time
}

// outcomeMetric tracks multiple possible outcomes
type outcomeMetric struct {
	mu          sync.Mutex
	Outcomes    map[string]int64
	LastOutcome string
	LastTime    time.Time
	Total       int64
}

// Snapshot is a point-in-time view of one metric
type Snapshot struct {
	Path   string       `json:"path"`
	Type   MetricType   `json:"type"`
	Health HealthStatus `json:"health"`
	Data   any          `json:"data"`
}

// TimingSnapshot for JSON serialization
type TimingSnapshot struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
	P95Ms  float64 `json:"p95_ms,omitempty"`
	P99Ms  float64 `json:"p99_ms,omitempty"`
}

// CounterSnapshot for JSON serialization
type CounterSnapshot struct {
	Value int64 `json:"value"`
}

// GaugeSnapshot for JSON serialization
type GaugeSnapshot struct {
	Value int64 `json:"value"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

// OutcomeSnapshot for JSON serialization
type OutcomeSnapshot struct {
	Outcomes    map[string]int64 `json:"outcomes"`
	Total       int64            `json:"total"`
	OKRate      float64          `json:"ok_rate"` // percent of outcomes that were OutcomeOK
	LastOutcome string           `json:"last_outcome,omitempty"`
}
