// Package metrics keeps in-process counters and timings for the delivery
// pipeline, addressed by slash paths like "courier/send" or "probe/matrix".
// Snapshots feed the /api/metrics endpoint and the !status command; the
// backing store survives restarts via a small SQLite file.
package metrics

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxSamples = 1000 // Keep last 1000 samples for percentile calculations
)

// MetricsManager is the global metrics manager
type MetricsManager struct {
	mu          sync.RWMutex
	timings     map[string]*TimingMetric
	counters    map[string]*CounterMetric
	successFail map[string]*SuccessFailMetric
	outcomes    map[string]*OutcomeMetric
	active      map[string]time.Time // For tracking active timings
	keyCounter  uint64               // For generating unique timer keys

	db       *sql.DB
	stopSave chan struct{}
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = &MetricsManager{
			timings:     make(map[string]*TimingMetric),
			counters:    make(map[string]*CounterMetric),
			successFail: make(map[string]*SuccessFailMetric),
			outcomes:    make(map[string]*OutcomeMetric),
			active:      make(map[string]time.Time),
		}
	})
	return instance
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// StartTiming begins timing an operation
func (m *MetricsManager) StartTiming(topic, function string) string {
	path := buildPath(topic, function)

	// Generate unique key to prevent collisions
	counter := atomic.AddUint64(&m.keyCounter, 1)
	key := fmt.Sprintf("%s#%d", path, counter)

	m.mu.Lock()
	m.active[key] = time.Now()
	m.mu.Unlock()

	return key
}

// EndTiming completes timing an operation
func (m *MetricsManager) EndTiming(key string) {
	m.mu.Lock()
	startTime, exists := m.active[key]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.active, key)
	m.mu.Unlock()

	// Extract the path from the unique key (format: path#counter)
	path := key
	if idx := strings.LastIndex(key, "#"); idx >= 0 {
		path = key[:idx]
	}

	m.RecordDuration(path, "", time.Since(startTime))
}

// RecordDuration records a duration directly
func (m *MetricsManager) RecordDuration(topic, function string, duration time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.timings[path]
	if !exists {
		metric = &TimingMetric{
			samples: make([]time.Duration, 0, maxSamples),
			Min:     duration,
			Max:     duration,
		}
		m.timings[path] = metric
	}
	m.mu.Unlock()

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

	// Add to samples ring buffer
	if len(metric.samples) < maxSamples {
		metric.samples = append(metric.samples, duration)
	} else {
		metric.samples[metric.sampleIdx] = duration
		metric.sampleIdx = (metric.sampleIdx + 1) % maxSamples
	}
}

// IncrementCounter increments a counter
func (m *MetricsManager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds to a counter
func (m *MetricsManager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.counters[path]
	if !exists {
		metric = &CounterMetric{}
		m.counters[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Value += delta
	metric.Last = time.Now()
}

// RecordSuccess records a successful operation
func (m *MetricsManager) RecordSuccess(topic, function string) {
	metric := m.getOrCreateSuccessFail(buildPath(topic, function))

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Success++
	metric.LastSuccess = time.Now()

	metric.recentWindow[metric.windowIndex] = true
	metric.windowIndex = (metric.windowIndex + 1) % len(metric.recentWindow)
	if metric.windowSize < len(metric.recentWindow) {
		metric.windowSize++
	}
}

// RecordFailure records a failed operation
func (m *MetricsManager) RecordFailure(topic, function, reason string) {
	metric := m.getOrCreateSuccessFail(buildPath(topic, function))

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Failures++
	metric.LastFailure = time.Now()

	if reason != "" {
		metric.FailureReasons[reason]++
	}

	metric.recentWindow[metric.windowIndex] = false
	metric.windowIndex = (metric.windowIndex + 1) % len(metric.recentWindow)
	if metric.windowSize < len(metric.recentWindow) {
		metric.windowSize++
	}
}

func (m *MetricsManager) getOrCreateSuccessFail(path string) *SuccessFailMetric {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.successFail[path]
	if !exists {
		metric = &SuccessFailMetric{
			FailureReasons: make(map[string]int64),
		}
		m.successFail[path] = metric
	}
	return metric
}

// RecordOutcome records a specific outcome
func (m *MetricsManager) RecordOutcome(topic, function, outcome string) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.outcomes[path]
	if !exists {
		metric = &OutcomeMetric{
			Outcomes: make(map[string]int64),
		}
		m.outcomes[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Outcomes[outcome]++
	metric.Total++
	metric.LastOutcome = outcome
	metric.LastTime = time.Now()
}

// GetSnapshot returns a snapshot of all metrics
func (m *MetricsManager) GetSnapshot() map[string]*MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make(map[string]*MetricSnapshot)

	for path, metric := range m.timings {
		metric.mu.RLock()
		avg := float64(0)
		if metric.Count > 0 {
			avg = float64(metric.Total) / float64(metric.Count) / float64(time.Millisecond)
		}

		snapshot := &MetricSnapshot{
			Path: path,
			Type: TypeTiming,
			Data: TimingSnapshot{
				Count:  metric.Count,
				AvgMs:  avg,
				MinMs:  float64(metric.Min) / float64(time.Millisecond),
				MaxMs:  float64(metric.Max) / float64(time.Millisecond),
				LastMs: float64(metric.Last) / float64(time.Millisecond),
				P95Ms:  calculatePercentile(metric.samples, 95),
				P99Ms:  calculatePercentile(metric.samples, 99),
			},
		}
		snapshot.Health = getTimingHealth(avg)

		metric.mu.RUnlock()
		snapshots[path] = snapshot
	}

	for path, metric := range m.counters {
		metric.mu.RLock()
		snapshot := &MetricSnapshot{
			Path:   path,
			Type:   TypeCounter,
			Health: HealthGood,
			Data: CounterSnapshot{
				Value: metric.Value,
			},
		}
		metric.mu.RUnlock()
		snapshots[path] = snapshot
	}

	for path, metric := range m.successFail {
		metric.mu.RLock()
		total := metric.Success + metric.Failures
		successRate := float64(0)
		if total > 0 {
			successRate = float64(metric.Success) / float64(total) * 100
		}

		// Copy the map: the snapshot is marshalled after the lock is gone.
		reasons := make(map[string]int64, len(metric.FailureReasons))
		for k, v := range metric.FailureReasons {
			reasons[k] = v
		}

		recentCount := 0
		for i := 0; i < metric.windowSize; i++ {
			if metric.recentWindow[i] {
				recentCount++
			}
		}
		recentRate := float64(0)
		if metric.windowSize > 0 {
			recentRate = float64(recentCount) / float64(metric.windowSize) * 100
		}

		snapshot := &MetricSnapshot{
			Path: path,
			Type: TypeSuccessFail,
			Data: SuccessFailSnapshot{
				Success:        metric.Success,
				Failures:       metric.Failures,
				SuccessRate:    successRate,
				RecentRate:     recentRate,
				FailureReasons: reasons,
			},
		}

		if successRate >= 99 {
			snapshot.Health = HealthGood
		} else if successRate >= 95 {
			snapshot.Health = HealthWarning
		} else {
			snapshot.Health = HealthCritical
		}

		metric.mu.RUnlock()
		snapshots[path] = snapshot
	}

	for path, metric := range m.outcomes {
		metric.mu.RLock()
		outcomes := make(map[string]int64, len(metric.Outcomes))
		for k, v := range metric.Outcomes {
			outcomes[k] = v
		}
		snapshot := &MetricSnapshot{
			Path:   path,
			Type:   TypeOutcome,
			Health: HealthGood, // Outcomes are neutral
			Data: OutcomeSnapshot{
				Outcomes:    outcomes,
				Total:       metric.Total,
				LastOutcome: metric.LastOutcome,
			},
		}
		metric.mu.RUnlock()
		snapshots[path] = snapshot
	}

	return snapshots
}

// calculatePercentile calculates the Nth percentile from samples
func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}

	// Make a copy and sort
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := (len(sorted) * percentile) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return float64(sorted[idx]) / float64(time.Millisecond)
}

// getTimingHealth determines health based on timing. Deliveries sit behind
// settle delays and reply polls, so the scale is seconds, not milliseconds.
func getTimingHealth(avgMs float64) HealthStatus {
	if avgMs > 120000 {
		return HealthCritical
	}
	if avgMs > 30000 {
		return HealthWarning
	}
	return HealthGood
}
