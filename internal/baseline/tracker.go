// Package baseline keeps running statistics per metric using Welford's
// online algorithm so no history has to be retained.
package baseline

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Baseline is a point-in-time view of one metric. StdDev is the population
// standard deviation.
type Baseline struct {
	Metric      string    `json:"metric"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

type metric struct {
	mu          sync.Mutex
	count       int64
	mean        float64
	m2          float64
	min         float64
	max         float64
	lastUpdated time.Time
}

func (m *metric) update(value float64, now time.Time) {
	m.count++
	delta := value - m.mean
	m.mean += delta / float64(m.count)
	m.m2 += delta * (value - m.mean)
	if m.count == 1 || value < m.min {
		m.min = value
	}
	if m.count == 1 || value > m.max {
		m.max = value
	}
	m.lastUpdated = now
}

func (m *metric) stddev() float64 {
	if m.count < 1 {
		return 0
	}
	return math.Sqrt(m.m2 / float64(m.count))
}

func (m *metric) zscore(value float64) float64 {
	sd := m.stddev()
	if sd == 0 {
		return 0
	}
	return math.Abs(value-m.mean) / sd
}

func (m *metric) snapshot(name string) Baseline {
	return Baseline{
		Metric:      name,
		Mean:        m.mean,
		StdDev:      m.stddev(),
		Min:         m.min,
		Max:         m.max,
		Count:       m.count,
		LastUpdated: m.lastUpdated,
	}
}

// Tracker holds baselines keyed by metric name. Updates to one metric are
// serialized; different metrics update independently.
type Tracker struct {
	mu      sync.RWMutex
	metrics map[string]*metric
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		metrics: make(map[string]*metric),
		now:     time.Now,
	}
}

func (t *Tracker) get(name string) *metric {
	t.mu.RLock()
	m, ok := t.metrics[name]
	t.mu.RUnlock()
	if ok {
		return m
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok = t.metrics[name]; !ok {
		m = &metric{}
		t.metrics[name] = m
	}
	return m
}

// Update folds value into the metric's baseline and returns the new state.
func (t *Tracker) Update(name string, value float64) Baseline {
	m := t.get(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.update(value, t.now())
	return m.snapshot(name)
}

// ZScore is |value-mean|/stddev, or 0 when the metric has no spread yet.
func (t *Tracker) ZScore(name string, value float64) float64 {
	t.mu.RLock()
	m, ok := t.metrics[name]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zscore(value)
}

// Observe scores value against the baseline as it stood before this
// observation, then folds value in. Both happen under the metric's lock.
func (t *Tracker) Observe(name string, value float64) (z float64, before Baseline) {
	m := t.get(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	before = m.snapshot(name)
	z = m.zscore(value)
	m.update(value, t.now())
	return z, before
}

func (t *Tracker) Get(name string) (Baseline, bool) {
	t.mu.RLock()
	m, ok := t.metrics[name]
	t.mu.RUnlock()
	if !ok {
		return Baseline{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(name), true
}

func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	delete(t.metrics, name)
	t.mu.Unlock()
}

// Snapshot returns every baseline sorted by metric name.
func (t *Tracker) Snapshot() []Baseline {
	t.mu.RLock()
	names := make([]string, 0, len(t.metrics))
	for name := range t.metrics {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)

	out := make([]Baseline, 0, len(names))
	for _, name := range names {
		if b, ok := t.Get(name); ok {
			out = append(out, b)
		}
	}
	return out
}
