package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jobhound-dev/jobhound/internal/fault"
)

var (
	// FaultsTotal counts classified faults per category.
	FaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhound_faults_total",
			Help: "Total number of classified faults",
		},
		[]string{"category"},
	)

	// RecoveriesTotal counts recovery attempts per category and strategy.
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhound_recoveries_total",
			Help: "Total number of recovery attempts",
		},
		[]string{"category", "strategy"},
	)
)

type faultRecord struct {
	at       time.Time
	category fault.Category
}

// Metrics is an append-only observability log of faults. It never
// influences admission or retry decisions.
type Metrics struct {
	mu         sync.Mutex
	total      int
	byCategory map[fault.Category]int
	history    []faultRecord
	now        func() time.Time
}

// CategoryCount pairs a fault category with its observed count.
type CategoryCount struct {
	Category fault.Category
	Count    int
}

// NewMetrics creates an empty fault metrics recorder.
func NewMetrics() *Metrics {
	return &Metrics{
		byCategory: make(map[fault.Category]int),
		now:        time.Now,
	}
}

// RecordFault appends one fault observation.
func (m *Metrics) RecordFault(cat fault.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.byCategory[cat]++
	m.history = append(m.history, faultRecord{at: m.now(), category: cat})

	FaultsTotal.WithLabelValues(string(cat)).Inc()
}

// RecordRecovery counts one recovery attempt for a category/strategy pair.
func (m *Metrics) RecordRecovery(cat fault.Category, strategy fault.Strategy) {
	RecoveriesTotal.WithLabelValues(string(cat), string(strategy)).Inc()
}

// Total returns the number of faults observed so far.
func (m *Metrics) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// RateSince returns the number of faults observed within the trailing window.
func (m *Metrics) RateSince(window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)
	count := 0
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].at.Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// MostCommon returns up to n categories ordered by descending count.
func (m *Metrics) MostCommon(n int) []CategoryCount {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make([]CategoryCount, 0, len(m.byCategory))
	for cat, count := range m.byCategory {
		counts = append(counts, CategoryCount{Category: cat, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Category < counts[j].Category
	})
	if n > 0 && len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

// Reset clears all recorded observations. Prometheus counters are
// monotonic and are left alone.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.byCategory = make(map[fault.Category]int)
	m.history = nil
}
