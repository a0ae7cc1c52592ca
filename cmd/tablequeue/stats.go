package main

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	percentileP50 = 0.50
	percentileP95 = 0.95
	percentileP99 = 0.99
)

type latencyStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencyStats) Record(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencyStats) Snapshot() latencySnapshot {
	l.mu.Lock()
	samples := append([]time.Duration(nil), l.samples...)
	l.mu.Unlock()
	if len(samples) == 0 {
		return latencySnapshot{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return latencySnapshot{
		P50:   percentile(samples, percentileP50),
		P95:   percentile(samples, percentileP95),
		P99:   percentile(samples, percentileP99),
		Max:   samples[len(samples)-1],
		Mean:  meanDuration(samples),
		Count: int64(len(samples)),
	}
}

type latencySnapshot struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int64
}

// percentile expects samples sorted ascending.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}

	return samples[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}

	return sum / time.Duration(len(samples))
}

// benchMetrics implements tablequeue.Metrics for the drain phase.
type benchMetrics struct {
	handle   latencyStats
	claimed  atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	released atomic.Int64
	races    atomic.Int64
}

func (m *benchMetrics) ObserveHandleDuration(d time.Duration) { m.handle.Record(d) }
func (m *benchMetrics) AddClaimed(n int)                      { m.claimed.Add(int64(n)) }
func (m *benchMetrics) AddDone(n int)                         { m.done.Add(int64(n)) }
func (m *benchMetrics) AddFailed(n int)                       { m.failed.Add(int64(n)) }
func (m *benchMetrics) AddReleased(n int)                     { m.released.Add(int64(n)) }
func (m *benchMetrics) AddLostRaces(n int)                    { m.races.Add(int64(n)) }
func (m *benchMetrics) SetAvailable(int)                      {}

// finished counts messages that left the available state.
func (m *benchMetrics) finished() int64 {
	return m.done.Load() + m.failed.Load()
}
