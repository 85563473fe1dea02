package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultHealthInterval = 10 * time.Second
	minCacheLookups       = 10
)

var healthScoreGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "bridge_health_score",
	Help: "Aggregated bridge health score (0-100)",
})

func init() {
	prometheus.MustRegister(healthScoreGauge)
}

// HealthSources are read on every recompute. Any of them may be nil.
type HealthSources struct {
	Distribution func() entity.DistributionStats
	Cache        func() entity.CacheStats
	ChangeSource func() string
}

// HealthMonitor only reports; nothing consults it before an operation.
type HealthMonitor struct {
	interval time.Duration
	breakers []*Breaker
	sources  HealthSources
	now      func() time.Time

	requests atomic.Uint64
	errors   atomic.Uint64

	mu           sync.RWMutex
	report       entity.HealthReport
	lastRequests uint64
	lastErrors   uint64
	lastTick     time.Time
}

func NewHealthMonitor(interval time.Duration, breakers []*Breaker, sources HealthSources) *HealthMonitor {
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	m := &HealthMonitor{
		interval: interval,
		breakers: breakers,
		sources:  sources,
		now:      time.Now,
	}
	m.lastTick = m.now()
	m.report = m.Compute()
	return m
}

func (m *HealthMonitor) RecordRequest() {
	m.requests.Add(1)
}

func (m *HealthMonitor) RecordError() {
	m.errors.Add(1)
}

// Run recomputes the report every interval until ctx ends.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Compute()
			if report.Status != entity.HealthStatusHealthy {
				logrus.WithFields(logrus.Fields{
					"component": "health_monitor",
					"score":     report.Score,
					"status":    report.Status,
					"issues":    report.Issues,
				}).Warn("bridge health degraded")
			}
		}
	}
}

func (m *HealthMonitor) Report() entity.HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}

// Compute rebuilds the report from the current counters and sources and
// stores it as the latest report.
func (m *HealthMonitor) Compute() entity.HealthReport {
	now := m.now()
	requests := m.requests.Load()
	errs := m.errors.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastTick).Seconds()
	windowRequests := requests - m.lastRequests
	windowErrors := errs - m.lastErrors
	m.lastRequests, m.lastErrors, m.lastTick = requests, errs, now

	report := entity.HealthReport{
		Circuits:   make(map[string]entity.CircuitSnapshot, len(m.breakers)),
		ComputedAt: now.UTC(),
		Counters: entity.HealthCounters{
			Requests: requests,
			Errors:   errs,
		},
	}
	if elapsed > 0 {
		report.Counters.RequestRate = float64(windowRequests) / elapsed
	}
	if windowRequests > 0 {
		report.Counters.ErrorRate = float64(windowErrors) / float64(windowRequests)
	}

	score := 100
	allClosed := true
	for _, b := range m.breakers {
		snapshot := b.Snapshot()
		report.Circuits[snapshot.Name] = snapshot
		switch snapshot.State {
		case entity.CircuitOpen:
			score -= 30
			allClosed = false
			report.Issues = append(report.Issues, fmt.Sprintf("%s circuit open", snapshot.Name))
		case entity.CircuitHalfOpen:
			score -= 15
			allClosed = false
			report.Issues = append(report.Issues, fmt.Sprintf("%s circuit half open", snapshot.Name))
		}
	}

	if report.Counters.ErrorRate > 0 {
		penalty := min(int(report.Counters.ErrorRate*50), 25)
		if penalty > 0 {
			score -= penalty
			report.Issues = append(report.Issues, fmt.Sprintf("error rate %.2f", report.Counters.ErrorRate))
		}
	}

	if m.sources.ChangeSource != nil {
		report.ChangeSource = m.sources.ChangeSource()
		if report.ChangeSource == constant.WatchModePoll {
			score -= 20
			report.Issues = append(report.Issues, "file change notification inactive, polling")
		}
	}

	if m.sources.Cache != nil {
		report.Cache = m.sources.Cache()
		if report.Cache.Hits+report.Cache.Misses >= minCacheLookups && report.Cache.HitRate < 0.5 {
			score -= 15
			report.Issues = append(report.Issues, fmt.Sprintf("cache hit rate %.2f", report.Cache.HitRate))
		}
	}

	if m.sources.Distribution != nil {
		report.Distribution = m.sources.Distribution()
		if report.Distribution.QueueCapacity > 0 {
			fill := float64(report.Distribution.QueueDepth) / float64(report.Distribution.QueueCapacity)
			switch {
			case fill >= 0.8:
				score -= 15
				report.Issues = append(report.Issues, "subscriber queues saturated")
			case fill >= 0.5:
				score -= 5
			}
		}
	}

	report.Score = max(0, min(100, score))
	report.Status = StatusLabel(report.Score)
	report.ProductionReady = report.Score > 90 && allClosed

	healthScoreGauge.Set(float64(report.Score))
	m.report = report
	return report
}

func StatusLabel(score int) string {
	switch {
	case score >= 80:
		return entity.HealthStatusHealthy
	case score >= 60:
		return entity.HealthStatusDegraded
	default:
		return entity.HealthStatusUnhealthy
	}
}
