package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
	defaultMaxCooldown      = 5 * time.Minute
)

var (
	circuitStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_circuit_state",
			Help: "Circuit state per operation class (0 closed, 1 open, 2 half open)",
		},
		[]string{"operation"},
	)
	circuitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_circuit_rejections_total",
			Help: "Operations rejected by an open circuit",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(circuitStateGauge, circuitRejections)
}

type BreakerConfig struct {
	FailureThreshold int
	// FailureWindow bounds how far apart the failures of one streak may be.
	// Zero means consecutive failures count regardless of spacing.
	FailureWindow time.Duration
	Cooldown      time.Duration
	MaxCooldown   time.Duration
}

type BreakerOption func(b *Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker guards one operation class. All state sits behind mu and is only
// touched by the methods below.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time
	log  *logrus.Entry

	mu             sync.Mutex
	state          entity.CircuitState
	failures       int
	firstFailureAt time.Time
	openedAt       time.Time
	cooldown       time.Duration
	trialInFlight  bool

	requests      uint64
	failuresTotal uint64
	rejections    uint64
}

func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = defaultMaxCooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}

	b := &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		log:      logrus.WithFields(logrus.Fields{"component": "circuit_breaker", "operation": name}),
		state:    entity.CircuitClosed,
		cooldown: cfg.Cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}

	circuitStateGauge.WithLabelValues(name).Set(float64(entity.CircuitClosed))
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow reserves a slot for one operation. Every nil return must be followed
// by exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	b.requests++

	switch b.state {
	case entity.CircuitOpen:
		return b.rejectLocked()
	case entity.CircuitHalfOpen:
		if b.trialInFlight {
			return b.rejectLocked()
		}
		b.trialInFlight = true
	}

	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case entity.CircuitHalfOpen:
		b.trialInFlight = false
		b.cooldown = b.cfg.Cooldown
		b.failures = 0
		b.setStateLocked(entity.CircuitClosed)
	case entity.CircuitClosed:
		b.failures = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failuresTotal++

	switch b.state {
	case entity.CircuitHalfOpen:
		b.trialInFlight = false
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		b.openedAt = now
		b.setStateLocked(entity.CircuitOpen)
	case entity.CircuitClosed:
		if b.failures == 0 || (b.cfg.FailureWindow > 0 && now.Sub(b.firstFailureAt) > b.cfg.FailureWindow) {
			b.failures = 0
			b.firstFailureAt = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.setStateLocked(entity.CircuitOpen)
		}
	}
}

// Execute runs fn under the breaker with a bounded wait. A timeout counts as
// a failure.
func (b *Breaker) Execute(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := util.RunWithTimeout(ctx, timeout, fn)
	if err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}

func (b *Breaker) State() entity.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	return b.state
}

func (b *Breaker) Snapshot() entity.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	snapshot := entity.CircuitSnapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Cooldown:            b.cooldown,
		Requests:            b.requests,
		Failures:            b.failuresTotal,
		Rejections:          b.rejections,
	}
	if b.state != entity.CircuitClosed {
		openedAt := b.openedAt
		snapshot.OpenedAt = &openedAt
	}
	return snapshot
}

// advanceLocked moves OPEN to HALF_OPEN once the cool-down has elapsed.
func (b *Breaker) advanceLocked() {
	if b.state == entity.CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.trialInFlight = false
		b.setStateLocked(entity.CircuitHalfOpen)
	}
}

func (b *Breaker) rejectLocked() error {
	b.rejections++
	circuitRejections.WithLabelValues(b.name).Inc()
	return fmt.Errorf("%w: %s temporarily degraded", entity.ErrCircuitOpen, b.name)
}

func (b *Breaker) setStateLocked(state entity.CircuitState) {
	if b.state == state {
		return
	}

	b.log.WithFields(logrus.Fields{
		"from":     b.state.String(),
		"to":       state.String(),
		"failures": b.failures,
		"cooldown": b.cooldown.String(),
	}).Warn("circuit state changed")

	b.state = state
	circuitStateGauge.WithLabelValues(b.name).Set(float64(state))
}
