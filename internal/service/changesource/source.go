package changesource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/service/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultCoalesceWindow = 50 * time.Millisecond
	defaultRetryDelay     = 100 * time.Millisecond
	defaultReadTimeout    = 2 * time.Second
	restartDelay          = time.Second
)

var (
	targetReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_change_source_reads_total",
			Help: "Watch target reads by outcome",
		},
		[]string{"outcome"},
	)
	recordsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_change_source_records_total",
		Help: "Records handed to the delta engine",
	})
	undecodableRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_change_source_undecodable_records_total",
			Help: "Entries skipped because they could not be decoded into a record",
		},
		[]string{"format"},
	)
)

func init() {
	prometheus.MustRegister(targetReads, recordsEmitted, undecodableRecords)
}

type Target struct {
	Path   string
	Format string
	Symbol string
}

type Config struct {
	CoalesceWindow time.Duration
	RetryDelay     time.Duration
	ReadTimeout    time.Duration
}

// Processor receives every decoded record.
type Processor interface {
	Process(record entity.MarketRecord) (entity.Delta, bool, error)
}

type fingerprint struct {
	modTime time.Time
	size    int64
}

type target struct {
	Target
	decode Decoder
	signal chan struct{}
	last   fingerprint
}

// Source runs one goroutine per watch target and feeds the records it
// decodes to the processor.
type Source struct {
	cfg       Config
	strategy  Strategy
	breaker   *resilience.Breaker
	processor Processor
	log       *logrus.Entry

	targets map[string]*target
	paths   []string
}

func NewSource(cfg Config, targets []Target, strategy Strategy, breaker *resilience.Breaker, processor Processor) (*Source, error) {
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = defaultCoalesceWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	s := &Source{
		cfg:       cfg,
		strategy:  strategy,
		breaker:   breaker,
		processor: processor,
		log:       logrus.WithField("component", "change_source"),
		targets:   make(map[string]*target, len(targets)),
	}

	for _, t := range targets {
		if t.Path == "" {
			return nil, errors.New("watch target path is required")
		}
		decode, err := decoderFor(t.Format)
		if err != nil {
			return nil, err
		}
		if _, ok := s.targets[t.Path]; ok {
			return nil, fmt.Errorf("duplicate watch target %s", t.Path)
		}
		s.targets[t.Path] = &target{
			Target: t,
			decode: decode,
			signal: make(chan struct{}, 1),
		}
		s.paths = append(s.paths, t.Path)
	}

	return s, nil
}

// Mode reports the strategy currently delivering change signals.
func (s *Source) Mode() string {
	if auto, ok := s.strategy.(*AutoStrategy); ok {
		return auto.Mode()
	}
	return s.strategy.Name()
}

// Run blocks until ctx ends. A failing strategy is restarted; it never takes
// the process down.
func (s *Source) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.targets {
		wg.Add(1)
		go func(t *target) {
			defer wg.Done()
			s.runTarget(ctx, t)
		}(t)
	}

	s.log.WithFields(logrus.Fields{
		"targets":  len(s.paths),
		"strategy": s.strategy.Name(),
	}).Info("change source started")

	for ctx.Err() == nil {
		err := s.strategy.Watch(ctx, s.paths, s.signal)
		if ctx.Err() != nil {
			break
		}
		s.log.Errorf("change strategy %s stopped: %v", s.strategy.Name(), err)

		select {
		case <-ctx.Done():
		case <-time.After(restartDelay):
		}
	}

	wg.Wait()
	s.log.Info("change source stopped")
}

func (s *Source) signal(path string) {
	t, ok := s.targets[path]
	if !ok {
		return
	}
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// runTarget collapses every signal that arrives within the coalesce window
// into a single read.
func (s *Source) runTarget(ctx context.Context, t *target) {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.signal:
			if !armed {
				timer.Reset(s.cfg.CoalesceWindow)
				armed = true
			}
		case <-timer.C:
			armed = false
			s.refresh(ctx, t)
		}
	}
}

func (s *Source) refresh(ctx context.Context, t *target) {
	log := s.log.WithField("path", t.Path)

	info, err := os.Stat(t.Path)
	if err != nil {
		targetReads.WithLabelValues("missing").Inc()
		log.Debugf("watch target unavailable: %v", err)
		return
	}
	fp := fingerprint{modTime: info.ModTime(), size: info.Size()}
	if fp == t.last {
		targetReads.WithLabelValues("unchanged").Inc()
		return
	}

	records, err := s.read(ctx, t, info.ModTime())
	if err != nil {
		targetReads.WithLabelValues("failed").Inc()
		log.Warnf("skipping watch target this cycle: %v", err)
		return
	}
	t.last = fp
	targetReads.WithLabelValues("ok").Inc()

	for _, record := range latestPerSymbol(records) {
		recordsEmitted.Inc()
		// Rejections are counted and logged by the processor.
		_, _, _ = s.processor.Process(record)
	}
}

// read retries once after RetryDelay. Stale or malformed content is not an
// I/O failure and does not count against the breaker.
func (s *Source) read(ctx context.Context, t *target, modTime time.Time) ([]entity.MarketRecord, error) {
	opts := DecodeOptions{Symbol: t.Symbol, ModTime: modTime}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		var (
			records []entity.MarketRecord
			soft    error
		)
		err := s.breaker.Execute(ctx, s.cfg.ReadTimeout, func(ctx context.Context) error {
			decoded, err := t.decode(t.Path, opts)
			if errors.Is(err, entity.ErrStaleRead) || errors.Is(err, entity.ErrInvalidRecord) {
				soft = err
				return nil
			}
			records = decoded
			return err
		})
		switch {
		case errors.Is(err, entity.ErrCircuitOpen):
			return nil, err
		case err != nil:
			lastErr = err
		case soft != nil:
			lastErr = soft
		default:
			return records, nil
		}
	}
	return nil, lastErr
}

// latestPerSymbol keeps the last record of each symbol in file order.
func latestPerSymbol(records []entity.MarketRecord) []entity.MarketRecord {
	if len(records) <= 1 {
		return records
	}

	index := make(map[string]int, len(records))
	out := make([]entity.MarketRecord, 0, len(records))
	for _, record := range records {
		key := entity.SymbolKey(record.Symbol)
		if i, ok := index[key]; ok {
			out[i] = record
			continue
		}
		index[key] = len(out)
		out = append(out, record)
	}
	return out
}
