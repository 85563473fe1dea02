package delta

import (
	"errors"
	"fmt"
	"sync"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	invalidRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_invalid_records_total",
			Help: "Market records dropped before reaching the snapshot store",
		},
		[]string{"reason"},
	)
	deltasEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_deltas_emitted_total",
		Help: "Deltas handed to the distribution sinks",
	})
	recordsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_records_suppressed_total",
		Help: "Valid records discarded because nothing changed beyond threshold",
	})
)

func init() {
	prometheus.MustRegister(invalidRecords, deltasEmitted, recordsSuppressed)
}

type Store interface {
	Get(symbol string) (entity.Snapshot, bool)
	Put(symbol string, record entity.MarketRecord) (entity.Snapshot, error)
	Validate(record entity.MarketRecord) error
}

// Engine is the single writer of the snapshot store. Process holds mu for
// the whole get-compare-put-publish sequence so sinks see versions of a
// symbol in order.
type Engine struct {
	store     Store
	threshold decimal.Decimal
	log       *logrus.Entry

	mu    sync.Mutex
	sinks []entity.MarketSink
}

func NewEngine(store Store, priceThreshold decimal.Decimal, sinks ...entity.MarketSink) *Engine {
	return &Engine{
		store:     store,
		threshold: priceThreshold.Abs(),
		log:       logrus.WithField("component", "delta_engine"),
		sinks:     sinks,
	}
}

// AddSink registers another consumer of emitted updates.
func (e *Engine) AddSink(sink entity.MarketSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Process returns the emitted delta and true, or false when the record was
// dropped or carried no meaningful change.
func (e *Engine) Process(record entity.MarketRecord) (entity.Delta, bool, error) {
	if err := e.store.Validate(record); err != nil {
		e.reject(record, "invalid", err)
		return entity.Delta{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, exists := e.store.Get(record.Symbol)
	var d entity.Delta
	next := record
	if !exists {
		d = entity.FullDelta(entity.Snapshot{MarketRecord: record})
		d.Type = entity.UpdateTypeDelta
	} else {
		if record.Timestamp.Before(prev.Timestamp) {
			err := fmt.Errorf("%w: %s older than version %d", entity.ErrOutOfOrderRecord, record.Symbol, prev.Version)
			e.reject(record, "out_of_order", err)
			return entity.Delta{}, false, err
		}

		d = Diff(prev.MarketRecord, record, e.threshold)
		if d.IsEmpty() {
			recordsSuppressed.Inc()
			return entity.Delta{}, false, nil
		}
		// Only changed fields move, so subscribers that applied every delta
		// hold exactly the stored state.
		next = d.Apply(prev.MarketRecord)
		if e.store.Validate(next) != nil {
			d = Diff(prev.MarketRecord, record, decimal.Zero)
			next = record
		}
	}

	snapshot, err := e.store.Put(record.Symbol, next)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, entity.ErrOutOfOrderRecord) {
			reason = "out_of_order"
		}
		e.reject(record, reason, err)
		return entity.Delta{}, false, err
	}

	d.Symbol = snapshot.Symbol
	d.Version = snapshot.Version
	d.Timestamp = snapshot.Timestamp

	update := entity.MarketUpdate{Delta: d, Snapshot: snapshot}
	for _, sink := range e.sinks {
		sink.Publish(update)
	}
	deltasEmitted.Inc()

	return d, true, nil
}

func (e *Engine) reject(record entity.MarketRecord, reason string, err error) {
	invalidRecords.WithLabelValues(reason).Inc()
	e.log.WithFields(logrus.Fields{
		"symbol": record.Symbol,
		"reason": reason,
	}).Warnf("market record dropped: %v", err)
}

// Diff compares next against prev. Prices within threshold of each other
// count as unchanged; presence changes always count.
func Diff(prev, next entity.MarketRecord, threshold decimal.Decimal) entity.Delta {
	d := entity.Delta{
		Type:      entity.UpdateTypeDelta,
		Symbol:    next.Symbol,
		Timestamp: next.Timestamp,
	}

	d.LastPrice = priceChange(prev.LastPrice, next.LastPrice, threshold)
	d.Bid = priceChange(prev.Bid, next.Bid, threshold)
	d.Ask = priceChange(prev.Ask, next.Ask, threshold)
	d.High = priceChange(prev.High, next.High, threshold)
	d.Low = priceChange(prev.Low, next.Low, threshold)
	d.Open = priceChange(prev.Open, next.Open, threshold)
	if prev.Volume != next.Volume {
		volume := next.Volume
		d.Volume = &volume
	}

	return d
}

func priceChange(prev, next decimal.NullDecimal, threshold decimal.Decimal) *decimal.NullDecimal {
	if prev.Valid != next.Valid {
		out := next
		return &out
	}
	if !next.Valid {
		return nil
	}

	diff := next.Decimal.Sub(prev.Decimal).Abs()
	if threshold.IsZero() {
		if diff.IsZero() {
			return nil
		}
	} else if diff.LessThan(threshold) {
		return nil
	}

	out := next
	return &out
}
