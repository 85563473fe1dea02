package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPollTTL = 2 * time.Second
	allSymbolsKey  = "_all"
)

var pollLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bridge_poll_cache_lookups_total",
		Help: "Poll cache lookups by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(pollLookups)
}

type SnapshotReader interface {
	Get(symbol string) (entity.Snapshot, bool)
	All() []entity.Snapshot
}

type CircuitReader interface {
	State() entity.CircuitState
}

// PollService answers request/response reads of the snapshot store.
// Concurrent misses for the same key share one store read.
type PollService struct {
	store   SnapshotReader
	circuit CircuitReader
	cache   Cache
	ttl     time.Duration
	group   singleflight.Group
	log     *logrus.Entry

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewPollService(store SnapshotReader, circuit CircuitReader, cache Cache, ttl time.Duration) *PollService {
	if ttl <= 0 {
		ttl = defaultPollTTL
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &PollService{
		store:   store,
		circuit: circuit,
		cache:   cache,
		ttl:     ttl,
		log:     logrus.WithField("component", "poll_service"),
	}
}

// MarketData returns the encoded snapshot of symbol, or every snapshot as
// a JSON array when symbol is empty.
func (s *PollService) MarketData(ctx context.Context, symbol string) ([]byte, error) {
	if s.circuit != nil && s.circuit.State() == entity.CircuitOpen {
		return nil, entity.ErrCircuitOpen
	}

	key := entity.SymbolKey(symbol)
	if key == "" {
		key = allSymbolsKey
	}

	payload, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.WithField("key", key).Warnf("poll cache read failed: %v", err)
	}
	if ok {
		s.hits.Add(1)
		pollLookups.WithLabelValues("hit").Inc()
		return payload, nil
	}
	s.misses.Add(1)
	pollLookups.WithLabelValues("miss").Inc()

	v, err, _ := s.group.Do(key, func() (any, error) {
		payload, err := s.load(key)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(context.WithoutCancel(ctx), key, payload, s.ttl); err != nil {
			s.log.WithField("key", key).Warnf("poll cache write failed: %v", err)
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *PollService) load(key string) ([]byte, error) {
	if key == allSymbolsKey {
		snapshots := s.store.All()
		sort.Slice(snapshots, func(i, j int) bool {
			return snapshots[i].Symbol < snapshots[j].Symbol
		})
		return json.Marshal(snapshots)
	}

	snapshot, ok := s.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrSymbolNotFound, key)
	}
	return json.Marshal(snapshot)
}

// Symbols lists the symbols that have an accepted snapshot.
func (s *PollService) Symbols() []string {
	snapshots := s.store.All()
	symbols := make([]string, 0, len(snapshots))
	for _, snapshot := range snapshots {
		symbols = append(symbols, snapshot.Symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (s *PollService) Stats() entity.CacheStats {
	hits, misses := s.hits.Load(), s.misses.Load()
	stats := entity.CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
