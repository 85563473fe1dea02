package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/shopspring/decimal"
)

// Store holds the last accepted snapshot per symbol. It never performs I/O
// and hands out copies only.
type Store struct {
	minPrice decimal.Decimal
	now      func() time.Time

	mu        sync.RWMutex
	snapshots map[string]entity.Snapshot
}

func NewStore(minPrice decimal.Decimal) *Store {
	return &Store{
		minPrice:  minPrice,
		now:       time.Now,
		snapshots: make(map[string]entity.Snapshot),
	}
}

func (s *Store) Get(symbol string) (entity.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[entity.SymbolKey(symbol)]
	return snapshot, ok
}

func (s *Store) Validate(record entity.MarketRecord) error {
	return record.Validate(s.minPrice)
}

// Put validates record and stores it as the next version of symbol. On any
// error the stored state is left untouched.
func (s *Store) Put(symbol string, record entity.MarketRecord) (entity.Snapshot, error) {
	key := entity.SymbolKey(symbol)
	if record.Symbol == "" {
		record.Symbol = symbol
	}
	if entity.SymbolKey(record.Symbol) != key {
		return entity.Snapshot{}, fmt.Errorf("%w: record symbol %q does not match %q", entity.ErrInvalidRecord, record.Symbol, symbol)
	}
	if err := s.Validate(record); err != nil {
		return entity.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.snapshots[key]
	if ok && record.Timestamp.Before(prev.Timestamp) {
		return entity.Snapshot{}, fmt.Errorf("%w: %s at %s is older than version %d at %s",
			entity.ErrOutOfOrderRecord, key, record.Timestamp.Format(time.RFC3339Nano), prev.Version, prev.Timestamp.Format(time.RFC3339Nano))
	}

	record.Timestamp = record.Timestamp.UTC()
	next := entity.Snapshot{
		MarketRecord: record,
		Version:      prev.Version + 1,
		UpdatedAt:    s.now().UTC(),
	}
	s.snapshots[key] = next

	return next, nil
}

// All returns every snapshot ordered by symbol.
func (s *Store) All() []entity.Snapshot {
	s.mu.RLock()
	out := make([]entity.Snapshot, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		out = append(out, snapshot)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return entity.SymbolKey(out[i].Symbol) < entity.SymbolKey(out[j].Symbol)
	})
	return out
}

func (s *Store) Symbols() []string {
	all := s.All()
	symbols := make([]string, 0, len(all))
	for _, snapshot := range all {
		symbols = append(symbols, snapshot.Symbol)
	}
	return symbols
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
