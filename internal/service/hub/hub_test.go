package hub

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var baseTime = time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

type fakeStore struct {
	snapshots map[string]entity.Snapshot
}

func newFakeStore(snapshots ...entity.Snapshot) *fakeStore {
	s := &fakeStore{snapshots: map[string]entity.Snapshot{}}
	for _, snap := range snapshots {
		s.snapshots[snap.Symbol] = snap
	}
	return s
}

func (s *fakeStore) Get(symbol string) (entity.Snapshot, bool) {
	snap, ok := s.snapshots[entity.SymbolKey(symbol)]
	return snap, ok
}

func (s *fakeStore) All() []entity.Snapshot {
	out := make([]entity.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out
}

// publish mirrors the engine: the store holds the new snapshot before the
// hub sees the update.
func (s *fakeStore) publish(h *Hub, u entity.MarketUpdate) {
	s.snapshots[entity.SymbolKey(u.Snapshot.Symbol)] = u.Snapshot
	h.Publish(u)
}

func snap(symbol string, version uint64, last float64) entity.Snapshot {
	price := decimal.NewNullDecimal(decimal.NewFromFloat(last))
	return entity.Snapshot{
		MarketRecord: entity.MarketRecord{
			Symbol:    symbol,
			Timestamp: baseTime.Add(time.Duration(version) * time.Second),
			LastPrice: price,
			Bid:       price,
			Ask:       price,
		},
		Version: version,
	}
}

func update(symbol string, version uint64, last float64) entity.MarketUpdate {
	s := snap(symbol, version, last)
	price := s.LastPrice
	return entity.MarketUpdate{
		Delta: entity.Delta{
			Type:      entity.UpdateTypeDelta,
			Symbol:    symbol,
			Version:   version,
			Timestamp: s.Timestamp,
			LastPrice: &price,
		},
		Snapshot: s,
	}
}

func next(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestSubscribeQueuesSnapshotBeforeDeltas(t *testing.T) {
	h := NewHub(newFakeStore(snap("ES", 3, 100)), 8)
	sub, err := h.Subscribe([]string{"es"})
	require.NoError(t, err)
	defer sub.Close()

	h.Publish(update("ES", 3, 100))
	h.Publish(update("ES", 4, 101))

	first := next(t, sub)
	assert.Equal(t, entity.UpdateTypeSnapshot, first.Type)
	assert.Equal(t, uint64(3), first.Version)

	var payload entity.Delta
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, entity.UpdateTypeSnapshot, payload.Type)
	require.NotNil(t, payload.Bid)

	second := next(t, sub)
	assert.Equal(t, entity.UpdateTypeDelta, second.Type)
	assert.Equal(t, uint64(4), second.Version)
	assert.Equal(t, 0, sub.Depth())
}

func TestPublishHonoursSymbolFilter(t *testing.T) {
	h := NewHub(newFakeStore(), 8)
	es, err := h.Subscribe([]string{"ES"})
	require.NoError(t, err)
	all, err := h.Subscribe(nil)
	require.NoError(t, err)

	h.Publish(update("NQ", 1, 200))
	h.Publish(update("ES", 1, 100))

	assert.Equal(t, "ES", next(t, es).Symbol)
	assert.Equal(t, 0, es.Depth())

	assert.Equal(t, "NQ", next(t, all).Symbol)
	assert.Equal(t, "ES", next(t, all).Symbol)
}

func TestFullQueueResyncsSymbolWithLatestSnapshot(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, 2)
	sub, err := h.Subscribe(nil)
	require.NoError(t, err)

	store.publish(h, update("ES", 1, 100))
	store.publish(h, update("ES", 2, 101))
	store.publish(h, update("ES", 3, 102))

	assert.Equal(t, uint64(2), sub.Dropped())
	msg := next(t, sub)
	assert.Equal(t, entity.UpdateTypeSnapshot, msg.Type)
	assert.Equal(t, uint64(3), msg.Version)
	assert.Equal(t, 0, sub.Depth())

	store.publish(h, update("ES", 4, 103))
	msg = next(t, sub)
	assert.Equal(t, entity.UpdateTypeDelta, msg.Type)
	assert.Equal(t, uint64(4), msg.Version)
}

func TestFullQueueKeepsQuietSymbolLatest(t *testing.T) {
	store := newFakeStore()
	h := NewHub(store, 2)
	sub, err := h.Subscribe(nil)
	require.NoError(t, err)

	store.publish(h, update("A", 1, 100))
	store.publish(h, update("B", 1, 200))
	store.publish(h, update("B", 2, 201))

	latest := map[string]uint64{}
	for sub.Depth() > 0 {
		msg := next(t, sub)
		latest[msg.Symbol] = msg.Version
	}
	assert.Equal(t, map[string]uint64{"A": 1, "B": 2}, latest)
}

func TestPublishSkipsVersionsAlreadyQueued(t *testing.T) {
	h := NewHub(newFakeStore(snap("ES", 2, 100)), 8)
	sub, err := h.Subscribe(nil)
	require.NoError(t, err)

	h.Publish(update("ES", 2, 100))
	assert.Equal(t, 1, sub.Depth())
}

func TestSetSymbolsSendsSnapshotForNewSymbols(t *testing.T) {
	h := NewHub(newFakeStore(snap("ES", 1, 100), snap("NQ", 5, 200)), 8)
	sub, err := h.Subscribe([]string{"ES"})
	require.NoError(t, err)
	assert.Equal(t, "ES", next(t, sub).Symbol)

	require.NoError(t, h.SetSymbols(sub, []string{"ES", "NQ"}))
	msg := next(t, sub)
	assert.Equal(t, "NQ", msg.Symbol)
	assert.Equal(t, entity.UpdateTypeSnapshot, msg.Type)
	assert.Equal(t, 0, sub.Depth())
}

func TestCloseEndsSubscribers(t *testing.T) {
	h := NewHub(newFakeStore(), 4)
	sub, err := h.Subscribe(nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	h.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, entity.ErrSubscriberClosed)
	case <-time.After(time.Second):
		t.Fatal("subscriber not released by close")
	}

	_, err = h.Subscribe(nil)
	assert.ErrorIs(t, err, entity.ErrHubClosed)
	assert.Equal(t, 0, h.Stats().Subscribers)
}

func TestUnsubscribeUpdatesStats(t *testing.T) {
	h := NewHub(newFakeStore(), 4)
	a, err := h.Subscribe(nil)
	require.NoError(t, err)
	_, err = h.Subscribe(nil)
	require.NoError(t, err)

	h.Publish(update("ES", 1, 100))
	stats := h.Stats()
	assert.Equal(t, 2, stats.Subscribers)
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, 8, stats.QueueCapacity)

	a.Close()
	assert.Equal(t, 1, h.Stats().Subscribers)
	assert.ErrorIs(t, h.SetSymbols(a, nil), entity.ErrSubscriberClosed)
}

func TestQueueKeepsPerSymbolOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 6).Draw(t, "capacity")
		store := newFakeStore()
		h := NewHub(store, capacity)
		sub, err := h.Subscribe(nil)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}

		versions := map[string]uint64{}
		seen := map[string]uint64{}
		consume := func() {
			msg, err := sub.Next(context.Background())
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if msg.Version <= seen[msg.Symbol] {
				t.Fatalf("%s version %d after %d", msg.Symbol, msg.Version, seen[msg.Symbol])
			}
			seen[msg.Symbol] = msg.Version
		}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			symbol := rapid.SampledFrom([]string{"ES", "NQ", "CL"}).Draw(t, "symbol")
			versions[symbol]++
			store.publish(h, update(symbol, versions[symbol], 100+float64(i)))

			if rapid.Bool().Draw(t, "consume") && sub.Depth() > 0 {
				consume()
			}
			sub.mu.Lock()
			queued := sub.size
			sub.mu.Unlock()
			if queued > capacity {
				t.Fatalf("queued %d above capacity %d", queued, capacity)
			}
		}

		for sub.Depth() > 0 {
			consume()
		}
		for symbol, version := range versions {
			if seen[symbol] != version {
				t.Fatalf("%s ended at version %d, latest is %d", symbol, seen[symbol], version)
			}
		}
	})
}
