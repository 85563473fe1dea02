package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	mu        sync.Mutex
	snapshots map[string]entity.Snapshot
	gets      atomic.Int64
	block     chan struct{}
}

func newCountingStore(snapshots ...entity.Snapshot) *countingStore {
	s := &countingStore{snapshots: make(map[string]entity.Snapshot)}
	for _, snapshot := range snapshots {
		s.snapshots[snapshot.Symbol] = snapshot
	}
	return s
}

func (s *countingStore) Get(symbol string) (entity.Snapshot, bool) {
	s.gets.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[symbol]
	return snapshot, ok
}

func (s *countingStore) All() []entity.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Snapshot, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		out = append(out, snapshot)
	}
	return out
}

type stateCircuit struct {
	state entity.CircuitState
}

func (c stateCircuit) State() entity.CircuitState {
	return c.state
}

func snapshotOf(symbol string, version uint64, last string) entity.Snapshot {
	price := decimal.NewNullDecimal(decimal.RequireFromString(last))
	return entity.Snapshot{
		MarketRecord: entity.MarketRecord{
			Symbol:    symbol,
			Timestamp: time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC),
			LastPrice: price,
			Bid:       price,
			Ask:       price,
		},
		Version: version,
	}
}

func TestPollServiceCachesWithinTTL(t *testing.T) {
	store := newCountingStore(snapshotOf("NQU25", 1, "21500"))
	svc := NewPollService(store, stateCircuit{}, NewMemoryCache(), time.Minute)
	ctx := context.Background()

	first, err := svc.MarketData(ctx, "nqu25")
	require.NoError(t, err)
	second, err := svc.MarketData(ctx, "NQU25")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, store.gets.Load())

	stats := svc.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	var got entity.Snapshot
	require.NoError(t, json.Unmarshal(first, &got))
	assert.Equal(t, "NQU25", got.Symbol)
	assert.EqualValues(t, 1, got.Version)
}

func TestPollServiceExpiresEntries(t *testing.T) {
	store := newCountingStore(snapshotOf("ES", 1, "5000"))
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	svc := NewPollService(store, nil, cache, time.Second)

	_, err := svc.MarketData(context.Background(), "ES")
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	_, err = svc.MarketData(context.Background(), "ES")
	require.NoError(t, err)

	assert.EqualValues(t, 2, store.gets.Load())
}

func TestPollServiceUnknownSymbol(t *testing.T) {
	svc := NewPollService(newCountingStore(), nil, nil, 0)

	_, err := svc.MarketData(context.Background(), "ZZZ")
	assert.ErrorIs(t, err, entity.ErrSymbolNotFound)
}

func TestPollServiceRefusesWhileCircuitOpen(t *testing.T) {
	store := newCountingStore(snapshotOf("ES", 1, "5000"))
	svc := NewPollService(store, stateCircuit{state: entity.CircuitOpen}, nil, 0)

	_, err := svc.MarketData(context.Background(), "ES")
	assert.ErrorIs(t, err, entity.ErrCircuitOpen)
	assert.Zero(t, store.gets.Load())
}

func TestPollServiceAllSymbolsSorted(t *testing.T) {
	store := newCountingStore(snapshotOf("NQU25", 3, "21500"), snapshotOf("ESU25", 1, "5000"))
	svc := NewPollService(store, nil, nil, 0)

	payload, err := svc.MarketData(context.Background(), "")
	require.NoError(t, err)

	var got []entity.Snapshot
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "ESU25", got[0].Symbol)
	assert.Equal(t, "NQU25", got[1].Symbol)
	assert.Equal(t, []string{"ESU25", "NQU25"}, svc.Symbols())
}

func TestPollServiceCoalescesConcurrentMisses(t *testing.T) {
	store := newCountingStore(snapshotOf("ES", 1, "5000"))
	store.block = make(chan struct{})
	svc := NewPollService(store, nil, nil, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.MarketData(context.Background(), "ES")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return store.gets.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, store.gets.Load())
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client, "market_bridge:poll")
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "ES")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "ES", []byte(`{"symbol":"ES"}`), time.Second))
	assert.True(t, mr.Exists("market_bridge:poll:ES"))

	value, ok, err := cache.Get(ctx, "ES")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"symbol":"ES"}`, string(value))

	mr.FastForward(2 * time.Second)
	_, ok, err = cache.Get(ctx, "ES")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPollServiceServesFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newCountingStore(snapshotOf("ES", 1, "5000"))
	svc := NewPollService(store, nil, NewRedisCache(client, "p"), time.Minute)

	_, err := svc.MarketData(context.Background(), "ES")
	require.NoError(t, err)
	_, err = svc.MarketData(context.Background(), "ES")
	require.NoError(t, err)

	assert.EqualValues(t, 1, store.gets.Load())
	assert.EqualValues(t, 1, svc.Stats().Hits)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return &nats.PubAck{}, p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func TestDeltaPublisherMirrorsDeltas(t *testing.T) {
	rec := &recordingPublisher{}
	pub := newDeltaPublisher(rec, 4)

	snapshot := snapshotOf("NQU25", 7, "21500")
	pub.Publish(entity.MarketUpdate{Delta: entity.FullDelta(snapshot), Snapshot: snapshot})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "bridge_market.delta.NQU25", rec.subjects[0])
	var got entity.Delta
	require.NoError(t, json.Unmarshal(rec.payloads[0], &got))
	assert.EqualValues(t, 7, got.Version)
}

func TestDeltaPublisherDropsWhenFull(t *testing.T) {
	rec := &recordingPublisher{err: errors.New("nats down")}
	pub := newDeltaPublisher(rec, 1)

	snapshot := snapshotOf("ES", 1, "5000")
	update := entity.MarketUpdate{Delta: entity.FullDelta(snapshot), Snapshot: snapshot}
	pub.Publish(update)
	pub.Publish(update)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.Run(ctx)

	assert.Equal(t, 1, rec.count())
}

type fakeHistoryRepo struct {
	mu      sync.Mutex
	batches [][]entity.Snapshot
}

func (r *fakeHistoryRepo) CreateBatch(_ context.Context, snapshots []entity.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]entity.Snapshot(nil), snapshots...))
	return nil
}

func (r *fakeHistoryRepo) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, 0, len(r.batches))
	for _, b := range r.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

func TestHistoryWriterFlushesOnSizeAndInterval(t *testing.T) {
	repo := &fakeHistoryRepo{}
	w := NewHistoryWriter(repo, HistoryConfig{BatchSize: 2, FlushInterval: 30 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for v := uint64(1); v <= 3; v++ {
		s := snapshotOf("ES", v, "5000")
		w.Publish(entity.MarketUpdate{Snapshot: s})
	}

	require.Eventually(t, func() bool { return len(repo.sizes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2, 1}, repo.sizes())

	cancel()
	<-done
}

func TestHistoryWriterDrainsOnShutdown(t *testing.T) {
	repo := &fakeHistoryRepo{}
	w := NewHistoryWriter(repo, HistoryConfig{BatchSize: 10, FlushInterval: time.Hour})

	w.Publish(entity.MarketUpdate{Snapshot: snapshotOf("ES", 1, "5000")})
	w.Publish(entity.MarketUpdate{Snapshot: snapshotOf("NQ", 1, "21500")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	assert.Equal(t, []int{2}, repo.sizes())
}
