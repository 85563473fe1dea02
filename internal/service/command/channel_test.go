package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/constant"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/service/resilience"
	"github.com/krobus00/market-bridge/internal/service/snapshot"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeOrderEntry struct {
	mu     sync.Mutex
	nextID int64
	calls  []entity.OrderRequest
	err    error
	delay  time.Duration
	// deaf ignores cancellation, like an upstream that answers late.
	deaf bool
}

func (f *fakeOrderEntry) Name() string { return "fake" }

func (f *fakeOrderEntry) PlaceOrder(ctx context.Context, order entity.OrderRequest) (int64, error) {
	if f.delay > 0 {
		if f.deaf {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, order)
	if f.err != nil {
		return 0, f.err
	}
	return f.nextID, nil
}

func (f *fakeOrderEntry) Calls() []entity.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.OrderRequest(nil), f.calls...)
}

type fixture struct {
	dir     string
	store   *snapshot.Store
	entry   *fakeOrderEntry
	breaker *resilience.Breaker
	journal *FileJournal
	channel *Channel
}

func newFixture(t *testing.T, mutate ...func(cfg *Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	store := snapshot.NewStore(decimal.RequireFromString("0.01"))
	_, err := store.Put("NQU25", entity.MarketRecord{
		Symbol:    "NQU25",
		Timestamp: time.Now(),
		LastPrice: decimal.NewNullDecimal(decimal.RequireFromString("21500.25")),
		Bid:       decimal.NewNullDecimal(decimal.RequireFromString("21500")),
		Ask:       decimal.NewNullDecimal(decimal.RequireFromString("21500.5")),
	})
	require.NoError(t, err)

	journal, err := OpenFileJournal(filepath.Join(dir, "journal.jsonl"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	cfg := Config{
		CommandDir:       filepath.Join(dir, "commands"),
		ResponseDir:      filepath.Join(dir, "responses"),
		PollInterval:     10 * time.Millisecond,
		ActiveSymbol:     "nqu25",
		MaxQuantity:      10,
		ExecutionTimeout: time.Second,
		QueueSize:        4,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.CommandDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.ResponseDir, 0o755))

	entry := &fakeOrderEntry{nextID: 1001}
	breaker := resilience.NewBreaker(constant.OperationCommandExec, resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})

	return &fixture{
		dir:     dir,
		store:   store,
		entry:   entry,
		breaker: breaker,
		journal: journal,
		channel: NewChannel(cfg, store, entry, breaker, journal, nil),
	}
}

func (f *fixture) drop(t *testing.T, name string, payload string) string {
	t.Helper()
	path := filepath.Join(f.channel.cfg.CommandDir, name)
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))
	return path
}

func (f *fixture) response(t *testing.T, name string) entity.TradeResponse {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.channel.cfg.ResponseDir, name))
	require.NoError(t, err)
	var resp entity.TradeResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func command(id, action string, qty int64) string {
	return fmt.Sprintf(`{"command_id":%q,"action":%q,"symbol":"NQU25","quantity":%d,"order_type":"MARKET"}`, id, action, qty)
}

func TestFileDropMarketBuyFillsAtAsk(t *testing.T) {
	f := newFixture(t)
	path := f.drop(t, "a.json", command("buy-1", "BUY", 1))

	f.channel.scan(context.Background())

	resp := f.response(t, "buy-1.json")
	assert.Equal(t, entity.TradeStatusFilled, resp.Status)
	assert.Equal(t, "21500.5", resp.FillPrice.Decimal.String())
	assert.Equal(t, int64(1001), resp.OrderID.Int64)

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(path + claimedSuffix)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	entry, err := f.channel.Status(context.Background(), "buy-1")
	require.NoError(t, err)
	assert.Equal(t, entity.JournalStateAnswered, entry.State)
	assert.Equal(t, entity.CommandSourceFile, entry.Command.Source)
}

func TestFillPrices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sell := f.channel.handle(ctx, entity.TradeCommand{CommandID: "s", Action: entity.OrderSideSell, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket}, nil)
	assert.Equal(t, "21500", sell.FillPrice.Decimal.String())

	limit := f.channel.handle(ctx, entity.TradeCommand{
		CommandID: "l",
		Action:    entity.OrderSideBuy,
		Symbol:    "NQU25",
		Quantity:  1,
		OrderType: entity.OrderTypeLimit,
		Price:     decimal.NewNullDecimal(decimal.RequireFromString("21490")),
	}, nil)
	assert.Equal(t, entity.TradeStatusFilled, limit.Status)
	assert.Equal(t, "21490", limit.FillPrice.Decimal.String())
}

func TestValidationRejectsWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  entity.TradeCommand
		want string
	}{
		{
			name: "wrong symbol",
			cmd:  entity.TradeCommand{CommandID: "v1", Action: entity.OrderSideBuy, Symbol: "ESU25", Quantity: 1, OrderType: entity.OrderTypeMarket},
			want: "symbol ESU25 is not the active symbol NQU25",
		},
		{
			name: "quantity above maximum",
			cmd:  entity.TradeCommand{CommandID: "v2", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 11, OrderType: entity.OrderTypeMarket},
			want: "quantity 11 exceeds maximum 10",
		},
		{
			name: "limit without price",
			cmd:  entity.TradeCommand{CommandID: "v3", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeLimit},
			want: "limit order requires a positive price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.channel.handle(ctx, tt.cmd, nil)
			assert.Equal(t, entity.TradeStatusRejected, resp.Status)
			assert.Equal(t, tt.want, resp.Message)
		})
	}
	assert.Empty(t, f.entry.Calls())
}

func TestRejectsWhenQuoteMissing(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ActiveSymbol = "" })
	_, err := f.store.Put("CLZ25", entity.MarketRecord{
		Symbol:    "CLZ25",
		Timestamp: time.Now(),
		LastPrice: decimal.NewNullDecimal(decimal.RequireFromString("70")),
	})
	require.NoError(t, err)

	resp := f.channel.handle(context.Background(), entity.TradeCommand{CommandID: "q1", Action: entity.OrderSideBuy, Symbol: "CLZ25", Quantity: 1, OrderType: entity.OrderTypeMarket}, nil)
	assert.Equal(t, "bid/ask unavailable for CLZ25", resp.Message)

	resp = f.channel.handle(context.Background(), entity.TradeCommand{CommandID: "q2", Action: entity.OrderSideBuy, Symbol: "GCZ25", Quantity: 1, OrderType: entity.OrderTypeMarket}, nil)
	assert.Equal(t, "no market data for GCZ25", resp.Message)
	assert.Empty(t, f.entry.Calls())
}

func TestUnparseableArtifactAnsweredAsUnknown(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "garbage.json", `{"command_id": `)

	f.channel.scan(context.Background())

	resp := f.response(t, "unknown-garbage.json")
	assert.Equal(t, entity.UnknownCommandID, resp.CommandID)
	assert.Equal(t, entity.TradeStatusRejected, resp.Status)
	assert.Equal(t, MessageInvalidFormat, resp.Message)
	assert.Empty(t, f.entry.Calls())
}

func TestMalformedArtifactNeverOverwritesAnsweredCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.drop(t, "c1.json", `{"command_id":"c1","action":"BUY","symbol":"NQU25","quantity":1,"order_type":"MARKET"}`)
	f.channel.scan(ctx)
	require.Equal(t, entity.TradeStatusFilled, f.response(t, "c1.json").Status)

	f.drop(t, "c1-again.json", `{"command_id":"c1","action":"HOLD","quantity":"x"}`)
	f.channel.scan(ctx)

	assert.Equal(t, entity.TradeStatusFilled, f.response(t, "c1.json").Status)
	resp := f.response(t, "unknown-c1-again.json")
	assert.Equal(t, "c1", resp.CommandID)
	assert.Equal(t, MessageInvalidFormat, resp.Message)
	assert.Len(t, f.entry.Calls(), 1)
}

func TestNonPositiveOrderIDIsRejectedWithoutTrippingBreaker(t *testing.T) {
	f := newFixture(t)
	f.entry.nextID = 0

	for i := 0; i < 3; i++ {
		resp := f.channel.handle(context.Background(), entity.TradeCommand{CommandID: fmt.Sprintf("z%d", i), Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket}, nil)
		assert.Equal(t, MessageOrderRejected, resp.Message)
	}
	assert.Equal(t, entity.CircuitClosed, f.breaker.State())
}

func TestUpstreamFailuresOpenCircuit(t *testing.T) {
	f := newFixture(t)
	f.entry.err = fmt.Errorf("%w: connection refused", entity.ErrUpstreamUnavailable)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp := f.channel.handle(ctx, entity.TradeCommand{CommandID: fmt.Sprintf("u%d", i), Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket}, nil)
		assert.Equal(t, entity.TradeStatusRejected, resp.Status)
		assert.Contains(t, resp.Message, "connection refused")
	}
	require.Equal(t, entity.CircuitOpen, f.breaker.State())

	resp := f.channel.handle(ctx, entity.TradeCommand{CommandID: "u-open", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket}, nil)
	assert.Equal(t, MessageCircuitOpen, resp.Message)
	assert.Len(t, f.entry.Calls(), 2)
}

func TestExecutionTimeoutRejects(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ExecutionTimeout = 20 * time.Millisecond })
	f.entry.delay = time.Second

	resp := f.channel.handle(context.Background(), entity.TradeCommand{CommandID: "slow", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket}, nil)
	assert.Equal(t, entity.TradeStatusRejected, resp.Status)
	assert.Contains(t, resp.Message, "timeout")
}

func TestLateOrderEntryCannotReopenTimedOutCommand(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ExecutionTimeout = 20 * time.Millisecond })
	f.entry.delay = 150 * time.Millisecond
	f.entry.deaf = true
	ctx := context.Background()
	cmd := entity.TradeCommand{CommandID: "late", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket}

	resp := f.channel.handle(ctx, cmd, nil)
	require.Equal(t, entity.TradeStatusRejected, resp.Status)

	// Let the abandoned call finish.
	require.Eventually(t, func() bool { return len(f.entry.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	entry, err := f.journal.Get(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, entity.JournalStateAnswered, entry.State)
	require.NotNil(t, entry.Response)
	assert.Equal(t, resp, *entry.Response)

	pending, err := f.journal.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, resp, f.channel.handle(ctx, cmd, nil))
	assert.Len(t, f.entry.Calls(), 1)
}

func TestDuplicateCommandReplaysStoredResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd := entity.TradeCommand{CommandID: "dup", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket}

	first := f.channel.handle(ctx, cmd, nil)
	second := f.channel.handle(ctx, cmd, nil)

	assert.Equal(t, first, second)
	assert.Len(t, f.entry.Calls(), 1)
}

func TestRecoveryAnswersUnfinishedCommandsWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	claimed := entity.TradeCommand{CommandID: "crash-1", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket, Source: entity.CommandSourceFile}
	executing := entity.TradeCommand{CommandID: "crash-2", Action: entity.OrderSideSell, Symbol: "NQU25", Quantity: 1, OrderType: entity.OrderTypeMarket, Source: entity.CommandSourceHTTP}
	_, err := f.journal.Claim(ctx, claimed)
	require.NoError(t, err)
	_, err = f.journal.Claim(ctx, executing)
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkExecuting(ctx, executing.CommandID))

	// The artifact was claimed but not removed before the crash.
	leftover := filepath.Join(f.channel.cfg.CommandDir, "crash.json"+claimedSuffix)
	require.NoError(t, os.WriteFile(leftover, []byte(command("crash-1", "BUY", 1)), 0o644))

	f.channel.recover(ctx)
	f.channel.reclaimLeftovers(ctx)

	resp := f.response(t, "crash-1.json")
	assert.Equal(t, MessageNotExecuted, resp.Message)

	entry, err := f.journal.Get(ctx, "crash-2")
	require.NoError(t, err)
	require.True(t, entry.Answered())
	assert.Equal(t, MessageOutcomeUnknown, entry.Response.Message)

	assert.Empty(t, f.entry.Calls())
	_, err = os.Stat(leftover)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestScanOrdersByModTimeThenName(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Minute)

	for i, name := range []string{"c.json", "b.json", "a.json"} {
		path := f.drop(t, name, command("order-"+name, "BUY", 1))
		at := base
		if name == "c.json" {
			at = base.Add(-time.Second)
		}
		require.NoError(t, os.Chtimes(path, at, at), i)
	}

	f.channel.scan(context.Background())

	var ids []string
	for _, call := range f.entry.Calls() {
		ids = append(ids, call.CommandID)
	}
	assert.Equal(t, []string{"order-c.json", "order-a.json", "order-b.json"}, ids)
}

func TestConcurrentReadersClaimEachArtifactOnce(t *testing.T) {
	a := newFixture(t)
	bJournal, err := OpenFileJournal(filepath.Join(a.dir, "journal-b.jsonl"), 0)
	require.NoError(t, err)
	defer bJournal.Close()
	bEntry := &fakeOrderEntry{nextID: 2002}
	b := NewChannel(a.channel.cfg, a.store, bEntry, resilience.NewBreaker("b", resilience.BreakerConfig{}), bJournal, nil)

	for i := 0; i < 20; i++ {
		a.drop(t, fmt.Sprintf("%02d.json", i), command(fmt.Sprintf("c%02d", i), "BUY", 1))
	}

	var wg sync.WaitGroup
	for _, ch := range []*Channel{a.channel, b} {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.scan(context.Background())
		}(ch)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, call := range append(a.entry.Calls(), bEntry.Calls()...) {
		seen[call.CommandID]++
	}
	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestSubmitThroughRunLoop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.channel.Run(ctx) }()

	resp, err := f.channel.Submit(context.Background(), entity.TradeCommand{CommandID: "http-1", Action: "buy", Symbol: "nqu25", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, entity.TradeStatusFilled, resp.Status)

	calls := f.entry.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, entity.OrderTypeMarket, calls[0].Type)
	assert.Equal(t, "NQU25", calls[0].Symbol)

	cancel()
	require.NoError(t, <-done)

	resp, err = f.channel.Submit(context.Background(), entity.TradeCommand{CommandID: "http-2", Action: "BUY", Symbol: "NQU25", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, MessageShuttingDown, resp.Message)
}

func TestSubmitQueueFullAndShutdownDrain(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.QueueSize = 1 })
	cmd := entity.TradeCommand{CommandID: "q-1", Action: entity.OrderSideBuy, Symbol: "NQU25", Quantity: 1}

	queued := make(chan entity.TradeResponse, 1)
	go func() {
		resp, _ := f.channel.Submit(context.Background(), cmd)
		queued <- resp
	}()
	require.Eventually(t, func() bool { return f.channel.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)

	cmd.CommandID = "q-2"
	resp, err := f.channel.Submit(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, MessageQueueFull, resp.Message)

	f.channel.shutdown()
	select {
	case resp := <-queued:
		assert.Equal(t, "q-1", resp.CommandID)
		assert.Equal(t, MessageShuttingDown, resp.Message)
	case <-time.After(time.Second):
		t.Fatal("queued command not answered on shutdown")
	}
	assert.Empty(t, f.entry.Calls())
}

func TestEveryArtifactGetsExactlyOneResponse(t *testing.T) {
	f := newFixture(t)
	iteration := 0

	rapid.Check(t, func(rt *rapid.T) {
		iteration++
		require.NoError(rt, os.RemoveAll(f.channel.cfg.ResponseDir))
		require.NoError(rt, os.MkdirAll(f.channel.cfg.ResponseDir, 0o755))

		n := rapid.IntRange(1, 8).Draw(rt, "artifacts")
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%d-%d", iteration, i)
			var payload string
			switch rapid.IntRange(0, 4).Draw(rt, "kind") {
			case 0:
				payload = command(id, "BUY", rapid.Int64Range(1, 10).Draw(rt, "qty"))
			case 1:
				payload = command(id, "SELL", rapid.Int64Range(11, 100).Draw(rt, "qty"))
			case 2:
				payload = fmt.Sprintf(`{"command_id":%q,"action":"BUY","symbol":"ESZ25","quantity":1}`, id)
			case 3:
				payload = `{"action":"BUY","symbol":"NQU25","quantity":1}`
			default:
				payload = `{"command_id": `
			}
			path := filepath.Join(f.channel.cfg.CommandDir, id+".json")
			require.NoError(rt, os.WriteFile(path, []byte(payload), 0o644))
		}

		f.channel.scan(context.Background())

		responses, err := os.ReadDir(f.channel.cfg.ResponseDir)
		require.NoError(rt, err)
		if len(responses) != n {
			rt.Fatalf("got %d responses for %d artifacts", len(responses), n)
		}
		left, err := os.ReadDir(f.channel.cfg.CommandDir)
		require.NoError(rt, err)
		assert.Empty(rt, left)
	})
}
