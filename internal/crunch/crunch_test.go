package crunch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"chaincrunch/internal/cfg"
	"chaincrunch/internal/chaintest"
	"chaincrunch/internal/scanner/store"
	"chaincrunch/internal/trx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	usdc   = trx.Token{Address: common.HexToAddress("0x0a"), Name: "USD Coin", Symbol: "USDC", Decimals: 6}
	router = common.HexToAddress("0xf0")
	alice  = common.HexToAddress("0xa1")
	bob    = common.HexToAddress("0xb0")
)

func hash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

// newTestCrunch wires the runner to the fake chain and an in-memory store.
func newTestCrunch(c *cfg.Config, chain *chaintest.Chain, st store.Store) (*Crunch, *bytes.Buffer) {
	out := new(bytes.Buffer)
	cr := New(c)
	cr.out = out
	cr.retryDelay = 5 * time.Millisecond
	cr.dial = func(context.Context, string) (Node, error) { return chain, nil }
	cr.openStore = func() (store.Store, error) { return st, nil }
	return cr, out
}

func testConfig() *cfg.Config {
	c := cfg.Default()
	c.ViewBlocks = 10
	c.ScanWindow = 4
	c.RequestsPerSecond = 1000
	return &c
}

// waitFor polls the condition until it holds or the limit passes.
func waitFor(t *testing.T, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestViewPrintsReport(t *testing.T) {
	chain := chaintest.New(100)
	chain.AddToken(usdc)
	chain.AddTransfer(85, hash(1), router, usdc.Address, alice, bob, 10)
	chain.AddTransfer(95, hash(2), router, usdc.Address, alice, bob, 20)
	chain.AddTransfer(95, hash(2), router, usdc.Address, bob, alice, 5)

	cr, out := newTestCrunch(testConfig(), chain, store.NewMemory())
	if err := cr.View(context.Background()); err != nil {
		t.Fatalf("View failed: %v", err)
	}

	var rep trx.Report
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if rep.Mode != "view" || uint64(rep.FromBlock) != 91 || uint64(rep.ToBlock) != 100 {
		t.Errorf("unexpected report range %s %d-%d", rep.Mode, rep.FromBlock, rep.ToBlock)
	}
	if rep.Transactions != 1 || len(rep.Tokens) != 1 || rep.Tokens[0].Transfers != 2 {
		t.Errorf("unexpected report content %+v", rep)
	}
	if rep.ChainID == nil || rep.ChainID.ToInt().Int64() != 250 {
		t.Errorf("chain id not reported: %v", rep.ChainID)
	}
	if chain.LogCalls() != 1 {
		t.Errorf("expected a single log pull, got %d", chain.LogCalls())
	}
	if !chain.Closed() {
		t.Error("connection not closed")
	}
}

func TestSubscribeTalliesNewHeads(t *testing.T) {
	chain := chaintest.New(100)
	chain.AddToken(usdc)
	chain.AddTransfer(101, hash(1), router, usdc.Address, alice, bob, 10)

	cr, _ := newTestCrunch(testConfig(), chain, store.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cr.Subscribe(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return chain.Subscriptions() == 1 })
	chain.Emit(101)
	waitFor(t, 2*time.Second, func() bool { return chain.LogCalls() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe must end quietly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not stop with the context")
	}
}

func TestSubscribeRetriesLostSubscription(t *testing.T) {
	chain := chaintest.New(100)
	chain.SubscribeErr = errors.New("ws closed")

	cr, _ := newTestCrunch(testConfig(), chain, store.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cr.Subscribe(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return chain.Subscriptions() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestFlakesStoresReport(t *testing.T) {
	chain := chaintest.New(20)
	chain.AddToken(usdc)
	chain.AddTransfer(12, hash(1), router, usdc.Address, alice, bob, 10)
	chain.AddTransfer(15, hash(2), router, usdc.Address, bob, alice, 20)

	c := testConfig()
	c.StartBlock = 10
	st := store.NewMemory()

	cr, _ := newTestCrunch(c, chain, st)
	if err := cr.Flakes(context.Background()); err != nil {
		t.Fatalf("Flakes failed: %v", err)
	}

	var reports, batches int
	var rep trx.Report
	for _, k := range st.Keys() {
		switch {
		case strings.HasPrefix(k, "reports/"):
			reports++
			data, _ := st.Get(k)
			if err := json.Unmarshal(data, &rep); err != nil {
				t.Fatalf("decode report: %v", err)
			}
		case strings.HasPrefix(k, "transactions/"):
			batches++
		}
	}
	if reports != 1 || batches != 1 {
		t.Fatalf("unexpected stored keys %v", st.Keys())
	}
	if rep.Transactions != 2 || uint64(rep.FromBlock) != 10 || uint64(rep.HeadBlock) != 20 {
		t.Errorf("unexpected report %+v", rep)
	}
}

// interruptedChain cancels the run when the second logs window is requested.
type interruptedChain struct {
	*chaintest.Chain
	cancel context.CancelFunc
}

func (ic *interruptedChain) GetLogs(ctx context.Context, topics [][]common.Hash, from uint64, to uint64) ([]types.Log, error) {
	if ic.LogCalls() > 0 {
		ic.cancel()
		return nil, context.Canceled
	}
	return ic.Chain.GetLogs(ctx, topics, from, to)
}

func TestFlakesStoresPartialScanOnInterrupt(t *testing.T) {
	chain := chaintest.New(20)
	chain.AddToken(usdc)
	chain.AddTransfer(12, hash(1), router, usdc.Address, alice, bob, 10)
	chain.AddTransfer(15, hash(2), router, usdc.Address, bob, alice, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node := &interruptedChain{Chain: chain, cancel: cancel}

	c := testConfig()
	c.StartBlock = 10
	st := store.NewMemory()

	cr, _ := newTestCrunch(c, chain, st)
	cr.dial = func(context.Context, string) (Node, error) { return node, nil }

	if err := cr.Flakes(ctx); err != nil {
		t.Fatalf("interrupted scan must not fail: %v", err)
	}

	var rep trx.Report
	var batch []trx.BlockchainTransaction
	for _, k := range st.Keys() {
		data, _ := st.Get(k)
		switch {
		case strings.HasPrefix(k, "reports/"):
			if err := json.Unmarshal(data, &rep); err != nil {
				t.Fatalf("decode report: %v", err)
			}
		case strings.HasPrefix(k, "transactions/"):
			if err := json.Unmarshal(data, &batch); err != nil {
				t.Fatalf("decode batch: %v", err)
			}
		}
	}

	// the first window #10-#13 has been scanned before the interrupt
	if len(batch) != 1 || batch[0].TXHash != hash(1) {
		t.Fatalf("queued batch not stored: %+v", batch)
	}
	if rep.Transactions != 1 || uint64(rep.FromBlock) != 10 || uint64(rep.ToBlock) != 13 {
		t.Errorf("unexpected partial report %+v", rep)
	}
	if rep.ChainID == nil {
		t.Error("report must be decorated after the interrupt")
	}
}

func TestFlakesRejectsStartBeyondHead(t *testing.T) {
	c := testConfig()
	c.StartBlock = 50

	cr, _ := newTestCrunch(c, chaintest.New(20), store.NewMemory())
	if err := cr.Flakes(context.Background()); err == nil {
		t.Fatal("expected an error for a start block beyond head")
	}
}

func TestWindowStart(t *testing.T) {
	tests := []struct {
		head, size, want uint64
	}{
		{100, 10, 91},
		{100, 100, 1},
		{5, 10, 0},
		{100, 0, 0},
	}
	for _, tc := range tests {
		if got := windowStart(tc.head, tc.size); got != tc.want {
			t.Errorf("windowStart(%d, %d) = %d, want %d", tc.head, tc.size, got, tc.want)
		}
	}
}

func TestSleepWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepWithContext(ctx, time.Hour) {
		t.Error("sleep must be interrupted by a done context")
	}
	if !sleepWithContext(context.Background(), time.Millisecond) {
		t.Error("sleep must complete")
	}
}
