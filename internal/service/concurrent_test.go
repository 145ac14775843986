package service_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

// TestConcurrentCallbackCredit simulates 30 goroutines delivering the same
// success callback for one payout — guarded by the same compare-then-flip
// pattern the database enforces with a conditional UPDATE. Exactly one
// delivery may credit the balance.
//
// In ReconcileService the gate is `WHERE status IN ('PENDING','FAILED')`;
// here the same guard is replicated with sync primitives so the race
// detector can confirm the pattern is sound.
func TestConcurrentCallbackCredit(t *testing.T) {
	const replays = 30
	payout := decimal.RequireFromString("190.47")

	type txState struct {
		mu        sync.Mutex
		completed bool
	}

	var (
		tx       txState
		balance  decimal.Decimal
		balMu    sync.Mutex
		credits  int64
		ignored  int64
		wg       sync.WaitGroup
	)

	for i := 0; i < replays; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			tx.mu.Lock()
			if tx.completed {
				tx.mu.Unlock()
				atomic.AddInt64(&ignored, 1)
				return
			}
			tx.completed = true
			tx.mu.Unlock()

			balMu.Lock()
			balance = balance.Add(payout)
			balMu.Unlock()
			atomic.AddInt64(&credits, 1)
		}()
	}
	wg.Wait()

	if credits != 1 {
		t.Errorf("exactly 1 replay should credit, got %d", credits)
	}
	if ignored != replays-1 {
		t.Errorf("expected %d ignored replays, got %d", replays-1, ignored)
	}
	if !balance.Equal(payout) {
		t.Errorf("balance = %s, want exactly one payout %s", balance, payout)
	}
}

// TestConcurrentSettlementGate verifies that only one of N concurrent
// settlement attempts on the same market performs the payout writes — the
// pattern the CLOSED→RESOLVED conditional flip enforces in the database.
func TestConcurrentSettlementGate(t *testing.T) {
	const workers = 20

	type marketState struct {
		mu       sync.Mutex
		resolved bool
	}

	var (
		m       marketState
		settled int64
		noops   int64
		wg      sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m.mu.Lock()
			defer m.mu.Unlock()

			if m.resolved {
				atomic.AddInt64(&noops, 1)
				return
			}
			m.resolved = true
			atomic.AddInt64(&settled, 1)
		}()
	}
	wg.Wait()

	if settled != 1 {
		t.Errorf("exactly 1 attempt should settle the market, got %d", settled)
	}
	if noops != workers-1 {
		t.Errorf("expected %d idempotent no-ops, got %d", workers-1, noops)
	}
}
