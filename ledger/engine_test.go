package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acertado/ledger-engine/ledger"
	"github.com/acertado/ledger-engine/ledger/store"
)

func newEngine(m *store.TxMemory) *ledger.Engine {
	e := ledger.NewEngine(m, store.NewMemoryLocker(), "test")
	e.Retry = ledger.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}
	return e
}

func TestEngine_Scan_RetriesTransientFailures(t *testing.T) {
	// GIVEN: A store whose first two reads fail transiently
	// WHEN: Scanning through the engine
	// THEN: The retry absorbs the failures and the scan succeeds

	m := store.NewTxMemory()
	seedChart(m.Memory)
	seedBalancedEntry(m.Memory, "e1", date(2025, time.March, 10), "inv-1", "100.00")
	m.FailReads(2, &ledger.TransientError{Err: errors.New("connection reset")})

	report, err := newEngine(m).Scan(context.Background(), ledger.Scope{})
	if err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if report.EntriesScanned != 1 {
		t.Errorf("expected 1 entry scanned, got %d", report.EntriesScanned)
	}
}

func TestEngine_Scan_GivesUpAfterBudget(t *testing.T) {
	// GIVEN: More transient failures than retry attempts
	// WHEN: Scanning
	// THEN: The last transient error surfaces

	m := store.NewTxMemory()
	seedChart(m.Memory)
	m.FailReads(10, &ledger.TransientError{Err: errors.New("connection reset")})

	_, err := newEngine(m).Scan(context.Background(), ledger.Scope{})
	if !ledger.IsRetryable(err) {
		t.Fatalf("expected the transient error to surface, got %v", err)
	}
}

func TestEngine_Scan_PermanentFailureNotRetried(t *testing.T) {
	// GIVEN: A single non-transient read failure
	// WHEN: Scanning
	// THEN: No retry; the error surfaces immediately and the failure budget
	//       is not consumed further

	m := store.NewTxMemory()
	seedChart(m.Memory)
	m.FailReads(1, errors.New("corrupt page"))

	_, err := newEngine(m).Scan(context.Background(), ledger.Scope{})
	if err == nil || ledger.IsRetryable(err) {
		t.Fatalf("expected immediate permanent failure, got %v", err)
	}
}

func TestEngine_Balance_EndToEnd(t *testing.T) {
	m := store.NewTxMemory()
	seedChart(m.Memory)
	seedBalancedEntry(m.Memory, "e1", date(2025, time.March, 10), "inv-1", "100.00")

	result, err := newEngine(m).Balance(context.Background(), "1.1.1", ledger.MonthPeriod(2025, time.March))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Closing != 10000 {
		t.Errorf("expected closing 100.00, got %s", result.Closing)
	}
}

func TestEngine_BalanceAsOf_EndToEnd(t *testing.T) {
	m := store.NewTxMemory()
	seedChart(m.Memory)
	seedBalancedEntry(m.Memory, "e1", date(2025, time.February, 28), "inv-1", "50.00")
	seedBalancedEntry(m.Memory, "e2", date(2025, time.March, 10), "inv-2", "100.00")

	closing, err := newEngine(m).BalanceAsOf(context.Background(), "1.1.1", date(2025, time.February, 28))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closing != 5000 {
		t.Errorf("expected 50.00 before March postings, got %s", closing)
	}
}

func TestEngine_ScanPlanApply_FullPipeline(t *testing.T) {
	// GIVEN: A ledger with an orphan and a duplicate
	// WHEN: Running scan -> plan -> simulate -> execute -> rescan
	// THEN: The final scan is clean

	m := store.NewTxMemory()
	seedChart(m.Memory)
	seedBalancedEntry(m.Memory, "e1", date(2025, time.March, 10), "inv-1", "100.00")
	seedBalancedEntry(m.Memory, "e2", date(2025, time.March, 12), "inv-1", "100.00")
	m.SeedLine(debitLine("orphan-1", "gone", "acct-cash", "5.00"))

	engine := newEngine(m)
	ctx := context.Background()

	report, err := engine.Scan(ctx, ledger.Scope{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(report.Anomalies) != 2 {
		t.Fatalf("expected 2 anomalies, got %v", report.Anomalies)
	}

	plan, err := engine.PlanRepair(ctx, report.Anomalies, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	sim, err := engine.ApplyRepair(ctx, plan, true)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	real, err := engine.ApplyRepair(ctx, plan, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sim.Applied != real.Applied || sim.NetImpact != real.NetImpact {
		t.Errorf("simulation diverged from execution: %+v vs %+v", sim, real)
	}

	clean, err := engine.Scan(ctx, ledger.Scope{})
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(clean.Anomalies) != 0 {
		t.Errorf("expected clean ledger after repair, got %v", clean.Anomalies)
	}
}
