package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acertado/ledger-engine/ledger"
	"github.com/acertado/ledger-engine/ledger/store"
)

func newStateMachine(m *store.TxMemory) *ledger.StateMachine {
	return &ledger.StateMachine{
		Store:  m,
		Locks:  store.NewMemoryLocker(),
		Tenant: "test",
		Now:    func() time.Time { return date(2025, time.March, 20) },
	}
}

func seedReconcilable(m *store.TxMemory) {
	seedChart(m.Memory)
	seedBalancedEntry(m.Memory, "entry-1", date(2025, time.March, 10), "inv-1", "100.00")
	seedBalancedEntry(m.Memory, "entry-2", date(2025, time.March, 11), "inv-2", "200.00")
	m.SeedTransaction(ledger.BankTransaction{
		ID:     "txn-1",
		Amount: dec("100.00"),
		Date:   date(2025, time.March, 10),
		Status: ledger.StatusUnreconciled,
	})
}

func TestReconcile_LinksAndStampsAtomically(t *testing.T) {
	// GIVEN: An unreconciled transaction and an existing entry
	// WHEN: Reconciling
	// THEN: Link, status, timestamp, and actor are all set together, and the
	//       three-way contract holds

	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)

	txn, err := sm.Reconcile(context.Background(), "txn-1", "entry-1", "alex")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if txn.JournalEntryID == nil || *txn.JournalEntryID != "entry-1" {
		t.Fatalf("expected link to entry-1, got %v", txn.JournalEntryID)
	}
	if txn.Status != ledger.StatusReconciled {
		t.Errorf("expected reconciled status, got %s", txn.Status)
	}
	if txn.ReconciledAt == nil || txn.ReconciledBy != "alex" {
		t.Errorf("expected timestamp and actor recorded, got %v / %q", txn.ReconciledAt, txn.ReconciledBy)
	}
	if !txn.Consistent() {
		t.Error("three-way contract broken after reconcile")
	}

	trail, err := m.AuditTrail(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != ledger.AuditReconcile {
		t.Errorf("expected one reconcile audit record, got %v", trail)
	}
}

func TestReconcile_SameEntryTwice_IsIdempotent(t *testing.T) {
	// GIVEN: A transaction already linked to entry-1
	// WHEN: Reconciling to entry-1 again
	// THEN: No-op success; the original timestamp and actor survive

	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)

	first, err := sm.Reconcile(context.Background(), "txn-1", "entry-1", "alex")
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	second, err := sm.Reconcile(context.Background(), "txn-1", "entry-1", "someone-else")
	if err != nil {
		t.Fatalf("retry must succeed, got %v", err)
	}
	if second.ReconciledBy != first.ReconciledBy {
		t.Errorf("retry overwrote the original actor: %q", second.ReconciledBy)
	}

	trail, _ := m.AuditTrail(context.Background(), "txn-1")
	if len(trail) != 1 {
		t.Errorf("no-op retry must not append audit records, got %d", len(trail))
	}
}

func TestReconcile_DifferentEntry_Conflicts(t *testing.T) {
	// GIVEN: A transaction linked to entry-1
	// WHEN: Reconciling to entry-2
	// THEN: AlreadyReconciledError naming the existing link; state unchanged

	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)

	if _, err := sm.Reconcile(context.Background(), "txn-1", "entry-1", "alex"); err != nil {
		t.Fatalf("setup reconcile: %v", err)
	}

	_, err := sm.Reconcile(context.Background(), "txn-1", "entry-2", "alex")
	var already *ledger.AlreadyReconciledError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyReconciledError, got %v", err)
	}
	if already.LinkedEntry != "entry-1" {
		t.Errorf("error should name the existing link, got %s", already.LinkedEntry)
	}

	txn, _ := m.BankTransaction(context.Background(), "txn-1")
	if *txn.JournalEntryID != "entry-1" {
		t.Errorf("conflict must not change the link, got %s", *txn.JournalEntryID)
	}
}

func TestReconcile_MissingEntry_RollsBack(t *testing.T) {
	// GIVEN: An entry id that does not exist
	// WHEN: Reconciling
	// THEN: ErrEntryNotFound; the transaction stays fully unreconciled

	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)

	_, err := sm.Reconcile(context.Background(), "txn-1", "no-such-entry", "alex")
	if !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	txn, _ := m.BankTransaction(context.Background(), "txn-1")
	if !txn.Consistent() || txn.Status != ledger.StatusUnreconciled {
		t.Errorf("failed reconcile left partial state: %+v", txn)
	}
}

func TestReconcile_EmptyActor_Rejected(t *testing.T) {
	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)

	_, err := sm.Reconcile(context.Background(), "txn-1", "entry-1", "")
	if !ledger.IsValidation(err) {
		t.Fatalf("expected validation error for empty actor, got %v", err)
	}
}

func TestUnreconcile_RequiresReason(t *testing.T) {
	// GIVEN: A reconciled transaction
	// WHEN: Unreconciling without a reason
	// THEN: Rejected; with a reason the link is severed and the reason audited

	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)

	if _, err := sm.Reconcile(context.Background(), "txn-1", "entry-1", "alex"); err != nil {
		t.Fatalf("setup reconcile: %v", err)
	}

	if _, err := sm.Unreconcile(context.Background(), "txn-1", "alex", ""); !ledger.IsValidation(err) {
		t.Fatalf("expected validation error for missing reason, got %v", err)
	}

	txn, err := sm.Unreconcile(context.Background(), "txn-1", "alex", "matched wrong invoice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txn.JournalEntryID != nil || txn.ReconciledAt != nil || txn.Status != ledger.StatusUnreconciled {
		t.Errorf("unreconcile left partial state: %+v", txn)
	}
	if !txn.Consistent() {
		t.Error("three-way contract broken after unreconcile")
	}

	trail, _ := m.AuditTrail(context.Background(), "txn-1")
	last := trail[len(trail)-1]
	if last.Action != ledger.AuditUnreconcile || last.Reason != "matched wrong invoice" {
		t.Errorf("expected audited unreconcile with reason, got %+v", last)
	}
	if last.EntryID != "entry-1" {
		t.Errorf("audit should record the severed entry, got %s", last.EntryID)
	}
}

func TestUnreconcile_NotReconciled_Conflicts(t *testing.T) {
	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)

	_, err := sm.Unreconcile(context.Background(), "txn-1", "alex", "nothing to undo")
	if !errors.Is(err, ledger.ErrNotReconciled) {
		t.Fatalf("expected ErrNotReconciled, got %v", err)
	}
}

func TestReconcile_CycleEndsWhereItStarted(t *testing.T) {
	// GIVEN: reconcile then unreconcile then reconcile to a different entry
	// WHEN: Walking the full cycle
	// THEN: Every intermediate state satisfies the contract; there are no
	//       terminal states

	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)
	ctx := context.Background()

	if _, err := sm.Reconcile(ctx, "txn-1", "entry-1", "alex"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := sm.Unreconcile(ctx, "txn-1", "alex", "rematching"); err != nil {
		t.Fatalf("unreconcile: %v", err)
	}
	txn, err := sm.Reconcile(ctx, "txn-1", "entry-2", "alex")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if *txn.JournalEntryID != "entry-2" || !txn.Consistent() {
		t.Errorf("expected clean relink to entry-2, got %+v", txn)
	}
}

func TestVerifyConsistency_FlagsEveryBrokenCombination(t *testing.T) {
	// GIVEN: One consistent pair and three hand-corrupted transactions
	// WHEN: Verifying
	// THEN: Exactly the corrupted ones are reported

	m := store.NewTxMemory()
	seedReconcilable(m)
	sm := newStateMachine(m)
	ctx := context.Background()

	if _, err := sm.Reconcile(ctx, "txn-1", "entry-1", "alex"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	entryID := ledger.EntryID("entry-2")
	now := date(2025, time.March, 20)
	m.SeedTransaction(ledger.BankTransaction{
		ID: "bad-link-only", Amount: dec("1.00"), Date: now,
		JournalEntryID: &entryID, Status: ledger.StatusUnreconciled,
	})
	m.SeedTransaction(ledger.BankTransaction{
		ID: "bad-status-only", Amount: dec("1.00"), Date: now,
		Status: ledger.StatusReconciled,
	})
	m.SeedTransaction(ledger.BankTransaction{
		ID: "bad-stamp-only", Amount: dec("1.00"), Date: now,
		Status: ledger.StatusUnreconciled, ReconciledAt: &now,
	})

	violations, err := sm.VerifyConsistency(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(violations) != 3 {
		t.Fatalf("expected 3 violations, got %d: %v", len(violations), violations)
	}
	for _, v := range violations {
		if v.TransactionID == "txn-1" {
			t.Errorf("consistent transaction flagged: %v", v)
		}
	}
}
