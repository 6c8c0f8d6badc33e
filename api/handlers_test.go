package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acertado/ledger-engine/api"
	"github.com/acertado/ledger-engine/ledger"
	"github.com/acertado/ledger-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestServer wires a router around a memory-backed engine and seeds a
// small ledger: one balanced entry, one duplicate, one orphan line, one
// unreconciled bank transaction.
func newTestServer() (*store.TxMemory, http.Handler) {
	m := store.NewTxMemory()

	m.SeedAccount(ledger.Account{
		ID: "acct-cash", Code: "1.1.1", Type: ledger.AccountAsset,
		NormalSide: ledger.DebitNormal, IsLeaf: true, IsActive: true,
	})
	m.SeedAccount(ledger.Account{
		ID: "acct-revenue", Code: "3.1", Type: ledger.AccountRevenue,
		NormalSide: ledger.CreditNormal, IsLeaf: true, IsActive: true,
	})

	seed := func(id, ref string) {
		day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
		m.SeedEntry(ledger.JournalEntry{
			ID: ledger.EntryID(id), Date: day, Competence: "2025-03",
			Source: "invoice", ReferenceID: ref,
		})
		m.SeedLine(ledger.EntryLine{ID: ledger.LineID(id + "-l1"), EntryID: ledger.EntryID(id), AccountID: "acct-cash", Debit: dec("100.00")})
		m.SeedLine(ledger.EntryLine{ID: ledger.LineID(id + "-l2"), EntryID: ledger.EntryID(id), AccountID: "acct-revenue", Credit: dec("100.00")})
	}
	seed("entry-1", "inv-1")
	seed("entry-2", "inv-1") // duplicate natural key
	m.SeedLine(ledger.EntryLine{ID: "orphan-1", EntryID: "gone", AccountID: "acct-cash", Debit: dec("5.00")})

	m.SeedTransaction(ledger.BankTransaction{
		ID: "txn-1", Amount: dec("100.00"),
		Date:   time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		Status: ledger.StatusUnreconciled,
	})

	engine := ledger.NewEngine(m, store.NewMemoryLocker(), "test")
	return m, api.NewRouter(api.NewHandler(engine))
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

// =============================================================================
// SCAN AND BALANCE
// =============================================================================

func TestAPI_Scan(t *testing.T) {
	_, h := newTestServer()

	rec, body := doJSON(t, h, http.MethodGet, "/api/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %v", rec.Code, body)
	}

	counts := body["anomaly_counts"].(map[string]any)
	if counts["orphan-line"].(float64) != 1 {
		t.Errorf("expected 1 orphan, got %v", counts)
	}
	if counts["duplicate-entry"].(float64) != 1 {
		t.Errorf("expected 1 duplicate, got %v", counts)
	}
	if body["total_debit"] != "200.00" {
		t.Errorf("expected total debit 200.00, got %v", body["total_debit"])
	}
}

func TestAPI_Scan_InvalidDate(t *testing.T) {
	_, h := newTestServer()
	rec, _ := doJSON(t, h, http.MethodGet, "/api/scan?from=not-a-date", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPI_Balance(t *testing.T) {
	_, h := newTestServer()

	rec, body := doJSON(t, h, http.MethodGet, "/api/accounts/1.1.1/balance?month=2025-03", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %v", rec.Code, body)
	}
	if body["closing"] != "200.00" {
		t.Errorf("expected closing 200.00, got %v", body["closing"])
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/accounts/9.9/balance?month=2025-03", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown account: expected 404, got %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/accounts/1.1.1/balance?month=03-2025", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad month: expected 400, got %d", rec.Code)
	}
}

// =============================================================================
// REPAIR
// =============================================================================

func TestAPI_PlanThenApply_RoundTrips(t *testing.T) {
	// GIVEN: A seeded ledger with anomalies
	// WHEN: POSTing the plan response straight back to apply, first without
	//       execute, then with it
	// THEN: Simulation touches nothing; execution repairs; a re-scan is clean

	m, h := newTestServer()

	rec, plan := doJSON(t, h, http.MethodPost, "/api/repairs/plan", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("plan status %d: %v", rec.Code, plan)
	}
	if n := len(plan["actions"].([]any)); n != 2 {
		t.Fatalf("expected 2 actions (orphan + duplicate), got %d", n)
	}

	// Simulate (execute defaults to false).
	rec, sim := doJSON(t, h, http.MethodPost, "/api/repairs/apply", map[string]any{"plan": plan})
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate status %d: %v", rec.Code, sim)
	}
	if sim["simulated"] != true || sim["applied"].(float64) != 2 {
		t.Fatalf("unexpected simulation result: %v", sim)
	}
	if lines, _ := m.Lines(context.Background(), ledger.LineFilter{}); len(lines) != 5 {
		t.Fatalf("simulation mutated the store: %d lines", len(lines))
	}

	// Execute.
	rec, res := doJSON(t, h, http.MethodPost, "/api/repairs/apply", map[string]any{"plan": plan, "execute": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status %d: %v", rec.Code, res)
	}
	if res["simulated"] != false || res["applied"].(float64) != 2 {
		t.Fatalf("unexpected apply result: %v", res)
	}

	rec, clean := doJSON(t, h, http.MethodGet, "/api/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rescan status %d", rec.Code)
	}
	if n := len(clean["anomalies"].([]any)); n != 0 {
		t.Errorf("expected clean ledger after apply, got %v", clean["anomalies"])
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestAPI_ReconcileLifecycle(t *testing.T) {
	_, h := newTestServer()

	rec, body := doJSON(t, h, http.MethodPost, "/api/transactions/txn-1/reconcile",
		map[string]any{"entry_id": "entry-1", "actor": "alex"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile status %d: %v", rec.Code, body)
	}
	if body["status"] != "reconciled" || body["journal_entry_id"] != "entry-1" {
		t.Errorf("unexpected transaction state: %v", body)
	}

	// Linking elsewhere conflicts.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/transactions/txn-1/reconcile",
		map[string]any{"entry_id": "entry-2", "actor": "alex"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	// Unreconcile needs a reason.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/transactions/txn-1/unreconcile",
		map[string]any{"actor": "alex"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without reason, got %d", rec.Code)
	}

	rec, body = doJSON(t, h, http.MethodPost, "/api/transactions/txn-1/unreconcile",
		map[string]any{"actor": "alex", "reason": "wrong invoice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unreconcile status %d: %v", rec.Code, body)
	}
	if body["status"] != "unreconciled" {
		t.Errorf("unexpected state after unreconcile: %v", body)
	}

	// The audit trail has both steps.
	rec, body = doJSON(t, h, http.MethodGet, "/api/transactions/txn-1/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status %d", rec.Code)
	}
	if n := len(body["records"].([]any)); n != 2 {
		t.Errorf("expected 2 audit records, got %d", n)
	}
}

func TestAPI_GetTransaction(t *testing.T) {
	_, h := newTestServer()

	rec, body := doJSON(t, h, http.MethodGet, "/api/transactions/txn-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %v", rec.Code, body)
	}
	if body["amount"] != "100.00" || body["status"] != "unreconciled" {
		t.Errorf("unexpected transaction: %v", body)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/transactions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAPI_Verify(t *testing.T) {
	m, h := newTestServer()

	rec, body := doJSON(t, h, http.MethodGet, "/api/reconciliation/verify", nil)
	if rec.Code != http.StatusOK || body["consistent"] != true {
		t.Fatalf("expected consistent ledger, got %d %v", rec.Code, body)
	}

	// Corrupt a transaction behind the state machine's back.
	m.SeedTransaction(ledger.BankTransaction{
		ID: "txn-bad", Amount: dec("1.00"),
		Date:   time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		Status: ledger.StatusReconciled, // status says linked, link is nil
	})

	rec, body = doJSON(t, h, http.MethodGet, "/api/reconciliation/verify", nil)
	if rec.Code != http.StatusOK || body["consistent"] != false {
		t.Fatalf("expected violation reported, got %d %v", rec.Code, body)
	}
	if n := len(body["violations"].([]any)); n != 1 {
		t.Errorf("expected 1 violation, got %d", n)
	}
}
