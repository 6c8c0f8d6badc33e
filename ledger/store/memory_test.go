package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acertado/ledger-engine/ledger"
	"github.com/acertado/ledger-engine/ledger/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedCashAndRevenue(m *store.Memory) {
	m.SeedAccount(ledger.Account{
		ID: "acct-cash", Code: "1.1.1", Type: ledger.AccountAsset,
		NormalSide: ledger.DebitNormal, IsLeaf: true, IsActive: true,
	})
	m.SeedAccount(ledger.Account{
		ID: "acct-revenue", Code: "3.1", Type: ledger.AccountRevenue,
		NormalSide: ledger.CreditNormal, IsLeaf: true, IsActive: true,
	})
}

func balancedEntry(id, ref string) (ledger.JournalEntry, []ledger.EntryLine) {
	e := ledger.JournalEntry{
		ID:          ledger.EntryID(id),
		Date:        time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		Competence:  "2025-03",
		Source:      "invoice",
		ReferenceID: ref,
	}
	lines := []ledger.EntryLine{
		{ID: ledger.LineID(id + "-l1"), AccountID: "acct-cash", Debit: dec("100.00")},
		{ID: ledger.LineID(id + "-l2"), AccountID: "acct-revenue", Credit: dec("100.00")},
	}
	return e, lines
}

func TestInsertEntry_ValidatesBeforeWriting(t *testing.T) {
	m := store.NewMemory()
	seedCashAndRevenue(m)
	ctx := context.Background()

	t.Run("balanced entry is accepted", func(t *testing.T) {
		e, lines := balancedEntry("e1", "inv-1")
		if err := m.InsertEntry(ctx, e, lines); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("empty entry is rejected", func(t *testing.T) {
		err := m.InsertEntry(ctx, ledger.JournalEntry{ID: "e-empty"}, nil)
		if !ledger.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("unbalanced entry is rejected", func(t *testing.T) {
		err := m.InsertEntry(ctx, ledger.JournalEntry{ID: "e-bad"}, []ledger.EntryLine{
			{ID: "b1", AccountID: "acct-cash", Debit: dec("10.00")},
			{ID: "b2", AccountID: "acct-revenue", Credit: dec("8.00")},
		})
		if !ledger.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("duplicate natural key is rejected", func(t *testing.T) {
		e, lines := balancedEntry("e2", "inv-1") // same source/ref/competence as e1
		if err := m.InsertEntry(ctx, e, lines); !errors.Is(err, ledger.ErrDuplicateEntry) {
			t.Fatalf("expected ErrDuplicateEntry, got %v", err)
		}
	})

	t.Run("empty reference id never collides", func(t *testing.T) {
		a, alines := balancedEntry("e3", "")
		b, blines := balancedEntry("e4", "")
		if err := m.InsertEntry(ctx, a, alines); err != nil {
			t.Fatalf("e3: %v", err)
		}
		if err := m.InsertEntry(ctx, b, blines); err != nil {
			t.Fatalf("e4: %v", err)
		}
	})

	t.Run("unknown account is rejected", func(t *testing.T) {
		err := m.InsertEntry(ctx, ledger.JournalEntry{ID: "e-acct"}, []ledger.EntryLine{
			{ID: "u1", AccountID: "nope", Debit: dec("1.00")},
			{ID: "u2", AccountID: "acct-revenue", Credit: dec("1.00")},
		})
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}
	})
}

func TestDeleteEntry_CascadesAndFreesNaturalKey(t *testing.T) {
	m := store.NewMemory()
	seedCashAndRevenue(m)
	ctx := context.Background()

	e, lines := balancedEntry("e1", "inv-1")
	if err := m.InsertEntry(ctx, e, lines); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.DeleteEntry(ctx, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	left, _ := m.Lines(ctx, ledger.LineFilter{})
	if len(left) != 0 {
		t.Errorf("cascade left lines: %v", left)
	}

	// Natural key is free again: re-recording the same fact must work.
	e2, lines2 := balancedEntry("e2", "inv-1")
	if err := m.InsertEntry(ctx, e2, lines2); err != nil {
		t.Errorf("natural key not released: %v", err)
	}
}

func TestEntries_KeysetPagination(t *testing.T) {
	m := store.NewMemory()
	seedCashAndRevenue(m)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		e, lines := balancedEntry(id, "ref-"+id)
		if err := m.InsertEntry(ctx, e, lines); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	var (
		got   []ledger.EntryID
		after ledger.EntryID
	)
	for {
		page, err := m.Entries(ctx, ledger.EntryFilter{AfterID: after, Limit: 2})
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		for _, e := range page {
			got = append(got, e.ID)
		}
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].ID
	}

	if len(got) != 5 {
		t.Fatalf("pagination lost or duplicated rows: %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("pages out of order: %v", got)
		}
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction inserting an entry and then failing
	// WHEN: WithTx returns the error
	// THEN: The insert is rolled back; nothing is visible

	m := store.NewTxMemory()
	seedCashAndRevenue(m.Memory)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s ledger.Store) error {
		e, lines := balancedEntry("e1", "inv-1")
		if err := s.InsertEntry(ctx, e, lines); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	entries, _ := m.Entries(ctx, ledger.EntryFilter{})
	if len(entries) != 0 {
		t.Errorf("rollback failed, entries visible: %v", entries)
	}

	// And a clean transaction commits.
	err = m.WithTx(ctx, func(s ledger.Store) error {
		e, lines := balancedEntry("e1", "inv-1")
		return s.InsertEntry(ctx, e, lines)
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	entries, _ = m.Entries(ctx, ledger.EntryFilter{})
	if len(entries) != 1 {
		t.Errorf("committed entry missing")
	}
}

func TestPostings_ExcludeOrphans(t *testing.T) {
	m := store.NewMemory()
	seedCashAndRevenue(m)
	ctx := context.Background()

	e, lines := balancedEntry("e1", "inv-1")
	if err := m.InsertEntry(ctx, e, lines); err != nil {
		t.Fatalf("insert: %v", err)
	}
	m.SeedLine(ledger.EntryLine{ID: "orphan", EntryID: "gone", AccountID: "acct-cash", Debit: dec("9.00")})

	postings, err := m.Postings(ctx, ledger.PostingFilter{AccountIDs: []ledger.AccountID{"acct-cash"}})
	if err != nil {
		t.Fatalf("postings: %v", err)
	}
	if len(postings) != 1 || postings[0].Line.ID != "e1-l1" {
		t.Errorf("expected only the real posting, got %v", postings)
	}
}

func TestMemoryLocker_NonBlocking(t *testing.T) {
	l := store.NewMemoryLocker()
	ctx := context.Background()

	release, err := l.AcquireTenantLock(ctx, "acme")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := l.AcquireTenantLock(ctx, "acme"); !errors.Is(err, ledger.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	// Other tenants are unaffected.
	otherRelease, err := l.AcquireTenantLock(ctx, "globex")
	if err != nil {
		t.Fatalf("other tenant blocked: %v", err)
	}
	otherRelease()

	release()
	release() // double release is safe

	if _, err := l.AcquireTenantLock(ctx, "acme"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}
