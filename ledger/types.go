/*
Package ledger implements the correctness core of a double-entry bookkeeping
ledger: the chart-of-accounts model and its posting rules, the invariant
checker, nature-aware balance computation, the bank reconciliation state
machine, and the idempotent batch repair engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: a node in the forest-shaped chart of accounts, keyed by
    dot-separated code (e.g. "1.1.2.01.0006")
  - JournalEntry: one dated accounting fact, created atomically with its lines
  - EntryLine: one leg of an entry (exactly one of debit/credit is non-zero)
  - BankTransaction: one external bank movement, linked to at most one entry
  - AnomalyRecord: derived output of the invariant checker (never persisted)

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal at the boundary, integer cents internally
  2. Type safety: distinct ID types prevent mixing entries/lines/accounts
  3. Postability: only leaf (analytic) accounts may carry lines; synthetic
     accounts are pure aggregates

SEE ALSO:
  - registry.go: chart-of-accounts snapshot and subtree expansion
  - checker.go:  anomaly classification over these types
  - store.go:    persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string
type LineID string
type TransactionID string

// =============================================================================
// ACCOUNT - Node in the chart of accounts
// =============================================================================

// AccountType classifies top-level account groups.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// NormalSide is the side on which an account's balance naturally increases.
type NormalSide string

const (
	DebitNormal  NormalSide = "debit"
	CreditNormal NormalSide = "credit"
)

// NormalSideFor returns the conventional normal side for an account type:
// assets and expenses are debit-normal, everything else credit-normal.
func NormalSideFor(t AccountType) NormalSide {
	switch t {
	case AccountAsset, AccountExpense:
		return DebitNormal
	default:
		return CreditNormal
	}
}

// Account is a node in the forest-shaped chart of accounts. The tree is not
// held as pointers: parentage and subtree membership derive from the
// dot-separated Code, so the whole chart reconstructs from a single table
// scan (see registry.go).
//
// INVARIANT: a non-leaf (synthetic) account must have zero directly-posted
// lines at all times; its balance is always the sum of its leaf descendants.
type Account struct {
	ID         AccountID
	Code       string // dot-separated hierarchical code, e.g. "1.1.2.01.0006"
	Name       string
	Type       AccountType
	NormalSide NormalSide
	IsLeaf     bool   // only leaves may be posted to
	ParentCode string // weak reference by code prefix, not ownership
	IsActive   bool   // false = soft-deactivated (e.g. after a merge)

	// MergedInto holds the code of the surviving account when this account
	// was consolidated as a duplicate. Non-empty means the account is
	// excluded from default subtree expansion so the same underlying leaf
	// is never double-booked.
	MergedInto string
}

// Postable reports whether lines may target this account right now.
func (a Account) Postable() bool {
	return a.IsLeaf && a.IsActive && a.MergedInto == ""
}

// =============================================================================
// JOURNAL ENTRY - One accounting fact
// =============================================================================

// JournalEntry is one dated accounting fact. Its lines must sum to zero
// (debits == credits within one cent) and must be non-empty; both invariants
// are enforced at creation and re-verified by the invariant checker.
type JournalEntry struct {
	ID         EntryID
	Date       time.Time
	Competence string // accounting period "YYYY-MM"; may differ from Date
	EntryType  string // e.g. "opening-balance", "accrual", "payment"
	Source     string // kind of originating object: "invoice", "bank-transaction", "manual"
	ReferenceID string
}

// NaturalKey identifies the external fact this entry records. Two entries
// with the same natural key are duplicates; the store rejects the second at
// insert and the checker flags survivors from before that rule existed.
func (e JournalEntry) NaturalKey() string {
	return e.Source + "|" + e.ReferenceID + "|" + e.Competence
}

// =============================================================================
// ENTRY LINE - One leg of an entry
// =============================================================================

// EntryLine is one leg of a journal entry. Exactly one of Debit/Credit is
// non-zero. Lines are exclusively owned by their entry and never exist
// without it; a line whose entry is gone is an orphan, the most common
// anomaly class this package repairs.
type EntryLine struct {
	ID        LineID
	EntryID   EntryID
	AccountID AccountID // must reference a leaf account at insertion time
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Memo      string
}

// Signed returns the line's signed amount in cents (debit - credit).
func (l EntryLine) Signed() Cents {
	return CentsOf(l.Debit) - CentsOf(l.Credit)
}

// OneSided reports whether exactly one of debit/credit is non-zero.
func (l EntryLine) OneSided() bool {
	return l.Debit.IsZero() != l.Credit.IsZero()
}

// Posting is a read model joining a line with its entry's dates, used by the
// balance calculator (lines themselves carry no date).
type Posting struct {
	Line       EntryLine
	Date       time.Time
	Competence string
}

// =============================================================================
// BANK TRANSACTION - External bank movement
// =============================================================================

// ReconStatus is the reconciliation state of a bank transaction.
type ReconStatus string

const (
	StatusUnreconciled ReconStatus = "unreconciled"
	StatusReconciled   ReconStatus = "reconciled"
)

// BankTransaction is one external bank-statement movement.
//
// THE RECONCILIATION CONTRACT (three-way consistency):
//
//	JournalEntryID != nil  <=>  Status == reconciled  <=>  ReconciledAt != nil
//
// and each transaction links to at most one journal entry at a time. This is
// the package's most important outward-facing guarantee; it is enforced on
// every transition and independently re-verifiable (reconcile.go).
type BankTransaction struct {
	ID          TransactionID
	Amount      decimal.Decimal
	Date        time.Time
	Description string

	JournalEntryID *EntryID
	Status         ReconStatus
	ReconciledAt   *time.Time
	ReconciledBy   string
}

// Consistent reports whether the three-way reconciliation contract holds.
func (t BankTransaction) Consistent() bool {
	linked := t.JournalEntryID != nil
	return linked == (t.Status == StatusReconciled) && linked == (t.ReconciledAt != nil)
}

// =============================================================================
// ANOMALY RECORD - Derived checker output, never persisted
// =============================================================================

// AnomalyKind tags one class of invariant violation.
type AnomalyKind string

const (
	AnomalyOrphanLine       AnomalyKind = "orphan-line"
	AnomalyUnbalancedEntry  AnomalyKind = "unbalanced-entry"
	AnomalyEmptyEntry       AnomalyKind = "empty-entry"
	AnomalySyntheticPosting AnomalyKind = "synthetic-posting"
	AnomalyDuplicateEntry   AnomalyKind = "duplicate-entry"
)

// AnomalyRecord is one detected invariant violation. Detection is not an
// error: it is the designed mechanism for surfacing pre-existing bad data.
type AnomalyRecord struct {
	Kind      AnomalyKind
	EntryID   EntryID   // affected (or, for orphans, missing) entry
	LineIDs   []LineID  // affected lines, where applicable
	AccountID AccountID // set for synthetic postings

	// Impact is the signed delta to the books if the anomaly goes
	// uncorrected, in cents. Amounts counted under one kind are not counted
	// again under another (orphan impact is excluded from unbalanced impact).
	Impact Cents

	Detail string
}

func (a AnomalyRecord) String() string {
	return fmt.Sprintf("%s entry=%s impact=%s %s", a.Kind, a.EntryID, a.Impact, a.Detail)
}
