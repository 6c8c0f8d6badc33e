/*
store.go - Persistence interfaces for the ledger core

PURPOSE:
  Defines the contract between the domain logic and storage. This is the
  ONLY layer that touches storage; every other component is a pure consumer.
  Implementations: store/sqlite (production), ledger/store (in-memory, tests).

READ MODEL:
  All list reads are keyset-paginated (AfterID + Limit) so long scans and
  batch repairs operate in bounded chunks: memory and transaction size stay
  bounded, and a chunk is also a transaction boundary.

WRITE MODEL:
  Mutations are batched and must be transactional per chunk (WithTx). An
  entry is created atomically with its lines and deleted the same way; no
  entry may be left without its lines or vice versa.

CONSISTENCY:
  Reads within one WithTx see a single snapshot, so an entry is never
  observed half written. Mutating callers additionally serialize through the
  per-tenant advisory lock (Locker).
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS - Keyset-paginated read bounds
// =============================================================================

// EntryFilter bounds an entry read. Zero-value fields are unbounded.
type EntryFilter struct {
	From time.Time
	To   time.Time
	IDs  []EntryID

	AfterID EntryID // keyset cursor: return entries with ID > AfterID
	Limit   int     // 0 = no limit
}

// LineFilter bounds a line read.
type LineFilter struct {
	IDs        []LineID
	EntryIDs   []EntryID
	AccountIDs []AccountID

	AfterID LineID
	Limit   int
}

// PostingFilter bounds a posting (line + entry date) read for balance
// computation. Orphan lines never appear in postings: the read joins
// through the entry.
type PostingFilter struct {
	AccountIDs []AccountID
	Before     time.Time // exclusive upper bound on entry date
	From       time.Time // inclusive
	To         time.Time // inclusive

	AfterID LineID
	Limit   int
}

// TransactionFilter bounds a bank-transaction read.
type TransactionFilter struct {
	Status ReconStatus // "" = any

	AfterID TransactionID
	Limit   int
}

// =============================================================================
// AUDIT - Who did what, and why
// =============================================================================

// AuditAction tags one kind of audited operation.
type AuditAction string

const (
	AuditReconcile   AuditAction = "reconcile"
	AuditUnreconcile AuditAction = "unreconcile"
	AuditRepairApply AuditAction = "repair-apply"
)

// AuditRecord is one append-only audit trail entry. Unreconciliation must
// always carry a Reason; reconciliation needs none beyond the causal entry.
type AuditRecord struct {
	ID            string
	At            time.Time
	Actor         string
	Action        AuditAction
	TransactionID TransactionID
	EntryID       EntryID
	Reason        string
	Details       map[string]string
}

// =============================================================================
// STORE - The storage contract
// =============================================================================

// Store is the persistence surface for the ledger core.
type Store interface {
	// --- chart of accounts ---

	// Accounts returns the full chart of accounts (a single table scan; the
	// registry snapshot is rebuilt from it per logical operation).
	Accounts(ctx context.Context) ([]Account, error)

	// UpdateAccount persists account mutations (deactivation, merge marking).
	UpdateAccount(ctx context.Context, a Account) error

	// --- journal entries ---

	// EntryIDs returns the ids of all existing entries. Used for the orphan
	// set-difference; intentionally a narrow single-column read.
	EntryIDs(ctx context.Context) ([]EntryID, error)

	// Entries returns entries matching the filter, ordered by ID.
	Entries(ctx context.Context, f EntryFilter) ([]JournalEntry, error)

	// InsertEntry creates an entry atomically with its lines. Fails with
	// ErrDuplicateEntry when the natural key already exists and with a
	// ValidationError when lines are empty, unbalanced, or reference a
	// non-postable account (the caller validates too; the store is the
	// last line of defense).
	InsertEntry(ctx context.Context, e JournalEntry, lines []EntryLine) error

	// DeleteEntry removes an entry and cascades to its lines in the same
	// logical transaction.
	DeleteEntry(ctx context.Context, id EntryID) error

	// --- entry lines ---

	// Lines returns lines matching the filter, ordered by ID.
	Lines(ctx context.Context, f LineFilter) ([]EntryLine, error)

	// DeleteLines removes the given lines.
	DeleteLines(ctx context.Context, ids []LineID) error

	// UpdateLineAccount repoints a line to another account (repair transfer).
	UpdateLineAccount(ctx context.Context, id LineID, to AccountID) error

	// Postings returns lines joined with their entry dates, ordered by line
	// ID. The feed for balance computation.
	Postings(ctx context.Context, f PostingFilter) ([]Posting, error)

	// --- bank transactions ---

	// BankTransaction returns one transaction or ErrTransactionNotFound.
	BankTransaction(ctx context.Context, id TransactionID) (BankTransaction, error)

	// SaveBankTransaction persists the full reconciliation state of one
	// transaction.
	SaveBankTransaction(ctx context.Context, t BankTransaction) error

	// BankTransactions returns transactions matching the filter, ordered by ID.
	BankTransactions(ctx context.Context, f TransactionFilter) ([]BankTransaction, error)

	// --- audit ---

	// AppendAudit appends to the audit trail. Append-only.
	AppendAudit(ctx context.Context, rec AuditRecord) error

	// AuditTrail returns audit records for a bank transaction, oldest first.
	AuditTrail(ctx context.Context, id TransactionID) ([]AuditRecord, error)
}

// TxStore wraps Store with chunk-level transactions. If fn returns an error
// the transaction rolls back; otherwise it commits. A crash mid-run therefore
// leaves the ledger valid, if incompletely repaired.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOCKER - Per-tenant advisory lock
// =============================================================================

// Locker serializes mutating runs per tenant: at most one repair run and one
// set of reconciliation transitions execute against a tenant's ledger at a
// time. Read-only components never lock.
type Locker interface {
	// AcquireTenantLock takes the advisory lock for the tenant, returning a
	// release function, or ErrLockHeld when another run holds it.
	AcquireTenantLock(ctx context.Context, tenant string) (release func(), err error)
}
