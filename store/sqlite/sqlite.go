/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store, ledger.TxStore, and ledger.Locker using SQLite.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  accounts:           Chart of accounts (forest keyed by dot-separated code)
  journal_entries:    Dated accounting facts
  entry_lines:        Entry legs; exclusively owned by their entry
  bank_transactions:  External bank movements + reconciliation state
  audit_log:          Append-only trail of reconciliation and repair actions
  tenant_locks:       Advisory locks serializing mutating runs per tenant

INDEXES:
  - idx_entries_natural_key:   Rejects duplicate entries at insert (partial:
                               entries without a reference id are exempt)
  - idx_lines_entry:           Cascade deletes and per-entry balance checks
  - idx_lines_account:         Balance computation (hot path)
  - idx_transactions_status:   Reconciliation worklists

ERROR CLASSIFICATION:
  Driver-level contention (SQLITE_BUSY, "database is locked") is wrapped in
  ledger.TransientError so read-only callers may retry. Unique-constraint
  violations map to the domain conflict errors.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time, better crash
  recovery.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go:        Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/acertado/ledger-engine/ledger"
)

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Chart of accounts. The tree is not stored as pointers: parentage
	-- derives from the dot-separated code.
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		normal_side TEXT NOT NULL,
		is_leaf BOOLEAN NOT NULL,
		parent_code TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		merged_into TEXT NOT NULL DEFAULT ''
	);

	-- Journal entries
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		competence TEXT NOT NULL,
		entry_type TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- One external fact, one entry. Entries without a reference id
	-- (hand-keyed adjustments) are exempt.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_natural_key
		ON journal_entries(source, reference_id, competence)
		WHERE reference_id != '';

	CREATE INDEX IF NOT EXISTS idx_entries_date
		ON journal_entries(date);

	-- Entry lines. No FK to journal_entries: orphan lines are a data state
	-- this system detects and repairs, so the schema must admit them.
	CREATE TABLE IF NOT EXISTS entry_lines (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		debit TEXT NOT NULL DEFAULT '0',
		credit TEXT NOT NULL DEFAULT '0',
		memo TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_lines_entry
		ON entry_lines(entry_id);
	CREATE INDEX IF NOT EXISTS idx_lines_account
		ON entry_lines(account_id, id);

	-- Bank transactions + reconciliation state
	CREATE TABLE IF NOT EXISTS bank_transactions (
		id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		journal_entry_id TEXT,
		status TEXT NOT NULL DEFAULT 'unreconciled',
		reconciled_at TEXT,
		reconciled_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON bank_transactions(status);

	-- Audit trail (append-only; no UPDATE or DELETE statements exist for it)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		entry_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_transaction
		ON audit_log(transaction_id, at);

	-- Advisory locks: one row per tenant while a mutating run is active
	CREATE TABLE IF NOT EXISTS tenant_locks (
		tenant TEXT PRIMARY KEY,
		acquired_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the common surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CHART OF ACCOUNTS
// =============================================================================

func (s *Store) Accounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountsQ(ctx, s.db)
}

func (s *Store) accountsQ(ctx context.Context, db dbtx) ([]ledger.Account, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, code, name, type, normal_side, is_leaf, parent_code, is_active, merged_into
		FROM accounts
		ORDER BY code ASC
	`)
	if err != nil {
		return nil, wrapErr("query accounts", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.NormalSide,
			&a.IsLeaf, &a.ParentCode, &a.IsActive, &a.MergedInto); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAccountQ(ctx, s.db, a)
}

func (s *Store) updateAccountQ(ctx context.Context, db dbtx, a ledger.Account) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET code = ?, name = ?, type = ?, normal_side = ?, is_leaf = ?,
		    parent_code = ?, is_active = ?, merged_into = ?
		WHERE id = ?
	`, a.Code, a.Name, a.Type, a.NormalSide, a.IsLeaf,
		a.ParentCode, a.IsActive, a.MergedInto, a.ID)
	if err != nil {
		return wrapErr("update account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.AccountNotFoundError{Code: a.Code}
	}
	return nil
}

// InsertAccount creates an account. Used by chart-of-accounts loading, not by
// the core components.
func (s *Store) InsertAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, code, name, type, normal_side, is_leaf, parent_code, is_active, merged_into)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Code, a.Name, a.Type, a.NormalSide, a.IsLeaf, a.ParentCode, a.IsActive, a.MergedInto)
	return wrapErr("insert account", err)
}

// =============================================================================
// JOURNAL ENTRIES
// =============================================================================

func (s *Store) EntryIDs(ctx context.Context) ([]ledger.EntryID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryIDsQ(ctx, s.db)
}

func (s *Store) entryIDsQ(ctx context.Context, db dbtx) ([]ledger.EntryID, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM journal_entries ORDER BY id ASC`)
	if err != nil {
		return nil, wrapErr("query entry ids", err)
	}
	defer rows.Close()

	var ids []ledger.EntryID
	for rows.Next() {
		var id ledger.EntryID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesQ(ctx, s.db, f)
}

func (s *Store) entriesQ(ctx context.Context, db dbtx, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	query := `
		SELECT id, date, competence, entry_type, source, reference_id
		FROM journal_entries
		WHERE 1=1
	`
	var args []any

	if len(f.IDs) > 0 {
		query += " AND id IN (" + placeholders(len(f.IDs)) + ")"
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if !f.From.IsZero() {
		query += " AND date >= ?"
		args = append(args, f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		query += " AND date <= ?"
		args = append(args, f.To.Format(time.RFC3339))
	}
	if f.AfterID != "" {
		query += " AND id > ?"
		args = append(args, f.AfterID)
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query entries", err)
	}
	defer rows.Close()

	var entries []ledger.JournalEntry
	for rows.Next() {
		var e ledger.JournalEntry
		var date string
		if err := rows.Scan(&e.ID, &date, &e.Competence, &e.EntryType, &e.Source, &e.ReferenceID); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Date, _ = time.Parse(time.RFC3339, date)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) InsertEntry(ctx context.Context, e ledger.JournalEntry, lines []ledger.EntryLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Outside WithTx the entry+lines pair still needs its own transaction.
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := s.insertEntryQ(ctx, sqlTx, e, lines); err != nil {
		return err
	}
	return wrapErr("commit", sqlTx.Commit())
}

func (s *Store) insertEntryQ(ctx context.Context, db dbtx, e ledger.JournalEntry, lines []ledger.EntryLine) error {
	if len(lines) == 0 {
		return &ledger.ValidationError{Field: "lines", Message: "entry must have at least one line"}
	}
	for _, l := range lines {
		if err := ledger.ValidateAmounts(l); err != nil {
			return err
		}
		if err := s.checkPostable(ctx, db, l.AccountID); err != nil {
			return err
		}
	}
	if sum := ledger.SumSigned(lines); !sum.WithinTolerance() {
		return &ledger.ValidationError{Field: "lines", Message: "debits and credits do not balance: " + sum.String()}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO journal_entries (id, date, competence, entry_type, source, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Date.Format(time.RFC3339), e.Competence, e.EntryType, e.Source, e.ReferenceID,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("entry %s: %w", e.ID, ledger.ErrDuplicateEntry)
		}
		return wrapErr("insert entry", err)
	}

	for _, l := range lines {
		_, err := db.ExecContext(ctx, `
			INSERT INTO entry_lines (id, entry_id, account_id, debit, credit, memo)
			VALUES (?, ?, ?, ?, ?, ?)
		`, l.ID, e.ID, l.AccountID, l.Debit.String(), l.Credit.String(), l.Memo)
		if err != nil {
			return wrapErr("insert line", err)
		}
	}
	return nil
}

func (s *Store) checkPostable(ctx context.Context, db dbtx, id ledger.AccountID) error {
	var a ledger.Account
	err := db.QueryRowContext(ctx, `
		SELECT code, is_leaf, is_active, merged_into FROM accounts WHERE id = ?
	`, id).Scan(&a.Code, &a.IsLeaf, &a.IsActive, &a.MergedInto)
	if err == sql.ErrNoRows {
		return &ledger.AccountNotFoundError{Code: string(id)}
	}
	if err != nil {
		return wrapErr("query account", err)
	}
	if !a.Postable() {
		return &ledger.ValidationError{Field: "accountID", Message: "account " + a.Code + " is not postable"}
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := s.deleteEntryQ(ctx, sqlTx, id); err != nil {
		return err
	}
	return wrapErr("commit", sqlTx.Commit())
}

func (s *Store) deleteEntryQ(ctx context.Context, db dbtx, id ledger.EntryID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM journal_entries WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", id, ledger.ErrEntryNotFound)
	}
	// Cascade to the lines in the same transaction.
	_, err = db.ExecContext(ctx, `DELETE FROM entry_lines WHERE entry_id = ?`, id)
	return wrapErr("delete entry lines", err)
}

// =============================================================================
// ENTRY LINES
// =============================================================================

func (s *Store) Lines(ctx context.Context, f ledger.LineFilter) ([]ledger.EntryLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linesQ(ctx, s.db, f)
}

func (s *Store) linesQ(ctx context.Context, db dbtx, f ledger.LineFilter) ([]ledger.EntryLine, error) {
	query := `
		SELECT id, entry_id, account_id, debit, credit, memo
		FROM entry_lines
		WHERE 1=1
	`
	var args []any

	if len(f.IDs) > 0 {
		query += " AND id IN (" + placeholders(len(f.IDs)) + ")"
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.EntryIDs) > 0 {
		query += " AND entry_id IN (" + placeholders(len(f.EntryIDs)) + ")"
		for _, id := range f.EntryIDs {
			args = append(args, id)
		}
	}
	if len(f.AccountIDs) > 0 {
		query += " AND account_id IN (" + placeholders(len(f.AccountIDs)) + ")"
		for _, id := range f.AccountIDs {
			args = append(args, id)
		}
	}
	if f.AfterID != "" {
		query += " AND id > ?"
		args = append(args, f.AfterID)
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query lines", err)
	}
	defer rows.Close()

	var lines []ledger.EntryLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanLine(rows *sql.Rows) (ledger.EntryLine, error) {
	var l ledger.EntryLine
	var debit, credit string
	if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountID, &debit, &credit, &l.Memo); err != nil {
		return l, fmt.Errorf("failed to scan line: %w", err)
	}
	l.Debit, _ = decimal.NewFromString(debit)
	l.Credit, _ = decimal.NewFromString(credit)
	return l, nil
}

func (s *Store) DeleteLines(ctx context.Context, ids []ledger.LineID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLinesQ(ctx, s.db, ids)
}

func (s *Store) deleteLinesQ(ctx context.Context, db dbtx, ids []ledger.LineID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := db.ExecContext(ctx,
		`DELETE FROM entry_lines WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return wrapErr("delete lines", err)
}

func (s *Store) UpdateLineAccount(ctx context.Context, id ledger.LineID, to ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLineAccountQ(ctx, s.db, id, to)
}

func (s *Store) updateLineAccountQ(ctx context.Context, db dbtx, id ledger.LineID, to ledger.AccountID) error {
	res, err := db.ExecContext(ctx, `UPDATE entry_lines SET account_id = ? WHERE id = ?`, to, id)
	if err != nil {
		return wrapErr("update line account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("line %s: %w", id, ledger.ErrPreconditionFailed)
	}
	return nil
}

func (s *Store) Postings(ctx context.Context, f ledger.PostingFilter) ([]ledger.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.postingsQ(ctx, s.db, f)
}

// postingsQ joins lines with their entry dates. The INNER JOIN means orphan
// lines never reach balance computation.
func (s *Store) postingsQ(ctx context.Context, db dbtx, f ledger.PostingFilter) ([]ledger.Posting, error) {
	query := `
		SELECT l.id, l.entry_id, l.account_id, l.debit, l.credit, l.memo, e.date, e.competence
		FROM entry_lines l
		INNER JOIN journal_entries e ON e.id = l.entry_id
		WHERE 1=1
	`
	var args []any

	if len(f.AccountIDs) > 0 {
		query += " AND l.account_id IN (" + placeholders(len(f.AccountIDs)) + ")"
		for _, id := range f.AccountIDs {
			args = append(args, id)
		}
	}
	if !f.Before.IsZero() {
		query += " AND e.date < ?"
		args = append(args, f.Before.Format(time.RFC3339))
	}
	if !f.From.IsZero() {
		query += " AND e.date >= ?"
		args = append(args, f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		query += " AND e.date <= ?"
		args = append(args, f.To.Format(time.RFC3339))
	}
	if f.AfterID != "" {
		query += " AND l.id > ?"
		args = append(args, f.AfterID)
	}
	query += " ORDER BY l.id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query postings", err)
	}
	defer rows.Close()

	var postings []ledger.Posting
	for rows.Next() {
		var p ledger.Posting
		var debit, credit, date string
		if err := rows.Scan(&p.Line.ID, &p.Line.EntryID, &p.Line.AccountID,
			&debit, &credit, &p.Line.Memo, &date, &p.Competence); err != nil {
			return nil, fmt.Errorf("failed to scan posting: %w", err)
		}
		p.Line.Debit, _ = decimal.NewFromString(debit)
		p.Line.Credit, _ = decimal.NewFromString(credit)
		p.Date, _ = time.Parse(time.RFC3339, date)
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

// =============================================================================
// BANK TRANSACTIONS
// =============================================================================

func (s *Store) BankTransaction(ctx context.Context, id ledger.TransactionID) (ledger.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bankTransactionQ(ctx, s.db, id)
}

func (s *Store) bankTransactionQ(ctx context.Context, db dbtx, id ledger.TransactionID) (ledger.BankTransaction, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, amount, date, description, journal_entry_id, status, reconciled_at, reconciled_by
		FROM bank_transactions
		WHERE id = ?
	`, id)

	t, err := scanTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return ledger.BankTransaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.BankTransaction{}, wrapErr("query transaction", err)
	}
	return t, nil
}

func scanTransaction(scan func(...any) error) (ledger.BankTransaction, error) {
	var (
		t            ledger.BankTransaction
		amount, date string
		entryID      sql.NullString
		reconciledAt sql.NullString
	)
	if err := scan(&t.ID, &amount, &date, &t.Description, &entryID, &t.Status, &reconciledAt, &t.ReconciledBy); err != nil {
		return t, err
	}
	t.Amount, _ = decimal.NewFromString(amount)
	t.Date, _ = time.Parse(time.RFC3339, date)
	if entryID.Valid {
		id := ledger.EntryID(entryID.String)
		t.JournalEntryID = &id
	}
	if reconciledAt.Valid {
		at, _ := time.Parse(time.RFC3339, reconciledAt.String)
		t.ReconciledAt = &at
	}
	return t, nil
}

func (s *Store) SaveBankTransaction(ctx context.Context, t ledger.BankTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveBankTransactionQ(ctx, s.db, t)
}

func (s *Store) saveBankTransactionQ(ctx context.Context, db dbtx, t ledger.BankTransaction) error {
	var entryID, reconciledAt sql.NullString
	if t.JournalEntryID != nil {
		entryID = sql.NullString{String: string(*t.JournalEntryID), Valid: true}
	}
	if t.ReconciledAt != nil {
		reconciledAt = sql.NullString{String: t.ReconciledAt.Format(time.RFC3339), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO bank_transactions (id, amount, date, description, journal_entry_id, status, reconciled_at, reconciled_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			date = excluded.date,
			description = excluded.description,
			journal_entry_id = excluded.journal_entry_id,
			status = excluded.status,
			reconciled_at = excluded.reconciled_at,
			reconciled_by = excluded.reconciled_by
	`, t.ID, t.Amount.String(), t.Date.Format(time.RFC3339), t.Description,
		entryID, t.Status, reconciledAt, t.ReconciledBy)
	return wrapErr("save transaction", err)
}

func (s *Store) BankTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bankTransactionsQ(ctx, s.db, f)
}

func (s *Store) bankTransactionsQ(ctx context.Context, db dbtx, f ledger.TransactionFilter) ([]ledger.BankTransaction, error) {
	query := `
		SELECT id, amount, date, description, journal_entry_id, status, reconciled_at, reconciled_by
		FROM bank_transactions
		WHERE 1=1
	`
	var args []any

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.AfterID != "" {
		query += " AND id > ?"
		args = append(args, f.AfterID)
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query transactions", err)
	}
	defer rows.Close()

	var txns []ledger.BankTransaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditQ(ctx, s.db, rec)
}

func (s *Store) appendAuditQ(ctx context.Context, db dbtx, rec ledger.AuditRecord) error {
	detailsJSON := ""
	if len(rec.Details) > 0 {
		b, _ := json.Marshal(rec.Details)
		detailsJSON = string(b)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor, action, transaction_id, entry_id, reason, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.At.Format(time.RFC3339), rec.Actor, rec.Action,
		rec.TransactionID, rec.EntryID, rec.Reason, detailsJSON)
	return wrapErr("append audit", err)
}

func (s *Store) AuditTrail(ctx context.Context, id ledger.TransactionID) ([]ledger.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auditTrailQ(ctx, s.db, id)
}

func (s *Store) auditTrailQ(ctx context.Context, db dbtx, id ledger.TransactionID) ([]ledger.AuditRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, at, actor, action, transaction_id, entry_id, reason, details_json
		FROM audit_log
		WHERE transaction_id = ?
		ORDER BY at ASC, id ASC
	`, id)
	if err != nil {
		return nil, wrapErr("query audit trail", err)
	}
	defer rows.Close()

	var records []ledger.AuditRecord
	for rows.Next() {
		var rec ledger.AuditRecord
		var at, detailsJSON string
		if err := rows.Scan(&rec.ID, &at, &rec.Actor, &rec.Action,
			&rec.TransactionID, &rec.EntryID, &rec.Reason, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.At, _ = time.Parse(time.RFC3339, at)
		if detailsJSON != "" {
			json.Unmarshal([]byte(detailsJSON), &rec.Details)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return wrapErr("commit", sqlTx.Commit())
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) Accounts(ctx context.Context) ([]ledger.Account, error) {
	return ts.parent.accountsQ(ctx, ts.tx)
}

func (ts *txStore) UpdateAccount(ctx context.Context, a ledger.Account) error {
	return ts.parent.updateAccountQ(ctx, ts.tx, a)
}

func (ts *txStore) EntryIDs(ctx context.Context) ([]ledger.EntryID, error) {
	return ts.parent.entryIDsQ(ctx, ts.tx)
}

func (ts *txStore) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	return ts.parent.entriesQ(ctx, ts.tx, f)
}

func (ts *txStore) InsertEntry(ctx context.Context, e ledger.JournalEntry, lines []ledger.EntryLine) error {
	return ts.parent.insertEntryQ(ctx, ts.tx, e, lines)
}

func (ts *txStore) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	return ts.parent.deleteEntryQ(ctx, ts.tx, id)
}

func (ts *txStore) Lines(ctx context.Context, f ledger.LineFilter) ([]ledger.EntryLine, error) {
	return ts.parent.linesQ(ctx, ts.tx, f)
}

func (ts *txStore) DeleteLines(ctx context.Context, ids []ledger.LineID) error {
	return ts.parent.deleteLinesQ(ctx, ts.tx, ids)
}

func (ts *txStore) UpdateLineAccount(ctx context.Context, id ledger.LineID, to ledger.AccountID) error {
	return ts.parent.updateLineAccountQ(ctx, ts.tx, id, to)
}

func (ts *txStore) Postings(ctx context.Context, f ledger.PostingFilter) ([]ledger.Posting, error) {
	return ts.parent.postingsQ(ctx, ts.tx, f)
}

func (ts *txStore) BankTransaction(ctx context.Context, id ledger.TransactionID) (ledger.BankTransaction, error) {
	return ts.parent.bankTransactionQ(ctx, ts.tx, id)
}

func (ts *txStore) SaveBankTransaction(ctx context.Context, t ledger.BankTransaction) error {
	return ts.parent.saveBankTransactionQ(ctx, ts.tx, t)
}

func (ts *txStore) BankTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.BankTransaction, error) {
	return ts.parent.bankTransactionsQ(ctx, ts.tx, f)
}

func (ts *txStore) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	return ts.parent.appendAuditQ(ctx, ts.tx, rec)
}

func (ts *txStore) AuditTrail(ctx context.Context, id ledger.TransactionID) ([]ledger.AuditRecord, error) {
	return ts.parent.auditTrailQ(ctx, ts.tx, id)
}

// =============================================================================
// ADVISORY LOCKS (ledger.Locker interface)
// =============================================================================

// AcquireTenantLock inserts the tenant's lock row. A primary-key conflict
// means another mutating run holds the lock; fail fast rather than queue.
func (s *Store) AcquireTenantLock(ctx context.Context, tenant string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_locks (tenant, acquired_at) VALUES (?, ?)
	`, tenant, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, fmt.Errorf("tenant %s: %w", tenant, ledger.ErrLockHeld)
		}
		return nil, wrapErr("acquire lock", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must not inherit the caller's (possibly cancelled)
			// context: a held lock row would block every later run.
			s.mu.Lock()
			defer s.mu.Unlock()
			s.db.Exec(`DELETE FROM tenant_locks WHERE tenant = ?`, tenant)
		})
	}, nil
}

// BreakTenantLock force-releases a lock left behind by a crashed run.
// Operator action only.
func (s *Store) BreakTenantLock(ctx context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM tenant_locks WHERE tenant = ?`, tenant)
	return wrapErr("break lock", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapErr classifies driver errors: SQLite contention becomes a
// TransientError so read-only callers may retry; everything else is
// permanent.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") {
		return &ledger.TransientError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
