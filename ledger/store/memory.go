// Package store provides Store implementations backed by process memory,
// used for tests and development. The production implementation lives in
// store/sqlite.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/acertado/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	accounts map[ledger.AccountID]ledger.Account
	entries  map[ledger.EntryID]ledger.JournalEntry
	lines    map[ledger.LineID]ledger.EntryLine
	txns     map[ledger.TransactionID]ledger.BankTransaction
	audit    []ledger.AuditRecord

	naturalKeys map[string]ledger.EntryID

	// failures is a test hook: the next N reads return err. Guarded by its
	// own mutex so reads under RLock can consume it.
	failures struct {
		sync.Mutex
		left int
		err  error
	}
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[ledger.AccountID]ledger.Account),
		entries:     make(map[ledger.EntryID]ledger.JournalEntry),
		lines:       make(map[ledger.LineID]ledger.EntryLine),
		txns:        make(map[ledger.TransactionID]ledger.BankTransaction),
		naturalKeys: make(map[string]ledger.EntryID),
	}
}

// FailReads makes the next n read calls return err. Test hook for exercising
// scan-abort and retry behavior.
func (m *Memory) FailReads(n int, err error) {
	m.failures.Lock()
	defer m.failures.Unlock()
	m.failures.left = n
	m.failures.err = err
}

func (m *Memory) takeFailure() error {
	m.failures.Lock()
	defer m.failures.Unlock()
	if m.failures.left > 0 {
		m.failures.left--
		return m.failures.err
	}
	return nil
}

// =============================================================================
// SEEDING - Direct writes that bypass validation
// =============================================================================

// SeedAccount inserts or replaces an account directly.
func (m *Memory) SeedAccount(a ledger.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

// SeedEntry inserts an entry without lines or validation. Use to construct
// anomalous states (empty entries, duplicates) that InsertEntry rejects.
func (m *Memory) SeedEntry(e ledger.JournalEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
}

// SeedLine inserts a line without checking its entry exists. Use to construct
// orphan lines.
func (m *Memory) SeedLine(l ledger.EntryLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[l.ID] = l
}

// SeedTransaction inserts or replaces a bank transaction directly.
func (m *Memory) SeedTransaction(t ledger.BankTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.ID] = t
}

// =============================================================================
// CHART OF ACCOUNTS
// =============================================================================

func (m *Memory) Accounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.accountsLocked(), nil
}

func (m *Memory) accountsLocked() []ledger.Account {
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (m *Memory) UpdateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAccountLocked(a)
}

func (m *Memory) updateAccountLocked(a ledger.Account) error {
	if _, ok := m.accounts[a.ID]; !ok {
		return &ledger.AccountNotFoundError{Code: a.Code}
	}
	m.accounts[a.ID] = a
	return nil
}

// =============================================================================
// JOURNAL ENTRIES
// =============================================================================

func (m *Memory) EntryIDs(_ context.Context) ([]ledger.EntryID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.entryIDsLocked(), nil
}

func (m *Memory) entryIDsLocked() []ledger.EntryID {
	out := make([]ledger.EntryID, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) Entries(_ context.Context, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.entriesLocked(f), nil
}

func (m *Memory) entriesLocked(f ledger.EntryFilter) []ledger.JournalEntry {
	wanted := entryIDSet(f.IDs)
	var out []ledger.JournalEntry
	for _, e := range m.entries {
		if wanted != nil && !wanted[e.ID] {
			continue
		}
		if !f.From.IsZero() && e.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Date.After(f.To) {
			continue
		}
		if f.AfterID != "" && e.ID <= f.AfterID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitEntries(out, f.Limit)
}

func (m *Memory) InsertEntry(_ context.Context, e ledger.JournalEntry, lines []ledger.EntryLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertEntryLocked(e, lines)
}

func (m *Memory) insertEntryLocked(e ledger.JournalEntry, lines []ledger.EntryLine) error {
	if _, ok := m.entries[e.ID]; ok {
		return fmt.Errorf("entry %s: %w", e.ID, ledger.ErrDuplicateEntry)
	}
	if e.ReferenceID != "" {
		if _, ok := m.naturalKeys[e.NaturalKey()]; ok {
			return fmt.Errorf("entry %s: %w", e.ID, ledger.ErrDuplicateEntry)
		}
	}
	if len(lines) == 0 {
		return &ledger.ValidationError{Field: "lines", Message: "entry must have at least one line"}
	}
	for _, l := range lines {
		if err := ledger.ValidateAmounts(l); err != nil {
			return err
		}
		account, ok := m.accounts[l.AccountID]
		if !ok {
			return &ledger.AccountNotFoundError{Code: string(l.AccountID)}
		}
		if !account.Postable() {
			return &ledger.ValidationError{Field: "accountID", Message: "account " + account.Code + " is not postable"}
		}
	}
	if sum := ledger.SumSigned(lines); !sum.WithinTolerance() {
		return &ledger.ValidationError{Field: "lines", Message: "debits and credits do not balance: " + sum.String()}
	}

	m.entries[e.ID] = e
	for _, l := range lines {
		l.EntryID = e.ID
		m.lines[l.ID] = l
	}
	if e.ReferenceID != "" {
		m.naturalKeys[e.NaturalKey()] = e.ID
	}
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, id ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEntryLocked(id)
}

func (m *Memory) deleteEntryLocked(id ledger.EntryID) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, ledger.ErrEntryNotFound)
	}
	delete(m.entries, id)
	if e.ReferenceID != "" {
		delete(m.naturalKeys, e.NaturalKey())
	}
	for lid, l := range m.lines {
		if l.EntryID == id {
			delete(m.lines, lid)
		}
	}
	return nil
}

// =============================================================================
// ENTRY LINES
// =============================================================================

func (m *Memory) Lines(_ context.Context, f ledger.LineFilter) ([]ledger.EntryLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.linesLocked(f), nil
}

func (m *Memory) linesLocked(f ledger.LineFilter) []ledger.EntryLine {
	wantedIDs := lineIDSet(f.IDs)
	wantedEntries := entryIDSet(f.EntryIDs)
	wantedAccounts := accountIDSet(f.AccountIDs)

	var out []ledger.EntryLine
	for _, l := range m.lines {
		if wantedIDs != nil && !wantedIDs[l.ID] {
			continue
		}
		if wantedEntries != nil && !wantedEntries[l.EntryID] {
			continue
		}
		if wantedAccounts != nil && !wantedAccounts[l.AccountID] {
			continue
		}
		if f.AfterID != "" && l.ID <= f.AfterID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitLines(out, f.Limit)
}

func (m *Memory) DeleteLines(_ context.Context, ids []ledger.LineID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLinesLocked(ids)
}

func (m *Memory) deleteLinesLocked(ids []ledger.LineID) error {
	for _, id := range ids {
		delete(m.lines, id)
	}
	return nil
}

func (m *Memory) UpdateLineAccount(_ context.Context, id ledger.LineID, to ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLineAccountLocked(id, to)
}

func (m *Memory) updateLineAccountLocked(id ledger.LineID, to ledger.AccountID) error {
	l, ok := m.lines[id]
	if !ok {
		return fmt.Errorf("line %s: %w", id, ledger.ErrPreconditionFailed)
	}
	l.AccountID = to
	m.lines[id] = l
	return nil
}

func (m *Memory) Postings(_ context.Context, f ledger.PostingFilter) ([]ledger.Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.postingsLocked(f), nil
}

// postingsLocked joins lines with their entry dates. A line whose entry is
// gone has no date and never appears here.
func (m *Memory) postingsLocked(f ledger.PostingFilter) []ledger.Posting {
	wantedAccounts := accountIDSet(f.AccountIDs)

	var out []ledger.Posting
	for _, l := range m.lines {
		if wantedAccounts != nil && !wantedAccounts[l.AccountID] {
			continue
		}
		if f.AfterID != "" && l.ID <= f.AfterID {
			continue
		}
		e, ok := m.entries[l.EntryID]
		if !ok {
			continue
		}
		if !f.Before.IsZero() && !e.Date.Before(f.Before) {
			continue
		}
		if !f.From.IsZero() && e.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Date.After(f.To) {
			continue
		}
		out = append(out, ledger.Posting{Line: l, Date: e.Date, Competence: e.Competence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line.ID < out[j].Line.ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// =============================================================================
// BANK TRANSACTIONS
// =============================================================================

func (m *Memory) BankTransaction(_ context.Context, id ledger.TransactionID) (ledger.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.takeFailure(); err != nil {
		return ledger.BankTransaction{}, err
	}
	return m.bankTransactionLocked(id)
}

func (m *Memory) bankTransactionLocked(id ledger.TransactionID) (ledger.BankTransaction, error) {
	t, ok := m.txns[id]
	if !ok {
		return ledger.BankTransaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrTransactionNotFound)
	}
	return t, nil
}

func (m *Memory) SaveBankTransaction(_ context.Context, t ledger.BankTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBankTransactionLocked(t)
}

func (m *Memory) saveBankTransactionLocked(t ledger.BankTransaction) error {
	m.txns[t.ID] = t
	return nil
}

func (m *Memory) BankTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return m.bankTransactionsLocked(f), nil
}

func (m *Memory) bankTransactionsLocked(f ledger.TransactionFilter) []ledger.BankTransaction {
	var out []ledger.BankTransaction
	for _, t := range m.txns {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AfterID != "" && t.ID <= f.AfterID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, rec ledger.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(rec)
}

func (m *Memory) appendAuditLocked(rec ledger.AuditRecord) error {
	m.audit = append(m.audit, rec)
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, id ledger.TransactionID) ([]ledger.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AuditRecord
	for _, rec := range m.audit {
		if rec.TransactionID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}
	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts    map[ledger.AccountID]ledger.Account
	entries     map[ledger.EntryID]ledger.JournalEntry
	lines       map[ledger.LineID]ledger.EntryLine
	txns        map[ledger.TransactionID]ledger.BankTransaction
	audit       []ledger.AuditRecord
	naturalKeys map[string]ledger.EntryID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:    make(map[ledger.AccountID]ledger.Account, len(tm.accounts)),
		entries:     make(map[ledger.EntryID]ledger.JournalEntry, len(tm.entries)),
		lines:       make(map[ledger.LineID]ledger.EntryLine, len(tm.lines)),
		txns:        make(map[ledger.TransactionID]ledger.BankTransaction, len(tm.txns)),
		audit:       append([]ledger.AuditRecord{}, tm.audit...),
		naturalKeys: make(map[string]ledger.EntryID, len(tm.naturalKeys)),
	}
	for k, v := range tm.accounts {
		s.accounts[k] = v
	}
	for k, v := range tm.entries {
		s.entries[k] = v
	}
	for k, v := range tm.lines {
		s.lines[k] = v
	}
	for k, v := range tm.txns {
		s.txns[k] = v
	}
	for k, v := range tm.naturalKeys {
		s.naturalKeys[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.accounts = s.accounts
	tm.entries = s.entries
	tm.lines = s.lines
	tm.txns = s.txns
	tm.audit = s.audit
	tm.naturalKeys = s.naturalKeys
}

// txMemoryView routes Store calls to the parent's locked internals; the
// WithTx caller already holds the write lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Accounts(_ context.Context) ([]ledger.Account, error) {
	return tv.parent.accountsLocked(), nil
}

func (tv *txMemoryView) UpdateAccount(_ context.Context, a ledger.Account) error {
	return tv.parent.updateAccountLocked(a)
}

func (tv *txMemoryView) EntryIDs(_ context.Context) ([]ledger.EntryID, error) {
	return tv.parent.entryIDsLocked(), nil
}

func (tv *txMemoryView) Entries(_ context.Context, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	return tv.parent.entriesLocked(f), nil
}

func (tv *txMemoryView) InsertEntry(_ context.Context, e ledger.JournalEntry, lines []ledger.EntryLine) error {
	return tv.parent.insertEntryLocked(e, lines)
}

func (tv *txMemoryView) DeleteEntry(_ context.Context, id ledger.EntryID) error {
	return tv.parent.deleteEntryLocked(id)
}

func (tv *txMemoryView) Lines(_ context.Context, f ledger.LineFilter) ([]ledger.EntryLine, error) {
	return tv.parent.linesLocked(f), nil
}

func (tv *txMemoryView) DeleteLines(_ context.Context, ids []ledger.LineID) error {
	return tv.parent.deleteLinesLocked(ids)
}

func (tv *txMemoryView) UpdateLineAccount(_ context.Context, id ledger.LineID, to ledger.AccountID) error {
	return tv.parent.updateLineAccountLocked(id, to)
}

func (tv *txMemoryView) Postings(_ context.Context, f ledger.PostingFilter) ([]ledger.Posting, error) {
	return tv.parent.postingsLocked(f), nil
}

func (tv *txMemoryView) BankTransaction(_ context.Context, id ledger.TransactionID) (ledger.BankTransaction, error) {
	return tv.parent.bankTransactionLocked(id)
}

func (tv *txMemoryView) SaveBankTransaction(_ context.Context, t ledger.BankTransaction) error {
	return tv.parent.saveBankTransactionLocked(t)
}

func (tv *txMemoryView) BankTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.BankTransaction, error) {
	return tv.parent.bankTransactionsLocked(f), nil
}

func (tv *txMemoryView) AppendAudit(_ context.Context, rec ledger.AuditRecord) error {
	return tv.parent.appendAuditLocked(rec)
}

func (tv *txMemoryView) AuditTrail(_ context.Context, id ledger.TransactionID) ([]ledger.AuditRecord, error) {
	var out []ledger.AuditRecord
	for _, rec := range tv.parent.audit {
		if rec.TransactionID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

// =============================================================================
// MEMORY LOCKER - Per-tenant advisory lock
// =============================================================================

// MemoryLocker is a process-local Locker for tests and single-node use.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

// AcquireTenantLock is non-blocking: a held lock fails fast with ErrLockHeld
// rather than queueing mutating runs.
func (l *MemoryLocker) AcquireTenantLock(_ context.Context, tenant string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[tenant] {
		return nil, fmt.Errorf("tenant %s: %w", tenant, ledger.ErrLockHeld)
	}
	l.held[tenant] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, tenant)
		})
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func entryIDSet(ids []ledger.EntryID) map[ledger.EntryID]bool {
	if len(ids) == 0 {
		return nil
	}
	s := make(map[ledger.EntryID]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func lineIDSet(ids []ledger.LineID) map[ledger.LineID]bool {
	if len(ids) == 0 {
		return nil
	}
	s := make(map[ledger.LineID]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func accountIDSet(ids []ledger.AccountID) map[ledger.AccountID]bool {
	if len(ids) == 0 {
		return nil
	}
	s := make(map[ledger.AccountID]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func limitEntries(in []ledger.JournalEntry, limit int) []ledger.JournalEntry {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func limitLines(in []ledger.EntryLine, limit int) []ledger.EntryLine {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
