/*
reconcile.go - Bank reconciliation state machine

PURPOSE:
  Governs the link between one external bank transaction and one journal
  entry. Reconciliation is reversible; there are no terminal states:

    Unreconciled --reconcile--> Reconciled --unreconcile--> Unreconciled

THE CONTRACT (enforced on every transition, re-verifiable at any time):
  journalEntryID != nil  <=>  status == reconciled  <=>  reconciledAt != nil
  and each transaction links to AT MOST ONE journal entry at a time.

TRANSITIONS:
  Reconcile(txn, entry, actor)
    - AlreadyReconciled when the transaction links elsewhere
    - EntryNotFound when the journal entry does not exist
    - re-linking the SAME entry is a no-op success (idempotent retries)
  Unreconcile(txn, actor, reason)
    - NotReconciled when there is nothing to undo
    - reason is mandatory: an unreconciliation must always be explained;
      a reconciliation needs no reason beyond the causal entry

ATOMICITY:
  Each transition runs inside one store transaction under the per-tenant
  advisory lock, so no other transition interleaves on the same row.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Clock supplies now() for reconciliation timestamps; nil means time.Now.
type Clock func() time.Time

// StateMachine applies reconciliation transitions for one tenant.
type StateMachine struct {
	Store  TxStore
	Locks  Locker
	Tenant string
	Now    Clock
}

func (m *StateMachine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Reconcile links a bank transaction to the journal entry that represents it
// in the books, records the actor, and stamps the time.
func (m *StateMachine) Reconcile(ctx context.Context, txnID TransactionID, entryID EntryID, actor string) (BankTransaction, error) {
	if entryID == "" {
		return BankTransaction{}, &ValidationError{Field: "entryID", Message: "must not be empty"}
	}
	if actor == "" {
		return BankTransaction{}, &ValidationError{Field: "actor", Message: "must not be empty"}
	}

	release, err := m.Locks.AcquireTenantLock(ctx, m.Tenant)
	if err != nil {
		return BankTransaction{}, err
	}
	defer release()

	var out BankTransaction
	err = m.Store.WithTx(ctx, func(s Store) error {
		txn, err := s.BankTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		if txn.JournalEntryID != nil {
			if *txn.JournalEntryID == entryID {
				out = txn // already linked to this entry; nothing to do
				return nil
			}
			return &AlreadyReconciledError{TransactionID: txnID, LinkedEntry: *txn.JournalEntryID}
		}

		entries, err := s.Entries(ctx, EntryFilter{IDs: []EntryID{entryID}})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("reconcile %s: %w", entryID, ErrEntryNotFound)
		}

		at := m.now()
		txn.JournalEntryID = &entryID
		txn.Status = StatusReconciled
		txn.ReconciledAt = &at
		txn.ReconciledBy = actor
		if err := s.SaveBankTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn

		return s.AppendAudit(ctx, AuditRecord{
			ID:            NewID(),
			At:            at,
			Actor:         actor,
			Action:        AuditReconcile,
			TransactionID: txnID,
			EntryID:       entryID,
		})
	})
	return out, err
}

// Unreconcile severs the link, returning the transaction to its initial
// state. The reason lands in the audit trail.
func (m *StateMachine) Unreconcile(ctx context.Context, txnID TransactionID, actor, reason string) (BankTransaction, error) {
	if actor == "" {
		return BankTransaction{}, &ValidationError{Field: "actor", Message: "must not be empty"}
	}
	if reason == "" {
		return BankTransaction{}, &ValidationError{Field: "reason", Message: "unreconciliation must be explained"}
	}

	release, err := m.Locks.AcquireTenantLock(ctx, m.Tenant)
	if err != nil {
		return BankTransaction{}, err
	}
	defer release()

	var out BankTransaction
	err = m.Store.WithTx(ctx, func(s Store) error {
		txn, err := s.BankTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		if txn.JournalEntryID == nil {
			return fmt.Errorf("unreconcile %s: %w", txnID, ErrNotReconciled)
		}
		previous := *txn.JournalEntryID

		txn.JournalEntryID = nil
		txn.Status = StatusUnreconciled
		txn.ReconciledAt = nil
		txn.ReconciledBy = ""
		if err := s.SaveBankTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn

		return s.AppendAudit(ctx, AuditRecord{
			ID:            NewID(),
			At:            m.now(),
			Actor:         actor,
			Action:        AuditUnreconcile,
			TransactionID: txnID,
			EntryID:       previous,
			Reason:        reason,
		})
	})
	return out, err
}

// =============================================================================
// STANDALONE CONSISTENCY CHECK
// =============================================================================

// ConsistencyViolation is one bank transaction breaking the three-way
// contract.
type ConsistencyViolation struct {
	TransactionID TransactionID
	Detail        string
}

// VerifyConsistency re-checks the three-way contract across every bank
// transaction. Read-only; takes no lock.
func (m *StateMachine) VerifyConsistency(ctx context.Context) ([]ConsistencyViolation, error) {
	chunk := clampChunk(0)
	var (
		violations []ConsistencyViolation
		after      TransactionID
	)
	for {
		page, err := m.Store.BankTransactions(ctx, TransactionFilter{AfterID: after, Limit: chunk})
		if err != nil {
			return nil, err
		}
		for _, txn := range page {
			if txn.Consistent() {
				continue
			}
			violations = append(violations, ConsistencyViolation{
				TransactionID: txn.ID,
				Detail: fmt.Sprintf("linked=%v status=%s reconciledAt set=%v",
					txn.JournalEntryID != nil, txn.Status, txn.ReconciledAt != nil),
			})
		}
		if len(page) < chunk {
			return violations, nil
		}
		after = page[len(page)-1].ID
	}
}
