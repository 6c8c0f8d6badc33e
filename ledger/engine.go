/*
engine.go - Library facade for embedding callers

PURPOSE:
  One handle exposing the package's operations to whatever transport the
  embedding application wraps around them (CLI, scheduler, HTTP handler):

    Scan(scope)                         read-only
    Balance(code, period)               read-only
    PlanRepair(anomalies, merges)       pure
    ApplyRepair(plan, simulate)         mutating, idempotent
    Reconcile / Unreconcile / Verify    mutating / read-only

  No wire protocol is mandated; these are library-level contracts.

SNAPSHOT RULE:
  The account registry is loaded once per logical operation and treated as
  immutable for its duration; accounts are not expected to change mid-batch.

RETRY RULE:
  Transient storage errors are retried with bounded backoff for read-only
  operations only. Mutating operations never auto-retry: the caller
  re-invokes, which is safe because apply is idempotent by construction.
*/
package ledger

import (
	"context"
	"time"
)

// RetryPolicy bounds transient-error retries on read-only operations.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Backoff  time.Duration // initial delay, doubled per retry
}

// DefaultRetry is three attempts with 100ms initial backoff.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

// Engine wires the ledger components for one tenant.
type Engine struct {
	Store  TxStore
	Locks  Locker
	Tenant string
	Now    Clock

	ChunkSize int
	Workers   int
	Retry     RetryPolicy
}

// NewEngine builds an engine with default retry, chunking, and worker bounds.
func NewEngine(store TxStore, locks Locker, tenant string) *Engine {
	return &Engine{
		Store:  store,
		Locks:  locks,
		Tenant: tenant,
		Retry:  DefaultRetry,
	}
}

// Scan runs an invariant scan. Read-only; retried on transient failures.
func (e *Engine) Scan(ctx context.Context, scope Scope) (*ScanReport, error) {
	var report *ScanReport
	err := e.retryRead(ctx, func() error {
		registry, err := LoadRegistry(ctx, e.Store)
		if err != nil {
			return err
		}
		checker := &Checker{Store: e.Store, Registry: registry, ChunkSize: e.ChunkSize}
		report, err = checker.Scan(ctx, scope)
		return err
	})
	return report, err
}

// Balance computes an account's opening/movement/closing for the period.
// Read-only; retried on transient failures.
func (e *Engine) Balance(ctx context.Context, code string, period Period) (BalanceResult, error) {
	var result BalanceResult
	err := e.retryRead(ctx, func() error {
		registry, err := LoadRegistry(ctx, e.Store)
		if err != nil {
			return err
		}
		calc := &Calculator{Store: e.Store, Registry: registry, ChunkSize: e.ChunkSize}
		result, err = calc.Balance(ctx, code, period, false)
		return err
	})
	return result, err
}

// BalanceAsOf computes an account's cumulative closing balance through a
// date, from the beginning of the ledger. Read-only; retried on transient
// failures.
func (e *Engine) BalanceAsOf(ctx context.Context, code string, at time.Time) (Cents, error) {
	var closing Cents
	err := e.retryRead(ctx, func() error {
		registry, err := LoadRegistry(ctx, e.Store)
		if err != nil {
			return err
		}
		calc := &Calculator{Store: e.Store, Registry: registry, ChunkSize: e.ChunkSize}
		closing, err = calc.AsOf(ctx, code, at, false)
		return err
	})
	return closing, err
}

// PlanRepair enumerates corrective actions. Pure aside from the registry
// snapshot it plans against.
func (e *Engine) PlanRepair(ctx context.Context, anomalies []AnomalyRecord, merges MergeMap) (*RepairPlan, error) {
	registry, err := LoadRegistry(ctx, e.Store)
	if err != nil {
		return nil, err
	}
	return e.repairer(registry).Plan(anomalies, merges)
}

// ApplyRepair executes a plan, for real or simulated. Never auto-retried.
func (e *Engine) ApplyRepair(ctx context.Context, plan *RepairPlan, simulate bool) (*RepairResult, error) {
	registry, err := LoadRegistry(ctx, e.Store)
	if err != nil {
		return nil, err
	}
	return e.repairer(registry).Apply(ctx, plan, simulate)
}

// Reconcile links a bank transaction to a journal entry.
func (e *Engine) Reconcile(ctx context.Context, txnID TransactionID, entryID EntryID, actor string) (BankTransaction, error) {
	return e.stateMachine().Reconcile(ctx, txnID, entryID, actor)
}

// Unreconcile severs a reconciliation link, with a mandatory reason.
func (e *Engine) Unreconcile(ctx context.Context, txnID TransactionID, actor, reason string) (BankTransaction, error) {
	return e.stateMachine().Unreconcile(ctx, txnID, actor, reason)
}

// VerifyReconciliation re-checks the three-way contract ledger-wide.
// Read-only; retried on transient failures.
func (e *Engine) VerifyReconciliation(ctx context.Context) ([]ConsistencyViolation, error) {
	var violations []ConsistencyViolation
	err := e.retryRead(ctx, func() error {
		var err error
		violations, err = e.stateMachine().VerifyConsistency(ctx)
		return err
	})
	return violations, err
}

func (e *Engine) repairer(registry *Registry) *Repairer {
	return &Repairer{
		Store:     e.Store,
		Locks:     e.Locks,
		Registry:  registry,
		Tenant:    e.Tenant,
		Now:       e.Now,
		ChunkSize: e.ChunkSize,
		Workers:   e.Workers,
	}
}

func (e *Engine) stateMachine() *StateMachine {
	return &StateMachine{Store: e.Store, Locks: e.Locks, Tenant: e.Tenant, Now: e.Now}
}

// retryRead retries fn on transient storage errors with doubling backoff.
// Conflict and validation errors surface immediately.
func (e *Engine) retryRead(ctx context.Context, fn func() error) error {
	policy := e.Retry
	if policy.Attempts <= 0 {
		policy = DefaultRetry
	}

	delay := policy.Backoff
	var err error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}
