/*
balance.go - Nature-aware balance computation

PURPOSE:
  Computes an account's opening balance and period movement. This is the
  calculation every report and every correction script ultimately needs:
  "what did this account hold at the start of the month, and what moved?"

ALGORITHM:
  1. Resolve the account. A leaf is computed directly; a synthetic account
     expands to its subtree and aggregates its postable leaf descendants.
  2. Opening = signed sum of all postings dated strictly before Period.Start,
     sign-adjusted by normal side (debit-normal: debit - credit;
     credit-normal: credit - debit).
  3. Period movement = same aggregation over [Period.Start, Period.End].
  4. Closing = Opening + sign-adjusted movement.

CORRECTNESS HAZARDS THIS CLOSES:
  - Subtree expansion excludes merged ("consolidated") duplicate accounts and
    deactivated accounts, so the same underlying leaf is never double-booked.
    Pass history=true to include them for historical reviews.
  - Orphan lines never reach the sum: postings join through the entry, and a
    line without an entry has no date.
  - Lines posted directly to a synthetic account never contribute: only leaf
    descendants are queried. (The checker flags such lines separately.)

NUMERIC SEMANTICS:
  Accumulation happens in integer cents; two-decimal rounding exists only at
  presentation boundaries.
*/
package ledger

import (
	"context"
	"time"
)

// BalanceResult is the balance of one account (or subtree) over a period.
// All amounts are cents; Decimal() converts for presentation.
type BalanceResult struct {
	AccountCode string
	Period      Period

	// Opening is the sign-adjusted balance from everything strictly before
	// the period.
	Opening Cents

	// PeriodDebit and PeriodCredit are raw movement totals inside the
	// period, before sign adjustment.
	PeriodDebit  Cents
	PeriodCredit Cents

	// Closing = Opening + sign-adjusted period movement.
	Closing Cents

	// Accounts is how many leaf accounts contributed (1 for a leaf).
	Accounts int
}

// Movement is the sign-adjusted net period movement.
func (b BalanceResult) Movement() Cents {
	return b.Closing - b.Opening
}

// Calculator computes balances. Read-only; runs without locking but against
// a consistent snapshot (the store's read view).
type Calculator struct {
	Store    Store
	Registry *Registry

	ChunkSize int
}

// Balance computes the account's opening balance and movement for the
// period. For synthetic accounts the subtree is aggregated; history=false
// (the default behavior for reports) excludes deactivated and merged
// descendants.
func (c *Calculator) Balance(ctx context.Context, code string, period Period, history bool) (BalanceResult, error) {
	if period.End.Before(period.Start) {
		return BalanceResult{}, ErrInvalidPeriod
	}
	account, err := c.Registry.Resolve(code)
	if err != nil {
		return BalanceResult{}, err
	}

	var leaves []Account
	if account.IsLeaf {
		leaves = []Account{account}
	} else {
		leaves = c.Registry.Leaves(code, history)
	}

	result := BalanceResult{AccountCode: code, Period: period, Accounts: len(leaves)}
	if len(leaves) == 0 {
		return result, nil
	}

	side := account.NormalSide
	ids := make([]AccountID, len(leaves))
	for i, leaf := range leaves {
		ids[i] = leaf.ID
	}

	// Opening: strictly before the period start.
	opening, err := c.sumPostings(ctx, PostingFilter{AccountIDs: ids, Before: period.Start})
	if err != nil {
		return BalanceResult{}, err
	}
	result.Opening = signAdjust(opening.debit-opening.credit, side)

	// Movement: within [Start, End].
	movement, err := c.sumPostings(ctx, PostingFilter{AccountIDs: ids, From: period.Start, To: period.End})
	if err != nil {
		return BalanceResult{}, err
	}
	result.PeriodDebit = movement.debit
	result.PeriodCredit = movement.credit
	result.Closing = result.Opening + signAdjust(movement.debit-movement.credit, side)
	return result, nil
}

// AsOf computes the closing balance at a date, with an unbounded opening.
func (c *Calculator) AsOf(ctx context.Context, code string, at time.Time, history bool) (Cents, error) {
	period := Period{Start: at, End: at}
	r, err := c.Balance(ctx, code, period, history)
	if err != nil {
		return 0, err
	}
	return r.Closing, nil
}

type debitCredit struct {
	debit  Cents
	credit Cents
}

func (c *Calculator) sumPostings(ctx context.Context, f PostingFilter) (debitCredit, error) {
	chunk := clampChunk(c.ChunkSize)
	var total debitCredit
	for {
		f.Limit = chunk
		page, err := c.Store.Postings(ctx, f)
		if err != nil {
			return debitCredit{}, err
		}
		for _, p := range page {
			total.debit += CentsOf(p.Line.Debit)
			total.credit += CentsOf(p.Line.Credit)
		}
		if len(page) < chunk {
			return total, nil
		}
		f.AfterID = page[len(page)-1].Line.ID
	}
}

// signAdjust orients a raw debit-minus-credit delta to the account's normal
// side: debit-normal accounts grow with debits, credit-normal with credits.
func signAdjust(delta Cents, side NormalSide) Cents {
	if side == CreditNormal {
		return -delta
	}
	return delta
}
