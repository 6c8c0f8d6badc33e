/*
registry.go - Chart-of-accounts snapshot

PURPOSE:
  Answers "is this a postable account?" and "what is this account's normal
  balance side?" for the checker, the balance calculator, and the repair
  planner. Loaded once per logical operation from the store and treated as
  immutable for that operation's duration; accounts are not expected to
  change mid-batch.

TREE OVER FLAT STORAGE:
  The chart is a forest, but the registry holds no parent/child pointers.
  Subtree membership derives from dot-separated code prefixes ("1.1" covers
  "1.1.2.01" but not "1.10"), so the whole structure reconstructs from a
  single table scan and there is no cyclic-reference bookkeeping.
*/
package ledger

import (
	"context"
	"sort"
	"strings"
)

// Registry is an immutable snapshot of the chart of accounts.
type Registry struct {
	byCode map[string]Account
	byID   map[AccountID]Account
	codes  []string // sorted, for deterministic subtree iteration
}

// LoadRegistry builds a snapshot from a single store scan.
func LoadRegistry(ctx context.Context, store Store) (*Registry, error) {
	accounts, err := store.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	return NewRegistry(accounts), nil
}

// NewRegistry builds a snapshot from a flat account list. Accounts with an
// empty NormalSide get the conventional side for their type.
func NewRegistry(accounts []Account) *Registry {
	r := &Registry{
		byCode: make(map[string]Account, len(accounts)),
		byID:   make(map[AccountID]Account, len(accounts)),
		codes:  make([]string, 0, len(accounts)),
	}
	for _, a := range accounts {
		if a.NormalSide == "" {
			a.NormalSide = NormalSideFor(a.Type)
		}
		r.byCode[a.Code] = a
		r.byID[a.ID] = a
		r.codes = append(r.codes, a.Code)
	}
	sort.Strings(r.codes)
	return r
}

// Resolve returns the account with the given code.
func (r *Registry) Resolve(code string) (Account, error) {
	a, ok := r.byCode[code]
	if !ok {
		return Account{}, &AccountNotFoundError{Code: code}
	}
	return a, nil
}

// Get returns the account with the given id.
func (r *Registry) Get(id AccountID) (Account, error) {
	a, ok := r.byID[id]
	if !ok {
		return Account{}, &AccountNotFoundError{Code: string(id)}
	}
	return a, nil
}

// IsLeaf reports whether the account exists and is a leaf (analytic)
// account. Unknown ids are not leaves.
func (r *Registry) IsLeaf(id AccountID) bool {
	a, ok := r.byID[id]
	return ok && a.IsLeaf
}

// NormalSide returns the account's normal balance side.
func (r *Registry) NormalSide(id AccountID) (NormalSide, error) {
	a, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return a.NormalSide, nil
}

// Subtree returns the account and all its descendants by code prefix, in
// code order. Soft-deactivated accounts and accounts merged into another
// (consolidated duplicates) are excluded unless includeInactive is set;
// including a merged account would double-book its surviving twin.
func (r *Registry) Subtree(code string, includeInactive bool) []Account {
	prefix := code + "."
	var result []Account
	for _, c := range r.codes {
		if c != code && !strings.HasPrefix(c, prefix) {
			continue
		}
		a := r.byCode[c]
		if !includeInactive && (!a.IsActive || a.MergedInto != "") {
			continue
		}
		result = append(result, a)
	}
	return result
}

// Leaves returns the postable leaf accounts of a subtree.
func (r *Registry) Leaves(code string, includeInactive bool) []Account {
	var leaves []Account
	for _, a := range r.Subtree(code, includeInactive) {
		if a.IsLeaf {
			leaves = append(leaves, a)
		}
	}
	return leaves
}

// InPrefix reports whether the account with the given id falls under the
// code prefix (used to bound scans to a subtree).
func (r *Registry) InPrefix(id AccountID, prefix string) bool {
	if prefix == "" {
		return true
	}
	a, ok := r.byID[id]
	if !ok {
		return false
	}
	return a.Code == prefix || strings.HasPrefix(a.Code, prefix+".")
}
