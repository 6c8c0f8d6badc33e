/*
repair.go - Idempotent batch repair engine

PURPOSE:
  Turns invariant-checker output into concrete, re-runnable corrective
  actions. The plan is data; apply is one interpreter with a simulate
  switch, so dry-run and real-run share 100% of their decision logic. The
  class of bugs where simulation and execution silently diverge cannot
  exist here.

IDEMPOTENCE:
  Every action is keyed on a natural identity ("line L belongs to entry E")
  and re-checks that precondition immediately before mutating. Re-running a
  plan whose actions already took effect detects that and skips; it never
  double-deletes or double-transfers.

EXECUTION MODEL:
  - The per-tenant advisory lock serializes the whole run.
  - Actions are grouped by the entry (or account) they touch; groups are
    independent and run on a bounded worker pool, while actions within a
    group are serialized.
  - Groups are dispatched in chunks; each group commits in its own store
    transaction, so a chunk boundary is a transaction boundary and a crash
    leaves the ledger valid, just incompletely repaired.
  - Cancellation is cooperative between chunks: the current chunk finishes,
    then the run stops. Never mid-chunk.
  - Account merges transfer lines FIRST and deactivate the source LAST, so
    there is no window where lines point to a deactivated account.

SEE ALSO:
  - checker.go:       produces the anomalies planned here
  - factory/mergemap: declarative duplicate-account input to Plan
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// PLAN - Actions as data
// =============================================================================

// ActionKind tags one kind of corrective action.
type ActionKind string

const (
	ActionDeleteLine   ActionKind = "delete-line"
	ActionDeleteEntry  ActionKind = "delete-entry"
	ActionTransferLine ActionKind = "transfer-line"
	ActionMergeAccount ActionKind = "merge-account"
)

// RepairAction is one planned correction. Which fields are set depends on
// Kind; Key() is the natural identity the apply-time precondition re-checks.
type RepairAction struct {
	Kind ActionKind

	LineID  LineID
	EntryID EntryID

	FromAccount AccountID // transfer-line: current account
	ToAccount   AccountID // transfer-line: target leaf

	SourceCode string // merge-account: account being absorbed
	TargetCode string // merge-account: surviving account

	Impact Cents
	Reason string
}

// Key returns the action's natural identity.
func (a RepairAction) Key() string {
	switch a.Kind {
	case ActionDeleteLine, ActionTransferLine:
		return fmt.Sprintf("%s:%s@%s", a.Kind, a.LineID, a.EntryID)
	case ActionDeleteEntry:
		return fmt.Sprintf("%s:%s", a.Kind, a.EntryID)
	default:
		return fmt.Sprintf("%s:%s>%s", a.Kind, a.SourceCode, a.TargetCode)
	}
}

// groupKey determines serialization: actions touching the same entry (or the
// same account, for merges) must not run concurrently with each other.
func (a RepairAction) groupKey() string {
	if a.Kind == ActionMergeAccount {
		return "account:" + a.SourceCode
	}
	return "entry:" + string(a.EntryID)
}

// RepairPlan is an ordered set of actions. Pure data; building one has no
// side effects.
type RepairPlan struct {
	CreatedAt time.Time
	Actions   []RepairAction
}

// MergeMap declares duplicate-account consolidations: source code to
// surviving target code. Declarative input to Plan, not code.
type MergeMap map[string]string

// Validate rejects self-merges and chained merges (a target that is itself
// a source would leave the chain order-dependent).
func (m MergeMap) Validate() error {
	for src, dst := range m {
		if src == dst {
			return &ValidationError{Field: "merge", Message: fmt.Sprintf("%s merges into itself", src)}
		}
		if _, chained := m[dst]; chained {
			return &ValidationError{Field: "merge", Message: fmt.Sprintf("%s merges into %s, which is itself merged", src, dst)}
		}
	}
	return nil
}

// =============================================================================
// RESULT - Exactly what changed
// =============================================================================

// RepairResult reports exactly what an apply changed, so "nothing happened"
// and "everything happened" are both explicit, never inferred from the
// absence of an error.
type RepairResult struct {
	RunID     string
	Simulated bool

	Applied int // actions whose precondition held (mutated, or would have)
	Skipped int // actions whose precondition no longer held

	DeletedEntries   []EntryID
	DeletedLines     []LineID
	TransferredLines []LineID
	MergedAccounts   []string

	// NetImpact is the signed monetary delta removed from the books, cents.
	NetImpact Cents

	StartedAt  time.Time
	FinishedAt time.Time
}

// =============================================================================
// REPAIRER
// =============================================================================

// Repairer plans and applies corrective batches for one tenant. The only
// component in this package that mutates ledger data.
type Repairer struct {
	Store    TxStore
	Locks    Locker
	Registry *Registry
	Tenant   string
	Now      Clock

	ChunkSize int // actions per dispatch chunk (clamped 100..500)
	Workers   int // worker pool bound; 0 = DefaultWorkers
}

// DefaultWorkers bounds parallel repair groups.
const DefaultWorkers = 4

func (r *Repairer) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Plan enumerates concrete actions for the given anomalies plus the
// declared account merges. Pure: no reads, no writes, fully deterministic.
//
// Mapping:
//   - orphan-line        -> delete-line
//   - unbalanced-entry   -> delete-entry (cascades to lines)
//   - empty-entry        -> delete-entry
//   - duplicate-entry    -> delete-entry (the younger duplicate)
//   - synthetic-posting  -> transfer-line, when the posted account declares a
//     surviving target (MergedInto or the merge map); otherwise left for
//     manual review and not planned
//   - merge map          -> merge-account (transfer lines, then deactivate)
func (r *Repairer) Plan(anomalies []AnomalyRecord, merges MergeMap) (*RepairPlan, error) {
	if err := merges.Validate(); err != nil {
		return nil, err
	}

	plan := &RepairPlan{CreatedAt: r.now()}
	seen := make(map[string]bool)
	add := func(a RepairAction) {
		if !seen[a.Key()] {
			seen[a.Key()] = true
			plan.Actions = append(plan.Actions, a)
		}
	}

	for _, an := range anomalies {
		switch an.Kind {
		case AnomalyOrphanLine:
			for _, id := range an.LineIDs {
				add(RepairAction{
					Kind:    ActionDeleteLine,
					LineID:  id,
					EntryID: an.EntryID,
					Impact:  an.Impact,
					Reason:  "orphan line",
				})
			}

		case AnomalyUnbalancedEntry:
			add(RepairAction{
				Kind:    ActionDeleteEntry,
				EntryID: an.EntryID,
				Impact:  an.Impact,
				Reason:  "unbalanced entry",
			})

		case AnomalyEmptyEntry:
			add(RepairAction{Kind: ActionDeleteEntry, EntryID: an.EntryID, Reason: "empty entry"})

		case AnomalyDuplicateEntry:
			add(RepairAction{
				Kind:    ActionDeleteEntry,
				EntryID: an.EntryID,
				Impact:  an.Impact,
				Reason:  "duplicate entry",
			})

		case AnomalySyntheticPosting:
			target, ok := r.transferTarget(an.AccountID, merges)
			if !ok {
				continue // no declared destination; manual review
			}
			for _, id := range an.LineIDs {
				add(RepairAction{
					Kind:        ActionTransferLine,
					LineID:      id,
					EntryID:     an.EntryID,
					FromAccount: an.AccountID,
					ToAccount:   target,
					Reason:      "posting to synthetic account",
				})
			}
		}
	}

	codes := make([]string, 0, len(merges))
	for src := range merges {
		codes = append(codes, src)
	}
	sort.Strings(codes)
	for _, src := range codes {
		add(RepairAction{
			Kind:       ActionMergeAccount,
			SourceCode: src,
			TargetCode: merges[src],
			Reason:     "declared duplicate account",
		})
	}
	return plan, nil
}

// transferTarget resolves where a misposted line should move: the account's
// recorded surviving twin, or the declared merge target. The target must be
// a postable leaf.
func (r *Repairer) transferTarget(id AccountID, merges MergeMap) (AccountID, bool) {
	acct, err := r.Registry.Get(id)
	if err != nil {
		return "", false
	}
	targetCode := acct.MergedInto
	if targetCode == "" {
		targetCode = merges[acct.Code]
	}
	if targetCode == "" {
		return "", false
	}
	target, err := r.Registry.Resolve(targetCode)
	if err != nil || !target.Postable() {
		return "", false
	}
	return target.ID, true
}

// =============================================================================
// APPLY - One interpreter, two modes
// =============================================================================

// Apply executes a plan. With simulate set, the full precondition-checking
// logic runs but every mutating call is skipped; the result reports what a
// real run would have done.
//
// Cancelling the context stops the run between chunks; the error is the
// context's, and the returned result covers the chunks that completed.
func (r *Repairer) Apply(ctx context.Context, plan *RepairPlan, simulate bool) (*RepairResult, error) {
	if plan == nil || len(plan.Actions) == 0 {
		return &RepairResult{RunID: NewID(), Simulated: simulate, StartedAt: r.now(), FinishedAt: r.now()}, nil
	}

	release, err := r.Locks.AcquireTenantLock(ctx, r.Tenant)
	if err != nil {
		return nil, err
	}
	defer release()

	res := &RepairResult{RunID: NewID(), Simulated: simulate, StartedAt: r.now()}
	collector := &resultCollector{result: res}

	groups, merges := groupActions(plan.Actions)

	chunk := clampChunk(r.ChunkSize)
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	for start := 0; start < len(groups); {
		// Cooperative cancellation: only between chunks, so single-chunk
		// commits keep their all-or-nothing property.
		if err := ctx.Err(); err != nil {
			res.FinishedAt = r.now()
			return res, err
		}

		end, batchActions := start, 0
		for end < len(groups) && (batchActions == 0 || batchActions+len(groups[end].actions) <= chunk) {
			batchActions += len(groups[end].actions)
			end++
		}

		if err := r.runBatch(ctx, groups[start:end], workers, simulate, collector); err != nil {
			res.FinishedAt = r.now()
			return res, err
		}
		start = end
	}

	// Merges touch many entries and may overlap the groups above; they run
	// sequentially, after everything else, each internally chunked.
	for _, m := range merges {
		if err := ctx.Err(); err != nil {
			res.FinishedAt = r.now()
			return res, err
		}
		if err := r.runMerge(ctx, m, simulate, collector); err != nil {
			res.FinishedAt = r.now()
			return res, err
		}
	}

	res.FinishedAt = r.now()
	sortResult(res)

	if !simulate && res.Applied > 0 {
		audit := AuditRecord{
			ID:     NewID(),
			At:     res.FinishedAt,
			Actor:  "repair-engine",
			Action: AuditRepairApply,
			Reason: fmt.Sprintf("run %s", res.RunID),
			Details: map[string]string{
				"applied":    fmt.Sprint(res.Applied),
				"skipped":    fmt.Sprint(res.Skipped),
				"net_impact": res.NetImpact.String(),
			},
		}
		if err := r.Store.AppendAudit(ctx, audit); err != nil {
			return res, err
		}
	}
	return res, nil
}

type actionGroup struct {
	key     string
	actions []RepairAction
}

// groupActions partitions by serialization key, preserving first-seen order,
// and splits merges out for the sequential phase.
func groupActions(actions []RepairAction) (groups []actionGroup, merges []RepairAction) {
	index := make(map[string]int)
	for _, a := range actions {
		if a.Kind == ActionMergeAccount {
			merges = append(merges, a)
			continue
		}
		k := a.groupKey()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, actionGroup{key: k})
		}
		groups[i].actions = append(groups[i].actions, a)
	}
	return groups, merges
}

// runBatch dispatches independent groups to the worker pool. Each group's
// actions run serialized inside one store transaction.
func (r *Repairer) runBatch(ctx context.Context, batch []actionGroup, workers int, simulate bool, collector *resultCollector) error {
	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
		errMu    sync.Mutex
		firstErr error
	)

	for _, g := range batch {
		g := g
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := r.Store.WithTx(ctx, func(s Store) error {
				for _, a := range g.actions {
					if err := r.runAction(ctx, s, a, simulate, collector); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// runAction is THE interpreter: one code path for simulate and execute. It
// re-checks the action's precondition against current state and skips when
// the action has already taken effect.
func (r *Repairer) runAction(ctx context.Context, s Store, a RepairAction, simulate bool, collector *resultCollector) error {
	switch a.Kind {
	case ActionDeleteLine:
		line, ok, err := findLine(ctx, s, a.LineID)
		if err != nil {
			return err
		}
		if !ok || line.EntryID != a.EntryID {
			collector.skip()
			return nil
		}
		if !simulate {
			if err := s.DeleteLines(ctx, []LineID{a.LineID}); err != nil {
				return err
			}
		}
		collector.deletedLine(a.LineID, line.Signed())
		return nil

	case ActionDeleteEntry:
		entries, err := s.Entries(ctx, EntryFilter{IDs: []EntryID{a.EntryID}})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			collector.skip()
			return nil
		}
		lines, err := s.Lines(ctx, LineFilter{EntryIDs: []EntryID{a.EntryID}})
		if err != nil {
			return err
		}
		if !simulate {
			// Cascade: the entry and its lines go in the same transaction.
			if err := s.DeleteEntry(ctx, a.EntryID); err != nil {
				return err
			}
		}
		collector.deletedEntry(a.EntryID, lines)
		return nil

	case ActionTransferLine:
		line, ok, err := findLine(ctx, s, a.LineID)
		if err != nil {
			return err
		}
		if !ok || line.EntryID != a.EntryID || line.AccountID != a.FromAccount {
			collector.skip()
			return nil
		}
		if !simulate {
			if err := s.UpdateLineAccount(ctx, a.LineID, a.ToAccount); err != nil {
				return err
			}
		}
		collector.transferredLine(a.LineID)
		return nil

	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// runMerge absorbs one account into another: transfer every line first, in
// chunks, then deactivate the source. Never the reverse, so lines never
// point at a deactivated account.
func (r *Repairer) runMerge(ctx context.Context, a RepairAction, simulate bool, collector *resultCollector) error {
	source, err := r.Registry.Resolve(a.SourceCode)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			collector.skip()
			return nil
		}
		return err
	}
	target, err := r.Registry.Resolve(a.TargetCode)
	if err != nil {
		return err
	}
	if !target.Postable() {
		return &ValidationError{Field: "merge", Message: fmt.Sprintf("target %s is not a postable leaf", a.TargetCode)}
	}

	chunk := clampChunk(r.ChunkSize)
	moved := 0
	var after LineID // cursor only advances in simulate; real runs drain the account
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page []EntryLine
		err := r.Store.WithTx(ctx, func(s Store) error {
			var err error
			page, err = s.Lines(ctx, LineFilter{AccountIDs: []AccountID{source.ID}, AfterID: after, Limit: chunk})
			if err != nil {
				return err
			}
			if simulate {
				return nil
			}
			for _, l := range page {
				if err := s.UpdateLineAccount(ctx, l.ID, target.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, l := range page {
			collector.transferredLine(l.ID)
		}
		moved += len(page)
		if len(page) < chunk {
			break
		}
		if simulate {
			after = page[len(page)-1].ID
		}
	}

	// Deactivation is idempotent: a re-run finds the account already marked
	// and counts the merge as applied again without changing anything.
	alreadyMerged := !source.IsActive && source.MergedInto == a.TargetCode
	if alreadyMerged && moved == 0 {
		collector.skip()
		return nil
	}
	if !simulate && !alreadyMerged {
		source.IsActive = false
		source.MergedInto = a.TargetCode
		if err := r.Store.UpdateAccount(ctx, source); err != nil {
			return err
		}
	}
	collector.mergedAccount(a.SourceCode)
	return nil
}

func findLine(ctx context.Context, s Store, id LineID) (EntryLine, bool, error) {
	lines, err := s.Lines(ctx, LineFilter{IDs: []LineID{id}})
	if err != nil {
		return EntryLine{}, false, err
	}
	if len(lines) == 0 {
		return EntryLine{}, false, nil
	}
	return lines[0], true, nil
}

// =============================================================================
// RESULT COLLECTION
// =============================================================================

type resultCollector struct {
	mu     sync.Mutex
	result *RepairResult
}

func (c *resultCollector) skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Skipped++
}

func (c *resultCollector) deletedLine(id LineID, signed Cents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Applied++
	c.result.DeletedLines = append(c.result.DeletedLines, id)
	c.result.NetImpact -= signed
}

func (c *resultCollector) deletedEntry(id EntryID, lines []EntryLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Applied++
	c.result.DeletedEntries = append(c.result.DeletedEntries, id)
	for _, l := range lines {
		c.result.DeletedLines = append(c.result.DeletedLines, l.ID)
		c.result.NetImpact -= l.Signed()
	}
}

func (c *resultCollector) transferredLine(id LineID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Applied++
	c.result.TransferredLines = append(c.result.TransferredLines, id)
}

func (c *resultCollector) mergedAccount(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Applied++
	c.result.MergedAccounts = append(c.result.MergedAccounts, code)
}

// sortResult makes reports deterministic regardless of worker scheduling.
func sortResult(res *RepairResult) {
	sort.Slice(res.DeletedEntries, func(i, j int) bool { return res.DeletedEntries[i] < res.DeletedEntries[j] })
	sort.Slice(res.DeletedLines, func(i, j int) bool { return res.DeletedLines[i] < res.DeletedLines[j] })
	sort.Slice(res.TransferredLines, func(i, j int) bool { return res.TransferredLines[i] < res.TransferredLines[j] })
	sort.Strings(res.MergedAccounts)
}
