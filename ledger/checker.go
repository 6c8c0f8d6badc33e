/*
checker.go - Invariant checker

PURPOSE:
  Classifies pre-existing bad data into anomaly records: orphan lines,
  unbalanced entries, empty entries, postings to synthetic accounts, and
  duplicate entries by natural key. Detection is not an error; only a
  failure to complete the scan is.

ALGORITHM (deterministic order, so runs are reproducible and diff-able):
  1. Orphan lines: set-difference of {line.entryID} against all entry ids.
  2. Unbalanced entries: group remaining lines by entry; flag where
     |sum(debit) - sum(credit)| exceeds one cent. Orphan amounts are not in
     any group, so orphan impact is never double counted here.
  3. Empty entries: entries with zero lines.
  4. Synthetic postings: lines whose account resolves to a non-leaf account
     (or to no account at all).
  5. Duplicate entries: same (source, referenceID, competence); every entry
     after the first is flagged.
  Categories are not mutually exclusive: an entry that is both unbalanced
  and duplicated is reported once per category.

FAILURE SEMANTICS:
  Scanning never mutates state. A data-access failure aborts the whole scan
  and surfaces as ScanError (ErrScanFailed); partial results are never
  returned silently.

SEE ALSO:
  - repair.go: turns anomaly records into concrete repair actions
  - store.go:  the paginated reads this scan is built on
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
)

// DefaultChunkSize bounds rows per storage round-trip. Chunk boundaries are
// also transaction boundaries for mutating callers.
const DefaultChunkSize = 200

const (
	minChunkSize = 100
	maxChunkSize = 500
)

func clampChunk(n int) int {
	switch {
	case n <= 0:
		return DefaultChunkSize
	case n < minChunkSize:
		return minChunkSize
	case n > maxChunkSize:
		return maxChunkSize
	default:
		return n
	}
}

// =============================================================================
// SCAN REPORT
// =============================================================================

// ScanReport is the complete result of one invariant scan. Beyond the
// anomaly list it carries the ledger-wide trial balance for the scanned
// scope, since every integrity review starts with "do total debits equal
// total credits?".
type ScanReport struct {
	Scope     Scope
	Anomalies []AnomalyRecord

	TotalDebit  Cents
	TotalCredit Cents

	EntriesScanned int
	LinesScanned   int
}

// TrialBalanceDelta is the scope-wide debit minus credit difference.
func (r *ScanReport) TrialBalanceDelta() Cents {
	return r.TotalDebit - r.TotalCredit
}

// ByKind returns the anomalies of one kind, preserving report order.
func (r *ScanReport) ByKind(kind AnomalyKind) []AnomalyRecord {
	var out []AnomalyRecord
	for _, a := range r.Anomalies {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// INVARIANT CHECKER
// =============================================================================

// Checker scans entries and lines for invariant violations. Read-only; safe
// to run concurrently with other readers.
type Checker struct {
	Store    Store
	Registry *Registry

	// ChunkSize bounds rows per read round-trip (clamped to 100..500;
	// zero means DefaultChunkSize).
	ChunkSize int
}

// Scan classifies every anomaly within scope. The zero-value scope means
// the whole ledger.
func (c *Checker) Scan(ctx context.Context, scope Scope) (*ScanReport, error) {
	chunk := clampChunk(c.ChunkSize)

	// Full id set first: orphan detection is a set difference against ALL
	// entries, not just the scoped ones.
	allIDs, err := c.Store.EntryIDs(ctx)
	if err != nil {
		return nil, &ScanError{Stage: "entry ids", Err: err}
	}
	exists := make(map[EntryID]bool, len(allIDs))
	for _, id := range allIDs {
		exists[id] = true
	}

	entries, err := c.loadEntries(ctx, scope, chunk)
	if err != nil {
		return nil, err
	}
	inScope := make(map[EntryID]JournalEntry, len(entries))
	for _, e := range entries {
		inScope[e.ID] = e
	}

	lines, err := c.loadLines(ctx, chunk)
	if err != nil {
		return nil, err
	}

	report := &ScanReport{Scope: scope, EntriesScanned: len(entries)}

	var (
		orphans   []AnomalyRecord
		synthetic []AnomalyRecord
		byEntry   = make(map[EntryID][]EntryLine)
	)

	for _, l := range lines {
		scoped := c.Registry.InPrefix(l.AccountID, scope.AccountPrefix)

		if !exists[l.EntryID] {
			// Orphan lines belong to no entry and therefore to no date; they
			// are reported regardless of the scope's date bounds.
			if scoped {
				orphans = append(orphans, AnomalyRecord{
					Kind:    AnomalyOrphanLine,
					EntryID: l.EntryID,
					LineIDs: []LineID{l.ID},
					Impact:  l.Signed(),
					Detail:  fmt.Sprintf("line %s references deleted entry", l.ID),
				})
				report.LinesScanned++
			}
			continue
		}

		byEntry[l.EntryID] = append(byEntry[l.EntryID], l)

		if _, ok := inScope[l.EntryID]; !ok {
			continue
		}
		report.LinesScanned++
		report.TotalDebit += CentsOf(l.Debit)
		report.TotalCredit += CentsOf(l.Credit)

		if scoped && !c.Registry.IsLeaf(l.AccountID) {
			detail := "posting to synthetic account"
			if !c.accountKnown(l.AccountID) {
				detail = "posting to unknown account"
			}
			synthetic = append(synthetic, AnomalyRecord{
				Kind:      AnomalySyntheticPosting,
				EntryID:   l.EntryID,
				LineIDs:   []LineID{l.ID},
				AccountID: l.AccountID,
				Impact:    l.Signed(),
				Detail:    detail,
			})
		}
	}

	// Unbalanced and empty entries. Balance is judged over ALL of an entry's
	// lines, even when an account prefix narrows the scan; a partial sum
	// would manufacture false imbalances.
	var unbalanced, empty []AnomalyRecord
	for _, e := range entries {
		group := byEntry[e.ID]
		if len(group) == 0 {
			empty = append(empty, AnomalyRecord{
				Kind:    AnomalyEmptyEntry,
				EntryID: e.ID,
				Detail:  "entry has no lines",
			})
			continue
		}
		if scope.AccountPrefix != "" && !c.anyInPrefix(group, scope.AccountPrefix) {
			continue
		}
		if delta := SumSigned(group); !delta.WithinTolerance() {
			ids := lineIDs(group)
			unbalanced = append(unbalanced, AnomalyRecord{
				Kind:    AnomalyUnbalancedEntry,
				EntryID: e.ID,
				LineIDs: ids,
				Impact:  delta,
				Detail:  fmt.Sprintf("debits differ from credits by %s", delta),
			})
		}
	}

	duplicates := c.findDuplicates(entries, byEntry)

	sortAnomalies(orphans)
	sortAnomalies(unbalanced)
	sortAnomalies(empty)
	sortAnomalies(synthetic)
	sortAnomalies(duplicates)

	report.Anomalies = append(report.Anomalies, orphans...)
	report.Anomalies = append(report.Anomalies, unbalanced...)
	report.Anomalies = append(report.Anomalies, empty...)
	report.Anomalies = append(report.Anomalies, synthetic...)
	report.Anomalies = append(report.Anomalies, duplicates...)
	return report, nil
}

func (c *Checker) accountKnown(id AccountID) bool {
	_, err := c.Registry.Get(id)
	return err == nil
}

func (c *Checker) anyInPrefix(lines []EntryLine, prefix string) bool {
	for _, l := range lines {
		if c.Registry.InPrefix(l.AccountID, prefix) {
			return true
		}
	}
	return false
}

// findDuplicates flags every entry after the first (by id) sharing a natural
// key. Entries without a reference id have no natural identity and are
// skipped. Impact is the duplicate's own debit total: the amount the books
// overstate while it survives.
func (c *Checker) findDuplicates(entries []JournalEntry, byEntry map[EntryID][]EntryLine) []AnomalyRecord {
	byKey := make(map[string][]JournalEntry)
	for _, e := range entries {
		if e.ReferenceID == "" {
			continue
		}
		byKey[e.NaturalKey()] = append(byKey[e.NaturalKey()], e)
	}

	var out []AnomalyRecord
	for key, group := range byKey {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for _, dup := range group[1:] {
			var debit Cents
			for _, l := range byEntry[dup.ID] {
				debit += CentsOf(l.Debit)
			}
			out = append(out, AnomalyRecord{
				Kind:    AnomalyDuplicateEntry,
				EntryID: dup.ID,
				LineIDs: lineIDs(byEntry[dup.ID]),
				Impact:  debit,
				Detail:  fmt.Sprintf("duplicates %s by natural key %s", group[0].ID, key),
			})
		}
	}
	return out
}

// =============================================================================
// CHUNKED LOADS
// =============================================================================

func (c *Checker) loadEntries(ctx context.Context, scope Scope, chunk int) ([]JournalEntry, error) {
	var (
		all   []JournalEntry
		after EntryID
	)
	for {
		page, err := c.Store.Entries(ctx, EntryFilter{
			From:    scope.From,
			To:      scope.To,
			AfterID: after,
			Limit:   chunk,
		})
		if err != nil {
			return nil, &ScanError{Stage: "entries", Err: err}
		}
		all = append(all, page...)
		if len(page) < chunk {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

func (c *Checker) loadLines(ctx context.Context, chunk int) ([]EntryLine, error) {
	var (
		all   []EntryLine
		after LineID
	)
	for {
		page, err := c.Store.Lines(ctx, LineFilter{AfterID: after, Limit: chunk})
		if err != nil {
			return nil, &ScanError{Stage: "lines", Err: err}
		}
		all = append(all, page...)
		if len(page) < chunk {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func lineIDs(lines []EntryLine) []LineID {
	ids := make([]LineID, len(lines))
	for i, l := range lines {
		ids[i] = l.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortAnomalies(records []AnomalyRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].EntryID != records[j].EntryID {
			return records[i].EntryID < records[j].EntryID
		}
		if len(records[i].LineIDs) > 0 && len(records[j].LineIDs) > 0 {
			return records[i].LineIDs[0] < records[j].LineIDs[0]
		}
		return len(records[i].LineIDs) < len(records[j].LineIDs)
	})
}
