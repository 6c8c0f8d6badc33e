package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Time boundary for balance computation
// =============================================================================

// Period is a closed date interval [Start, End]. Opening balance is computed
// from everything strictly before Start; period movement from [Start, End].
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod builds a validated period.
func NewPeriod(start, end time.Time) (Period, error) {
	if end.Before(start) {
		return Period{}, ErrInvalidPeriod
	}
	return Period{Start: start, End: end}, nil
}

// MonthPeriod returns the calendar month [first day, last day].
func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// Contains reports whether t falls within [Start, End], by day.
func (p Period) Contains(t time.Time) bool {
	d := day(t)
	return !d.Before(day(p.Start)) && !d.After(day(p.End))
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s]", p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// COMPETENCE - The accounting month a fact is attributed to
// =============================================================================

// Competence is the "YYYY-MM" accounting period of a fact, which may differ
// from its calendar entry date.
func CompetenceOf(t time.Time) string {
	return t.Format("2006-01")
}

// ParseCompetence validates and parses a "YYYY-MM" competence string.
func ParseCompetence(s string) (year int, month time.Month, err error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return 0, 0, &ValidationError{Field: "competence", Message: fmt.Sprintf("%q is not YYYY-MM", s)}
	}
	return t.Year(), t.Month(), nil
}

// =============================================================================
// SCOPE - Bounded filter for invariant scans
// =============================================================================

// Scope bounds an invariant scan. The zero value means "all": every entry,
// every line, every account.
type Scope struct {
	From time.Time // zero = unbounded
	To   time.Time // zero = unbounded

	// AccountPrefix restricts line checks to the subtree rooted at this code.
	AccountPrefix string
}

// All reports whether the scope is unbounded.
func (s Scope) All() bool {
	return s.From.IsZero() && s.To.IsZero() && s.AccountPrefix == ""
}

// ContainsDate applies the scope's date bounds (unbounded sides pass).
func (s Scope) ContainsDate(t time.Time) bool {
	if !s.From.IsZero() && day(t).Before(day(s.From)) {
		return false
	}
	if !s.To.IsZero() && day(t).After(day(s.To)) {
		return false
	}
	return true
}
