/*
Package factory provides YAML to Go conversion for repair configuration.

PURPOSE:
  Converts YAML merge-map definitions into ledger.MergeMap. Account
  consolidation is an accounting decision, not a code change: the
  bookkeeping team reviews duplicated chart-of-accounts entries and
  declares the survivors in a reviewable file.

WHY YAML?
  - Non-developers can author and review consolidation decisions
  - Version control gives an approval trail for every merge
  - The same file drives simulated and real repair runs

YAML SCHEMA:
  merges:
    - source: "1.1.2.01.0007"
      target: "1.1.2.01.0006"
      note: "duplicate supplier account, created twice in onboarding"

KEY FEATURES:
  - Rejects self-merges and chained merges (source of one merge used as
    target of another) before any repair run sees the map
  - Optionally cross-checks codes against the loaded chart of accounts

USAGE:
  merges, err := factory.LoadMergeMap("merges.yaml")
  if err != nil { ... }
  plan, err := engine.PlanRepair(ctx, report.Anomalies, merges)

SEE ALSO:
  - ledger/repair.go: MergeMap semantics and the merge-account action
*/
package factory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/acertado/ledger-engine/ledger"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// MergeMapYAML is the YAML representation of a merge map.
type MergeMapYAML struct {
	Merges []MergeYAML `yaml:"merges"`
}

// MergeYAML declares one consolidation: every posting on Source moves to
// Target, then Source is deactivated.
type MergeYAML struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Note   string `yaml:"note,omitempty"`
}

// =============================================================================
// LOADING
// =============================================================================

// LoadMergeMap reads and validates a merge map from a YAML file.
func LoadMergeMap(path string) (ledger.MergeMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read merge map: %w", err)
	}
	return ParseMergeMap(data)
}

// ParseMergeMap parses and validates merge-map YAML.
func ParseMergeMap(data []byte) (ledger.MergeMap, error) {
	var doc MergeMapYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse merge map YAML: %w", err)
	}

	merges := make(ledger.MergeMap, len(doc.Merges))
	for i, m := range doc.Merges {
		if m.Source == "" || m.Target == "" {
			return nil, &ledger.ValidationError{
				Field:   fmt.Sprintf("merges[%d]", i),
				Message: "source and target are both required",
			}
		}
		if _, dup := merges[m.Source]; dup {
			return nil, &ledger.ValidationError{
				Field:   fmt.Sprintf("merges[%d].source", i),
				Message: "account " + m.Source + " is merged twice",
			}
		}
		merges[m.Source] = m.Target
	}

	if err := merges.Validate(); err != nil {
		return nil, err
	}
	return merges, nil
}

// CheckAgainstRegistry verifies every merge refers to known accounts and that
// each target can actually receive postings. Called with a fresh registry
// snapshot right before planning.
func CheckAgainstRegistry(merges ledger.MergeMap, registry *ledger.Registry) error {
	for source, target := range merges {
		if _, err := registry.Resolve(source); err != nil {
			return fmt.Errorf("merge source %s: %w", source, err)
		}
		t, err := registry.Resolve(target)
		if err != nil {
			return fmt.Errorf("merge target %s: %w", target, err)
		}
		if !t.Postable() {
			return &ledger.ValidationError{
				Field:   "target",
				Message: "account " + target + " cannot receive postings",
			}
		}
	}
	return nil
}
