package factory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acertado/ledger-engine/factory"
	"github.com/acertado/ledger-engine/ledger"
)

func TestParseMergeMap_ValidDocument(t *testing.T) {
	yaml := `
merges:
  - source: "1.1.2.01.0007"
    target: "1.1.2.01.0006"
    note: "duplicate supplier account"
  - source: "4.2.0.01.0003"
    target: "4.2.0.01.0001"
`
	merges, err := factory.ParseMergeMap([]byte(yaml))
	require.NoError(t, err)
	require.Len(t, merges, 2)
	assert.Equal(t, "1.1.2.01.0006", merges["1.1.2.01.0007"])
	assert.Equal(t, "4.2.0.01.0001", merges["4.2.0.01.0003"])
}

func TestParseMergeMap_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing target", `
merges:
  - source: "1.1"
`},
		{"self merge", `
merges:
  - source: "1.1"
    target: "1.1"
`},
		{"chained merge", `
merges:
  - source: "1.1"
    target: "1.2"
  - source: "1.2"
    target: "1.3"
`},
		{"repeated source", `
merges:
  - source: "1.1"
    target: "1.2"
  - source: "1.1"
    target: "1.3"
`},
		{"not yaml", `{{`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := factory.ParseMergeMap([]byte(c.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMergeMap_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merges.yaml")
	content := `
merges:
  - source: "1.1.2"
    target: "1.1.1"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	merges, err := factory.LoadMergeMap(path)
	require.NoError(t, err)
	assert.Equal(t, ledger.MergeMap{"1.1.2": "1.1.1"}, merges)

	_, err = factory.LoadMergeMap(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCheckAgainstRegistry(t *testing.T) {
	registry := ledger.NewRegistry([]ledger.Account{
		{ID: "a", Code: "1.1", Type: ledger.AccountAsset, IsActive: true},
		{ID: "b", Code: "1.1.1", Type: ledger.AccountAsset, IsLeaf: true, IsActive: true},
		{ID: "c", Code: "1.1.2", Type: ledger.AccountAsset, IsLeaf: true, IsActive: true},
	})

	assert.NoError(t, factory.CheckAgainstRegistry(ledger.MergeMap{"1.1.2": "1.1.1"}, registry))

	// Unknown source.
	assert.Error(t, factory.CheckAgainstRegistry(ledger.MergeMap{"9.9": "1.1.1"}, registry))
	// Unknown target.
	assert.Error(t, factory.CheckAgainstRegistry(ledger.MergeMap{"1.1.2": "9.9"}, registry))
	// Synthetic target cannot receive postings.
	assert.Error(t, factory.CheckAgainstRegistry(ledger.MergeMap{"1.1.2": "1.1"}, registry))
}
