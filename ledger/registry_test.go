package ledger_test

import (
	"testing"

	"github.com/acertado/ledger-engine/ledger"
)

func testRegistry() *ledger.Registry {
	return ledger.NewRegistry([]ledger.Account{
		{ID: "a-1", Code: "1", Type: ledger.AccountAsset, IsActive: true},
		{ID: "a-1.1", Code: "1.1", Type: ledger.AccountAsset, IsActive: true},
		{ID: "a-1.1.1", Code: "1.1.1", Type: ledger.AccountAsset, IsLeaf: true, IsActive: true},
		{ID: "a-1.1.2", Code: "1.1.2", Type: ledger.AccountAsset, IsLeaf: true, IsActive: true},
		{ID: "a-1.10", Code: "1.10", Type: ledger.AccountAsset, IsLeaf: true, IsActive: true},
		{ID: "a-merged", Code: "1.1.3", Type: ledger.AccountAsset, IsLeaf: true, IsActive: false, MergedInto: "1.1.1"},
	})
}

func TestRegistry_Subtree_PrefixIsDotAware(t *testing.T) {
	// GIVEN: Codes "1.1", "1.1.1", "1.1.2", and the sibling "1.10"
	// WHEN: Expanding the subtree of "1.1"
	// THEN: "1.10" is excluded; dot-prefix matching, not string prefix

	subtree := testRegistry().Subtree("1.1", false)
	for _, a := range subtree {
		if a.Code == "1.10" {
			t.Fatal("1.10 must not be part of the 1.1 subtree")
		}
	}
	if len(subtree) != 3 {
		t.Errorf("expected 1.1 + two active leaves, got %d", len(subtree))
	}
}

func TestRegistry_Subtree_ExcludesMergedUnlessAsked(t *testing.T) {
	r := testRegistry()

	for _, a := range r.Subtree("1.1", false) {
		if a.Code == "1.1.3" {
			t.Fatal("merged account leaked into default subtree")
		}
	}

	var found bool
	for _, a := range r.Subtree("1.1", true) {
		if a.Code == "1.1.3" {
			found = true
		}
	}
	if !found {
		t.Error("history expansion should include the merged account")
	}
}

func TestRegistry_NormalSide_DefaultsByType(t *testing.T) {
	r := ledger.NewRegistry([]ledger.Account{
		{ID: "x", Code: "4.1", Type: ledger.AccountExpense, IsLeaf: true, IsActive: true},
		{ID: "y", Code: "2.1", Type: ledger.AccountLiability, IsLeaf: true, IsActive: true},
	})

	if side, _ := r.NormalSide("x"); side != ledger.DebitNormal {
		t.Errorf("expense should default debit-normal, got %s", side)
	}
	if side, _ := r.NormalSide("y"); side != ledger.CreditNormal {
		t.Errorf("liability should default credit-normal, got %s", side)
	}
}

func TestRegistry_Postable(t *testing.T) {
	r := testRegistry()

	cases := []struct {
		code string
		want bool
	}{
		{"1.1", false},   // synthetic
		{"1.1.1", true},  // active leaf
		{"1.1.3", false}, // merged away
	}
	for _, c := range cases {
		a, err := r.Resolve(c.code)
		if err != nil {
			t.Fatalf("resolve %s: %v", c.code, err)
		}
		if a.Postable() != c.want {
			t.Errorf("%s: postable = %v, want %v", c.code, a.Postable(), c.want)
		}
	}
}

func TestRegistry_InPrefix(t *testing.T) {
	r := testRegistry()

	if !r.InPrefix("a-1.1.1", "1.1") {
		t.Error("1.1.1 should be under prefix 1.1")
	}
	if r.InPrefix("a-1.10", "1.1") {
		t.Error("1.10 must not match prefix 1.1")
	}
	if !r.InPrefix("a-1.10", "") {
		t.Error("empty prefix matches everything")
	}
	if r.InPrefix("unknown", "1") {
		t.Error("unknown ids match nothing")
	}
}
