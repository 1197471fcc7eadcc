package domain

import "testing"

func TestDiscountedAmount(t *testing.T) {
	cases := []struct {
		name          string
		qty           int
		price         int64
		discountType  string
		discountValue int64
		want          int64
	}{
		{"no discount", 2, 10000, "", 0, 20000},
		{"percent", 2, 10000, DiscountPercent, 10, 18000},
		{"percent rounds down", 1, 9999, DiscountPercent, 10, 9000},
		{"cashback flat", 3, 10000, DiscountCashback, 5000, 25000},
		{"unknown type ignored", 1, 10000, "Seasonal", 50, 10000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DiscountedAmount(tc.qty, tc.price, tc.discountType, tc.discountValue)
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestProductTreeEnsureAndPcs(t *testing.T) {
	tree := ProductTree{}
	ref := ItemRef{Code: "A-100", Color: "black", Size: "M"}

	if _, ok := tree.Pcs(ref); ok {
		t.Fatalf("empty tree must report absence")
	}

	if got := tree.Ensure(ref); got != 0 {
		t.Fatalf("ensure on a fresh node must report 0, got %d", got)
	}
	if pcs, ok := tree.Pcs(ref); !ok || pcs != 0 {
		t.Fatalf("ensured node should exist with 0 pcs, got %d ok=%v", pcs, ok)
	}

	tree.SetPcs(ref, 7)
	if got := tree.Ensure(ref); got != 7 {
		t.Fatalf("ensure must not reset an existing node, got %d", got)
	}

	// A sibling size does not inherit the existing one's quantity.
	sibling := ItemRef{Code: "A-100", Color: "black", Size: "L"}
	if _, ok := tree.Pcs(sibling); ok {
		t.Fatalf("sibling size must be absent until created")
	}
}

func TestTransferLogResolved(t *testing.T) {
	log := TransferLog{Items: []TransferLine{
		{Status: TransferStatusAccepted},
		{Status: ""},
	}}
	if log.Resolved() {
		t.Fatalf("log with a pending line must not be resolved")
	}

	log.Items[1].Status = TransferStatusCancelled
	if !log.Resolved() {
		t.Fatalf("log with every line acted must be resolved")
	}
}
