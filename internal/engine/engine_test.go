package engine

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"chainpos/backend/internal/domain"
	"chainpos/backend/internal/ledger"
	ledgermem "chainpos/backend/internal/ledger/memory"
	"chainpos/backend/internal/localstore"
	storemem "chainpos/backend/internal/localstore/memory"
	"chainpos/backend/internal/mall"
)

type noopNotifier struct{}

func (noopNotifier) SalesUpdated(context.Context, string) error { return nil }

func newTestEngine(t *testing.T) (*Engine, localstore.Store, *ledgermem.Ledger) {
	t.Helper()
	local := storemem.New()
	remote := ledgermem.New()
	eng := New(local, remote, noopNotifier{}, mall.NoopReporter{})
	return eng, local, remote
}

func seedLocalStock(t *testing.T, eng *Engine, shopID string, pcs int) {
	t.Helper()
	tree := domain.ProductTree{}
	ref := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	tree.SetPcs(ref, pcs)
	tree.SetPrice("A-100", 25000)
	if err := eng.SaveProducts(context.Background(), shopID, tree); err != nil {
		t.Fatalf("seed products: %v", err)
	}
}

func localPcs(t *testing.T, eng *Engine, shopID string, ref domain.ItemRef) int {
	t.Helper()
	tree, err := eng.localProducts(context.Background(), shopID)
	if err != nil {
		t.Fatalf("load products: %v", err)
	}
	pcs, ok := tree.Pcs(ref)
	if !ok {
		t.Fatalf("ref %+v missing from tree", ref)
	}
	return pcs
}

func remotePcs(t *testing.T, remote *ledgermem.Ledger, shopID string, ref domain.ItemRef) int64 {
	t.Helper()
	raw, ok := remote.Node(ledger.StockPath(shopID, ref.Code, ref.Color, ref.Size))
	if !ok {
		t.Fatalf("remote node for %+v missing", ref)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		t.Fatalf("remote node for %+v is not a number: %q", ref, raw)
	}
	return n
}

func saleOf(voucherNo string, qty int) domain.Sale {
	return domain.Sale{
		VoucherNo: voucherNo,
		Items: []domain.SaleItem{
			{Code: "A-100", Color: "black", Size: "M", Qty: qty, Price: 25000},
		},
		PaymentMethod: "Cash",
	}
}

func TestRecordSaleClampsLocalStockAtZero(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 3)

	if err := eng.RecordSale(context.Background(), "shop-a", saleOf("INV-1", 5)); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	ref := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	if got := localPcs(t, eng, "shop-a", ref); got != 0 {
		t.Fatalf("expected local stock clamped at 0, got %d", got)
	}
}

func TestRecordSaleRemoteDecrementIsUnclamped(t *testing.T) {
	eng, _, remote := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 10)
	ref := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	remote.Seed(ledger.StockPath("shop-a", ref.Code, ref.Color, ref.Size), 2)

	if err := eng.RecordSale(context.Background(), "shop-a", saleOf("INV-2", 5)); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	if got := remotePcs(t, remote, "shop-a", ref); got != -3 {
		t.Fatalf("expected remote stock -3, got %d", got)
	}
	if got := localPcs(t, eng, "shop-a", ref); got != 5 {
		t.Fatalf("expected local stock 5, got %d", got)
	}
}

func TestRecordSaleOfflineIsDurableAndSyncsLater(t *testing.T) {
	eng, _, remote := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 10)
	ref := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	remote.Seed(ledger.StockPath("shop-a", ref.Code, ref.Color, ref.Size), 10)
	remote.SetOnline(false)

	if err := eng.RecordSale(context.Background(), "shop-a", saleOf("INV-3", 4)); err != nil {
		t.Fatalf("record sale offline: %v", err)
	}
	if got := localPcs(t, eng, "shop-a", ref); got != 6 {
		t.Fatalf("expected local stock 6 after offline sale, got %d", got)
	}
	if got := remotePcs(t, remote, "shop-a", ref); got != 10 {
		t.Fatalf("remote stock mutated while offline: %d", got)
	}

	result, err := eng.SyncPendingSales(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("sync while offline: %v", err)
	}
	if result.Synced != 0 || result.Message == "" {
		t.Fatalf("offline sync should be a no-op with a message, got %+v", result)
	}

	remote.SetOnline(true)
	result, err = eng.SyncPendingSales(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Synced != 1 || result.Skipped != 0 {
		t.Fatalf("expected 1 synced, got %+v", result)
	}
	if got := remotePcs(t, remote, "shop-a", ref); got != 6 {
		t.Fatalf("expected remote stock 6 after sync, got %d", got)
	}

	sales, err := eng.Sales(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected local queue drained after sync, got %d entries", len(sales))
	}
}

func TestRecordSaleFreezesLineAmounts(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 10)

	sale := domain.Sale{
		VoucherNo: "INV-4",
		Items: []domain.SaleItem{
			{Code: "A-100", Color: "black", Size: "M", Qty: 2, Price: 10000, DiscountType: domain.DiscountPercent, DiscountValue: 10},
		},
	}
	if err := eng.RecordSale(context.Background(), "shop-a", sale); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	sales, err := eng.Sales(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(sales))
	}
	if got := sales[0].Items[0].FinalAmount; got != 18000 {
		t.Fatalf("expected frozen line amount 18000, got %d", got)
	}
}

func TestRecordSaleRejectsInvalidInput(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 10)

	cases := []domain.Sale{
		{},
		{VoucherNo: "INV-5"},
		saleOf("INV-6", 0),
	}
	for i, sale := range cases {
		if err := eng.RecordSale(context.Background(), "shop-a", sale); !errors.Is(err, localstore.ErrInvalidRecord) {
			t.Fatalf("case %d: expected ErrInvalidRecord, got %v", i, err)
		}
	}
}

func TestRecordReturnRejectsInsufficientOutStockWithoutMutation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 2)

	ret := domain.ReturnRecord{
		VoucherNo: "SR-0001",
		InItems: []domain.ReturnLine{
			{Code: "A-100", Color: "black", Size: "M", Qty: 1, Price: 25000},
		},
		OutItems: []domain.ReturnLine{
			{Code: "A-100", Color: "black", Size: "M", Qty: 5, Price: 25000},
		},
	}

	err := eng.RecordReturn(context.Background(), "shop-a", ret)
	if !errors.Is(err, localstore.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// Nothing moved: neither the in-item restock nor the out-item debit.
	ref := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	if got := localPcs(t, eng, "shop-a", ref); got != 2 {
		t.Fatalf("expected stock untouched at 2, got %d", got)
	}
	returns, err := eng.Returns(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("list returns: %v", err)
	}
	if len(returns) != 0 {
		t.Fatalf("expected no returns recorded, got %d", len(returns))
	}
}

func TestRecordReturnExchangeAdjustsStockAndDiff(t *testing.T) {
	eng, _, remote := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 5)
	outRef := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	remote.Seed(ledger.StockPath("shop-a", outRef.Code, outRef.Color, outRef.Size), 5)

	ret := domain.ReturnRecord{
		VoucherNo: "SR-0002",
		InItems: []domain.ReturnLine{
			{Code: "B-200", Color: "red", Size: "L", Qty: 1, Price: 30000},
		},
		OutItems: []domain.ReturnLine{
			{Code: "A-100", Color: "black", Size: "M", Qty: 2, Price: 25000},
		},
	}
	if err := eng.RecordReturn(context.Background(), "shop-a", ret); err != nil {
		t.Fatalf("record return: %v", err)
	}

	if got := localPcs(t, eng, "shop-a", outRef); got != 3 {
		t.Fatalf("expected out-item stock 3, got %d", got)
	}
	inRef := domain.ItemRef{Code: "B-200", Color: "red", Size: "L"}
	if got := localPcs(t, eng, "shop-a", inRef); got != 1 {
		t.Fatalf("expected in-item node created with stock 1, got %d", got)
	}
	if got := remotePcs(t, remote, "shop-a", outRef); got != 3 {
		t.Fatalf("expected remote out-item stock 3, got %d", got)
	}

	returns, err := eng.Returns(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("list returns: %v", err)
	}
	if len(returns) != 1 {
		t.Fatalf("expected 1 return, got %d", len(returns))
	}
	if got := returns[0].DiffAmount; got != 30000-50000 {
		t.Fatalf("expected diff amount -20000, got %d", got)
	}
}

func TestRecordReturnRemoteInsufficiencyRejects(t *testing.T) {
	eng, _, remote := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 5)
	ref := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	// Remote diverged below the requested quantity: the ledger-side check
	// must veto the return even though local stock suffices.
	remote.Seed(ledger.StockPath("shop-a", ref.Code, ref.Color, ref.Size), 1)

	ret := domain.ReturnRecord{
		VoucherNo: "SR-0003",
		OutItems: []domain.ReturnLine{
			{Code: "A-100", Color: "black", Size: "M", Qty: 3, Price: 25000},
		},
	}
	err := eng.RecordReturn(context.Background(), "shop-a", ret)
	if !errors.Is(err, localstore.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock from ledger check, got %v", err)
	}
	if got := localPcs(t, eng, "shop-a", ref); got != 5 {
		t.Fatalf("expected local stock untouched at 5, got %d", got)
	}
}

func TestRecordPurchaseCreatesMissingNodes(t *testing.T) {
	eng, _, remote := newTestEngine(t)

	purchase := domain.PurchaseRecord{
		InvoiceNo: "P-001",
		Items: []domain.PurchaseLine{
			{Code: "C-300", Color: "white", Size: "S", Qty: 12, Price: 40000},
		},
	}
	if err := eng.RecordPurchase(context.Background(), "shop-a", purchase); err != nil {
		t.Fatalf("record purchase: %v", err)
	}

	ref := domain.ItemRef{Code: "C-300", Color: "white", Size: "S"}
	if got := localPcs(t, eng, "shop-a", ref); got != 12 {
		t.Fatalf("expected stock 12, got %d", got)
	}
	if got := remotePcs(t, remote, "shop-a", ref); got != 12 {
		t.Fatalf("expected remote stock 12, got %d", got)
	}

	tree, err := eng.localProducts(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("load products: %v", err)
	}
	if got := tree["C-300"].Price; got != 40000 {
		t.Fatalf("expected price 40000 recorded, got %d", got)
	}
}

func TestGetProductsLocalPcsWins(t *testing.T) {
	eng, _, remote := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 7)
	ref := domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}
	remote.Seed(ledger.StockPath("shop-a", ref.Code, ref.Color, ref.Size), 3)
	remote.Seed(ledger.PricePath("shop-a", "A-100"), 27000)
	remote.Seed(ledger.StockPath("shop-a", "D-400", "blue", "XL"), 9)

	tree, err := eng.GetProducts(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("get products: %v", err)
	}

	if got, _ := tree.Pcs(ref); got != 7 {
		t.Fatalf("expected cached pcs 7 to win over remote 3, got %d", got)
	}
	if got, _ := tree.Pcs(domain.ItemRef{Code: "D-400", Color: "blue", Size: "XL"}); got != 9 {
		t.Fatalf("expected remote-only triple adopted with pcs 9, got %d", got)
	}
	if got := tree["A-100"].Price; got != 27000 {
		t.Fatalf("expected remote price 27000, got %d", got)
	}

	// Merge result is cached: a second read offline returns the same tree.
	remote.SetOnline(false)
	again, err := eng.GetProducts(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("get products offline: %v", err)
	}
	if got, _ := again.Pcs(domain.ItemRef{Code: "D-400", Color: "blue", Size: "XL"}); got != 9 {
		t.Fatalf("expected merged tree persisted locally, got pcs %d", got)
	}
}

func TestGetProductsClampsNegativeRemote(t *testing.T) {
	eng, _, remote := newTestEngine(t)
	remote.Seed(ledger.StockPath("shop-a", "A-100", "black", "M"), -4)

	tree, err := eng.GetProducts(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("get products: %v", err)
	}
	if got, _ := tree.Pcs(domain.ItemRef{Code: "A-100", Color: "black", Size: "M"}); got != 0 {
		t.Fatalf("expected negative remote pcs clamped to 0, got %d", got)
	}
}

func TestPullSalesMergesByVoucherNo(t *testing.T) {
	eng, _, remote := newTestEngine(t)
	seedLocalStock(t, eng, "shop-a", 20)
	remote.SetOnline(false)
	if err := eng.RecordSale(context.Background(), "shop-a", saleOf("INV-LOCAL", 1)); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	remote.SetOnline(true)

	remoteSale := saleOf("INV-REMOTE", 2)
	remoteSale.Shop = "shop-a"
	remote.Seed(ledger.SalesCollection("shop-a")+"/rec-1", remoteSale)

	if _, err := eng.PullSales(context.Background(), "shop-a"); err != nil {
		t.Fatalf("pull sales: %v", err)
	}

	sales, err := eng.Sales(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 2 {
		t.Fatalf("expected 2 sales after merge, got %d", len(sales))
	}
	have := map[string]bool{}
	for _, s := range sales {
		have[s.VoucherNo] = true
	}
	if !have["INV-LOCAL"] || !have["INV-REMOTE"] {
		t.Fatalf("merge lost a sale: %v", have)
	}
}
