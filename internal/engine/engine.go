// Package engine is the stock reconciliation core. Every operation takes the
// shop id explicitly; the engine holds no notion of an "active" shop. Local
// state is authoritative for offline continuity: a business event is durably
// recorded once the local store holds it, and the matching ledger mutation is
// applied opportunistically when connectivity allows.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"chainpos/backend/internal/domain"
	"chainpos/backend/internal/ledger"
	"chainpos/backend/internal/localstore"
	"chainpos/backend/internal/mall"
)

// Notifier matches event.Notifier; declared here so the engine depends only
// on what it calls.
type Notifier interface {
	SalesUpdated(ctx context.Context, shopID string) error
}

type Engine struct {
	local    localstore.Store
	remote   ledger.Ledger
	notifier Notifier
	reporter mall.Reporter

	// remoteTimeout bounds every opportunistic ledger call so a partition
	// degrades the operation instead of hanging it.
	remoteTimeout time.Duration
}

func New(local localstore.Store, remote ledger.Ledger, notifier Notifier, reporter mall.Reporter) *Engine {
	return &Engine{
		local:         local,
		remote:        remote,
		notifier:      notifier,
		reporter:      reporter,
		remoteTimeout: 10 * time.Second,
	}
}

func (e *Engine) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := e.local.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("local store get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("local store decode %s: %w", key, err)
	}
	return true, nil
}

func (e *Engine) setJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := e.local.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("local store set %s: %w", key, err)
	}
	return nil
}

func (e *Engine) localProducts(ctx context.Context, shopID string) (domain.ProductTree, error) {
	tree := domain.ProductTree{}
	if _, err := e.getJSON(ctx, localstore.ProductsKey(shopID), &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// SaveProducts overwrites the local product cache. The ledger copy is only
// mutated through the per-operation deltas, never wholesale.
func (e *Engine) SaveProducts(ctx context.Context, shopID string, tree domain.ProductTree) error {
	return e.setJSON(ctx, localstore.ProductsKey(shopID), tree)
}

// GetProducts merges the ledger's product tree for the shop into the local
// cache. For every (code, color, size) triple present locally the cached pcs
// value wins: the device has already applied its own register activity and is
// the freshest known truth for quantities. Triples absent locally are taken
// verbatim from the ledger. The merged result is written back and returned.
func (e *Engine) GetProducts(ctx context.Context, shopID string) (domain.ProductTree, error) {
	local, err := e.localProducts(ctx, shopID)
	if err != nil {
		return nil, err
	}

	if !e.remote.IsOnline() {
		return local, nil
	}

	remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	leaves, err := e.remote.ReadTree(remoteCtx, ledger.ProductsPrefix(shopID))
	if err != nil {
		log.Printf("[engine] WARN: products fetch for %s failed, serving local cache: %v", shopID, err)
		return local, nil
	}

	merged := treeFromLeaves(leaves)
	mergeLocalWins(merged, local)

	if err := e.SaveProducts(ctx, shopID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// treeFromLeaves rebuilds a product tree from ledger leaf rows. Unparseable
// paths are skipped; pcs leaves that are missing or non-numeric count as 0.
func treeFromLeaves(leaves map[string][]byte) domain.ProductTree {
	tree := domain.ProductTree{}
	for rel, value := range leaves {
		parts := strings.Split(rel, "/")
		switch {
		case len(parts) == 2 && parts[1] == "price":
			tree.SetPrice(parts[0], ledger.Int(value))
		case len(parts) == 6 && parts[1] == "colors" && parts[3] == "sizes" && parts[5] == "pcs":
			ref := domain.ItemRef{Code: parts[0], Color: parts[2], Size: parts[4]}
			pcs := int(ledger.Int(value))
			if pcs < 0 {
				// Remote can legitimately be negative after unclamped sale
				// decrements; the cache never carries negative stock.
				pcs = 0
			}
			tree.SetPcs(ref, pcs)
		}
	}
	return tree
}

// mergeLocalWins overlays the local cache onto a remote-derived tree: cached
// pcs values replace remote ones, and codes/colors/sizes only known locally
// are carried over wholesale. Reconciliation never fabricates a code.
func mergeLocalWins(dst domain.ProductTree, local domain.ProductTree) {
	for code, product := range local {
		remoteProduct, ok := dst[code]
		if !ok {
			dst[code] = product
			continue
		}
		for colorName, color := range product.Colors {
			remoteColor, ok := remoteProduct.Colors[colorName]
			if !ok {
				if remoteProduct.Colors == nil {
					remoteProduct.Colors = map[string]domain.ColorEntry{}
					dst[code] = remoteProduct
				}
				remoteProduct.Colors[colorName] = color
				continue
			}
			for sizeName, size := range color.Sizes {
				remoteColor.Sizes[sizeName] = domain.SizeEntry{Pcs: size.Pcs}
			}
		}
	}
}

// RecordSale appends the sale to the shop's local log, decrements the cached
// stock clamped at zero, and, when online, applies the same deltas to the
// ledger via atomic updates followed by a remote sale append. The remote leg
// is independent: its failure never undoes the local commit, and the sale is
// durably recorded once the local writes complete.
func (e *Engine) RecordSale(ctx context.Context, shopID string, sale domain.Sale) error {
	if shopID == "" || sale.VoucherNo == "" || len(sale.Items) == 0 {
		return localstore.ErrInvalidRecord
	}
	for i := range sale.Items {
		if sale.Items[i].Qty < 1 {
			return localstore.ErrInvalidRecord
		}
		// Freeze the line amount at save time.
		item := &sale.Items[i]
		item.FinalAmount = domain.DiscountedAmount(item.Qty, item.Price, item.DiscountType, item.DiscountValue)
	}
	sale.Shop = shopID
	if sale.DateTime.IsZero() {
		sale.DateTime = time.Now().UTC()
	}

	var sales []domain.Sale
	if _, err := e.getJSON(ctx, localstore.SalesKey(shopID), &sales); err != nil {
		return err
	}
	sales = append(sales, sale)
	if err := e.setJSON(ctx, localstore.SalesKey(shopID), sales); err != nil {
		return err
	}

	tree, err := e.localProducts(ctx, shopID)
	if err != nil {
		return err
	}
	for _, item := range sale.Items {
		ref := domain.ItemRef{Code: item.Code, Color: item.Color, Size: item.Size}
		if pcs, ok := tree.Pcs(ref); ok {
			next := pcs - item.Qty
			if next < 0 {
				// Oversell is absorbed: the cache cannot prove negative stock.
				next = 0
			}
			tree.SetPcs(ref, next)
		}
	}
	if err := e.SaveProducts(ctx, shopID, tree); err != nil {
		return err
	}

	if e.remote.IsOnline() {
		e.pushSaleRemote(ctx, shopID, sale)
	}

	if err := e.notifier.SalesUpdated(ctx, shopID); err != nil {
		log.Printf("[engine] WARN: sales-updated signal for %s failed: %v", shopID, err)
	}
	e.reportSale(sale)

	return nil
}

// pushSaleRemote applies a sale's stock deltas and log entry to the ledger.
// The remote decrement is unclamped: the transaction function computes
// current - qty, which can go negative when remote state diverged from
// local. That divergence is an eventual-consistency artifact, not corrected
// here.
func (e *Engine) pushSaleRemote(ctx context.Context, shopID string, sale domain.Sale) {
	remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()

	for _, item := range sale.Items {
		path := ledger.StockPath(shopID, item.Code, item.Color, item.Size)
		if _, err := e.remote.AtomicUpdate(remoteCtx, path, ledger.AddInt(int64(-item.Qty))); err != nil {
			log.Printf("[engine] WARN: remote stock decrement %s failed: %v", path, err)
			return
		}
	}

	if _, err := e.remote.Append(remoteCtx, ledger.SalesCollection(shopID), sale); err != nil {
		log.Printf("[engine] WARN: remote sale append for %s failed: %v", shopID, err)
	}
}

// reportSale forwards the sale to the mall API without ever blocking or
// failing the commit.
func (e *Engine) reportSale(sale domain.Sale) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := e.reporter.ReportSale(ctx, sale); err != nil {
			log.Printf("[engine] WARN: mall report for %s failed: %v", sale.VoucherNo, err)
		}
	}()
}

// Sales returns the shop's local sales log.
func (e *Engine) Sales(ctx context.Context, shopID string) ([]domain.Sale, error) {
	var sales []domain.Sale
	if _, err := e.getJSON(ctx, localstore.SalesKey(shopID), &sales); err != nil {
		return nil, err
	}
	return sales, nil
}

// SyncPendingSales drains locally recorded sales into the ledger, applying
// each sale's stock deltas atomically and removing the local entry once its
// remote append committed. Sales whose push fails stay queued.
func (e *Engine) SyncPendingSales(ctx context.Context, shopID string) (domain.SyncResult, error) {
	if !e.remote.IsOnline() {
		return domain.SyncResult{Message: "offline: sales not synced"}, nil
	}

	var pending []domain.Sale
	if _, err := e.getJSON(ctx, localstore.SalesKey(shopID), &pending); err != nil {
		return domain.SyncResult{}, err
	}

	result := domain.SyncResult{}
	for _, sale := range pending {
		remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		_, err := e.remote.Append(remoteCtx, ledger.SalesCollection(shopID), sale)
		if err == nil {
			for _, item := range sale.Items {
				path := ledger.StockPath(shopID, item.Code, item.Color, item.Size)
				if _, aerr := e.remote.AtomicUpdate(remoteCtx, path, ledger.AddInt(int64(-item.Qty))); aerr != nil {
					log.Printf("[engine] WARN: sync stock decrement %s failed: %v", path, aerr)
				}
			}
		}
		cancel()
		if err != nil {
			log.Printf("[engine] WARN: sync of sale %s failed: %v", sale.VoucherNo, err)
			result.Skipped++
			continue
		}

		// Re-read before filtering: a concurrent RecordSale may have grown
		// the log since the loop snapshot.
		var current []domain.Sale
		if _, err := e.getJSON(ctx, localstore.SalesKey(shopID), &current); err != nil {
			return result, err
		}
		kept := current[:0]
		for _, s := range current {
			if s.VoucherNo != sale.VoucherNo {
				kept = append(kept, s)
			}
		}
		if err := e.setJSON(ctx, localstore.SalesKey(shopID), kept); err != nil {
			return result, err
		}
		result.Synced++
	}

	return result, nil
}

// PullSales merges the ledger's sales log into the local one, keeping local
// entries the ledger has not seen yet (they are still pending sync).
func (e *Engine) PullSales(ctx context.Context, shopID string) (domain.SyncResult, error) {
	if !e.remote.IsOnline() {
		return domain.SyncResult{Message: "offline: sales not synced"}, nil
	}

	remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	records, err := e.remote.ReadCollection(remoteCtx, ledger.SalesCollection(shopID))
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("read remote sales: %w", err)
	}

	remote := make([]domain.Sale, 0, len(records))
	for id, raw := range records {
		var sale domain.Sale
		if err := json.Unmarshal(raw, &sale); err != nil {
			log.Printf("[engine] WARN: skipping malformed remote sale %s: %v", id, err)
			continue
		}
		remote = append(remote, sale)
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].DateTime.Before(remote[j].DateTime) })

	var local []domain.Sale
	if _, err := e.getJSON(ctx, localstore.SalesKey(shopID), &local); err != nil {
		return domain.SyncResult{}, err
	}

	seen := make(map[string]bool, len(remote))
	for _, sale := range remote {
		seen[sale.VoucherNo] = true
	}
	merged := remote
	for _, sale := range local {
		if !seen[sale.VoucherNo] {
			merged = append(merged, sale)
		}
	}

	if err := e.setJSON(ctx, localstore.SalesKey(shopID), merged); err != nil {
		return domain.SyncResult{}, err
	}
	return domain.SyncResult{Synced: len(remote)}, nil
}

// RecordReturn applies an exchange. In-items restock, out-items leave. Every
// out-item must be covered by current stock; if any is not, the whole
// submission is rejected before any mutation, locally and remotely. The
// remote decrement performs the same sufficiency check inside its CAS
// closure so concurrent returns on one leaf serialize on the ledger.
func (e *Engine) RecordReturn(ctx context.Context, shopID string, ret domain.ReturnRecord) error {
	if shopID == "" || ret.VoucherNo == "" || (len(ret.InItems) == 0 && len(ret.OutItems) == 0) {
		return localstore.ErrInvalidRecord
	}
	for i := range ret.InItems {
		line := &ret.InItems[i]
		if line.Qty < 1 {
			return localstore.ErrInvalidRecord
		}
		line.Amount = domain.DiscountedAmount(line.Qty, line.Price, line.DiscountType, line.DiscountValue)
	}
	for i := range ret.OutItems {
		line := &ret.OutItems[i]
		if line.Qty < 1 {
			return localstore.ErrInvalidRecord
		}
		line.Amount = domain.DiscountedAmount(line.Qty, line.Price, line.DiscountType, line.DiscountValue)
	}
	ret.DiffAmount = sumAmounts(ret.InItems) - sumAmounts(ret.OutItems)
	ret.Shop = shopID
	if ret.Date.IsZero() {
		ret.Date = time.Now().UTC()
	}

	tree, err := e.localProducts(ctx, shopID)
	if err != nil {
		return err
	}

	// Verify sufficiency for every out-item before touching anything.
	for _, line := range ret.OutItems {
		ref := domain.ItemRef{Code: line.Code, Color: line.Color, Size: line.Size}
		pcs, ok := tree.Pcs(ref)
		if !ok {
			return fmt.Errorf("%w: %s/%s/%s not in stock", localstore.ErrNotFound, line.Code, line.Color, line.Size)
		}
		if pcs < line.Qty {
			return fmt.Errorf("%w: %s/%s/%s has %d pcs, cannot out %d",
				localstore.ErrInsufficientStock, line.Code, line.Color, line.Size, pcs, line.Qty)
		}
	}

	if e.remote.IsOnline() {
		if err := e.applyReturnRemote(ctx, shopID, ret); err != nil {
			if errors.Is(err, ledger.ErrAborted) {
				return fmt.Errorf("%w: rejected by ledger", localstore.ErrInsufficientStock)
			}
			// Connectivity failure: degrade to local-only, the local
			// sufficiency check already passed.
			log.Printf("[engine] WARN: remote return apply for %s failed, recorded locally: %v", ret.VoucherNo, err)
		}
	}

	for _, line := range ret.InItems {
		ref := domain.ItemRef{Code: line.Code, Color: line.Color, Size: line.Size}
		tree.SetPcs(ref, tree.Ensure(ref)+line.Qty)
	}
	for _, line := range ret.OutItems {
		ref := domain.ItemRef{Code: line.Code, Color: line.Color, Size: line.Size}
		pcs, _ := tree.Pcs(ref)
		tree.SetPcs(ref, pcs-line.Qty)
	}
	if err := e.SaveProducts(ctx, shopID, tree); err != nil {
		return err
	}

	var returns []domain.ReturnRecord
	if _, err := e.getJSON(ctx, localstore.ReturnsKey(shopID), &returns); err != nil {
		return err
	}
	returns = append(returns, ret)
	return e.setJSON(ctx, localstore.ReturnsKey(shopID), returns)
}

func (e *Engine) applyReturnRemote(ctx context.Context, shopID string, ret domain.ReturnRecord) error {
	remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()

	for _, line := range ret.OutItems {
		path := ledger.StockPath(shopID, line.Code, line.Color, line.Size)
		if _, err := e.remote.AtomicUpdate(remoteCtx, path, ledger.SubIntChecked(int64(line.Qty))); err != nil {
			return err
		}
	}
	for _, line := range ret.InItems {
		path := ledger.StockPath(shopID, line.Code, line.Color, line.Size)
		if _, err := e.remote.AtomicUpdate(remoteCtx, path, ledger.AddInt(int64(line.Qty))); err != nil {
			return err
		}
	}

	if _, err := e.remote.Append(remoteCtx, ledger.ReturnsCollection(shopID), ret); err != nil {
		log.Printf("[engine] WARN: remote return append for %s failed: %v", ret.VoucherNo, err)
	}
	return nil
}

// Returns serves the local returns log, falling back to the ledger when the
// local log is empty and connectivity allows, caching what it fetched.
func (e *Engine) Returns(ctx context.Context, shopID string) ([]domain.ReturnRecord, error) {
	var returns []domain.ReturnRecord
	if _, err := e.getJSON(ctx, localstore.ReturnsKey(shopID), &returns); err != nil {
		return nil, err
	}
	if len(returns) > 0 || !e.remote.IsOnline() {
		return returns, nil
	}

	remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	records, err := e.remote.ReadCollection(remoteCtx, ledger.ReturnsCollection(shopID))
	if err != nil {
		log.Printf("[engine] WARN: remote returns fetch for %s failed: %v", shopID, err)
		return returns, nil
	}
	for id, raw := range records {
		var ret domain.ReturnRecord
		if err := json.Unmarshal(raw, &ret); err != nil {
			log.Printf("[engine] WARN: skipping malformed remote return %s: %v", id, err)
			continue
		}
		returns = append(returns, ret)
	}
	sort.Slice(returns, func(i, j int) bool { return returns[i].Date.Before(returns[j].Date) })

	if len(returns) > 0 {
		if err := e.setJSON(ctx, localstore.ReturnsKey(shopID), returns); err != nil {
			return nil, err
		}
	}
	return returns, nil
}

// RecordPurchase increments stock for every line, creating missing
// (code, color, size) nodes with pcs 0 first. Increments cannot fail on
// stock grounds, so no sufficiency check applies.
func (e *Engine) RecordPurchase(ctx context.Context, shopID string, purchase domain.PurchaseRecord) error {
	if shopID == "" || purchase.InvoiceNo == "" || len(purchase.Items) == 0 {
		return localstore.ErrInvalidRecord
	}
	for _, line := range purchase.Items {
		if line.Qty < 1 {
			return localstore.ErrInvalidRecord
		}
	}
	purchase.Shop = shopID
	if purchase.DateTime.IsZero() {
		purchase.DateTime = time.Now().UTC()
	}

	var purchases []domain.PurchaseRecord
	if _, err := e.getJSON(ctx, localstore.PurchasesKey(shopID), &purchases); err != nil {
		return err
	}
	purchases = append(purchases, purchase)
	if err := e.setJSON(ctx, localstore.PurchasesKey(shopID), purchases); err != nil {
		return err
	}

	tree, err := e.localProducts(ctx, shopID)
	if err != nil {
		return err
	}
	for _, line := range purchase.Items {
		ref := domain.ItemRef{Code: line.Code, Color: line.Color, Size: line.Size}
		tree.SetPcs(ref, tree.Ensure(ref)+line.Qty)
		if line.Price > 0 {
			tree.SetPrice(line.Code, line.Price)
		}
	}
	if err := e.SaveProducts(ctx, shopID, tree); err != nil {
		return err
	}

	if e.remote.IsOnline() {
		remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		defer cancel()
		if _, err := e.remote.Append(remoteCtx, ledger.PurchasesCollection(shopID), purchase); err != nil {
			log.Printf("[engine] WARN: remote purchase append for %s failed: %v", purchase.InvoiceNo, err)
			return nil
		}
		for _, line := range purchase.Items {
			path := ledger.StockPath(shopID, line.Code, line.Color, line.Size)
			if _, err := e.remote.AtomicUpdate(remoteCtx, path, ledger.AddInt(int64(line.Qty))); err != nil {
				log.Printf("[engine] WARN: remote stock increment %s failed: %v", path, err)
			}
		}
	}

	return nil
}

// Purchases merges the ledger's purchase history into the local one by
// invoice number, local entries first.
func (e *Engine) Purchases(ctx context.Context, shopID string) ([]domain.PurchaseRecord, error) {
	var purchases []domain.PurchaseRecord
	if _, err := e.getJSON(ctx, localstore.PurchasesKey(shopID), &purchases); err != nil {
		return nil, err
	}
	if !e.remote.IsOnline() {
		return purchases, nil
	}

	remoteCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	records, err := e.remote.ReadCollection(remoteCtx, ledger.PurchasesCollection(shopID))
	if err != nil {
		log.Printf("[engine] WARN: remote purchases fetch for %s failed: %v", shopID, err)
		return purchases, nil
	}

	have := make(map[string]bool, len(purchases))
	for _, p := range purchases {
		have[p.InvoiceNo] = true
	}
	added := false
	for id, raw := range records {
		var p domain.PurchaseRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("[engine] WARN: skipping malformed remote purchase %s: %v", id, err)
			continue
		}
		if !have[p.InvoiceNo] {
			purchases = append(purchases, p)
			added = true
		}
	}
	if added {
		sort.Slice(purchases, func(i, j int) bool { return purchases[i].DateTime.Before(purchases[j].DateTime) })
		if err := e.setJSON(ctx, localstore.PurchasesKey(shopID), purchases); err != nil {
			return nil, err
		}
	}
	return purchases, nil
}

func sumAmounts(lines []domain.ReturnLine) int64 {
	var total int64
	for _, line := range lines {
		total += line.Amount
	}
	return total
}
