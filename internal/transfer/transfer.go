// Package transfer implements inter-shop stock movement. A transfer debits
// the sender speculatively at propose time; each line then resolves
// independently on the receiving side (accept) or on either side (cancel).
// The transfer log document is the single record two shops write, and every
// line transition is guarded inside a ledger transaction so the same line
// can never be accepted twice or both accepted and cancelled.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"chainpos/backend/internal/domain"
	"chainpos/backend/internal/ledger"
	"chainpos/backend/internal/localstore"
)

var (
	// ErrLineResolved signals that the target line already left the pending
	// state; the caller's action is a duplicate or a lost race.
	ErrLineResolved = errors.New("transfer: line already resolved")
	ErrBadLine      = errors.New("transfer: line index out of range")
)

type Manager struct {
	local  localstore.Store
	remote ledger.Ledger
}

func New(local localstore.Store, remote ledger.Ledger) *Manager {
	return &Manager{local: local, remote: remote}
}

func (m *Manager) loadTree(ctx context.Context, shopID string) (domain.ProductTree, error) {
	tree := domain.ProductTree{}
	raw, ok, err := m.local.Get(ctx, localstore.ProductsKey(shopID))
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("decode products for %s: %w", shopID, err)
		}
	}
	return tree, nil
}

func (m *Manager) saveTree(ctx context.Context, shopID string, tree domain.ProductTree) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return m.local.Set(ctx, localstore.ProductsKey(shopID), raw)
}

// Propose debits the sender and records the transfer as pending. The debit
// and the log entry hit the ledger first; goods in flight are owned by the
// log, not by either shop's tree, which is what keeps total chain stock
// conserved across the workflow. Transfers need connectivity: a shop that
// cannot reach the ledger cannot move stock to another shop.
func (m *Manager) Propose(ctx context.Context, req domain.TransferProposeRequest) (domain.TransferLog, error) {
	if req.From == "" || req.To == "" || req.From == req.To || len(req.Items) == 0 {
		return domain.TransferLog{}, localstore.ErrInvalidRecord
	}
	for _, line := range req.Items {
		if line.Qty < 1 {
			return domain.TransferLog{}, localstore.ErrInvalidRecord
		}
	}
	if !m.remote.IsOnline() {
		return domain.TransferLog{}, ledger.ErrOffline
	}

	// Sufficiency is checked against the ledger, then the debit lands as one
	// batch so a reader never observes a half-debited sender.
	updates := make(map[string]any, len(req.Items))
	for _, line := range req.Items {
		path := ledger.StockPath(req.From, line.Code, line.Color, line.Size)
		raw, err := m.remote.Read(ctx, path)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return domain.TransferLog{}, fmt.Errorf("read sender stock: %w", err)
		}
		have := ledger.Int(raw)
		if have < int64(line.Qty) {
			return domain.TransferLog{}, fmt.Errorf("%w: %s/%s/%s has %d pcs, cannot transfer %d",
				localstore.ErrInsufficientStock, line.Code, line.Color, line.Size, have, line.Qty)
		}
		updates[path] = have - int64(line.Qty)
	}
	if err := m.remote.WriteBatch(ctx, updates); err != nil {
		return domain.TransferLog{}, fmt.Errorf("debit sender: %w", err)
	}

	entry := domain.TransferLog{
		VoucherNo: req.VoucherNo,
		From:      req.From,
		To:        req.To,
		Items:     make([]domain.TransferLine, len(req.Items)),
		Date:      time.Now().UTC(),
		Status:    domain.TransferStatusPending,
		SeenBy:    map[string]bool{req.From: true},
	}
	copy(entry.Items, req.Items)
	for i := range entry.Items {
		entry.Items[i].Status = ""
	}

	id, err := m.remote.Append(ctx, ledger.TransferLogs, entry)
	if err != nil {
		// The debit already landed; restore it rather than strand the stock.
		for _, line := range req.Items {
			path := ledger.StockPath(req.From, line.Code, line.Color, line.Size)
			if _, rerr := m.remote.AtomicUpdate(ctx, path, ledger.AddInt(int64(line.Qty))); rerr != nil {
				log.Printf("[transfer] WARN: restoring %s after failed log append: %v", path, rerr)
			}
		}
		return domain.TransferLog{}, fmt.Errorf("append transfer log: %w", err)
	}
	entry.ID = id

	// Mirror the debit into the sender's cache.
	tree, err := m.loadTree(ctx, req.From)
	if err != nil {
		return entry, err
	}
	for _, line := range req.Items {
		ref := domain.ItemRef{Code: line.Code, Color: line.Color, Size: line.Size}
		if pcs, ok := tree.Pcs(ref); ok {
			next := pcs - line.Qty
			if next < 0 {
				next = 0
			}
			tree.SetPcs(ref, next)
		}
	}
	if err := m.saveTree(ctx, req.From, tree); err != nil {
		return entry, err
	}
	return entry, nil
}

// transition flips one line from pending to status inside a ledger
// transaction and returns the resulting log. The party check and the
// pending guard are re-evaluated against the committed document on every
// retry, which is what makes accept/cancel races lose cleanly instead of
// double-applying.
func (m *Manager) transition(ctx context.Context, logID string, lineIndex int, status string, authorize func(domain.TransferLog) error) (domain.TransferLog, error) {
	if !m.remote.IsOnline() {
		return domain.TransferLog{}, ledger.ErrOffline
	}

	var updated domain.TransferLog
	_, err := m.remote.AtomicUpdate(ctx, ledger.TransferLogPath(logID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, logID)
		}
		var entry domain.TransferLog
		if err := json.Unmarshal(current, &entry); err != nil {
			return nil, err
		}
		if err := authorize(entry); err != nil {
			return nil, err
		}
		if lineIndex < 0 || lineIndex >= len(entry.Items) {
			return nil, ErrBadLine
		}
		line := &entry.Items[lineIndex]
		if line.Status != "" && line.Status != domain.TransferStatusPending {
			return nil, ErrLineResolved
		}
		line.Status = status
		entry.Status = status
		updated = entry
		return json.Marshal(entry)
	})
	if err != nil {
		return domain.TransferLog{}, err
	}
	updated.ID = logID
	return updated, nil
}

// Accept resolves one line on the receiving side and credits the receiver's
// stock, creating the (code, color, size) node when the receiver has never
// carried the item.
func (m *Manager) Accept(ctx context.Context, shopID string, logID string, lineIndex int) (domain.TransferLog, error) {
	entry, err := m.transition(ctx, logID, lineIndex, domain.TransferStatusAccepted, func(t domain.TransferLog) error {
		if t.To != shopID {
			return fmt.Errorf("transfer: %s is not the receiver of %s", shopID, logID)
		}
		return nil
	})
	if err != nil {
		return domain.TransferLog{}, err
	}
	line := entry.Items[lineIndex]

	path := ledger.StockPath(entry.To, line.Code, line.Color, line.Size)
	if _, err := m.remote.AtomicUpdate(ctx, path, ledger.AddInt(int64(line.Qty))); err != nil {
		log.Printf("[transfer] WARN: receiver credit %s failed: %v", path, err)
	}

	tree, err := m.loadTree(ctx, entry.To)
	if err != nil {
		return entry, err
	}
	ref := domain.ItemRef{Code: line.Code, Color: line.Color, Size: line.Size}
	tree.SetPcs(ref, tree.Ensure(ref)+line.Qty)
	if line.Price > 0 {
		if _, ok := tree[line.Code]; ok && tree[line.Code].Price == 0 {
			tree.SetPrice(line.Code, line.Price)
		}
	}
	if err := m.saveTree(ctx, entry.To, tree); err != nil {
		return entry, err
	}
	return entry, nil
}

// Cancel resolves one line and returns its quantity to the sender. Either
// side may cancel a pending line.
func (m *Manager) Cancel(ctx context.Context, shopID string, logID string, lineIndex int) (domain.TransferLog, error) {
	entry, err := m.transition(ctx, logID, lineIndex, domain.TransferStatusCancelled, func(t domain.TransferLog) error {
		if shopID != t.From && shopID != t.To {
			return fmt.Errorf("transfer: %s is not a party to %s", shopID, logID)
		}
		return nil
	})
	if err != nil {
		return domain.TransferLog{}, err
	}
	line := entry.Items[lineIndex]

	path := ledger.StockPath(entry.From, line.Code, line.Color, line.Size)
	if _, err := m.remote.AtomicUpdate(ctx, path, ledger.AddInt(int64(line.Qty))); err != nil {
		log.Printf("[transfer] WARN: sender restore %s failed: %v", path, err)
	}

	tree, err := m.loadTree(ctx, entry.From)
	if err != nil {
		return entry, err
	}
	ref := domain.ItemRef{Code: line.Code, Color: line.Color, Size: line.Size}
	tree.SetPcs(ref, tree.Ensure(ref)+line.Qty)
	if err := m.saveTree(ctx, entry.From, tree); err != nil {
		return entry, err
	}
	return entry, nil
}

// MarkSeen records that shopID has viewed the transfer. Safe to repeat.
func (m *Manager) MarkSeen(ctx context.Context, shopID string, logID string) error {
	if !m.remote.IsOnline() {
		return ledger.ErrOffline
	}
	_, err := m.remote.AtomicUpdate(ctx, ledger.TransferLogPath(logID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, logID)
		}
		var entry domain.TransferLog
		if err := json.Unmarshal(current, &entry); err != nil {
			return nil, err
		}
		if entry.SeenBy == nil {
			entry.SeenBy = map[string]bool{}
		}
		if entry.SeenBy[shopID] {
			return nil, ledger.ErrAborted
		}
		entry.SeenBy[shopID] = true
		return json.Marshal(entry)
	})
	if errors.Is(err, ledger.ErrAborted) {
		return nil
	}
	return err
}

// Incoming lists transfers addressed to the shop, newest first.
func (m *Manager) Incoming(ctx context.Context, shopID string) ([]domain.TransferLog, error) {
	return m.list(ctx, func(t domain.TransferLog) bool { return t.To == shopID })
}

// Outgoing lists transfers proposed by the shop, newest first.
func (m *Manager) Outgoing(ctx context.Context, shopID string) ([]domain.TransferLog, error) {
	return m.list(ctx, func(t domain.TransferLog) bool { return t.From == shopID })
}

// UnreadCount counts incoming transfers the shop has not marked seen.
func (m *Manager) UnreadCount(ctx context.Context, shopID string) (int, error) {
	incoming, err := m.Incoming(ctx, shopID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range incoming {
		if !entry.SeenBy[shopID] {
			count++
		}
	}
	return count, nil
}

func (m *Manager) list(ctx context.Context, keep func(domain.TransferLog) bool) ([]domain.TransferLog, error) {
	if !m.remote.IsOnline() {
		return nil, ledger.ErrOffline
	}
	records, err := m.remote.ReadCollection(ctx, ledger.TransferLogs)
	if err != nil {
		return nil, fmt.Errorf("read transfer logs: %w", err)
	}
	var out []domain.TransferLog
	for id, raw := range records {
		var entry domain.TransferLog
		if err := json.Unmarshal(raw, &entry); err != nil {
			log.Printf("[transfer] WARN: skipping malformed transfer log %s: %v", id, err)
			continue
		}
		entry.ID = id
		if keep(entry) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
