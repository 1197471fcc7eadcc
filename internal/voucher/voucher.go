// Package voucher issues per-shop sequential voucher numbers. Each shop owns
// independent counters per document kind; numbers are monotonically
// increasing with no gaps within a shop.
package voucher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"chainpos/backend/internal/domain"
	"chainpos/backend/internal/ledger"
	"chainpos/backend/internal/localstore"
)

// Counter names as stored on the ledger and in the local cache.
const (
	KindSale     = "global"
	KindReturn   = "returns"
	KindPurchase = "purchases"
)

const defaultPrefix = "GEN"

type Sequencer struct {
	local  localstore.Store
	remote ledger.Ledger

	// now is swappable for date-format tests.
	now func() time.Time
}

func New(local localstore.Store, remote ledger.Ledger) *Sequencer {
	return &Sequencer{local: local, remote: remote, now: time.Now}
}

// Next allocates and commits the next voucher number of the given kind.
// Online, the ledger counter is the source of truth: it is atomically
// incremented and the local counter raised to at least the remote value so
// the sequence survives a later transition to offline. Offline, the local
// counter advances alone and the divergence heals on the next online
// allocation.
func (s *Sequencer) Next(ctx context.Context, shopID string, kind string) (string, error) {
	n, source, err := s.advance(ctx, shopID, kind)
	if err != nil {
		return "", err
	}
	no, err := s.format(ctx, shopID, kind, n)
	if err != nil {
		return "", err
	}

	if kind == KindSale {
		if err := s.recordLast(ctx, shopID, no, source); err != nil {
			log.Printf("[voucher] WARN: recording last voucher for %s failed: %v", shopID, err)
		}
	}
	return no, nil
}

// Preview formats the number the next Next call would return without
// advancing any counter. Repeated previews yield the same value.
func (s *Sequencer) Preview(ctx context.Context, shopID string, kind string) (string, error) {
	n, err := s.localCounter(ctx, shopID, kind)
	if err != nil {
		return "", err
	}
	return s.format(ctx, shopID, kind, n+1)
}

// advance returns the allocated sequence value and the source that produced
// it ("online" or "offline").
func (s *Sequencer) advance(ctx context.Context, shopID string, kind string) (int64, string, error) {
	if s.remote.IsOnline() {
		raw, err := s.remote.AtomicUpdate(ctx, ledger.CounterPath(shopID, kind), ledger.AddInt(1))
		if err == nil {
			n := ledger.Int(raw)
			if err := s.raiseLocal(ctx, shopID, kind, n); err != nil {
				return 0, "", err
			}
			return n, "online", nil
		}
		log.Printf("[voucher] WARN: remote counter %s/%s failed, allocating locally: %v", shopID, kind, err)
	}

	n, err := s.localCounter(ctx, shopID, kind)
	if err != nil {
		return 0, "", err
	}
	n++
	if err := s.setLocal(ctx, shopID, kind, n); err != nil {
		return 0, "", err
	}
	return n, "offline", nil
}

func (s *Sequencer) format(ctx context.Context, shopID string, kind string, n int64) (string, error) {
	switch kind {
	case KindSale:
		prefix, err := s.prefix(ctx, shopID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s-%s-%04d", prefix, s.now().Format("02012006"), n), nil
	case KindReturn:
		return fmt.Sprintf("SR-%04d", n), nil
	case KindPurchase:
		return fmt.Sprintf("P-%03d", n), nil
	default:
		return "", fmt.Errorf("voucher: unknown kind %q", kind)
	}
}

func (s *Sequencer) localCounter(ctx context.Context, shopID string, kind string) (int64, error) {
	raw, ok, err := s.local.Get(ctx, localstore.CounterKey(shopID, kind))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		// A corrupt counter restarts the local sequence rather than wedging
		// every sale.
		log.Printf("[voucher] WARN: corrupt counter %s/%s %q, resetting", shopID, kind, raw)
		return 0, nil
	}
	return n, nil
}

func (s *Sequencer) setLocal(ctx context.Context, shopID string, kind string, n int64) error {
	return s.local.Set(ctx, localstore.CounterKey(shopID, kind), []byte(strconv.FormatInt(n, 10)))
}

// raiseLocal lifts the local counter to n without ever lowering it. An
// offline run may have advanced past the remote value; a lower remote value
// must not reintroduce already-issued numbers.
func (s *Sequencer) raiseLocal(ctx context.Context, shopID string, kind string, n int64) error {
	current, err := s.localCounter(ctx, shopID, kind)
	if err != nil {
		return err
	}
	if n <= current {
		return nil
	}
	return s.setLocal(ctx, shopID, kind, n)
}

// prefix resolves the shop's voucher prefix: cached settings first, then the
// ledger account, falling back to a generic prefix so issuing never blocks
// on connectivity.
func (s *Sequencer) prefix(ctx context.Context, shopID string) (string, error) {
	var settings domain.ShopSettings
	raw, ok, err := s.local.Get(ctx, localstore.SettingsKey(shopID))
	if err != nil {
		return "", err
	}
	if ok {
		if err := json.Unmarshal(raw, &settings); err == nil && settings.Prefix != "" {
			return settings.Prefix, nil
		}
	}

	if s.remote.IsOnline() {
		accountRaw, err := s.remote.Read(ctx, ledger.AccountPath(shopID))
		if err == nil {
			var account domain.ShopAccount
			if err := json.Unmarshal(accountRaw, &account); err == nil && account.ShortName != "" {
				settings.Prefix = account.ShortName
				if err := s.saveSettings(ctx, shopID, settings); err != nil {
					return "", err
				}
				return account.ShortName, nil
			}
		}
	}
	return defaultPrefix, nil
}

// recordLast stores the most recently issued sale voucher and whether it was
// allocated against the ledger or offline, for later audit of divergent runs.
func (s *Sequencer) recordLast(ctx context.Context, shopID string, voucherNo string, source string) error {
	var settings domain.ShopSettings
	raw, ok, err := s.local.Get(ctx, localstore.SettingsKey(shopID))
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(raw, &settings); err != nil {
			settings = domain.ShopSettings{}
		}
	}
	settings.LastVoucherNo = voucherNo
	settings.LastVoucherSource = source
	return s.saveSettings(ctx, shopID, settings)
}

func (s *Sequencer) saveSettings(ctx context.Context, shopID string, settings domain.ShopSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.local.Set(ctx, localstore.SettingsKey(shopID), raw)
}
