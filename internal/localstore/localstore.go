// Package localstore defines the per-shop durable key-value store every
// device keeps for offline continuity. Keys are namespaced by shop id
// ({shopId}_sales, {shopId}_products, {shopId}_voucherCounter_global, ...)
// and values are JSON documents. Data is retained until the owning operation
// overwrites or removes it; there is no TTL or eviction.
package localstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRecord     = errors.New("invalid record")
)

// Store is the Local Store contract. Get on an absent key is not an error:
// it returns ok=false and callers supply the empty default for the type.
// Set must be atomic from the caller's perspective; a reader never observes
// a partial write. Local store failures are fatal to the current operation,
// unlike remote ledger failures which only degrade to offline behavior.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Key namespace helpers. The layout mirrors the on-device cache the shops
// already run, so a migrated device keeps its pending data.
func SalesKey(shopID string) string     { return shopID + "_sales" }
func ProductsKey(shopID string) string  { return shopID + "_products" }
func ReturnsKey(shopID string) string   { return shopID + "_returns" }
func PurchasesKey(shopID string) string { return shopID + "_purchases" }
func SettingsKey(shopID string) string  { return shopID + "_settings" }
func AccountKey(shopID string) string   { return shopID + "_account" }

func CounterKey(shopID string, name string) string {
	return shopID + "_voucherCounter_" + name
}
