// Package ledger defines the shared remote store every shop writes through
// when connectivity allows. Nodes are addressed by slash-separated paths
// (shops/{shop}/products/{code}/colors/{color}/sizes/{size}/pcs) and hold
// JSON values. Stock and counter leaves are only ever mutated through
// AtomicUpdate; plain read-then-write against those leaves is forbidden.
package ledger

import (
	"context"
	"errors"
	"strconv"
)

var (
	// ErrNotFound signals an absent node on Read.
	ErrNotFound = errors.New("ledger: node not found")
	// ErrOffline signals that the ledger is unreachable. Callers fall back
	// to local-only semantics; it is never fatal to a business operation.
	ErrOffline = errors.New("ledger: offline")
	// ErrAborted is returned by AtomicUpdate when the transaction function
	// rejected the update (for example an insufficiency check). The CAS loop
	// does not retry an aborted update.
	ErrAborted = errors.New("ledger: transaction aborted")
)

// TxnFunc is applied by AtomicUpdate against the server's current value.
// current is nil when the node does not exist yet. The function must be pure
// and retry-safe: it may run several times against different current values
// before the compare-and-swap commits. Returning an error wrapped in (or
// equal to) ErrAborted stops the retry loop without writing.
type TxnFunc func(current []byte) ([]byte, error)

type Ledger interface {
	// IsOnline is a cheap, non-blocking liveness predicate consulted before
	// choosing the online code path.
	IsOnline() bool

	Read(ctx context.Context, path string) ([]byte, error)
	// ReadTree returns every leaf under prefix keyed by its relative path.
	ReadTree(ctx context.Context, prefix string) (map[string][]byte, error)
	Write(ctx context.Context, path string, value any) error
	// WriteBatch applies several direct writes as one unit, mirroring a
	// multi-path update. Used by transfer propose for the speculative hold.
	WriteBatch(ctx context.Context, updates map[string]any) error
	AtomicUpdate(ctx context.Context, path string, fn TxnFunc) ([]byte, error)
	// Append stores record under collection with a server-assigned opaque id
	// and returns that id.
	Append(ctx context.Context, collection string, record any) (string, error)
	// ReadCollection returns every record in collection keyed by id.
	ReadCollection(ctx context.Context, collection string) (map[string][]byte, error)
}

// Path builders. Every shop exclusively owns its own subtree; transferLogs
// is the only collection shared by two shops.

func StockPath(shopID string, code string, color string, size string) string {
	return "shops/" + shopID + "/products/" + code + "/colors/" + color + "/sizes/" + size + "/pcs"
}

func PricePath(shopID string, code string) string {
	return "shops/" + shopID + "/products/" + code + "/price"
}

func ProductsPrefix(shopID string) string {
	return "shops/" + shopID + "/products"
}

func SalesCollection(shopID string) string     { return "shops/" + shopID + "/sales" }
func ReturnsCollection(shopID string) string   { return "shops/" + shopID + "/returns" }
func PurchasesCollection(shopID string) string { return "shops/" + shopID + "/purchases" }

const TransferLogs = "transferLogs"

func TransferLogPath(logID string) string {
	return TransferLogs + "/" + logID
}

func CounterPath(shopID string, name string) string {
	return "voucherCounters/" + shopID + "/" + name
}

func AccountPath(shopID string) string {
	return "users/" + shopID
}

// AddInt builds a TxnFunc that adds delta to a numeric leaf, treating a
// missing or non-numeric node as 0. No clamping: the result may go negative
// when remote state diverged from local, an accepted eventual-consistency
// artifact on the sale path.
func AddInt(delta int64) TxnFunc {
	return func(current []byte) ([]byte, error) {
		return []byte(strconv.FormatInt(Int(current)+delta, 10)), nil
	}
}

// SubIntChecked builds a TxnFunc that subtracts qty only when the current
// value covers it, aborting otherwise. The sufficiency check runs inside the
// same closure as the decrement so racing writers are serialized by the CAS
// retry, not by a separate read-then-write.
func SubIntChecked(qty int64) TxnFunc {
	return func(current []byte) ([]byte, error) {
		have := Int(current)
		if have < qty {
			return nil, ErrAborted
		}
		return []byte(strconv.FormatInt(have-qty, 10)), nil
	}
}

// Int parses a numeric leaf, treating missing or malformed values as 0.
func Int(raw []byte) int64 {
	if len(raw) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
