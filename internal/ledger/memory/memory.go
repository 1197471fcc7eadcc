// Package memory is an in-process ledger used by tests and dev mode. It
// honors the same contract as the postgres ledger, including the abort
// semantics of AtomicUpdate, and exposes SetOnline so tests can cut and
// restore connectivity mid-operation.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"chainpos/backend/internal/ledger"
	"chainpos/backend/internal/xid"
)

type Ledger struct {
	mu     sync.Mutex
	nodes  map[string][]byte
	online bool
}

func New() *Ledger {
	return &Ledger{nodes: make(map[string][]byte), online: true}
}

// SetOnline toggles the connectivity flag.
func (l *Ledger) SetOnline(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.online = online
}

func (l *Ledger) IsOnline() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

func (l *Ledger) guard() error {
	if !l.online {
		return ledger.ErrOffline
	}
	return nil
}

func (l *Ledger) Read(_ context.Context, path string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard(); err != nil {
		return nil, err
	}

	value, ok := l.nodes[path]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return clone(value), nil
}

func (l *Ledger) ReadTree(_ context.Context, prefix string) (map[string][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard(); err != nil {
		return nil, err
	}

	tree := make(map[string][]byte)
	for path, value := range l.nodes {
		if strings.HasPrefix(path, prefix+"/") {
			tree[path[len(prefix)+1:]] = clone(value)
		}
	}
	return tree, nil
}

func (l *Ledger) Write(_ context.Context, path string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard(); err != nil {
		return err
	}
	l.nodes[path] = payload
	return nil
}

func (l *Ledger) WriteBatch(_ context.Context, updates map[string]any) error {
	staged := make(map[string][]byte, len(updates))
	for path, value := range updates {
		payload, err := json.Marshal(value)
		if err != nil {
			return err
		}
		staged[path] = payload
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard(); err != nil {
		return err
	}
	for path, payload := range staged {
		l.nodes[path] = payload
	}
	return nil
}

func (l *Ledger) AtomicUpdate(_ context.Context, path string, fn ledger.TxnFunc) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard(); err != nil {
		return nil, err
	}

	current, ok := l.nodes[path]
	if !ok {
		current = nil
	}
	next, err := fn(clone(current))
	if err != nil {
		return nil, err
	}
	l.nodes[path] = next
	return clone(next), nil
}

func (l *Ledger) Append(_ context.Context, collection string, record any) (string, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard(); err != nil {
		return "", err
	}

	id := xid.New("rec")
	l.nodes[collection+"/"+id] = payload
	return id, nil
}

func (l *Ledger) ReadCollection(ctx context.Context, collection string) (map[string][]byte, error) {
	return l.ReadTree(ctx, collection)
}

// Seed installs a raw node bypassing the online flag, for test setup.
func (l *Ledger) Seed(path string, value any) {
	payload, _ := json.Marshal(value)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[path] = payload
}

// Node returns the raw stored value, for test assertions.
func (l *Ledger) Node(path string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	value, ok := l.nodes[path]
	return clone(value), ok
}

func clone(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
