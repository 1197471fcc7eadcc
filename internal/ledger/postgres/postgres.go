// Package postgres implements the shared ledger on a single path-addressed
// table. Every node is one row; compare-and-swap uses a per-row version so
// two devices racing a stock or counter leaf serialize without locks.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"chainpos/backend/internal/ledger"
	"chainpos/backend/internal/xid"
)

const (
	casMaxAttempts = 16
	probeInterval  = 5 * time.Second
	probeTimeout   = 2 * time.Second
)

type Ledger struct {
	db     *sql.DB
	online atomic.Bool
	stop   context.CancelFunc
	done   chan struct{}
}

func New(ctx context.Context, databaseURL string) (*Ledger, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_nodes (
			path    TEXT PRIMARY KEY,
			value   JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger table: %w", err)
	}

	probeCtx, stop := context.WithCancel(context.Background())
	l := &Ledger{db: db, stop: stop, done: make(chan struct{})}
	l.online.Store(true)
	go l.probe(probeCtx)

	return l, nil
}

func (l *Ledger) Close() error {
	l.stop()
	<-l.done
	return l.db.Close()
}

// probe keeps the liveness flag current so IsOnline stays cheap and
// non-blocking for callers on the hot path.
func (l *Ledger) probe(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := l.db.PingContext(pingCtx)
			cancel()

			was := l.online.Swap(err == nil)
			if was && err != nil {
				log.Printf("[ledger] connection lost, degrading to offline: %v", err)
			} else if !was && err == nil {
				log.Printf("[ledger] connection restored")
			}
		}
	}
}

func (l *Ledger) IsOnline() bool {
	return l.online.Load()
}

func (l *Ledger) guard() error {
	if !l.online.Load() {
		return ledger.ErrOffline
	}
	return nil
}

// fail flips the liveness flag early on connectivity-shaped errors so the
// next caller degrades without waiting for the prober tick.
func (l *Ledger) fail(err error) error {
	if err != nil && !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, ledger.ErrAborted) {
		if errors.Is(err, context.DeadlineExceeded) {
			l.online.Store(false)
		}
	}
	return err
}

func (l *Ledger) Read(ctx context.Context, path string) ([]byte, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}

	var value []byte
	err := l.db.QueryRowContext(ctx, `SELECT value FROM ledger_nodes WHERE path = $1`, path).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, l.fail(err)
	}
	return value, nil
}

func (l *Ledger) ReadTree(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT path, value FROM ledger_nodes WHERE starts_with(path, $1)
	`, prefix+"/")
	if err != nil {
		return nil, l.fail(err)
	}
	defer rows.Close()

	tree := make(map[string][]byte)
	for rows.Next() {
		var path string
		var value []byte
		if err := rows.Scan(&path, &value); err != nil {
			return nil, err
		}
		tree[path[len(prefix)+1:]] = value
	}
	if err := rows.Err(); err != nil {
		return nil, l.fail(err)
	}
	return tree, nil
}

func (l *Ledger) Write(ctx context.Context, path string, value any) error {
	if err := l.guard(); err != nil {
		return err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_nodes (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET value = excluded.value, version = ledger_nodes.version + 1
	`, path, payload)
	return l.fail(err)
}

func (l *Ledger) WriteBatch(ctx context.Context, updates map[string]any) error {
	if err := l.guard(); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return l.fail(err)
	}
	defer func() { _ = tx.Rollback() }()

	for path, value := range updates {
		payload, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_nodes (path, value) VALUES ($1, $2)
			ON CONFLICT (path) DO UPDATE SET value = excluded.value, version = ledger_nodes.version + 1
		`, path, payload); err != nil {
			return l.fail(err)
		}
	}

	return l.fail(tx.Commit())
}

func (l *Ledger) AtomicUpdate(ctx context.Context, path string, fn ledger.TxnFunc) ([]byte, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		var current []byte
		var version int64
		exists := true
		err := l.db.QueryRowContext(ctx, `
			SELECT value, version FROM ledger_nodes WHERE path = $1
		`, path).Scan(&current, &version)
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
			current = nil
		} else if err != nil {
			return nil, l.fail(err)
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		if !exists {
			res, err := l.db.ExecContext(ctx, `
				INSERT INTO ledger_nodes (path, value) VALUES ($1, $2)
				ON CONFLICT (path) DO NOTHING
			`, path, next)
			if err != nil {
				return nil, l.fail(err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return next, nil
			}
			continue // another writer created the node first
		}

		res, err := l.db.ExecContext(ctx, `
			UPDATE ledger_nodes SET value = $2, version = version + 1
			WHERE path = $1 AND version = $3
		`, path, next, version)
		if err != nil {
			return nil, l.fail(err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
		// Version moved under us; re-run fn against the fresh value.
	}

	return nil, fmt.Errorf("atomic update on %s: contention not resolved after %d attempts", path, casMaxAttempts)
}

func (l *Ledger) Append(ctx context.Context, collection string, record any) (string, error) {
	if err := l.guard(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	id := xid.New("rec")
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_nodes (path, value) VALUES ($1, $2)
	`, collection+"/"+id, payload)
	if err != nil {
		return "", l.fail(err)
	}
	return id, nil
}

func (l *Ledger) ReadCollection(ctx context.Context, collection string) (map[string][]byte, error) {
	return l.ReadTree(ctx, collection)
}
