// Package event carries the sales-updated signal the engine emits after a
// successful sale so reporting collaborators refresh without polling.
package event

import "context"

type Notifier interface {
	SalesUpdated(ctx context.Context, shopID string) error
}

type NoopNotifier struct{}

func (NoopNotifier) SalesUpdated(_ context.Context, _ string) error {
	return nil
}
