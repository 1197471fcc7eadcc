package event

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

const salesUpdatedChannel = "sales-updated"

// RedisNotifier publishes sales-updated signals on a pub/sub channel shared
// by the reporting collaborators. Delivery is best effort; the engine treats
// a publish failure as non-fatal.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(addr string, password string, db int) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func (n *RedisNotifier) SalesUpdated(ctx context.Context, shopID string) error {
	return n.client.Publish(ctx, salesUpdatedChannel, shopID).Err()
}

// Subscribe returns a channel of shop ids whose sales changed. Used by
// report views that keep a long-lived connection.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := n.client.Subscribe(ctx, salesUpdatedChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
