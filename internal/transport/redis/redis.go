package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"docqa/internal/transport"
)

// Transport carries messages over Redis pub/sub.
type Transport struct {
	client goredis.UniversalClient

	mu     sync.Mutex
	subs   []*goredis.PubSub
	closed bool
}

func New(client goredis.UniversalClient) *Transport {
	return &Transport{client: client}
}

func (t *Transport) Publish(ctx context.Context, channel string, body []byte) error {
	if err := t.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning.
func (t *Transport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	t.mu.Unlock()

	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, ps)
	t.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer t.release(ps)

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					slog.WarnContext(ctx, "dropping message received during shutdown", "channel", channel)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close ends every subscription. The client itself is owned by the caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, ps := range t.subs {
		if err := ps.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	t.subs = nil
	return errors.Join(errs...)
}

// release drops a subscription whose reader has exited so Close does not
// close it a second time.
func (t *Transport) release(ps *goredis.PubSub) {
	t.mu.Lock()
	for i, s := range t.subs {
		if s == ps {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	ps.Close()
}
