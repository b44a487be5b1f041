// Package transport abstracts the pub/sub channels requests and responses
// travel on.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Transport publishes message bodies and streams the bodies received on a
// channel. Subscribe's channel is closed once ctx is done or the transport
// is closed.
type Transport interface {
	Publish(ctx context.Context, channel string, body []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}
