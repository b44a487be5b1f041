package nsq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gonsq "github.com/nsqio/go-nsq"

	"docqa/internal/transport"
)

type Config struct {
	NSQDAddr    string
	LookupdAddr string
	// Channel is the NSQ channel every consumer of this process joins.
	Channel     string
	MaxInFlight int
}

// Transport maps each logical channel onto an NSQ topic.
type Transport struct {
	cfg      Config
	producer *gonsq.Producer

	mu        sync.Mutex
	consumers []*gonsq.Consumer
	done      chan struct{}
	closed    bool
}

func New(cfg Config) (*Transport, error) {
	if cfg.Channel == "" {
		cfg.Channel = "docqa"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	producer, err := gonsq.NewProducer(cfg.NSQDAddr, gonsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &Transport{cfg: cfg, producer: producer, done: make(chan struct{})}, nil
}

func (t *Transport) Publish(ctx context.Context, channel string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.producer.Publish(channel, body); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}

	conf := gonsq.NewConfig()
	conf.MaxInFlight = t.cfg.MaxInFlight
	c, err := gonsq.NewConsumer(channel, t.cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", channel, err)
	}

	out := make(chan []byte)
	c.AddHandler(t.forward(ctx, out))

	if t.cfg.LookupdAddr != "" {
		err = c.ConnectToNSQLookupd(t.cfg.LookupdAddr)
	} else {
		err = c.ConnectToNSQD(t.cfg.NSQDAddr)
	}
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("nsq connect %s: %w", channel, err)
	}
	t.consumers = append(t.consumers, c)

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
			<-c.StopChan
		case <-c.StopChan:
		}
		// handlers have all returned once StopChan is closed
		close(out)
	}()
	return out, nil
}

// forward hands each message body to out. A message that cannot be handed
// over before shutdown is requeued.
func (t *Transport) forward(ctx context.Context, out chan<- []byte) gonsq.HandlerFunc {
	return func(m *gonsq.Message) error {
		if len(m.Body) == 0 {
			return nil
		}
		select {
		case out <- m.Body:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return transport.ErrClosed
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		<-c.StopChan
	}
	t.producer.Stop()
	slog.Debug("nsq transport closed", "consumers", len(consumers))
	return nil
}

// Ping checks the producer's connection to nsqd.
func (t *Transport) Ping() error {
	if err := t.producer.Ping(); err != nil {
		return errors.Join(errors.New("nsqd unreachable"), err)
	}
	return nil
}
