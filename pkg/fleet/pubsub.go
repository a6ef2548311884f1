package fleet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/forgevault/forgevault/internal/logger"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload json.RawMessage
}

// listenerBuffer is the per-listener channel depth. A listener that
// falls this far behind starts losing messages rather than stalling
// the fleet bus.
const listenerBuffer = 64

// subscription holds one Redis subscription and the local listeners it
// fans out to. The coordinator mutex guards the listener map; sends
// happen under that mutex and never block.
type subscription struct {
	ps        *redis.PubSub
	msgs      <-chan *redis.Message
	listeners map[int]chan Message
	nextID    int
}

func (s *subscription) stop() {
	_ = s.ps.Close()
}

// Publish sends a JSON-encoded value to every subscriber of the channel,
// fleet-wide.
func (c *Coordinator) Publish(ctx context.Context, channel string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.withRetry(ctx, "publish", func() error {
		return c.client.Publish(ctx, channel, data).Err()
	})
}

// Subscribe attaches a local listener to the channel and returns its
// delivery channel plus a detach function. The process holds a single
// Redis subscription per channel and fans incoming messages out to all
// local listeners; a listener that stops draining loses messages
// instead of blocking the others. The detach function is idempotent
// and closes the delivery channel.
func (c *Coordinator) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	sub, ok := c.subs[channel]
	if !ok {
		ps := c.client.Subscribe(ctx, channel)
		// Wait for the subscription ack so a publish issued right
		// after Subscribe returns is not lost.
		if _, err := ps.Receive(ctx); err != nil {
			c.mu.Unlock()
			_ = ps.Close()
			return nil, nil, fmt.Errorf("subscribe %q: %w", channel, err)
		}
		sub = &subscription{
			ps:        ps,
			msgs:      ps.Channel(),
			listeners: make(map[int]chan Message),
		}
		c.subs[channel] = sub
		go c.fanOut(channel, sub)
	}

	id := sub.nextID
	sub.nextID++
	ch := make(chan Message, listenerBuffer)
	sub.listeners[id] = ch
	c.mu.Unlock()

	detach := func() {
		c.mu.Lock()
		if _, ok := sub.listeners[id]; !ok {
			c.mu.Unlock()
			return
		}
		delete(sub.listeners, id)
		close(ch)
		last := len(sub.listeners) == 0
		if last && c.subs[channel] == sub {
			delete(c.subs, channel)
		}
		c.mu.Unlock()
		if last {
			sub.stop()
		}
	}
	return ch, detach, nil
}

// fanOut copies Redis deliveries into every local listener. It exits
// when the Redis subscription closes and then closes any listeners
// still attached.
func (c *Coordinator) fanOut(channel string, sub *subscription) {
	for msg := range sub.msgs {
		c.mu.Lock()
		for id, ch := range sub.listeners {
			select {
			case ch <- Message{Channel: msg.Channel, Payload: json.RawMessage(msg.Payload)}:
			default:
				logger.Warn("Dropping fleet message for slow listener",
					"channel", channel,
					"listener", id)
			}
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	for _, ch := range sub.listeners {
		close(ch)
	}
	sub.listeners = make(map[int]chan Message)
	if c.subs[channel] == sub {
		delete(c.subs, channel)
	}
	c.mu.Unlock()
}
