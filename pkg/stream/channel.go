package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memquest/memquest/pkg/observability/logging"
)

// ChannelStream is an in-process stream for tests and single-binary
// deployments without Redis. It is both Producer and Consumer. Unlike the
// Redis transport it offers no redelivery: a handler error is logged and the
// message is gone.
type ChannelStream struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
	nextID    int64
}

// NewChannelStream creates a stream with the given buffer size.
func NewChannelStream(buffer int) *ChannelStream {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelStream{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// Send enqueues a payload, blocking while the buffer is full.
func (s *ChannelStream) Send(ctx context.Context, payload []byte) error {
	msg := Message{
		ID:      fmt.Sprintf("%d-%d", time.Now().UnixMilli(), atomic.AddInt64(&s.nextID, 1)),
		Payload: payload,
	}
	select {
	case <-s.done:
		return fmt.Errorf("stream is closed")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("stream is closed")
	case s.ch <- msg:
		return nil
	}
}

// Consume delivers messages until ctx ends, or until the stream is closed and
// the buffer drained.
func (s *ChannelStream) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.ch:
			if err := handler(ctx, msg); err != nil {
				logging.Errorf("Channel stream message %s failed (no redelivery): %v", msg.ID, err)
			}
		case <-s.done:
			// Drain whatever was buffered before the close.
			for {
				select {
				case msg := <-s.ch:
					if err := handler(ctx, msg); err != nil {
						logging.Errorf("Channel stream message %s failed (no redelivery): %v", msg.ID, err)
					}
				default:
					return nil
				}
			}
		}
	}
}

// Close stops accepting sends. Buffered messages remain consumable.
func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
