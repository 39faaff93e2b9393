// Package stream carries memory events from the gateway's write path to the
// background ingest worker. The Redis Streams implementation is the production
// transport; the channel implementation backs tests and single-process runs.
package stream

import (
	"context"
)

// Message is one entry read from a stream.
type Message struct {
	// ID is the transport-assigned entry ID. Redis IDs encode the append
	// time in their millisecond prefix.
	ID string
	// Payload is the opaque event body, JSON in practice.
	Payload []byte
}

// Handler processes one message. Returning nil acknowledges the message;
// returning an error leaves it pending for redelivery, so handlers must map
// terminal processing outcomes to nil and reserve errors for conditions worth
// retrying.
type Handler func(ctx context.Context, msg Message) error

// Producer appends payloads to a stream.
type Producer interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer delivers messages to a handler until its context ends.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
