package ingest

import (
	"context"
	"fmt"

	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/stream"
)

// Consumer drives the pipeline from an event stream. Terminal pipeline
// outcomes acknowledge the message, including parse failures: a poison
// payload must not circle through the group forever. Only a panic leaves the
// message pending, mirroring a crashed consumer.
type Consumer struct {
	stream   stream.Consumer
	pipeline *Pipeline
}

// NewConsumer creates a Consumer.
func NewConsumer(s stream.Consumer, p *Pipeline) *Consumer {
	return &Consumer{stream: s, pipeline: p}
}

// Run blocks consuming events until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	logging.Infof("Cold ingestion consumer starting")
	return c.stream.Consume(ctx, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg stream.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message %s: %v", msg.ID, r)
		}
	}()

	result := c.pipeline.ProcessRaw(ctx, msg.Payload)
	logging.Debugf("Consumer: message %s -> %s (%s)", msg.ID, result.Status, result.Reason)
	return nil
}
