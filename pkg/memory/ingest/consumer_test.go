package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/memory/index"
	"github.com/memquest/memquest/pkg/stream"
)

func TestConsumer_ProcessesStreamedEvents(t *testing.T) {
	store := index.NewInMemoryStore()
	pipeline := newTestPipeline(store, &recordingDLQ{})
	events := stream.NewChannelStream(8)
	consumer := NewConsumer(events, pipeline)

	good := eventPayload(t, memory.MemoryEvent{
		TenantID:  "t1",
		UserID:    "u1",
		Timestamp: 1,
		Text:      "I always rent compact cars when traveling for work.",
	})
	require.NoError(t, events.Send(context.Background(), good))
	require.NoError(t, events.Send(context.Background(), []byte("{poison payload")))
	require.NoError(t, events.Close())

	err := consumer.Run(context.Background())
	require.NoError(t, err, "a drained closed stream ends the run cleanly")

	assert.Equal(t, 1, store.Count(), "the good event stored, the poison one terminal")
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	pipeline := newTestPipeline(index.NewInMemoryStore(), &recordingDLQ{})
	events := stream.NewChannelStream(1)
	defer events.Close()
	consumer := NewConsumer(events, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}

func TestConsumer_RecoversFromPanic(t *testing.T) {
	// A nil pipeline panics on first use; the handler converts that into an
	// error instead of crashing the consumer loop.
	events := stream.NewChannelStream(1)
	consumer := NewConsumer(events, nil)

	require.NoError(t, events.Send(context.Background(), []byte("{}")))
	require.NoError(t, events.Close())

	assert.NotPanics(t, func() {
		_ = consumer.Run(context.Background())
	})
}
