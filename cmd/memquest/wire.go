package main

import (
	"context"

	"github.com/memquest/memquest/pkg/config"
	"github.com/memquest/memquest/pkg/memory/adapter"
	"github.com/memquest/memquest/pkg/memory/embed"
	"github.com/memquest/memquest/pkg/memory/index"
	"github.com/memquest/memquest/pkg/memory/ingest"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/tracing"
	"github.com/memquest/memquest/pkg/stream"
)

// Construction helpers shared by the subcommands. Every collaborator
// degrades when unconfigured, so a partial wiring still starts: a
// missing Milvus address means a disabled store, a missing Redis
// address means no stream, and so on.

func buildStore(cfg *config.Config) (index.Store, error) {
	return index.NewStore(index.BackendMilvus, index.MilvusStoreOptions{
		Address:        cfg.Milvus.Address,
		CollectionName: cfg.Milvus.Collection,
		VectorDim:      cfg.Memory.VectorDim,
		Enabled:        cfg.Milvus.Address != "",
	})
}

func buildEmbedder(cfg *config.Config) *embed.Embedder {
	return embed.NewEmbedder(embed.Options{
		Endpoint:   cfg.Embedding.Endpoint,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimension:  cfg.Memory.VectorDim,
		MaxRetries: cfg.Embedding.MaxRetries,
	})
}

// buildDeadLetter returns the sink and a close function.
func buildDeadLetter(cfg *config.Config) (ingest.DeadLetter, func()) {
	if cfg.DeadLetter.PostgresDSN == "" {
		return ingest.NewLogDeadLetter(), func() {}
	}
	sink, err := ingest.NewPostgresDeadLetter(cfg.DeadLetter.PostgresDSN)
	if err != nil {
		logging.Errorf("Dead letter: postgres sink unavailable, falling back to log sink: %v", err)
		return ingest.NewLogDeadLetter(), func() {}
	}
	return sink, func() {
		if err := sink.Close(); err != nil {
			logging.Warnf("Dead letter: close failed: %v", err)
		}
	}
}

func buildPipeline(cfg *config.Config, store index.Store, dlq ingest.DeadLetter) *ingest.Pipeline {
	deciderOpts := ingest.DeciderOptions{}
	if cfg.Decider.LLMEnabled && cfg.Decider.AnthropicAPIKey != "" {
		llm, err := ingest.NewAnthropicClassifier(ingest.AnthropicClassifierOptions{
			APIKey: cfg.Decider.AnthropicAPIKey,
			Model:  cfg.Decider.Model,
		})
		if err != nil {
			logging.Warnf("Decider: LLM hook unavailable, heuristics only: %v", err)
		} else {
			deciderOpts.LLM = llm
		}
	}

	return ingest.NewPipeline(ingest.PipelineOptions{
		Redactor: ingest.NewRedactor(cfg.Redaction.Enabled, cfg.Redaction.Mode),
		Decider:  ingest.NewDecider(deciderOpts),
		Embedder: buildEmbedder(cfg),
		Upserter: ingest.NewUpserter(ingest.UpserterOptions{
			Store:      store,
			DeadLetter: dlq,
		}),
	})
}

func buildProducer(cfg *config.Config) (stream.Producer, error) {
	if cfg.Stream.RedisAddress == "" {
		return nil, nil
	}
	return stream.NewRedisProducer(stream.RedisStreamOptions{
		Address: cfg.Stream.RedisAddress,
		Stream:  cfg.Stream.Stream,
		MaxLen:  cfg.Stream.MaxLen,
	})
}

func buildConsumer(cfg *config.Config) (stream.Consumer, error) {
	if cfg.Stream.RedisAddress == "" {
		return nil, nil
	}
	return stream.NewRedisConsumer(stream.RedisStreamOptions{
		Address: cfg.Stream.RedisAddress,
		Stream:  cfg.Stream.Stream,
		Group:   cfg.Stream.Group,
	})
}

func buildAdapter(cfg *config.Config, store index.Store, producer stream.Producer) *adapter.Hybrid {
	return adapter.New(adapter.Options{
		Store:         store,
		Embedder:      buildEmbedder(cfg),
		Producer:      producer,
		Enabled:       cfg.Memory.Enabled,
		HotEnabled:    cfg.Memory.HotRetrievalEnabled,
		ColdEnabled:   cfg.Memory.ColdIngestEnabled,
		K:             cfg.Memory.K,
		RRFK:          cfg.Memory.RRFK,
		RerankEnabled: cfg.Memory.RerankEnabled,
		QueueSize:     cfg.Memory.EnqueueBuffer,
	})
}

// initTracing starts the tracer provider and returns its shutdown.
func initTracing(ctx context.Context, cfg *config.Config) func(context.Context) error {
	shutdown, err := tracing.Init(ctx, tracing.Config{
		OTLPEndpoint:  cfg.Tracing.OTLPEndpoint,
		Insecure:      cfg.Tracing.Insecure,
		Stdout:        cfg.Tracing.Stdout,
		ServiceName:   "memquest-memory",
		SamplingRatio: cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		logging.Warnf("Tracing: init failed, spans disabled: %v", err)
		return func(context.Context) error { return nil }
	}
	return shutdown
}
