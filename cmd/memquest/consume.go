package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memquest/memquest/pkg/memory/ingest"
	"github.com/memquest/memquest/pkg/observability/logging"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the cold-path consumer only",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing := initTracing(ctx, cfg)
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logging.Warnf("Tracing: shutdown failed: %v", err)
			}
		}()

		consumer, err := buildConsumer(cfg)
		if err != nil {
			return err
		}
		if consumer == nil {
			return fmt.Errorf("no event stream configured (set REDIS_ADDRESS)")
		}
		defer consumer.Close()

		store, err := buildStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		dlq, closeDLQ := buildDeadLetter(cfg)
		defer closeDLQ()

		worker := ingest.NewConsumer(consumer, buildPipeline(cfg, store, dlq))
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
