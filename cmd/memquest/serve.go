package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memquest/memquest/pkg/config"
	"github.com/memquest/memquest/pkg/memory/ingest"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/server"
)

var withConsumer bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP memory service (hot path, plus optional in-process consumer)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing := initTracing(ctx, cfg)
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logging.Warnf("Tracing: shutdown failed: %v", err)
			}
		}()

		store, err := buildStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		producer, err := buildProducer(cfg)
		if err != nil {
			return err
		}

		mem := buildAdapter(cfg, store, producer)
		defer mem.Close()

		errCh := make(chan error, 2)

		if withConsumer {
			consumer, err := buildConsumer(cfg)
			if err != nil {
				return err
			}
			if consumer == nil {
				logging.Warnf("serve: --with-consumer set but no stream configured, skipping")
			} else {
				defer consumer.Close()
				dlq, closeDLQ := buildDeadLetter(cfg)
				defer closeDLQ()
				worker := ingest.NewConsumer(consumer, buildPipeline(cfg, store, dlq))
				go func() { errCh <- worker.Run(ctx) }()
			}
		}

		// Live reload covers the log level; feature toggles need a restart
		// since they decide which collaborators get constructed.
		if cfgPath != "" {
			go func() {
				// Watch blocks until ctx is cancelled, so it runs beside the server.
				if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
					if err := logging.Init(next.Logging.Level); err != nil {
						logging.Warnf("Config reload: bad log level: %v", err)
					}
				}); err != nil {
					logging.Warnf("Config reload unavailable: %v", err)
				}
			}()
		}

		httpSrv := server.New(cfg.Server.HTTPAddr, mem)
		go func() { errCh <- httpSrv.Run(ctx) }()

		// First failure wins; a cancelled context is a clean shutdown.
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withConsumer, "with-consumer", false, "also run the cold-path consumer in this process")
	rootCmd.AddCommand(serveCmd)
}
