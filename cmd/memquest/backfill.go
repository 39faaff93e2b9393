package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memquest/memquest/pkg/memory"
)

var backfillFile string

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-ingest events from a JSONL file through the pipeline",
	Long:  "Reads one event payload per line and runs each through redact/decide/embed/upsert\ndirectly, bypassing the event stream. Deterministic ids make re-runs safe.",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(backfillFile)
		if err != nil {
			return fmt.Errorf("failed to open events file: %w", err)
		}
		defer f.Close()

		store, err := buildStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		dlq, closeDLQ := buildDeadLetter(cfg)
		defer closeDLQ()
		pipeline := buildPipeline(cfg, store, dlq)

		counts := map[memory.IngestStatus]int{}
		lineNo := 0
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			result := pipeline.ProcessRaw(cmd.Context(), []byte(line))
			counts[result.Status]++
			if result.Status == memory.StatusError {
				fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %s\n", lineNo, result.Reason)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed reading events file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "stored=%d skipped=%d error=%d\n",
			counts[memory.StatusStored], counts[memory.StatusSkipped], counts[memory.StatusError])
		return nil
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFile, "file", "", "path to a JSONL file of event payloads")
	_ = backfillCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(backfillCmd)
}
