package main

import (
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/spf13/cobra"

	"github.com/memquest/memquest/pkg/memory/index"
)

var createCollectionCmd = &cobra.Command{
	Use:   "create-collection",
	Short: "Provision the memory collection and its indexes (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Milvus.Address == "" {
			return fmt.Errorf("no document store configured (set MILVUS_ADDRESS)")
		}

		c, err := client.NewGrpcClient(cmd.Context(), cfg.Milvus.Address)
		if err != nil {
			return fmt.Errorf("failed to connect to milvus at %s: %w", cfg.Milvus.Address, err)
		}
		defer c.Close()

		return index.EnsureCollection(cmd.Context(), c, cfg.Milvus.Collection, cfg.Memory.VectorDim)
	},
}

func init() {
	rootCmd.AddCommand(createCollectionCmd)
}
