package main

import (
	"github.com/spf13/cobra"

	"github.com/memquest/memquest/pkg/server"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory plane as MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		return server.ServeMCPStdio(server.NewMCPServer(version, mem))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
