package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sebastianm/agentmux/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentmux",
		Short: "Multi-tenant supervisor for AI coding agent sessions",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session gateway",
		RunE: func(_ *cobra.Command, _ []string) error {
			return server.New(server.Opts{ListenAddr: listenAddr}).Start()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address to listen on (e.g. :8090)")
	return cmd
}
