package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept incoming peer transfers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			if nodeID == "" {
				nodeID = defaultNodeID()
			}

			fmt.Printf("listening on %s as node %s\n", h.Config.TransferListenAddr, nodeID)
			return h.Serve(ctx, nodeID)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "this node's identifier (defaults to the hostname, or a random uuid if it cannot be read)")
	return cmd
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host
}
