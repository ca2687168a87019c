package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newPushCmd(logger *slog.Logger) *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "push <snapshot-id> <addr>",
		Short: "Stream a snapshot's files to a peer's serve endpoint",
		Args:  cobra.ExactArgs(2),
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

			if err := h.Push(ctx, nodeID, args[1], args[0]); err != nil {
				return fmt.Errorf("push: %w", err)
			}
			fmt.Printf("pushed %s to %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "this node's identifier (defaults to the hostname, or a random uuid if it cannot be read)")
	return cmd
}
