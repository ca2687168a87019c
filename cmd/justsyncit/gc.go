package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newGCCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim chunks with zero references past the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			result, err := h.GC(ctx)
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}

			p := newPrinter(false)
			p.kv([][2]string{
				{"candidates", fmt.Sprint(result.Candidates)},
				{"reaped", fmt.Sprint(result.Reaped)},
				{"bytes freed", fmt.Sprint(result.BytesFreed)},
			})
			return nil
		},
	}
	return cmd
}
