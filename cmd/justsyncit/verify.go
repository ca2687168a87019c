package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newVerifyCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [snapshot-id]",
		Short: "Re-validate chunk integrity, or one snapshot's content digests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			if len(args) == 1 {
				report, err := h.VerifySnapshot(ctx, args[0])
				if err != nil {
					return fmt.Errorf("verify snapshot: %w", err)
				}
				fmt.Printf("files checked: %d\n", report.FilesChecked)
				for _, issue := range report.Issues {
					fmt.Println(issue.String())
				}
				if len(report.Issues) > 0 {
					return fmt.Errorf("%d issue(s) found", len(report.Issues))
				}
				return nil
			}

			report, err := h.VerifyChunks(ctx)
			if err != nil {
				return fmt.Errorf("verify chunks: %w", err)
			}
			fmt.Printf("chunks scanned: %d\n", report.Scanned)
			for _, issue := range report.Issues {
				fmt.Println(issue.String())
			}
			if len(report.Issues) > 0 {
				return fmt.Errorf("%d issue(s) found", len(report.Issues))
			}
			return nil
		},
	}
	return cmd
}
