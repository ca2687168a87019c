package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"justsyncit/internal/restore"
)

func newRestoreCmd(logger *slog.Logger) *cobra.Command {
	var (
		destination    string
		overwrite      bool
		backupExisting bool
		preserveAttrs  bool
		includeGlobs   []string
		excludeGlobs   []string
	)

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Reconstruct a snapshot's files on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			summary, err := h.Restore(ctx, restore.Options{
				SnapshotID:         args[0],
				Destination:        destination,
				Overwrite:          overwrite,
				BackupExisting:     backupExisting,
				PreserveAttributes: preserveAttrs,
				IncludeGlobs:       includeGlobs,
				ExcludeGlobs:       excludeGlobs,
			})
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}

			p := newPrinter(false)
			p.kv([][2]string{
				{"restored", fmt.Sprint(summary.Restored)},
				{"skipped", fmt.Sprint(summary.Skipped)},
				{"verified", fmt.Sprint(summary.Verified)},
			})
			for path, ferr := range summary.Failed {
				fmt.Printf("failed: %s: %v\n", path, ferr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&destination, "to", ".", "destination directory")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing files at the destination")
	cmd.Flags().BoolVar(&backupExisting, "backup-existing", false, "with --overwrite, rename conflicting existing files aside before overwriting them")
	cmd.Flags().BoolVar(&preserveAttrs, "preserve-attributes", true, "restore recorded mode and mtime")
	cmd.Flags().StringSliceVar(&includeGlobs, "include", nil, "include glob (repeatable)")
	cmd.Flags().StringSliceVar(&excludeGlobs, "exclude", nil, "exclude glob (repeatable)")
	return cmd
}
