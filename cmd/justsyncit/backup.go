package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"justsyncit/internal/scanner"
)

func newBackupCmd(logger *slog.Logger) *cobra.Command {
	var (
		name          string
		description   string
		includeGlobs  []string
		excludeGlobs  []string
		includeHidden bool
		symlinkPolicy string
		maxDepth      int
	)

	cmd := &cobra.Command{
		Use:   "backup <root>",
		Short: "Scan a directory tree and record a new snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			if name == "" {
				name = args[0]
			}

			summary, err := h.Backup(ctx, name, description, scanner.Options{
				Root:          args[0],
				IncludeGlobs:  includeGlobs,
				ExcludeGlobs:  excludeGlobs,
				IncludeHidden: includeHidden,
				SymlinkPolicy: scanner.SymlinkPolicy(symlinkPolicy),
				MaxDepth:      maxDepth,
			})
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}

			p := newPrinter(false)
			p.kv([][2]string{
				{"snapshot", summary.Snapshot.SnapshotID},
				{"files ok", fmt.Sprint(summary.FilesOK)},
				{"files failed", fmt.Sprint(summary.FilesFailed)},
				{"chunks new", fmt.Sprint(summary.ChunksNew)},
				{"chunks reused", fmt.Sprint(summary.ChunksReused)},
			})
			for path, ferr := range summary.Failed {
				fmt.Printf("failed: %s: %v\n", path, ferr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "snapshot name (defaults to the scanned root)")
	cmd.Flags().StringVar(&description, "description", "", "snapshot description")
	cmd.Flags().StringSliceVar(&includeGlobs, "include", nil, "include glob (repeatable)")
	cmd.Flags().StringSliceVar(&excludeGlobs, "exclude", nil, "exclude glob (repeatable)")
	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "include dotfiles and dot-directories")
	cmd.Flags().StringVar(&symlinkPolicy, "symlinks", string(scanner.SymlinkRecord), "symlink handling: follow, record, skip")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum walk depth (0 = unlimited)")
	return cmd
}
