package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"justsyncit/internal/metastore"
)

func newSnapshotsCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect and manage recorded snapshots",
	}
	cmd.AddCommand(
		newSnapshotsListCmd(logger),
		newSnapshotsInfoCmd(logger),
		newSnapshotsDeleteCmd(logger),
		newSnapshotsVerifyCmd(logger),
	)
	return cmd
}

func newSnapshotsVerifyCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <snapshot-id>",
		Short: "Recompute and compare one snapshot's file content digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

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
		},
	}
	return cmd
}

func newSnapshotsListCmd(logger *slog.Logger) *cobra.Command {
	var jsonOut bool
	var order string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			snapshots, err := h.Meta.ListSnapshots(ctx, metastore.SortOrder(order))
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}

			p := newPrinter(jsonOut)
			if jsonOut {
				return p.printJSON(snapshots)
			}
			var rows [][]string
			for _, s := range snapshots {
				rows = append(rows, []string{
					s.SnapshotID, s.Name, string(s.Status),
					s.CreatedAt.Format("2006-01-02 15:04:05"),
					fmt.Sprint(s.FileCount), fmt.Sprint(s.TotalSize),
				})
			}
			p.table([]string{"ID", "NAME", "STATUS", "CREATED", "FILES", "SIZE"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	cmd.Flags().StringVar(&order, "sort", string(metastore.SortCreatedAtDesc), "sort order: created_at_desc, created_at_asc, name")
	return cmd
}

func newSnapshotsInfoCmd(logger *slog.Logger) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "info <snapshot-id>",
		Short: "Show one snapshot's details and file list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			snap, err := h.Meta.GetSnapshot(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get snapshot: %w", err)
			}
			files, err := h.Meta.ListFiles(ctx, args[0])
			if err != nil {
				return fmt.Errorf("list files: %w", err)
			}

			p := newPrinter(jsonOut)
			if jsonOut {
				return p.printJSON(struct {
					Snapshot any `json:"snapshot"`
					Files    any `json:"files"`
				}{snap, files})
			}
			p.kv([][2]string{
				{"id", snap.SnapshotID},
				{"name", snap.Name},
				{"description", snap.Description},
				{"status", string(snap.Status)},
				{"created", snap.CreatedAt.Format("2006-01-02 15:04:05")},
				{"files", strconv.FormatInt(snap.FileCount, 10)},
				{"chunks", strconv.FormatInt(snap.ChunkCount, 10)},
				{"total size", strconv.FormatInt(snap.TotalSize, 10)},
			})
			var rows [][]string
			for _, f := range files {
				rows = append(rows, []string{f.Path, string(f.Kind), fmt.Sprint(f.Size)})
			}
			p.table([]string{"PATH", "KIND", "SIZE"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func newSnapshotsDeleteCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot's metadata (chunks are reclaimed by a later gc)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			h, err := openHandle(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer h.Close()

			if err := h.Meta.DeleteSnapshot(ctx, args[0]); err != nil {
				return fmt.Errorf("delete snapshot: %w", err)
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
	return cmd
}
