// Command justsyncit is the content-addressed, deduplicating backup
// engine's CLI: backup, restore, snapshot management, integrity
// verification, garbage collection, and peer transfer.
//
// Logging: a single base logger is created here, wrapped in a
// ComponentFilterHandler seeded with justsyncit's per-component level
// defaults (internal/logging.DefaultComponentLevels), then passed down via
// dependency injection; components scope it with their own component
// attribute and --log-level-component can override a component's level at
// runtime. No global slog configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"justsyncit/internal/core"
	"justsyncit/internal/logging"
)

var version = "dev"

func main() {
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(textHandler, slog.LevelInfo)
	for component, level := range logging.DefaultComponentLevels() {
		filterHandler.SetLevel(component, level)
	}
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "justsyncit",
		Short: "Content-addressed, deduplicating backup engine",
	}
	rootCmd.PersistentFlags().String("home", defaultHome(), "store home directory")
	var logLevels []string
	rootCmd.PersistentFlags().StringArrayVar(&logLevels, "log-level-component", nil,
		`override a component's minimum log level, e.g. --log-level-component transfer=debug`)
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return applyComponentLevels(filterHandler, logLevels)
	}

	rootCmd.AddCommand(
		newBackupCmd(logger),
		newRestoreCmd(logger),
		newSnapshotsCmd(logger),
		newVerifyCmd(logger),
		newGCCmd(logger),
		newServeCmd(logger),
		newPushCmd(logger),
		newPullCmd(logger),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyComponentLevels parses "component=level" overrides (as collected by
// --log-level-component) and applies them to handler.
func applyComponentLevels(handler *logging.ComponentFilterHandler, overrides []string) error {
	for _, o := range overrides {
		component, levelName, ok := strings.Cut(o, "=")
		if !ok {
			return fmt.Errorf("invalid --log-level-component %q, want component=level", o)
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(levelName)); err != nil {
			return fmt.Errorf("invalid --log-level-component %q: %w", o, err)
		}
		handler.SetLevel(component, level)
	}
	return nil
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.justsyncit"
	}
	return ".justsyncit"
}

// openHandle loads config from --home and wires a core.Handle. Callers are
// responsible for closing it.
func openHandle(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*core.Handle, error) {
	home, err := cmd.Flags().GetString("home")
	if err != nil {
		return nil, err
	}
	cfg, err := core.Load(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return core.Wire(cfg, logger)
}

func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
