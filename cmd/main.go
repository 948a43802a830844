package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"ledgermigrate/internal/app"
	"ledgermigrate/internal/config"
	"ledgermigrate/internal/logger"
	"ledgermigrate/internal/run"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	format     string
	backupID   string
)

var rootCmd = &cobra.Command{
	Use:   "ledgermigrate",
	Short: "Migrate legacy time-tracking files into per-user billing ledgers",
	Long: `A resumable migration engine that moves flat-file session logs, tasks and milestones
into an isolated per-user ledger store, with backups, checkpoints, rollback and billing validation.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	pf.StringVar(&format, "format", "json", "Report format (json/yaml)")

	pf.String("repo", ".", "Repository root")
	pf.String("state-dir", "", "Engine state directory (default <repo>/.ledgermigrate)")
	pf.String("source-dir", "", "Legacy source directory (default <repo>/.timetrack)")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")
	pf.String("log-file", "", "Also write JSON logs to this rotated file")

	// Migration flags
	pf.Int("batch-size", 100, "Records committed per batch")
	pf.Bool("encrypt-users", false, "Encrypt session payloads of every ledger")
	pf.Bool("anonymize", false, "Replace user identities with salted tokens")
	pf.String("anonymize-salt", "", "Anonymization salt (default: generated and kept in the state directory)")
	pf.String("key-file", "", "Ledger encryption key file (default <state-dir>/ledger.key)")
	pf.Bool("skip-parse-errors", false, "Skip malformed legacy records instead of aborting")
	pf.Bool("show-progress", true, "Show progress display while migrating")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	pf.Int("workers", 4, "Concurrent ledger writers")

	rollbackCmd.Flags().StringVar(&backupID, "backup-id", "", "Backup to restore (default: the most recent)")

	backupsCmd.AddCommand(backupsListCmd, backupsPruneCmd)
	rootCmd.AddCommand(
		modeCommand(run.ModeDryRun, "Parse the legacy files and report what would be migrated"),
		modeCommand(run.ModeExecute, "Back up, migrate and validate the legacy files"),
		modeCommand(run.ModeValidate, "Compare the migrated ledgers with the legacy billing total"),
		modeCommand(run.ModeResume, "Continue an interrupted migration from its last checkpoint"),
		rollbackCmd,
		unlockCmd,
		backupsCmd,
	)
}

func modeCommand(mode run.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, mode, app.Options{})
		},
	}
}

var rollbackCmd = &cobra.Command{
	Use:   string(run.ModeRollback),
	Short: "Restore the pre-migration state from a backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, run.ModeRollback, app.Options{BackupID: backupID})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Remove the lock marker of a run that is no longer alive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(_ context.Context, engine *app.Engine, _ *zap.Logger) error {
			marker, err := engine.Unlock()
			if err != nil {
				return err
			}
			if marker == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No lock held")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed stale lock of run %s (pid %d on %s)\n", marker.RunID, marker.PID, marker.Hostname)
			return nil
		})
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and prune migration backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(_ context.Context, engine *app.Engine, _ *zap.Logger) error {
			backups, err := engine.Backups()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tFILES\tMIRRORED")
			for _, b := range backups {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", b.ID, b.CreatedAt.Format("2006-01-02 15:04:05"), len(b.Entries), b.Mirrored)
			}
			return w.Flush()
		})
	},
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups outside the retention policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, engine *app.Engine, log *zap.Logger) error {
			pruned, err := engine.PruneBackups(ctx)
			for _, id := range pruned {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if err != nil {
				return err
			}
			log.Info("Backup pruning finished", zap.Int("pruned", len(pruned)))
			return nil
		})
	},
}

func runMode(cmd *cobra.Command, mode run.Mode, opts app.Options) error {
	return withEngine(cmd, func(ctx context.Context, engine *app.Engine, log *zap.Logger) error {
		rep, err := engine.Run(ctx, mode, opts)
		if rep != nil {
			if renderErr := rep.Render(cmd.OutOrStdout(), format); renderErr != nil {
				log.Error("Failed to render report", zap.Error(renderErr))
			}
		}
		return err
	})
}

// withEngine loads configuration, builds the engine and cancels the context
// on SIGINT or SIGTERM
func withEngine(cmd *cobra.Command, fn func(context.Context, *app.Engine, *zap.Logger) error) error {
	// Load configuration
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	engine, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, stopping after the current batch...")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = fn(ctx, engine, log)

	if closeErr := engine.Close(); closeErr != nil {
		log.Error("Error closing engine", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
