// Package main provides a tool for backing up and restoring the relay's
// service registry, and for moving it between store providers.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/logging"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
	"github.com/KennLDN/mc-panel-docker/internal/server"
	"github.com/KennLDN/mc-panel-docker/internal/store"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
	defaultTimeout  = 30 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "registry-migrator",
		Short:         "Back up, restore and migrate the mc-relay service registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "mc-relay configuration file selecting the store")
	cmd.PersistentFlags().Duration("timeout", defaultTimeout, "Overall store operation timeout")

	cmd.AddCommand(exportCmd())
	cmd.AddCommand(importCmd())

	return cmd
}

// withMigrator opens the configured store and runs fn against it.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *Migrator) error) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return fmt.Errorf("failed to get timeout flag: %w", err)
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New("warn", "console")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Provider, err)
	}

	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	reg := registry.New(st, cfg.Store.Key, logger, nil)

	return fn(ctx, NewMigrator(reg, cfg.Store.Key))
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the service registry to a YAML backup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return fmt.Errorf("failed to get out flag: %w", err)
			}

			return withMigrator(cmd, func(ctx context.Context, m *Migrator) error {
				w, closeFn, err := openOutput(cmd, out)
				if err != nil {
					return err
				}

				n, err := m.Export(ctx, w)
				if cerr := closeFn(); err == nil {
					err = cerr
				}

				if err != nil {
					return err
				}

				if out != "" && out != "-" {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %d services to %s\n", n, out)
				}

				return nil
			})
		},
	}

	cmd.Flags().StringP("out", "o", "-", "Backup file, or - for stdout")

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [backup-file]",
		Short: "Load a YAML backup into the service registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			replace, err := cmd.Flags().GetBool("replace")
			if err != nil {
				return fmt.Errorf("failed to get replace flag: %w", err)
			}

			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("failed to get dry-run flag: %w", err)
			}

			f, err := os.Open(filepath.Clean(args[0]))
			if err != nil {
				return fmt.Errorf("failed to open backup: %w", err)
			}
			defer func() { _ = f.Close() }()

			backup, err := ReadBackup(f)
			if err != nil {
				return err
			}

			return withMigrator(cmd, func(ctx context.Context, m *Migrator) error {
				plan, err := m.Import(ctx, backup, replace, dryRun)
				if err != nil {
					return err
				}

				printPlan(cmd.OutOrStdout(), plan, dryRun)

				return nil
			})
		},
	}

	cmd.Flags().Bool("replace", false, "Remove services that are not in the backup")
	cmd.Flags().Bool("dry-run", false, "Show the changes without applying them")

	return cmd
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create backup file: %w", err)
	}

	return f, f.Close, nil
}

func printPlan(w io.Writer, plan Plan, dryRun bool) {
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}

	if plan.Empty() {
		_, _ = fmt.Fprintf(w, "%sRegistry already up to date (%d unchanged)\n", prefix, plan.Skipped)

		return
	}

	for _, line := range []struct {
		verb  string
		names []string
	}{
		{"create", plan.Create},
		{"move", plan.Move},
		{"remove", plan.Remove},
	} {
		if len(line.names) > 0 {
			_, _ = fmt.Fprintf(w, "%s%s: %s\n", prefix, line.verb, strings.Join(line.names, ", "))
		}
	}

	_, _ = fmt.Fprintf(w, "%sunchanged: %d\n", prefix, plan.Skipped)
}
