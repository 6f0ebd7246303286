package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	dbfs "github.com/garnizeh/redmine-rag/db"
	"github.com/garnizeh/redmine-rag/internal/config"
	"github.com/garnizeh/redmine-rag/internal/db"
)

var backupOut string

func init() {
	dbBackupCmd.Flags().StringVar(&backupOut, "out", "", "Backup file (default: <database_path>.bak)")
	dbCmd.AddCommand(dbInitCmd, dbBackupCmd, dbRestoreCmd)
	rootCmd.AddCommand(dbCmd)
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Initialize, back up or restore the database",
}

func openDB(cmd *cobra.Command) (*config.Config, *db.DB, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	d, err := db.New(cmd.Context(), cfg.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, d, nil
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Apply migrations and seed the schema registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := db.Migrate(cmd.Context(), d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database %s initialized\n", cfg.DatabasePath)
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a consistent snapshot of the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()
		out := backupOut
		if out == "" {
			out = cfg.DatabasePath + ".bak"
		}
		if err := d.Backup(cmd.Context(), out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", out)
		return nil
	},
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore <backup>",
	Short: "Replace the database with a backup; stop the server first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if err := db.Restore(args[0], cfg.DatabasePath); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "database %s restored from %s\n", cfg.DatabasePath, args[0])
		fmt.Fprintln(out, "run 'ragctl reindex --full' to rebuild the vector store")
		return nil
	},
}
