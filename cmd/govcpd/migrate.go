package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/govcp/internal/config"
	"github.com/cuemby/govcp/internal/log"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/spf13/cobra"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Back up the bbolt database and ensure every bucket exists",
	Long: `migrate backs up govcp.db before touching it, then opens the store
once so NewBoltStore's bucket-creation pass runs against the existing file,
bringing an older database up to the current bucket set.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "report what would be backed up without writing anything")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := log.WithComponent("migrate")

	dbPath := filepath.Join(cfg.DataDir, "govcp.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logger.Info().Str("path", dbPath).Msg("no existing database, nothing to migrate")
		return nil
	}

	backupPath := dbPath + ".backup"
	logger.Info().Str("path", backupPath).Bool("dry_run", migrateDryRun).Msg("backing up database")
	if !migrateDryRun {
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("backing up database: %w", err)
		}
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store to verify buckets: %w", err)
	}
	defer store.Close()

	workers, err := store.ListWorkers()
	if err != nil {
		return fmt.Errorf("verifying worker bucket: %w", err)
	}
	tasks, err := store.ListTasks()
	if err != nil {
		return fmt.Errorf("verifying task bucket: %w", err)
	}

	logger.Info().Int("workers", len(workers)).Int("tasks", len(tasks)).Msg("migration complete")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
