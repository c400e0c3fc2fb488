// cmd/keypool/cleanup.go
package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/keypool-dev/keypool/internal/locking"
	"github.com/keypool-dev/keypool/internal/usage"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old daily entries from usage records",
	Long: `Removes per-day usage entries older than the cutoff from every
record. Running totals are preserved, and pruned days are rolled into
the local history archive (see "keypool history").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		locker, err := locking.NewFileLocker(cfg.LockDir())
		if err != nil {
			return err
		}
		store, err := usage.NewStore(cfg.UsageDir(), locker, nil)
		if err != nil {
			return err
		}
		archive, err := usage.OpenArchive(filepath.Join(cfg.UsageDir(), "history.db"))
		if err != nil {
			return err
		}
		defer archive.Close()

		pruned, err := store.CleanupOlderThan(cleanupDays, archive)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d day entr%s older than %d days.\n",
			pruned, plural(pruned, "y", "ies"), cleanupDays)
		return nil
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 90, "keep this many days of per-day entries")
	rootCmd.AddCommand(cleanupCmd)
}
