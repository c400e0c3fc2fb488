// cmd/keypool/status.go
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/keypool-dev/keypool/internal/locking"
	"github.com/keypool-dev/keypool/internal/pool"
	"github.com/keypool-dev/keypool/internal/usage"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show today's usage across the key pool",
	Example: `  # View pool status with colors
  keypool status

  # View status without colors (for scripts/logging)
  keypool status --no-color`,
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
		p := pool.New(store, cfg.DailyLimit, cfg.WarningThreshold)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		if len(cfg.Keys) > 0 {
			s := p.Summary(cfg.Keys)
			headerColor.Fprintln(w, "--- keypool status ---")
			fmt.Fprintf(w, "Keys:\t%d (%d available)\n", s.TotalKeys, s.AvailableKeys)
			fmt.Fprintf(w, "Used today:\t%d\n", s.TotalUsedToday)
			fmt.Fprintf(w, "Remaining today:\t%d\n", s.TotalRemainingToday)
			fmt.Fprintf(w, "Utilization:\t%.1f%%\n", s.UtilizationPercent)
			if s.NearLimitCount > 0 {
				warnColor.Fprintf(w, "Near limit:\t%d key(s)\n", s.NearLimitCount)
			}

			headerColor.Fprintln(w, "\nKEY\tUSED\tLIMIT\tREMAINING\tSTATE")
			for _, key := range cfg.Keys {
				printKeyRow(w, store, usage.MaskKey(key),
					store.UsageToday(key), cfg.DailyLimit,
					store.IsNearLimit(key, cfg.DailyLimit, cfg.WarningThreshold))
			}
			return nil
		}

		// No keys configured: fall back to whatever records exist on
		// disk so operators can still inspect past usage.
		recs := store.Records()
		if len(recs) == 0 {
			fmt.Fprintln(w, "No keys configured and no usage records found.")
			return nil
		}
		headerColor.Fprintln(w, "KEY\tUSED TODAY\tTOTAL\tERRORS")
		today := time.Now().UTC().Format(usage.DateFormat)
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n",
				rec.MaskedID, rec.UsageOn(today), rec.TotalRequests, rec.TotalErrors)
		}
		return nil
	},
}

func printKeyRow(w *tabwriter.Writer, store *usage.Store, masked string, used, limit int, nearLimit bool) {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	switch {
	case remaining == 0:
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t", masked, used, limit, remaining)
		badColor.Fprintln(w, "exhausted")
	case nearLimit:
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t", masked, used, limit, remaining)
		warnColor.Fprintln(w, "near limit")
	default:
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t", masked, used, limit, remaining)
		goodColor.Fprintln(w, "ok")
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
