// cmd/keypool/history.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keypool-dev/keypool/internal/usage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived daily usage",
	Long: `Shows per-key daily rollups that cleanup archived out of the live
usage records, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		dbPath := filepath.Join(cfg.UsageDir(), "history.db")
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			fmt.Println("No history archive yet. Run \"keypool cleanup\" first.")
			return nil
		}

		archive, err := usage.OpenArchive(dbPath)
		if err != nil {
			return err
		}
		defer archive.Close()

		rows, err := archive.QueryRecent(historyLimit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("History archive is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		headerColor.Fprintln(w, "DATE\tKEY\tREQUESTS\tERRORS")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.Date, r.MaskedID, r.Requests, r.Errors)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 60, "maximum rows to show")
	rootCmd.AddCommand(historyCmd)
}
