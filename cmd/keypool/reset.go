// cmd/keypool/reset.go
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keypool-dev/keypool/internal/locking"
	"github.com/keypool-dev/keypool/internal/usage"
)

var (
	resetAll      bool
	resetKeyIndex int
	resetYes      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete persisted usage records (irreversible)",
	Long: `Deletes the persisted usage record for one key (--key-index, zero
based, in config order) or for every key (--all). The next request
starts the key's daily accounting from zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetAll && resetKeyIndex < 0 {
			return fmt.Errorf("pass --all or --key-index N")
		}

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

		what := "ALL usage records"
		if !resetAll {
			if resetKeyIndex >= len(cfg.Keys) {
				return fmt.Errorf("--key-index %d out of range (%d keys configured)",
					resetKeyIndex, len(cfg.Keys))
			}
			what = fmt.Sprintf("the usage record for key %s",
				usage.MaskKey(cfg.Keys[resetKeyIndex]))
		}

		if !resetYes && !confirm(fmt.Sprintf("Delete %s? This cannot be undone", what)) {
			fmt.Println("Aborted.")
			return nil
		}

		if resetAll {
			if err := store.ResetAll(); err != nil {
				return err
			}
			fmt.Println("All usage records deleted.")
			return nil
		}

		if err := store.Reset(cfg.Keys[resetKeyIndex]); err != nil {
			return err
		}
		fmt.Printf("Usage record for %s deleted.\n", usage.MaskKey(cfg.Keys[resetKeyIndex]))
		return nil
	},
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func init() {
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every key's record")
	resetCmd.Flags().IntVar(&resetKeyIndex, "key-index", -1, "reset one key by its position in the config")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}
