// cmd/keypool/run.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a command with a reserved key from the pool",
	Long: `Reserves the least-loaded key with quota left, exports it to the
child process as KEYPOOL_KEY, and runs the command under the pool's
discipline: one in-flight call per key across all processes, usage
recorded, mandatory delay applied afterwards.

Shell workers on the same machine can each invoke "keypool run" and
share the pool safely without any coordinator process.`,
	Example: `  keypool run -- ./analyze-filing --input 10k.txt
  KEYPOOL_API_KEYS=k1,k2 keypool run -- sh -c 'call-api "$KEYPOOL_KEY"'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		key, ok := c.Reserve()
		if !ok {
			badColor.Fprintln(os.Stderr, "No key available: pool is exhausted for today.")
			os.Exit(2)
		}
		defer c.Release(key)

		_, err = c.Run(cmd.Context(), key, func(ctx context.Context) (any, error) {
			child := exec.CommandContext(ctx, args[0], args[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			child.Env = append(os.Environ(), "KEYPOOL_KEY="+key)
			return nil, child.Run()
		})
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				os.Exit(exitErr.ExitCode())
			}
			return fmt.Errorf("run command: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
