// cmd/keypool/version.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the keypool version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("keypool version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
