// Command amks manages an application key store: a password-protected
// container of secret keys and key pairs whose master password is sealed
// by a key in the OS key store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "amks",
		Short: "Manage the application key store",
		Long: `amks stores secret keys and key pairs in a container file protected by a
generated master password. The master password is kept encrypted in a
preference file, sealed by a master key held in the OS key store.

Examples:
  # Create the master password and an empty key store
  amks init

  # Generate a 256-bit AES key under the alias "backup_aes"
  amks gen-key backup_aes --size 256

  # Move entries written with per-alias passwords under the master password
  amks migrate`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $AMKS_CONFIG or <user config dir>/amks/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(genKeyCmd)
	rootCmd.AddCommand(genPairCmd)
	rootCmd.AddCommand(importPairCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(masterKeyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if shared != nil {
		shared.close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+err.Error())
		os.Exit(1)
	}
}
