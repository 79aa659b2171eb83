package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joncooperworks/amks/config"
	"github.com/joncooperworks/amks/crypto/envelope"
	"github.com/joncooperworks/amks/crypto/secure"
	"github.com/joncooperworks/amks/store"
)

var (
	exportOutput string
	importInput  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the master password and write a default config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if err := config.Save(path, shared.cfg); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Println(color.GreenString("✓") + " Config written to " + color.YellowString(path))
		}

		created, err := store.Provision(shared.opts)
		if err != nil {
			return err
		}
		if !created {
			fmt.Println(color.GreenString("✓") + " Key store already initialized")
		} else {
			fmt.Println(color.GreenString("✓") + " Master password created")
		}

		mk, err := shared.cipher.MasterKey()
		if err != nil {
			return err
		}
		fmt.Println("  Master key: " + color.CyanString(mk.Kind.String()))
		fmt.Println("  Key store:  " + color.YellowString(shared.opts.Path))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move entries with per-alias passwords under the master password",
	Long: `Move the well-known entries (` + strings.Join(store.MigrationAliases, ", ") + `) that
older versions protected with their own passwords under the master
password. Entries that cannot be read are left as they are; running the
command again retries them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		migrated := mgr.MigrateLegacyEntries(cmd.Context())
		if len(migrated) == 0 {
			fmt.Println(color.GreenString("✓") + " Nothing to migrate")
			return nil
		}
		for _, alias := range migrated {
			fmt.Println(color.GreenString("✓") + " Migrated " + color.CyanString(alias))
		}
		for _, e := range mgr.Entries() {
			if e.Scope == store.ScopeAlias {
				fmt.Println(color.YellowString("!") + " Still protected by its own password: " + color.CyanString(e.Alias))
			}
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a passphrase-protected archive of the key store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase(cmd.Context(), os.Stdin, "Export passphrase", true)
		if err != nil {
			return err
		}
		defer secure.Clear(passphrase)

		var w io.Writer = os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.OpenFile(exportOutput, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := mgr.Export(w, passphrase); err != nil {
			return err
		}
		if w != os.Stdout {
			fmt.Fprintln(os.Stderr, color.GreenString("✓")+" Exported to "+color.YellowString(exportOutput))
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace the key store with an exported archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := store.Provision(shared.opts); err != nil {
			return err
		}
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}

		// stdin carries the passphrase, so the archive must be a file.
		f, err := os.Open(importInput)
		if err != nil {
			return err
		}
		defer f.Close()
		passphrase, err := readPassphrase(cmd.Context(), os.Stdin, "Import passphrase", false)
		if err != nil {
			return err
		}
		defer secure.Clear(passphrase)
		if err := mgr.Import(f, passphrase); err != nil {
			return err
		}
		fmt.Printf("%s Imported %d entries\n", color.GreenString("✓"), len(mgr.Aliases()))
		return nil
	},
}

var masterKeyCmd = &cobra.Command{
	Use:   "master-key",
	Short: "Show which master key protects the password records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mk, err := shared.cipher.MasterKey()
		if errors.Is(err, envelope.ErrKeyUnavailable) {
			fmt.Println(color.YellowString("!") + " No master key yet; run amks init")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("  Kind:       " + color.CyanString(mk.Kind.String()))
		if mk.Generation != 0 {
			fmt.Printf("  Generated at platform level %d\n", mk.Generation)
		}
		fmt.Printf("  Platform level now %d (hardware AES from %d)\n", shared.cfg.Keystore.Level, envelope.HardwareLevel)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "out", "o", "", "archive file to create (default stdout)")
	importCmd.Flags().StringVarP(&importInput, "in", "i", "", "archive file to read")
	_ = importCmd.MarkFlagRequired("in")
}
