package main

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	amkscrypto "github.com/joncooperworks/amks/crypto"
	"github.com/joncooperworks/amks/crypto/secure"
	"github.com/joncooperworks/amks/store"
)

var (
	overrideExisting bool

	genKeySize int

	genPairAlgorithm string
	genPairBits      int
	genPairSubject   string
	genPairYears     int

	importKeyPath     string
	importCertPath    string
	importPKCS12Path  string
	importJKSPath     string
	importSourceAlias string
)

func policy() store.OverridePolicy {
	if overrideExisting {
		return store.Override
	}
	return store.Reject
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the entries in the key store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		entries := mgr.Entries()
		if len(entries) == 0 {
			fmt.Println("No entries in key store")
			return nil
		}
		fmt.Printf("Entries in %s (%d):\n", color.YellowString(mgr.Path()), len(entries))
		for _, e := range entries {
			scope := e.Scope.String()
			if e.Scope == store.ScopeAlias {
				scope = color.YellowString(scope)
			}
			fmt.Printf("  - %s  %s %s  %s  %s\n", color.CyanString(e.Alias), e.Kind, e.Algorithm, scope, e.Created.Format(time.RFC3339))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <alias>",
	Short: "Show an entry",
	Long: `Show an entry's metadata. Key pairs also show their certificate; secret
keys are read to confirm they open and their size is shown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		alias := args[0]
		var info *store.EntryInfo
		for _, e := range mgr.Entries() {
			if e.Alias == alias {
				info = &e
				break
			}
		}
		if info == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, alias)
		}

		fmt.Println("  Alias:     " + color.CyanString(info.Alias))
		fmt.Println("  Kind:      " + info.Kind.String())
		fmt.Println("  Algorithm: " + info.Algorithm)
		fmt.Println("  Protected: " + info.Scope.String())
		fmt.Println("  Created:   " + info.Created.Format(time.RFC3339))

		switch info.Kind {
		case store.KindKeyPair:
			cert, err := mgr.Certificate(alias)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(cert.Raw)
			fmt.Println("  Subject:   " + cert.Subject.String())
			fmt.Println("  Expires:   " + cert.NotAfter.Format(time.RFC3339))
			fmt.Println("  SHA-256:   " + color.YellowString(hex.EncodeToString(sum[:])))
		case store.KindSecretKey:
			key, err := mgr.GetSecretKey(cmd.Context(), alias)
			if err != nil {
				return err
			}
			defer key.Destroy()
			fmt.Printf("  Size:      %d bits\n", key.Len()*8)
		}
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key <alias>",
	Short: "Generate an AES secret key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		key, err := amkscrypto.GenerateSecretKey(rand.Reader, genKeySize)
		if err != nil {
			return err
		}
		defer key.Destroy()
		if err := mgr.AddSecretKey(args[0], key, policy()); err != nil {
			return err
		}
		fmt.Printf("%s Generated %d-bit AES key %s\n", color.GreenString("✓"), genKeySize, color.CyanString(args[0]))
		return nil
	},
}

var genPairCmd = &cobra.Command{
	Use:   "gen-pair <alias>",
	Short: "Generate a key pair with a self-signed certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		opts := amkscrypto.KeyPairOptions{
			Bits:     genPairBits,
			Subject:  pkix.Name{CommonName: genPairSubject},
			Validity: time.Duration(genPairYears) * 365 * 24 * time.Hour,
		}
		var pair *amkscrypto.KeyPair
		switch genPairAlgorithm {
		case "rsa":
			pair, err = amkscrypto.GenerateRSAKeyPair(opts)
		case "ec":
			pair, err = amkscrypto.GenerateECDSAKeyPair(opts)
		default:
			return fmt.Errorf("unsupported algorithm %q, use rsa or ec", genPairAlgorithm)
		}
		if err != nil {
			return err
		}
		defer pair.Destroy()
		if err := mgr.AddKeyPair(args[0], pair, policy()); err != nil {
			return err
		}
		fmt.Printf("%s Generated %s key pair %s\n", color.GreenString("✓"), pair.Algorithm(), color.CyanString(args[0]))
		return nil
	},
}

var importPairCmd = &cobra.Command{
	Use:   "import-pair <alias>",
	Short: "Import a key pair from PEM files, a PKCS#12 file or a Java key store",
	Long: `Import a key pair under alias. The source is one of:
  --key and --cert   PEM or DER private key and certificate
  --pkcs12           a .p12 or .pfx file
  --jks              a Java key store, with --source-alias naming the entry

The PKCS#12 and JKS passwords are read from the terminal, or from the
first line of stdin. A JKS entry must share the store password.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		pair, err := loadImportedPair(cmd)
		if err != nil {
			return err
		}
		defer pair.Destroy()
		if err := mgr.AddKeyPair(args[0], pair, policy()); err != nil {
			return err
		}
		fmt.Printf("%s Imported %s key pair %s\n", color.GreenString("✓"), pair.Algorithm(), color.CyanString(args[0]))
		return nil
	},
}

func loadImportedPair(cmd *cobra.Command) (*amkscrypto.KeyPair, error) {
	switch {
	case importPKCS12Path != "":
		password, err := readPassphrase(cmd.Context(), os.Stdin, "PKCS#12 password", false)
		if err != nil {
			return nil, err
		}
		defer secure.Clear(password)
		return amkscrypto.LoadPKCS12(importPKCS12Path, password)
	case importJKSPath != "":
		if importSourceAlias == "" {
			return nil, errors.New("--jks needs --source-alias; list the aliases with amks inspect")
		}
		password, err := readPassphrase(cmd.Context(), os.Stdin, "Key store password", false)
		if err != nil {
			return nil, err
		}
		defer secure.Clear(password)
		return amkscrypto.LoadJKS(importJKSPath, password, importSourceAlias, nil)
	case importKeyPath != "" && importCertPath != "":
		return amkscrypto.LoadKeyPair(importKeyPath, importCertPath)
	default:
		return nil, errors.New("give --key and --cert, --pkcs12 or --jks")
	}
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "List the key pairs in a PKCS#12 file or Java key store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		jks, err := isJKS(path)
		if err != nil {
			return err
		}
		password, err := readPassphrase(cmd.Context(), os.Stdin, "Key store password", false)
		if err != nil {
			return err
		}
		defer secure.Clear(password)

		if jks {
			aliases, err := amkscrypto.ListJKSAliases(path, password)
			if err != nil {
				return err
			}
			fmt.Printf("Java key store %s (%d key pairs):\n", color.YellowString(path), len(aliases))
			for _, alias := range aliases {
				fmt.Println("  - " + color.CyanString(alias))
			}
			return nil
		}

		pair, err := amkscrypto.LoadPKCS12(path, password)
		if err != nil {
			return err
		}
		defer pair.Destroy()
		sum := sha256.Sum256(pair.Certificate.Raw)
		fmt.Printf("PKCS#12 file %s:\n", color.YellowString(path))
		fmt.Println("  Algorithm: " + pair.Algorithm())
		fmt.Println("  Subject:   " + pair.Certificate.Subject.String())
		fmt.Println("  SHA-256:   " + color.YellowString(hex.EncodeToString(sum[:])))
		return nil
	},
}

// jksMagic starts every Java key store file.
var jksMagic = []byte{0xfe, 0xed, 0xfe, 0xed}

func isJKS(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(jksMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	return bytes.Equal(head, jksMagic), nil
}

var removeCmd = &cobra.Command{
	Use:   "remove <alias>",
	Short: "Remove an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := shared.manager(cmd.Context())
		if err != nil {
			return err
		}
		if err := mgr.RemoveItem(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Removed %s\n", color.GreenString("✓"), color.CyanString(args[0]))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{genKeyCmd, genPairCmd, importPairCmd} {
		c.Flags().BoolVar(&overrideExisting, "override", false, "replace an existing entry with the same alias")
	}

	genKeyCmd.Flags().IntVar(&genKeySize, "size", 256, "key size in bits (128, 192 or 256)")

	genPairCmd.Flags().StringVar(&genPairAlgorithm, "algorithm", "rsa", "key algorithm: rsa or ec")
	genPairCmd.Flags().IntVar(&genPairBits, "bits", 0, "key size in bits (default 2048 for rsa, 256 for ec)")
	genPairCmd.Flags().StringVar(&genPairSubject, "subject", "App Manager", "certificate common name")
	genPairCmd.Flags().IntVar(&genPairYears, "years", 10, "certificate validity in years")

	importPairCmd.Flags().StringVar(&importKeyPath, "key", "", "PEM or DER private key file")
	importPairCmd.Flags().StringVar(&importCertPath, "cert", "", "PEM or DER certificate file")
	importPairCmd.Flags().StringVar(&importPKCS12Path, "pkcs12", "", "PKCS#12 (.p12, .pfx) file")
	importPairCmd.Flags().StringVar(&importJKSPath, "jks", "", "Java key store file")
	importPairCmd.Flags().StringVar(&importSourceAlias, "source-alias", "", "entry to import from the Java key store")
	importPairCmd.MarkFlagsRequiredTogether("key", "cert")
	importPairCmd.MarkFlagsMutuallyExclusive("key", "pkcs12", "jks")
}
