package crypto

import (
	"bytes"
	gocrypto "crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/joncooperworks/amks/crypto/secure"
)

// ErrAliasNotFound is returned when an external key store has no key pair
// under the requested alias.
var ErrAliasNotFound = errors.New("alias not found in key store")

// LoadPKCS12 reads the key pair from a PKCS#12 (.p12, .pfx) file.
func LoadPKCS12(path string, password []byte) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCS#12 file: %w", err)
	}
	defer secure.Clear(data)

	priv, cert, _, err := pkcs12.DecodeChain(data, string(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 file: %w", err)
	}
	signer, ok := priv.(gocrypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, priv)
	}
	return NewKeyPair(signer, cert)
}

func loadJKS(path string, password []byte) (keystore.KeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keystore.KeyStore{}, fmt.Errorf("failed to read JKS file: %w", err)
	}
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(data), append([]byte(nil), password...)); err != nil {
		return keystore.KeyStore{}, fmt.Errorf("failed to load JKS file: %w", err)
	}
	return ks, nil
}

// ListJKSAliases returns the aliases of the private key entries in a Java
// key store, sorted.
func ListJKSAliases(path string, password []byte) ([]string, error) {
	ks, err := loadJKS(path, password)
	if err != nil {
		return nil, err
	}
	var aliases []string
	for _, alias := range ks.Aliases() {
		if ks.IsPrivateKeyEntry(alias) {
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	return aliases, nil
}

// LoadJKS reads the key pair stored under alias in a Java key store. A nil
// keyPassword means the entry shares the store password.
func LoadJKS(path string, storePassword []byte, alias string, keyPassword []byte) (*KeyPair, error) {
	ks, err := loadJKS(path, storePassword)
	if err != nil {
		return nil, err
	}
	if !ks.IsPrivateKeyEntry(alias) {
		return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	if keyPassword == nil {
		keyPassword = storePassword
	}
	entry, err := ks.GetPrivateKeyEntry(alias, append([]byte(nil), keyPassword...))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s: %w", alias, err)
	}
	defer secure.Clear(entry.PrivateKey)
	if len(entry.CertificateChain) == 0 {
		return nil, fmt.Errorf("entry %s has no certificate", alias)
	}

	priv, err := ParsePKCS8PrivateKey(entry.PrivateKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(entry.CertificateChain[0].Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate of %s: %w", alias, err)
	}
	return NewKeyPair(priv, cert)
}
