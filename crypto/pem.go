package crypto

import (
	gocrypto "crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/joncooperworks/amks/crypto/secure"
)

// PEM block types used for stored and exchanged material.
const (
	PEMPrivateKey  = "PRIVATE KEY"
	PEMCertificate = "CERTIFICATE"
)

// MarshalPrivateKey encodes priv as PKCS#8 DER.
func MarshalPrivateKey(priv gocrypto.Signer) ([]byte, error) {
	if _, err := keyAlgorithm(priv); err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return der, nil
}

// ParsePKCS8PrivateKey decodes PKCS#8 DER into a signer.
func ParsePKCS8PrivateKey(der []byte) (gocrypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(gocrypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	if _, err := keyAlgorithm(signer); err != nil {
		return nil, err
	}
	return signer, nil
}

// ParsePrivateKeyPEM reads a private key in PKCS#8, PKCS#1 or SEC 1 form.
// Raw DER is accepted too.
func ParsePrivateKeyPEM(data []byte) (gocrypto.Signer, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	if signer, err := ParsePKCS8PrivateKey(data); err == nil {
		return signer, nil
	} else if errors.Is(err, ErrUnsupportedKey) {
		return nil, err
	}
	if rsaKey, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return rsaKey, nil
	}
	ecKey, err := x509.ParseECPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: not PKCS#8, PKCS#1 or SEC 1")
	}
	return ecKey, nil
}

// ParseCertificatePEM reads the first certificate in data. Raw DER is
// accepted too.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != PEMCertificate {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// LoadKeyPair reads a private key and its certificate from PEM files.
func LoadKeyPair(keyPath, certPath string) (*KeyPair, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	defer secure.Clear(keyData)

	priv, err := ParsePrivateKeyPEM(keyData)
	if err != nil {
		return nil, err
	}

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	cert, err := ParseCertificatePEM(certData)
	if err != nil {
		return nil, err
	}
	return NewKeyPair(priv, cert)
}

// EncodeCertificatePEM returns cert as a PEM block.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: PEMCertificate, Bytes: cert.Raw})
}
