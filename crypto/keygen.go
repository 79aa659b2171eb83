package crypto

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"
)

// KeyPairOptions controls key pair generation and the self-signed
// certificate issued for it.
type KeyPairOptions struct {
	// Bits is the RSA modulus size or the ECDSA curve size (256, 384, 521).
	Bits      int
	Subject   pkix.Name
	NotBefore time.Time
	Validity  time.Duration
	// SerialNumber defaults to a random 128-bit value.
	SerialNumber *big.Int
	Rand         io.Reader
}

func (o KeyPairOptions) withDefaults() KeyPairOptions {
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.NotBefore.IsZero() {
		o.NotBefore = time.Now()
	}
	if o.Validity <= 0 {
		o.Validity = 10 * 365 * 24 * time.Hour
	}
	if o.Subject.CommonName == "" && len(o.Subject.Organization) == 0 {
		o.Subject = pkix.Name{CommonName: "App Manager"}
	}
	return o
}

// GenerateRSAKeyPair creates an RSA key and a self-signed certificate for it.
func GenerateRSAKeyPair(opts KeyPairOptions) (*KeyPair, error) {
	opts = opts.withDefaults()
	if opts.Bits == 0 {
		opts.Bits = 2048
	}
	if opts.Bits < 2048 {
		return nil, fmt.Errorf("RSA key size %d is too small: minimum is 2048", opts.Bits)
	}
	priv, err := rsa.GenerateKey(opts.Rand, opts.Bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return selfSignedPair(priv, opts)
}

// GenerateECDSAKeyPair creates an ECDSA key and a self-signed certificate.
func GenerateECDSAKeyPair(opts KeyPairOptions) (*KeyPair, error) {
	opts = opts.withDefaults()
	var curve elliptic.Curve
	switch opts.Bits {
	case 0, 256:
		curve = elliptic.P256()
	case 384:
		curve = elliptic.P384()
	case 521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported ECDSA curve size %d", opts.Bits)
	}
	priv, err := ecdsa.GenerateKey(curve, opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return selfSignedPair(priv, opts)
}

func selfSignedPair(priv gocrypto.Signer, opts KeyPairOptions) (*KeyPair, error) {
	cert, err := SelfSign(priv, opts)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PrivateKey: priv, Certificate: cert}, nil
}

// SelfSign issues a certificate for priv's public key, signed by priv.
func SelfSign(priv gocrypto.Signer, opts KeyPairOptions) (*x509.Certificate, error) {
	opts = opts.withDefaults()
	serial := opts.SerialNumber
	if serial == nil {
		var err error
		serial, err = rand.Int(opts.Rand, new(big.Int).Lsh(big.NewInt(1), 128))
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               opts.Subject,
		Issuer:                opts.Subject,
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(opts.Rand, template, template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
