// Package credential loads the issuer's signing certificate from its
// password-protected PKCS#12 bundle.
package credential

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"go.uber.org/zap"
	"golang.org/x/crypto/pkcs12"
)

// Credential is a decoded signing identity. It lives for one job and is never
// cached.
type Credential struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// GetKeyPair returns the key and the DER leaf certificate for XML signing
func (c *Credential) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	if c == nil || c.PrivateKey == nil || c.Certificate == nil {
		return nil, nil, errors.New("credential not loaded")
	}
	return c.PrivateKey, c.Certificate.Raw, nil
}

// TLSCertificate returns the identity for mutual TLS with the authority
func (c *Credential) TLSCertificate() tls.Certificate {
	cert := tls.Certificate{
		Certificate: [][]byte{c.Certificate.Raw},
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
	for _, ca := range c.Chain {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert
}

// BundleReader fetches the stored PKCS#12 bundle
type BundleReader interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Loader fetches, decrypts and decodes signing credentials
type Loader struct {
	bundles BundleReader
	cipher  *Cipher
	clock   shared.Clock
	logger  *zap.Logger
}

// NewLoader creates a Loader
func NewLoader(bundles BundleReader, cipher *Cipher, clock shared.Clock, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{bundles: bundles, cipher: cipher, clock: clock, logger: logger}
}

// Load returns the company's credential. Every failure is a
// fiscal.CredentialError.
func (l *Loader) Load(ctx context.Context, ref fiscal.CredentialRef) (*Credential, error) {
	if strings.TrimSpace(ref.BundlePath) == "" {
		return nil, fiscal.NewCredentialError("no certificate bundle configured", nil)
	}
	if ref.EncryptedPassword == "" {
		return nil, fiscal.NewCredentialError("no certificate password configured", nil)
	}

	bundle, err := l.bundles.Get(ctx, ref.BundlePath)
	if err != nil {
		return nil, fiscal.NewCredentialError("failed to fetch certificate bundle", err)
	}

	password, err := l.cipher.Decrypt(ref.EncryptedPassword)
	if err != nil {
		return nil, fiscal.NewCredentialError("failed to decrypt certificate password", err)
	}

	cred, err := Decode(bundle, password)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	if now.Before(cred.Certificate.NotBefore) {
		return nil, fiscal.NewCredentialError(
			fmt.Sprintf("certificate not valid before %s", cred.Certificate.NotBefore.Format("2006-01-02")), nil)
	}
	if now.After(cred.Certificate.NotAfter) {
		return nil, fiscal.NewCredentialError(
			fmt.Sprintf("certificate expired on %s", cred.Certificate.NotAfter.Format("2006-01-02")), nil)
	}

	l.logger.Debug("Loaded signing credential",
		zap.String("subject", cred.Certificate.Subject.CommonName),
		zap.Time("not_after", cred.Certificate.NotAfter),
	)
	return cred, nil
}

// Decode parses a PKCS#12 bundle. The leaf is the certificate whose public
// key matches the private key; the others form the chain.
func Decode(bundle []byte, password string) (*Credential, error) {
	blocks, err := pkcs12.ToPEM(bundle, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, fiscal.NewCredentialError("wrong certificate password", err)
		}
		return nil, fiscal.NewCredentialError("failed to decode certificate bundle", err)
	}

	var key *rsa.PrivateKey
	var certs []*x509.Certificate
	for _, block := range blocks {
		switch block.Type {
		case "PRIVATE KEY":
			key, err = parsePrivateKey(block.Bytes)
			if err != nil {
				return nil, fiscal.NewCredentialError("failed to parse private key", err)
			}
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fiscal.NewCredentialError("failed to parse certificate", err)
			}
			certs = append(certs, cert)
		}
	}
	if key == nil {
		return nil, fiscal.NewCredentialError("bundle has no private key", nil)
	}

	cred := &Credential{PrivateKey: key}
	for _, cert := range certs {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if cred.Certificate == nil && ok && pub.Equal(&key.PublicKey) {
			cred.Certificate = cert
			continue
		}
		cred.Chain = append(cred.Chain, cert)
	}
	if cred.Certificate == nil {
		return nil, fiscal.NewCredentialError("bundle has no certificate for its private key", nil)
	}
	return cred, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key must be RSA")
	}
	return key, nil
}
