package credential

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bundlePath     = "credentials/company.pfx"
	bundlePassword = "fiscal-test"
)

type mapBundles map[string][]byte

func (m mapBundles) Get(_ context.Context, path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func testKey() []byte {
	return bytes.Repeat([]byte{7}, KeySize)
}

func clockAt(t time.Time) shared.Clock {
	return func() time.Time { return t }
}

func newTestLoader(t *testing.T, now time.Time) (*Loader, fiscal.CredentialRef) {
	t.Helper()
	bundle, err := os.ReadFile("testdata/company.pfx")
	require.NoError(t, err)

	c, err := NewCipher(testKey())
	require.NoError(t, err)
	encrypted, err := c.Encrypt(bundlePassword)
	require.NoError(t, err)

	loader := NewLoader(mapBundles{bundlePath: bundle}, c, clockAt(now), nil)
	return loader, fiscal.CredentialRef{BundlePath: bundlePath, EncryptedPassword: encrypted}
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	a, err := c.Encrypt("s3cret")
	require.NoError(t, err)
	b, err := c.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must differ per encryption")

	plain, err := c.Decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestCipher_Errors(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)

	c, err := NewCipher(testKey())
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = c.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	other, err := NewCipher(bytes.Repeat([]byte{9}, KeySize))
	require.NoError(t, err)
	sealed, err := other.Encrypt("s3cret")
	require.NoError(t, err)
	_, err = c.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestLoader_Load(t *testing.T) {
	loader, ref := newTestLoader(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	cred, err := loader.Load(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "EMPRESA TESTE LTDA:12345678000195", cred.Certificate.Subject.CommonName)
	assert.Empty(t, cred.Chain)

	key, der, err := cred.GetKeyPair()
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(cred.Certificate.PublicKey))
	assert.Equal(t, cred.Certificate.Raw, der)

	tlsCert := cred.TLSCertificate()
	assert.Len(t, tlsCert.Certificate, 1)
	assert.Same(t, cred.Certificate, tlsCert.Leaf)
}

func TestLoader_Load_Failures(t *testing.T) {
	valid := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		now    time.Time
		mutate func(ref *fiscal.CredentialRef)
		reason string
	}{
		{
			name:   "no bundle",
			now:    valid,
			mutate: func(ref *fiscal.CredentialRef) { ref.BundlePath = "" },
			reason: "no certificate bundle configured",
		},
		{
			name:   "no password",
			now:    valid,
			mutate: func(ref *fiscal.CredentialRef) { ref.EncryptedPassword = "" },
			reason: "no certificate password configured",
		},
		{
			name:   "bundle missing from store",
			now:    valid,
			mutate: func(ref *fiscal.CredentialRef) { ref.BundlePath = "credentials/other.pfx" },
			reason: "failed to fetch certificate bundle",
		},
		{
			name:   "password not decryptable",
			now:    valid,
			mutate: func(ref *fiscal.CredentialRef) { ref.EncryptedPassword = "bm90LXNlYWxlZC12YWx1ZS1hdC1hbGw=" },
			reason: "failed to decrypt certificate password",
		},
		{
			name:   "expired",
			now:    time.Date(2127, 1, 1, 0, 0, 0, 0, time.UTC),
			reason: "certificate expired on 2126-09-24",
		},
		{
			name:   "not yet valid",
			now:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			reason: "certificate not valid before 2026-10-18",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader, ref := newTestLoader(t, tt.now)
			if tt.mutate != nil {
				tt.mutate(&ref)
			}

			_, err := loader.Load(context.Background(), ref)
			var credErr *fiscal.CredentialError
			require.ErrorAs(t, err, &credErr)
			assert.Equal(t, tt.reason, credErr.Reason)
			assert.False(t, credErr.Permanent())
		})
	}
}

func TestDecode_WrongPassword(t *testing.T) {
	bundle, err := os.ReadFile("testdata/company.pfx")
	require.NoError(t, err)

	_, err = Decode(bundle, "wrong")
	var credErr *fiscal.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "wrong certificate password", credErr.Reason)

	_, err = Decode([]byte("garbage"), bundlePassword)
	require.ErrorAs(t, err, &credErr)
}
