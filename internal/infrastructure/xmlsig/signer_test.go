package xmlsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unsignedNFe = `<NFe xmlns="http://www.portalfiscal.inf.br/nfe"><infNFe versao="4.00" Id="NFe35240312345678000195550010000000421000000421"><ide><cUF>35</cUF><nNF>42</nNF></ide></infNFe></NFe>`

type testKeyStore struct {
	key  *rsa.PrivateKey
	cert []byte
}

func (k *testKeyStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return k.key, k.cert, nil
}

func newTestKeyStore(t *testing.T) *testKeyStore {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "EMPRESA TESTE LTDA:12345678000195"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return &testKeyStore{key: key, cert: der}
}

func TestSigner_Sign(t *testing.T) {
	keys := newTestKeyStore(t)
	signer := NewSigner(nil)

	signed, err := signer.Sign([]byte(unsignedNFe), keys)
	require.NoError(t, err)

	count, err := CountSignatures(signed)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	root := doc.Root()
	require.Len(t, root.ChildElements(), 2)
	assert.Equal(t, "infNFe", root.ChildElements()[0].Tag)
	sig := root.ChildElements()[1]
	assert.Equal(t, "Signature", sig.Tag)
	assert.Equal(t, dsig.Namespace, sig.SelectAttrValue("xmlns", ""))

	ref := sig.FindElement("./SignedInfo/Reference")
	require.NotNil(t, ref)
	assert.Equal(t, "#NFe35240312345678000195550010000000421000000421", ref.SelectAttrValue("URI", ""))
	assert.Equal(t, dsig.RSASHA1SignatureMethod,
		sig.FindElement("./SignedInfo/SignatureMethod").SelectAttrValue("Algorithm", ""))
	assert.Equal(t, string(dsig.CanonicalXML10RecAlgorithmId),
		sig.FindElement("./SignedInfo/CanonicalizationMethod").SelectAttrValue("Algorithm", ""))

	cert := sig.FindElement("./KeyInfo/X509Data/X509Certificate")
	require.NotNil(t, cert)
	assert.Equal(t, base64.StdEncoding.EncodeToString(keys.cert), cert.Text())

	canonicalizer := dsig.MakeC14N10RecCanonicalizer()

	canonical, err := canonicalizer.Canonicalize(root.ChildElements()[0])
	require.NoError(t, err)
	digest := sha1.Sum(canonical)
	assert.Equal(t, base64.StdEncoding.EncodeToString(digest[:]),
		sig.FindElement("./SignedInfo/Reference/DigestValue").Text())

	signedInfo, err := canonicalizer.Canonicalize(sig.FindElement("./SignedInfo"))
	require.NoError(t, err)
	value, err := base64.StdEncoding.DecodeString(sig.FindElement("./SignatureValue").Text())
	require.NoError(t, err)
	infoDigest := sha1.Sum(signedInfo)
	assert.NoError(t, rsa.VerifyPKCS1v15(&keys.key.PublicKey, crypto.SHA1, infoDigest[:], value))
}

func TestSigner_Sign_Event(t *testing.T) {
	event := `<evento xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.00"><infEvento Id="ID1101113524031234567800019555001000000042100000042101"><tpEvento>110111</tpEvento></infEvento></evento>`

	signed, err := NewSigner(nil).Sign([]byte(event), newTestKeyStore(t))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	ref := doc.FindElement("//Signature/SignedInfo/Reference")
	require.NotNil(t, ref)
	assert.Equal(t, "#ID1101113524031234567800019555001000000042100000042101", ref.SelectAttrValue("URI", ""))
}

func TestSigner_Sign_RejectsAlreadySigned(t *testing.T) {
	signer := NewSigner(nil)
	keys := newTestKeyStore(t)

	signed, err := signer.Sign([]byte(unsignedNFe), keys)
	require.NoError(t, err)

	_, err = signer.Sign(signed, keys)
	assert.ErrorIs(t, err, ErrSignatureCount)
}

func TestSigner_Sign_InvalidInput(t *testing.T) {
	signer := NewSigner(nil)
	keys := newTestKeyStore(t)

	_, err := signer.Sign([]byte("<NFe>"), keys)
	assert.Error(t, err)

	_, err = signer.Sign([]byte(`<NFe><infNFe/></NFe>`), keys)
	assert.ErrorContains(t, err, "no element with an Id attribute")

	_, err = signer.Sign([]byte(unsignedNFe), nil)
	assert.Error(t, err)
}

func TestEnsureSingleSignature(t *testing.T) {
	signed, err := NewSigner(nil).Sign([]byte(unsignedNFe), newTestKeyStore(t))
	require.NoError(t, err)
	assert.NoError(t, EnsureSingleSignature(signed))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	root := doc.Root()
	root.AddChild(root.FindElement("./Signature").Copy())
	doubled, err := doc.WriteToBytes()
	require.NoError(t, err)

	assert.ErrorIs(t, EnsureSingleSignature(doubled), ErrSignatureCount)
	assert.ErrorIs(t, EnsureSingleSignature([]byte(unsignedNFe)), ErrSignatureCount)
}
