// Package xmlsig signs fiscal XML documents with an enveloped XML-DSig
// signature (RSA-SHA1, inclusive C14N 1.0) as the authority requires.
package xmlsig

import (
	"crypto"
	// registers SHA-1 for the signing context
	_ "crypto/sha1"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"go.uber.org/zap"
)

// ErrSignatureCount is returned when a document does not end up with
// exactly one signature
var ErrSignatureCount = errors.New("signed document must contain exactly one signature")

const idAttribute = "Id"

// Signer produces enveloped signatures over the Id-bearing child of the
// document root (infNFe, infEvento). The Signature element is appended to
// the root after the signed element.
type Signer struct {
	logger *zap.Logger
}

// NewSigner creates a Signer
func NewSigner(logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{logger: logger}
}

// Sign signs raw with the key pair held by keys. The output is compact and
// contains exactly one Signature element; anything else is an error.
func (s *Signer) Sign(raw []byte, keys dsig.X509KeyStore) ([]byte, error) {
	if keys == nil {
		return nil, errors.New("signing key is required")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("document has no root element")
	}

	target := signedElement(root)
	if target == nil {
		return nil, fmt.Errorf("no element with an %s attribute under <%s>", idAttribute, root.Tag)
	}

	ctx := dsig.NewDefaultSigningContext(keys)
	ctx.IdAttribute = idAttribute
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	ctx.Hash = crypto.SHA1
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, err
	}

	signature, err := ctx.ConstructSignature(target, true)
	if err != nil {
		return nil, fmt.Errorf("failed to sign <%s>: %w", target.Tag, err)
	}
	root.InsertChildAt(target.Index()+1, signature)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write signed document: %w", err)
	}

	count, err := CountSignatures(out)
	if err != nil {
		return nil, err
	}
	if count != 1 {
		s.logger.Error("signature count mismatch",
			zap.String("element", target.Tag),
			zap.Int("count", count),
		)
		return nil, fmt.Errorf("%w: found %d", ErrSignatureCount, count)
	}
	return out, nil
}

// CountSignatures returns the number of Signature elements anywhere in raw
func CountSignatures(raw []byte) (int, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return 0, fmt.Errorf("failed to parse document: %w", err)
	}
	return len(doc.FindElements("//Signature")), nil
}

// EnsureSingleSignature fails unless raw carries exactly one signature
func EnsureSingleSignature(raw []byte) error {
	count, err := CountSignatures(raw)
	if err != nil {
		return err
	}
	if count != 1 {
		return fmt.Errorf("%w: found %d", ErrSignatureCount, count)
	}
	return nil
}

func signedElement(root *etree.Element) *etree.Element {
	for _, child := range root.ChildElements() {
		if child.SelectAttr(idAttribute) != nil {
			return child
		}
	}
	return nil
}
