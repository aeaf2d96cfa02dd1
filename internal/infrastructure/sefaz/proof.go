package sefaz

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"
)

// BuildProof merges the signed document and its authorization protocol into
// the nfeProc distribution document
func BuildProof(signed, protocol []byte) ([]byte, error) {
	return merge("nfeProc", layoutVersion, "NFe", signed, "protNFe", protocol)
}

// BuildEventProof merges a signed event and the authority's answer into the
// procEventoNFe distribution document
func BuildEventProof(signedEvent, response []byte) ([]byte, error) {
	return merge("procEventoNFe", eventVersion, "evento", signedEvent, "retEvento", response)
}

func merge(rootTag, version, firstTag string, first []byte, secondTag string, second []byte) ([]byte, error) {
	a, err := parseRoot(first, firstTag)
	if err != nil {
		return nil, err
	}
	b, err := parseRoot(second, secondTag)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(rootTag)
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("versao", version)
	root.AddChild(a)
	root.AddChild(b)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", rootTag, err)
	}
	return out, nil
}

func parseRoot(data []byte, tag string) (*etree.Element, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", tag)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", tag, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	if root.Tag != tag {
		return nil, fmt.Errorf("expected <%s>, got <%s>", tag, root.Tag)
	}
	return root, nil
}
