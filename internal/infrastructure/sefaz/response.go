package sefaz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/fiscal/internal/domain/fiscal"
)

// Authority status codes
const (
	StatusAuthorized        = "100"
	StatusBatchReceived     = "103"
	StatusBatchProcessing   = "105"
	StatusEventRegistered   = "135"
	StatusEventUnlinked     = "136"
	StatusEventLate         = "155"
	StatusDuplicateEvent    = "573"
	duplicateEventMarker    = "duplicidade"
	authorityDateTimeLayout = "2006-01-02T15:04:05-07:00"
)

var deniedStatuses = map[string]bool{"110": true, "301": true, "302": true, "303": true}

var eventSuccessStatuses = map[string]bool{
	StatusEventRegistered: true,
	StatusEventUnlinked:   true,
	StatusEventLate:       true,
}

// Outcome classifies the authority's answer for a document
type Outcome string

const (
	OutcomeAuthorized Outcome = "authorized"
	OutcomeProcessing Outcome = "processing"
	OutcomeDenied     Outcome = "denied"
	OutcomeRejected   Outcome = "rejected"
)

// Classify maps a document status code to its outcome
func Classify(code string) Outcome {
	switch {
	case code == StatusAuthorized:
		return OutcomeAuthorized
	case code == StatusBatchReceived || code == StatusBatchProcessing:
		return OutcomeProcessing
	case deniedStatuses[code]:
		return OutcomeDenied
	}
	return OutcomeRejected
}

// SubmissionResult is the authority's answer to a document submission or
// receipt query
type SubmissionResult struct {
	Outcome     Outcome
	StatusCode  string
	Reason      string
	Protocol    string
	Receipt     string
	AccessKey   string
	ReceivedAt  time.Time
	ProtocolXML []byte
	ResponseXML []byte
}

// EventResult is the authority's answer to a cancellation event
type EventResult struct {
	Registered bool
	// Duplicate is set when the event was already registered by an earlier
	// attempt
	Duplicate    bool
	StatusCode   string
	Reason       string
	Protocol     string
	RegisteredAt time.Time
	ResponseXML  []byte
}

// IsEventRegistered reports whether an event answer means the event exists
// at the authority, counting "duplicate event" as success
func IsEventRegistered(code, reason string) (registered, duplicate bool) {
	if eventSuccessStatuses[code] {
		return true, false
	}
	if code == StatusDuplicateEvent || strings.Contains(fiscal.FoldText(reason), duplicateEventMarker) {
		return true, true
	}
	return false, false
}

var errUnexpectedResponse = errors.New("unexpected authority response")

func parseSubmission(body []byte, rootTag string) (*SubmissionResult, error) {
	op := "authority.parse"
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: %v", errUnexpectedResponse, err))
	}
	root := doc.FindElement("//" + rootTag)
	if root == nil {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: missing %s", errUnexpectedResponse, rootTag))
	}

	result := &SubmissionResult{
		StatusCode:  childText(root, "cStat"),
		Reason:      childText(root, "xMotivo"),
		Receipt:     childText(root, "infRec/nRec"),
		ResponseXML: body,
	}
	if result.Receipt == "" {
		result.Receipt = childText(root, "nRec")
	}

	if prot := root.FindElement("protNFe"); prot != nil {
		info := prot.FindElement("infProt")
		if info == nil {
			return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: protNFe without infProt", errUnexpectedResponse))
		}
		result.StatusCode = childText(info, "cStat")
		result.Reason = childText(info, "xMotivo")
		result.Protocol = childText(info, "nProt")
		result.AccessKey = childText(info, "chNFe")
		result.ReceivedAt = parseAuthorityTime(childText(info, "dhRecbto"))

		protocolXML, err := standalone(prot)
		if err != nil {
			return nil, err
		}
		result.ProtocolXML = protocolXML
	}

	if result.StatusCode == "" {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: missing cStat", errUnexpectedResponse))
	}
	result.Outcome = Classify(result.StatusCode)
	return result, nil
}

func parseEvent(body []byte) (*EventResult, error) {
	op := "authority.parse"
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: %v", errUnexpectedResponse, err))
	}
	root := doc.FindElement("//retEnvEvento")
	if root == nil {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: missing retEnvEvento", errUnexpectedResponse))
	}

	result := &EventResult{
		StatusCode:  childText(root, "cStat"),
		Reason:      childText(root, "xMotivo"),
		ResponseXML: body,
	}

	if ret := root.FindElement("retEvento"); ret != nil {
		info := ret.FindElement("infEvento")
		if info == nil {
			return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: retEvento without infEvento", errUnexpectedResponse))
		}
		result.StatusCode = childText(info, "cStat")
		result.Reason = childText(info, "xMotivo")
		result.Protocol = childText(info, "nProt")
		result.RegisteredAt = parseAuthorityTime(childText(info, "dhRegEvento"))

		retXML, err := standalone(ret)
		if err != nil {
			return nil, err
		}
		result.ResponseXML = retXML
	}

	if result.StatusCode == "" {
		return nil, fiscal.NewInfrastructureError(op, fmt.Errorf("%w: missing cStat", errUnexpectedResponse))
	}
	result.Registered, result.Duplicate = IsEventRegistered(result.StatusCode, result.Reason)
	return result, nil
}

func childText(el *etree.Element, path string) string {
	child := el.FindElement(path)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}

func parseAuthorityTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(authorityDateTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// standalone serializes el as its own document, declaring the NF-e
// namespace it inherited from the response
func standalone(el *etree.Element) ([]byte, error) {
	copied := el.Copy()
	if copied.SelectAttr("xmlns") == nil {
		copied.CreateAttr("xmlns", Namespace)
	}
	doc := etree.NewDocument()
	doc.SetRoot(copied)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", el.Tag, err)
	}
	return out, nil
}
