package nfexml

import (
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/fiscal/internal/domain/fiscal"
)

// Event layout constants
const (
	EventVersion           = "1.00"
	CancellationDescriptor = "Cancelamento"
	maxEventSequence       = 20
)

// CancellationEvent holds the fields of a cancellation event (infEvento)
type CancellationEvent struct {
	AccessKey   string
	Environment fiscal.Environment
	IssuerTaxID string
	Protocol    string
	Sequence    int
	Reason      string
	At          time.Time
}

// EventID returns the Id attribute of an event: "ID" + type + key + sequence
func EventID(eventType, accessKey string, sequence int) string {
	return fmt.Sprintf("ID%s%s%02d", eventType, accessKey, sequence)
}

// SerializeCancellation renders the unsigned event in transmissible form
func (s *Serializer) SerializeCancellation(ev CancellationEvent) ([]byte, error) {
	if _, err := fiscal.ParseAccessKey(ev.AccessKey); err != nil {
		return nil, err
	}
	if ev.Protocol == "" {
		return nil, fiscal.NewValidationError("detEvento.nProt", "is required")
	}
	if ev.Sequence < 1 || ev.Sequence > maxEventSequence {
		return nil, fiscal.NewValidationError("infEvento.nSeqEvento",
			fmt.Sprintf("must be between 1 and %d", maxEventSequence))
	}
	reason, err := fiscal.NormalizeReason(ev.Reason)
	if err != nil {
		return nil, err
	}

	w := &writer{}
	doc := etree.NewDocument()
	root := doc.CreateElement("evento")
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("versao", EventVersion)

	inf := root.CreateElement("infEvento")
	inf.CreateAttr("Id", EventID(fiscal.EventTypeCancellation, ev.AccessKey, ev.Sequence))
	w.text(inf, "cOrgao", ev.AccessKey[:2])
	w.required(inf, "infEvento", "tpAmb", ev.Environment.String())
	w.required(inf, "infEvento", "CNPJ", ev.IssuerTaxID)
	w.text(inf, "chNFe", ev.AccessKey)
	if ev.At.IsZero() {
		w.fail("infEvento.dhEvento", "is required")
	}
	w.text(inf, "dhEvento", timestamp(ev.At, s.authority))
	w.text(inf, "tpEvento", fiscal.EventTypeCancellation)
	w.text(inf, "nSeqEvento", strconv.Itoa(ev.Sequence))
	w.text(inf, "verEvento", EventVersion)

	det := inf.CreateElement("detEvento")
	det.CreateAttr("versao", EventVersion)
	w.text(det, "descEvento", CancellationDescriptor)
	w.text(det, "nProt", ev.Protocol)
	w.text(det, "xJust", reason)

	if w.err != nil {
		return nil, w.err
	}
	return doc.WriteToBytes()
}
