// Package nfexml renders fiscal drafts and events in the authority's XML
// layout (NF-e 4.00).
package nfexml

import (
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/shopspring/decimal"
)

// Layout constants
const (
	Namespace     = "http://www.portalfiscal.inf.br/nfe"
	LayoutVersion = "4.00"
	CountryBrazil = "1058"
	CountryName   = "BRASIL"

	// HomologationRecipientName replaces dest.xNome outside production
	HomologationRecipientName = "NF-E EMITIDA EM AMBIENTE DE HOMOLOGACAO - SEM VALOR FISCAL"
)

// Mode selects how a document is rendered
type Mode int

const (
	// ModeFinal renders an indented document with the XML declaration and
	// timestamps in the zone carried by Ide.IssuedAt, which the assembler
	// sets to the issuer's local time. Used for stored copies.
	ModeFinal Mode = iota
	// ModeTransmissible renders a compact document without declaration and
	// timestamps in the authority's time zone. This is the form that is
	// signed and sent.
	ModeTransmissible
)

func (m Mode) String() string {
	if m == ModeTransmissible {
		return "transmissible"
	}
	return "final"
}

// Serializer renders drafts into XML
type Serializer struct {
	authority *time.Location
}

// NewSerializer creates a Serializer. authority is the time zone used for
// transmissible timestamps; nil means UTC.
func NewSerializer(authority *time.Location) *Serializer {
	if authority == nil {
		authority = time.UTC
	}
	return &Serializer{authority: authority}
}

// Serialize renders the draft. The output is deterministic for a given
// draft and mode. A required field left empty fails with a
// fiscal.ValidationError naming it.
func (s *Serializer) Serialize(d *fiscal.Draft, mode Mode) ([]byte, error) {
	if d == nil || d.AccessKey.IsZero() {
		return nil, fiscal.NewValidationError("infNFe.Id", "is required")
	}

	loc := d.Ide.IssuedAt.Location()
	if mode == ModeTransmissible {
		loc = s.authority
	}

	w := &writer{}
	doc := etree.NewDocument()
	root := doc.CreateElement("NFe")
	root.CreateAttr("xmlns", Namespace)
	inf := root.CreateElement("infNFe")
	inf.CreateAttr("versao", LayoutVersion)
	inf.CreateAttr("Id", "NFe"+d.AccessKey.String())

	w.ide(inf, d.Ide, loc)
	w.issuer(inf, d.Issuer)
	w.recipient(inf, d.Recipient, d.Ide.Environment)
	if len(d.Items) == 0 {
		w.fail("det", "at least one item is required")
	}
	for _, item := range d.Items {
		w.item(inf, item)
	}
	w.totals(inf, d.Totals)

	transp := inf.CreateElement("transp")
	w.required(transp, "transp", "modFrete", d.Transport.FreightMode)

	if d.Billing != nil {
		w.billing(inf, d.Billing)
	}
	w.payments(inf, d.Payments)

	if info := freeText(d.AdditionalInfo); info != "" {
		inf.CreateElement("infAdic").CreateElement("infCpl").SetText(info)
	}

	if w.err != nil {
		return nil, w.err
	}
	return render(doc, mode)
}

func render(doc *etree.Document, mode Mode) ([]byte, error) {
	if mode == ModeFinal {
		doc.InsertChildAt(0, etree.NewProcInst("xml", `version="1.0" encoding="UTF-8"`))
		doc.Indent(2)
	}
	return doc.WriteToBytes()
}

// writer builds elements and keeps the first missing required field
type writer struct {
	err error
}

func (w *writer) fail(field, reason string) {
	if w.err == nil {
		w.err = fiscal.NewValidationError(field, reason)
	}
}

func (w *writer) text(parent *etree.Element, tag, value string) {
	parent.CreateElement(tag).SetText(value)
}

func (w *writer) required(parent *etree.Element, path, tag, value string) {
	if value == "" {
		w.fail(path+"."+tag, "is required")
	}
	w.text(parent, tag, value)
}

func (w *writer) optional(parent *etree.Element, tag, value string) {
	if value != "" {
		w.text(parent, tag, value)
	}
}

func (w *writer) optionalMoney(parent *etree.Element, tag string, value decimal.Decimal) {
	if value.IsPositive() {
		w.text(parent, tag, money(value))
	}
}

func (w *writer) ide(inf *etree.Element, ide fiscal.Identification, loc *time.Location) {
	el := inf.CreateElement("ide")
	w.required(el, "ide", "cUF", ide.StateCode)
	w.required(el, "ide", "cNF", ide.RandomCode)
	w.required(el, "ide", "natOp", freeText(ide.OperationNature))
	w.required(el, "ide", "mod", ide.Model)
	w.text(el, "serie", strconv.Itoa(ide.Series))
	if ide.Number < 1 {
		w.fail("ide.nNF", "must be positive")
	}
	w.text(el, "nNF", strconv.FormatInt(ide.Number, 10))
	if ide.IssuedAt.IsZero() {
		w.fail("ide.dhEmi", "is required")
	}
	w.text(el, "dhEmi", timestamp(ide.IssuedAt, loc))
	w.required(el, "ide", "tpNF", ide.OperationType)
	w.required(el, "ide", "idDest", ide.DestinationScope)
	w.required(el, "ide", "cMunFG", ide.MunicipalityCode)
	w.required(el, "ide", "tpImp", ide.PrintFormat)
	w.required(el, "ide", "tpEmis", ide.EmissionType)
	w.text(el, "cDV", strconv.Itoa(ide.CheckDigit))
	w.required(el, "ide", "tpAmb", ide.Environment.String())
	w.required(el, "ide", "finNFe", ide.Purpose)
	w.text(el, "indFinal", boolFlag(ide.FinalConsumer))
	w.required(el, "ide", "indPres", ide.Presence)
	w.text(el, "procEmi", "0")
	w.required(el, "ide", "verProc", ide.ProcessVersion)
}

func (w *writer) issuer(inf *etree.Element, issuer fiscal.Issuer) {
	el := inf.CreateElement("emit")
	w.required(el, "emit", "CNPJ", issuer.TaxID)
	w.required(el, "emit", "xNome", freeText(issuer.Name))
	w.optional(el, "xFant", freeText(issuer.TradeName))
	w.address(el.CreateElement("enderEmit"), "emit.enderEmit", issuer.Address)
	w.required(el, "emit", "IE", issuer.StateRegistration)
	w.required(el, "emit", "CRT", string(issuer.TaxRegime))
}

func (w *writer) recipient(inf *etree.Element, r fiscal.Recipient, env fiscal.Environment) {
	el := inf.CreateElement("dest")
	if r.IsCompany() {
		w.required(el, "dest", "CNPJ", r.TaxID)
	} else {
		w.required(el, "dest", "CPF", r.TaxID)
	}
	name := freeText(r.Name)
	if env == fiscal.EnvironmentHomologation {
		name = HomologationRecipientName
	}
	w.required(el, "dest", "xNome", name)
	w.address(el.CreateElement("enderDest"), "dest.enderDest", r.Address)
	w.required(el, "dest", "indIEDest", r.IEIndicator)
	w.optional(el, "IE", r.StateRegistration)
	w.optional(el, "email", r.Email)
}

func (w *writer) address(el *etree.Element, path string, a fiscal.Address) {
	w.required(el, path, "xLgr", freeText(a.Street))
	w.required(el, path, "nro", freeText(a.Number))
	w.optional(el, "xCpl", freeText(a.Complement))
	w.required(el, path, "xBairro", freeText(a.District))
	w.required(el, path, "cMun", a.MunicipalityCode)
	w.required(el, path, "xMun", freeText(a.MunicipalityName))
	w.required(el, path, "UF", a.State)
	w.optional(el, "CEP", a.ZipCode)
	country, countryName := a.CountryCode, a.CountryName
	if country == "" {
		country, countryName = CountryBrazil, CountryName
	}
	w.text(el, "cPais", country)
	w.optional(el, "xPais", countryName)
	w.optional(el, "fone", a.Phone)
}

func (w *writer) item(inf *etree.Element, it fiscal.Item) {
	det := inf.CreateElement("det")
	det.CreateAttr("nItem", strconv.Itoa(it.Number))
	path := "det[" + strconv.Itoa(it.Number) + "].prod"

	prod := det.CreateElement("prod")
	w.required(prod, path, "cProd", it.Code)
	w.text(prod, "cEAN", gtinOrNone(it.GTIN))
	w.required(prod, path, "xProd", freeText(it.Description))
	w.required(prod, path, "NCM", it.NCM)
	w.optional(prod, "CEST", it.CEST)
	w.optional(prod, "cBenef", it.BenefitCode)
	w.required(prod, path, "CFOP", it.CFOP)
	w.required(prod, path, "uCom", it.CommercialUnit)
	w.text(prod, "qCom", quantity(it.CommercialQuantity))
	w.text(prod, "vUnCom", unitPrice(it.CommercialUnitPrice))
	w.text(prod, "vProd", money(it.GrossValue))
	w.text(prod, "cEANTrib", gtinOrNone(it.TaxableGTIN))
	w.required(prod, path, "uTrib", it.TaxableUnit)
	w.text(prod, "qTrib", quantity(it.TaxableQuantity))
	w.text(prod, "vUnTrib", unitPrice(it.TaxableUnitPrice))
	w.optionalMoney(prod, "vFrete", it.Freight)
	w.optionalMoney(prod, "vDesc", it.Discount)
	w.text(prod, "indTot", "1")

	imposto := det.CreateElement("imposto")
	w.icms(imposto.CreateElement("ICMS"), it.Taxes.ICMS)
	w.contribution(imposto.CreateElement("PIS"), "PIS", it.Taxes.PIS)
	w.contribution(imposto.CreateElement("COFINS"), "COFINS", it.Taxes.COFINS)
}

func gtinOrNone(gtin string) string {
	if gtin == "" {
		return "SEM GTIN"
	}
	return gtin
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (w *writer) totals(inf *etree.Element, t fiscal.Totals) {
	el := inf.CreateElement("total").CreateElement("ICMSTot")
	zero := money(decimal.Zero)
	w.text(el, "vBC", money(t.ICMSBase))
	w.text(el, "vICMS", money(t.ICMS))
	w.text(el, "vICMSDeson", zero)
	w.text(el, "vFCP", zero)
	w.text(el, "vBCST", zero)
	w.text(el, "vST", zero)
	w.text(el, "vFCPST", zero)
	w.text(el, "vFCPSTRet", zero)
	w.text(el, "vProd", money(t.Products))
	w.text(el, "vFrete", money(t.Freight))
	w.text(el, "vSeg", zero)
	w.text(el, "vDesc", money(t.Discount))
	w.text(el, "vII", zero)
	w.text(el, "vIPI", zero)
	w.text(el, "vIPIDevol", zero)
	w.text(el, "vPIS", money(t.PIS))
	w.text(el, "vCOFINS", money(t.COFINS))
	w.text(el, "vOutro", zero)
	w.text(el, "vNF", money(t.Document))
}

func (w *writer) billing(inf *etree.Element, b *fiscal.Billing) {
	cobr := inf.CreateElement("cobr")
	fat := cobr.CreateElement("fat")
	w.required(fat, "cobr.fat", "nFat", b.InvoiceNumber)
	w.text(fat, "vOrig", money(b.Original))
	w.text(fat, "vDesc", money(b.Discount))
	w.text(fat, "vLiq", money(b.Net))
	for _, inst := range b.Installments {
		dup := cobr.CreateElement("dup")
		w.required(dup, "cobr.dup", "nDup", inst.Label)
		w.text(dup, "dVenc", inst.DueDate.Format(dateLayout))
		w.text(dup, "vDup", money(inst.Amount))
	}
}

func (w *writer) payments(inf *etree.Element, payments []fiscal.Payment) {
	pag := inf.CreateElement("pag")
	if len(payments) == 0 {
		w.fail("pag.detPag", "at least one payment is required")
	}
	for _, p := range payments {
		det := pag.CreateElement("detPag")
		w.optional(det, "indPag", p.Indicator)
		w.required(det, "pag.detPag", "tPag", p.Method)
		w.text(det, "vPag", money(p.Amount))
	}
}
