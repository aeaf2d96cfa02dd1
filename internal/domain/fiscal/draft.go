package fiscal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Destination scope (idDest)
const (
	DestinationInternal   = "1"
	DestinationInterstate = "2"
)

// Draft is the in-memory document, organized by layout group
type Draft struct {
	AccessKey      AccessKey
	Ide            Identification
	Issuer         Issuer
	Recipient      Recipient
	Items          []Item
	Totals         Totals
	Transport      Transport
	Billing        *Billing
	Payments       []Payment
	AdditionalInfo string
}

// Identification is the ide group
type Identification struct {
	StateCode        string
	RandomCode       string
	OperationNature  string
	Model            string
	Series           int
	Number           int64
	IssuedAt         time.Time
	OperationType    string
	DestinationScope string
	MunicipalityCode string
	PrintFormat      string
	EmissionType     string
	CheckDigit       int
	Environment      Environment
	Purpose          string
	FinalConsumer    bool
	Presence         string
	ProcessVersion   string
}

// Issuer is the emit group
type Issuer struct {
	TaxID             string
	Name              string
	TradeName         string
	Address           Address
	StateRegistration string
	TaxRegime         TaxRegime
}

// Recipient is the dest group
type Recipient struct {
	TaxID             string
	Name              string
	Address           Address
	IEIndicator       string
	StateRegistration string
	Email             string
}

// IsCompany reports whether the recipient is identified by CNPJ
func (r Recipient) IsCompany() bool {
	return len(r.TaxID) == 14
}

// Item is one det entry
type Item struct {
	Number              int
	Code                string
	GTIN                string
	Description         string
	NCM                 string
	CEST                string
	BenefitCode         string
	CFOP                string
	CommercialUnit      string
	CommercialQuantity  decimal.Decimal
	CommercialUnitPrice decimal.Decimal
	GrossValue          decimal.Decimal
	TaxableGTIN         string
	TaxableUnit         string
	TaxableQuantity     decimal.Decimal
	TaxableUnitPrice    decimal.Decimal
	Discount            decimal.Decimal
	Freight             decimal.Decimal
	Taxes               ItemTaxes
}

// ItemTaxes is the imposto group of an item
type ItemTaxes struct {
	ICMS   ICMS
	PIS    Contribution
	COFINS Contribution
}

// ICMS carries either the normal-regime fields (CST) or the simplified ones
// (CSOSN); the other set stays empty.
type ICMS struct {
	Origin        string
	CST           string
	CSOSN         string
	BaseModality  string
	BaseReduction decimal.Decimal
	Base          decimal.Decimal
	Rate          decimal.Decimal
	Value         decimal.Decimal
	SNCreditRate  decimal.Decimal
	SNCreditValue decimal.Decimal
}

// Contribution is a PIS or COFINS block
type Contribution struct {
	CST   string
	Base  decimal.Decimal
	Rate  decimal.Decimal
	Value decimal.Decimal
}

// Totals is the ICMSTot group
type Totals struct {
	ICMSBase decimal.Decimal
	ICMS     decimal.Decimal
	Products decimal.Decimal
	Freight  decimal.Decimal
	Discount decimal.Decimal
	PIS      decimal.Decimal
	COFINS   decimal.Decimal
	Document decimal.Decimal
}

// Transport is the transp group
type Transport struct {
	FreightMode string
}

// Billing is the cobr group
type Billing struct {
	InvoiceNumber string
	Original      decimal.Decimal
	Discount      decimal.Decimal
	Net           decimal.Decimal
	Installments  []BillingInstallment
}

// BillingInstallment is one dup entry
type BillingInstallment struct {
	Label   string
	DueDate time.Time
	Amount  decimal.Decimal
}

// Payment is one detPag entry
type Payment struct {
	Indicator string
	Method    string
	Amount    decimal.Decimal
}
