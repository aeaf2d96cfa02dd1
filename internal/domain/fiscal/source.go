package fiscal

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Environment is the authority environment (tpAmb)
type Environment string

const (
	EnvironmentProduction   Environment = "1"
	EnvironmentHomologation Environment = "2"
)

// IsValid checks if the environment is known
func (e Environment) IsValid() bool {
	return e == EnvironmentProduction || e == EnvironmentHomologation
}

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// TaxRegime is the issuer's tax regime code (CRT)
type TaxRegime string

const (
	TaxRegimeSimples       TaxRegime = "1"
	TaxRegimeSimplesExcess TaxRegime = "2"
	TaxRegimeNormal        TaxRegime = "3"
	TaxRegimeMEI           TaxRegime = "4"
)

// IsSimplified reports whether the regime reports ICMS through CSOSN codes
func (r TaxRegime) IsSimplified() bool {
	return r == TaxRegimeSimples || r == TaxRegimeMEI
}

// IsValid checks if the regime is known
func (r TaxRegime) IsValid() bool {
	switch r {
	case TaxRegimeSimples, TaxRegimeSimplesExcess, TaxRegimeNormal, TaxRegimeMEI:
		return true
	}
	return false
}

// Address is a postal address as stored on companies and customers
type Address struct {
	ID               uuid.UUID
	Street           string
	Number           string
	Complement       string
	District         string
	MunicipalityCode string
	MunicipalityName string
	State            string
	ZipCode          string
	CountryCode      string
	CountryName      string
	Phone            string
	Primary          bool
}

// CredentialRef locates the issuer's signing bundle
type CredentialRef struct {
	BundlePath        string
	EncryptedPassword string
}

// Company is the issuer of the document
type Company struct {
	ID                     uuid.UUID
	LegalName              string
	TradeName              string
	TaxID                  string
	StateRegistration      string
	TaxRegime              TaxRegime
	PrincipalState         string
	FiscalMunicipalityCode string
	Addresses              []Address
	Environment            Environment
	Series                 int
	Credential             CredentialRef
}

// Customer is the recipient of the document
type Customer struct {
	ID                uuid.UUID
	Name              string
	TaxID             string
	StateRegistration string
	IEIndicator       string
	Email             string
	Address           Address
}

// SaleUnit is the unit snapshot recorded on an order line at sale time
type SaleUnit struct {
	Unit   string
	Factor decimal.Decimal
}

// Packaging describes a packaged presentation of the product
type Packaging struct {
	TypeCode     string
	BaseQuantity decimal.Decimal
}

// TaxInput holds the tax parameters stored for an order line
type TaxInput struct {
	Origin         string
	CST            string
	CSOSN          string
	BaseModality   string
	ICMSRate       decimal.Decimal
	BaseReduction  decimal.Decimal
	SNCreditRate   decimal.Decimal
	PISCST         string
	PISRate        decimal.Decimal
	COFINSCST      string
	COFINSRate     decimal.Decimal
	BenefitCode    string
	CFOPInternal   string
	CFOPInterstate string
}

// OrderItem is one sold line
type OrderItem struct {
	ProductID   uuid.UUID
	Code        string
	Description string
	GTIN        string
	NCM         string
	CEST        string
	ProductUnit string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	SaleUnit    *SaleUnit
	Packaging   *Packaging
	Tax         TaxInput
}

// OrderPayment is one payment recorded on the order
type OrderPayment struct {
	MethodLabel string
	Amount      decimal.Decimal
	// CashLike is nil when the method does not say whether it settles at sale
	CashLike *bool
}

// Installment is one receivable of a term sale. Number holds whatever was
// stored; it may be blank or non-numeric on older orders.
type Installment struct {
	Number  string
	DueDate time.Time
	Amount  decimal.Decimal
}

// Order is the commercial order being invoiced
type Order struct {
	ID              uuid.UUID
	Number          string
	OperationNature string
	FinalConsumer   bool
	Presence        string
	FreightMode     string
	Freight         decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	AdditionalInfo  string
	Items           []OrderItem
	Payments        []OrderPayment
	Installments    []Installment
}

// EmissionSource bundles the records a document is assembled from
type EmissionSource struct {
	Company  Company
	Customer Customer
	Order    Order
}
