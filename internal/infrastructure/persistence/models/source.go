package models

import (
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CompanyModel is the issuing company as stored by the ERP
type CompanyModel struct {
	BaseModel
	LegalName              string                `gorm:"type:varchar(200);not null"`
	TradeName              string                `gorm:"type:varchar(200)"`
	TaxID                  string                `gorm:"type:varchar(18);not null;uniqueIndex"`
	StateRegistration      string                `gorm:"type:varchar(20)"`
	TaxRegime              string                `gorm:"type:varchar(1);not null"`
	PrincipalState         string                `gorm:"type:varchar(2)"`
	FiscalMunicipalityCode string                `gorm:"type:varchar(7)"`
	Environment            string                `gorm:"type:varchar(1);not null;default:'2'"`
	Series                 int                   `gorm:"not null;default:1"`
	CredentialPath         string                `gorm:"type:varchar(500)"`
	CredentialPassword     string                `gorm:"type:text"`
	Addresses              []CompanyAddressModel `gorm:"foreignKey:CompanyID;references:ID"`
}

// TableName returns the table name for GORM
func (CompanyModel) TableName() string {
	return "companies"
}

// ToDomain converts the persistence model to a fiscal Company
func (m *CompanyModel) ToDomain() fiscal.Company {
	addresses := make([]fiscal.Address, len(m.Addresses))
	for i := range m.Addresses {
		addresses[i] = m.Addresses[i].ToDomain()
	}
	return fiscal.Company{
		ID:                     m.ID,
		LegalName:              m.LegalName,
		TradeName:              m.TradeName,
		TaxID:                  m.TaxID,
		StateRegistration:      m.StateRegistration,
		TaxRegime:              fiscal.TaxRegime(m.TaxRegime),
		PrincipalState:         m.PrincipalState,
		FiscalMunicipalityCode: m.FiscalMunicipalityCode,
		Addresses:              addresses,
		Environment:            fiscal.Environment(m.Environment),
		Series:                 m.Series,
		Credential: fiscal.CredentialRef{
			BundlePath:        m.CredentialPath,
			EncryptedPassword: m.CredentialPassword,
		},
	}
}

// AddressFields are the postal columns shared by company and customer addresses
type AddressFields struct {
	Street           string `gorm:"type:varchar(200)"`
	Number           string `gorm:"column:street_number;type:varchar(20)"`
	Complement       string `gorm:"type:varchar(100)"`
	District         string `gorm:"type:varchar(100)"`
	MunicipalityCode string `gorm:"type:varchar(7)"`
	MunicipalityName string `gorm:"type:varchar(100)"`
	State            string `gorm:"type:varchar(2)"`
	ZipCode          string `gorm:"type:varchar(9)"`
	CountryCode      string `gorm:"type:varchar(4)"`
	CountryName      string `gorm:"type:varchar(60)"`
	Phone            string `gorm:"type:varchar(20)"`
}

func (f AddressFields) toDomain(id uuid.UUID, primary bool) fiscal.Address {
	return fiscal.Address{
		ID:               id,
		Street:           f.Street,
		Number:           f.Number,
		Complement:       f.Complement,
		District:         f.District,
		MunicipalityCode: f.MunicipalityCode,
		MunicipalityName: f.MunicipalityName,
		State:            f.State,
		ZipCode:          f.ZipCode,
		CountryCode:      f.CountryCode,
		CountryName:      f.CountryName,
		Phone:            f.Phone,
		Primary:          primary,
	}
}

// CompanyAddressModel is one registered address of a company
type CompanyAddressModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompanyID uuid.UUID `gorm:"type:uuid;not null;index"`
	Name      string    `gorm:"type:varchar(100)"`
	Primary   bool      `gorm:"column:is_primary;not null;default:false"`
	AddressFields
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CompanyAddressModel) TableName() string {
	return "company_addresses"
}

// ToDomain converts the persistence model to a fiscal Address
func (m *CompanyAddressModel) ToDomain() fiscal.Address {
	return m.AddressFields.toDomain(m.ID, m.Primary)
}

// CustomerModel is the order's customer with its billing address inline
type CustomerModel struct {
	BaseModel
	Name              string `gorm:"type:varchar(200);not null"`
	TaxID             string `gorm:"type:varchar(18)"`
	StateRegistration string `gorm:"type:varchar(20)"`
	IEIndicator       string `gorm:"type:varchar(1)"`
	Email             string `gorm:"type:varchar(200)"`
	AddressFields
}

// TableName returns the table name for GORM
func (CustomerModel) TableName() string {
	return "customers"
}

// ToDomain converts the persistence model to a fiscal Customer
func (m *CustomerModel) ToDomain() fiscal.Customer {
	return fiscal.Customer{
		ID:                m.ID,
		Name:              m.Name,
		TaxID:             m.TaxID,
		StateRegistration: m.StateRegistration,
		IEIndicator:       m.IEIndicator,
		Email:             m.Email,
		Address:           m.AddressFields.toDomain(m.ID, true),
	}
}

// SalesOrderModel is the commercial order being invoiced. FiscalStatus is
// the summary kept in sync with the order's current emission.
type SalesOrderModel struct {
	BaseModel
	CompanyID       uuid.UUID                    `gorm:"type:uuid;not null;index"`
	CustomerID      uuid.UUID                    `gorm:"type:uuid;not null;index"`
	OrderNumber     string                       `gorm:"type:varchar(50);not null"`
	OperationNature string                       `gorm:"type:varchar(60)"`
	FinalConsumer   bool                         `gorm:"not null;default:false"`
	Presence        string                       `gorm:"type:varchar(1)"`
	FreightMode     string                       `gorm:"type:varchar(1)"`
	Freight         decimal.Decimal              `gorm:"type:decimal(18,4);not null;default:0"`
	Discount        decimal.Decimal              `gorm:"type:decimal(18,4);not null;default:0"`
	Total           decimal.Decimal              `gorm:"type:decimal(18,4);not null;default:0"`
	AdditionalInfo  string                       `gorm:"type:text"`
	FiscalStatus    string                       `gorm:"type:varchar(20);not null;default:''"`
	Items           []SalesOrderItemModel        `gorm:"foreignKey:OrderID;references:ID"`
	Payments        []SalesOrderPaymentModel     `gorm:"foreignKey:OrderID;references:ID"`
	Installments    []SalesOrderInstallmentModel `gorm:"foreignKey:OrderID;references:ID"`
}

// TableName returns the table name for GORM
func (SalesOrderModel) TableName() string {
	return "sales_orders"
}

// ToDomain converts the persistence model to a fiscal Order
func (m *SalesOrderModel) ToDomain() fiscal.Order {
	order := fiscal.Order{
		ID:              m.ID,
		Number:          m.OrderNumber,
		OperationNature: m.OperationNature,
		FinalConsumer:   m.FinalConsumer,
		Presence:        m.Presence,
		FreightMode:     m.FreightMode,
		Freight:         m.Freight,
		Discount:        m.Discount,
		Total:           m.Total,
		AdditionalInfo:  m.AdditionalInfo,
		Items:           make([]fiscal.OrderItem, len(m.Items)),
		Payments:        make([]fiscal.OrderPayment, len(m.Payments)),
		Installments:    make([]fiscal.Installment, len(m.Installments)),
	}
	for i := range m.Items {
		order.Items[i] = m.Items[i].ToDomain()
	}
	for i := range m.Payments {
		order.Payments[i] = m.Payments[i].ToDomain()
	}
	for i := range m.Installments {
		order.Installments[i] = m.Installments[i].ToDomain()
	}
	return order
}

// SalesOrderItemModel is one order line with the product and tax snapshot
// taken at sale time
type SalesOrderItemModel struct {
	ID                    uuid.UUID           `gorm:"type:uuid;primaryKey"`
	OrderID               uuid.UUID           `gorm:"type:uuid;not null;index"`
	Position              int                 `gorm:"not null"`
	ProductID             uuid.UUID           `gorm:"type:uuid;not null"`
	ProductCode           string              `gorm:"type:varchar(60);not null"`
	ProductName           string              `gorm:"type:varchar(120);not null"`
	GTIN                  string              `gorm:"type:varchar(14)"`
	NCM                   string              `gorm:"type:varchar(8)"`
	CEST                  string              `gorm:"type:varchar(7)"`
	ProductUnit           string              `gorm:"type:varchar(6)"`
	Quantity              decimal.Decimal     `gorm:"type:decimal(18,4);not null"`
	UnitPrice             decimal.Decimal     `gorm:"type:decimal(18,10);not null"`
	Discount              decimal.Decimal     `gorm:"type:decimal(18,4);not null;default:0"`
	SaleUnit              *string             `gorm:"type:varchar(6)"`
	SaleUnitFactor        decimal.NullDecimal `gorm:"type:decimal(18,6)"`
	PackagingTypeCode     *string             `gorm:"type:varchar(6)"`
	PackagingBaseQuantity decimal.NullDecimal `gorm:"type:decimal(18,6)"`
	TaxOrigin             string              `gorm:"type:varchar(1)"`
	TaxCST                string              `gorm:"type:varchar(3)"`
	TaxCSOSN              string              `gorm:"type:varchar(3)"`
	TaxBaseModality       string              `gorm:"type:varchar(1)"`
	ICMSRate              decimal.Decimal     `gorm:"type:decimal(7,4);not null;default:0"`
	BaseReduction         decimal.Decimal     `gorm:"type:decimal(7,4);not null;default:0"`
	SNCreditRate          decimal.Decimal     `gorm:"type:decimal(7,4);not null;default:0"`
	PISCST                string              `gorm:"type:varchar(2)"`
	PISRate               decimal.Decimal     `gorm:"type:decimal(7,4);not null;default:0"`
	COFINSCST             string              `gorm:"type:varchar(2)"`
	COFINSRate            decimal.Decimal     `gorm:"type:decimal(7,4);not null;default:0"`
	BenefitCode           string              `gorm:"type:varchar(10)"`
	CFOPInternal          string              `gorm:"type:varchar(4)"`
	CFOPInterstate        string              `gorm:"type:varchar(4)"`
}

// TableName returns the table name for GORM
func (SalesOrderItemModel) TableName() string {
	return "sales_order_items"
}

// ToDomain converts the persistence model to a fiscal OrderItem
func (m *SalesOrderItemModel) ToDomain() fiscal.OrderItem {
	item := fiscal.OrderItem{
		ProductID:   m.ProductID,
		Code:        m.ProductCode,
		Description: m.ProductName,
		GTIN:        m.GTIN,
		NCM:         m.NCM,
		CEST:        m.CEST,
		ProductUnit: m.ProductUnit,
		Quantity:    m.Quantity,
		UnitPrice:   m.UnitPrice,
		Discount:    m.Discount,
		Tax: fiscal.TaxInput{
			Origin:         m.TaxOrigin,
			CST:            m.TaxCST,
			CSOSN:          m.TaxCSOSN,
			BaseModality:   m.TaxBaseModality,
			ICMSRate:       m.ICMSRate,
			BaseReduction:  m.BaseReduction,
			SNCreditRate:   m.SNCreditRate,
			PISCST:         m.PISCST,
			PISRate:        m.PISRate,
			COFINSCST:      m.COFINSCST,
			COFINSRate:     m.COFINSRate,
			BenefitCode:    m.BenefitCode,
			CFOPInternal:   m.CFOPInternal,
			CFOPInterstate: m.CFOPInterstate,
		},
	}
	if m.SaleUnit != nil && *m.SaleUnit != "" && m.SaleUnitFactor.Valid {
		item.SaleUnit = &fiscal.SaleUnit{Unit: *m.SaleUnit, Factor: m.SaleUnitFactor.Decimal}
	}
	if m.PackagingTypeCode != nil && *m.PackagingTypeCode != "" && m.PackagingBaseQuantity.Valid {
		item.Packaging = &fiscal.Packaging{TypeCode: *m.PackagingTypeCode, BaseQuantity: m.PackagingBaseQuantity.Decimal}
	}
	return item
}

// SalesOrderPaymentModel is one payment recorded on the order
type SalesOrderPaymentModel struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OrderID     uuid.UUID       `gorm:"type:uuid;not null;index"`
	Position    int             `gorm:"not null"`
	MethodLabel string          `gorm:"type:varchar(100)"`
	Amount      decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	CashLike    *bool
}

// TableName returns the table name for GORM
func (SalesOrderPaymentModel) TableName() string {
	return "sales_order_payments"
}

// ToDomain converts the persistence model to a fiscal OrderPayment
func (m *SalesOrderPaymentModel) ToDomain() fiscal.OrderPayment {
	return fiscal.OrderPayment{MethodLabel: m.MethodLabel, Amount: m.Amount, CashLike: m.CashLike}
}

// SalesOrderInstallmentModel is one receivable of a term sale
type SalesOrderInstallmentModel struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OrderID           uuid.UUID       `gorm:"type:uuid;not null;index"`
	Position          int             `gorm:"not null"`
	InstallmentNumber string          `gorm:"type:varchar(10)"`
	DueDate           time.Time       `gorm:"type:date;not null"`
	Amount            decimal.Decimal `gorm:"type:decimal(18,4);not null"`
}

// TableName returns the table name for GORM
func (SalesOrderInstallmentModel) TableName() string {
	return "sales_order_installments"
}

// ToDomain converts the persistence model to a fiscal Installment
func (m *SalesOrderInstallmentModel) ToDomain() fiscal.Installment {
	return fiscal.Installment{Number: m.InstallmentNumber, DueDate: m.DueDate, Amount: m.Amount}
}
