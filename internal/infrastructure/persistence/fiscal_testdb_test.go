package persistence

import (
	"testing"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var fixtureNow = time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixtureNow }

// setupFiscalTestDB opens an in-memory SQLite database with every fiscal table
func setupFiscalTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&models.EmissionModel{},
		&models.CancellationModel{},
		&models.SequenceModel{},
		&models.JobModel{},
		&models.CompanyModel{},
		&models.CompanyAddressModel{},
		&models.CustomerModel{},
		&models.SalesOrderModel{},
		&models.SalesOrderItemModel{},
		&models.SalesOrderPaymentModel{},
		&models.SalesOrderInstallmentModel{},
	)
	require.NoError(t, err)
	// partial indexes are outside what AutoMigrate derives from tags
	require.NoError(t, db.Exec(`CREATE UNIQUE INDEX uq_nfe_emissions_active_order
		ON nfe_emissions(order_id) WHERE status NOT IN ('denied', 'error')`).Error)
	return db
}

func newTestEmission(t *testing.T, companyID, orderID uuid.UUID, number int64) *fiscal.Emission {
	t.Helper()
	key, err := fiscal.BuildAccessKey(fiscal.AccessKeyParams{
		StateCode:    "41",
		IssuedAt:     fixtureNow,
		IssuerTaxID:  "12345678000195",
		Model:        fiscal.ModelNFe,
		Series:       1,
		Number:       number,
		EmissionType: fiscal.EmissionTypeNormal,
		RandomCode:   "12345678",
	})
	require.NoError(t, err)

	e, err := fiscal.NewEmission(fiscal.EmissionParams{
		CompanyID:   companyID,
		OrderID:     orderID,
		AccessKey:   key,
		Series:      1,
		Number:      number,
		Environment: fiscal.EnvironmentHomologation,
		IssuedAt:    fixtureNow,
	})
	require.NoError(t, err)
	return e
}

// seedOrder inserts a company, customer and a two-line order
func seedOrder(t *testing.T, db *gorm.DB) (companyID, orderID uuid.UUID) {
	t.Helper()
	companyID = uuid.New()
	customerID := uuid.New()
	orderID = uuid.New()

	company := models.CompanyModel{
		BaseModel:          models.BaseModel{ID: companyID, CreatedAt: fixtureNow, UpdatedAt: fixtureNow},
		LegalName:          "Comercial Araucaria Ltda",
		TaxID:              "12345678000195",
		StateRegistration:  "9012345678",
		TaxRegime:          "1",
		PrincipalState:     "PR",
		Environment:        "2",
		Series:             1,
		CredentialPath:     "credentials/company.pfx",
		CredentialPassword: "c2VjcmV0",
		Addresses: []models.CompanyAddressModel{
			{
				ID:        uuid.New(),
				Name:      "Matriz",
				Primary:   true,
				CreatedAt: fixtureNow,
				AddressFields: models.AddressFields{
					Street: "Rua XV de Novembro", Number: "100", District: "Centro",
					MunicipalityCode: "4106902", MunicipalityName: "Curitiba", State: "PR", ZipCode: "80020310",
				},
			},
		},
	}
	require.NoError(t, db.Create(&company).Error)

	customer := models.CustomerModel{
		BaseModel: models.BaseModel{ID: customerID, CreatedAt: fixtureNow, UpdatedAt: fixtureNow},
		Name:      "Maria Souza",
		TaxID:     "12345678909",
		AddressFields: models.AddressFields{
			Street: "Av. Brasil", Number: "55", District: "Centro",
			MunicipalityCode: "4106902", MunicipalityName: "Curitiba", State: "PR", ZipCode: "80010000",
		},
	}
	require.NoError(t, db.Create(&customer).Error)

	box := "CX"
	cash := true
	order := models.SalesOrderModel{
		BaseModel:   models.BaseModel{ID: orderID, CreatedAt: fixtureNow, UpdatedAt: fixtureNow},
		CompanyID:   companyID,
		CustomerID:  customerID,
		OrderNumber: "PV-0042",
		Total:       decimal.NewFromInt(150),
		Items: []models.SalesOrderItemModel{
			{
				ID: uuid.New(), Position: 2, ProductID: uuid.New(), ProductCode: "P-2", ProductName: "Caneta",
				NCM: "96081000", ProductUnit: "UN", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(5),
				TaxCSOSN: "102", CFOPInternal: "5102", CFOPInterstate: "6102",
			},
			{
				ID: uuid.New(), Position: 1, ProductID: uuid.New(), ProductCode: "P-1", ProductName: "Caderno",
				NCM: "48202000", ProductUnit: "UN", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(50),
				SaleUnit: &box, SaleUnitFactor: decimal.NewNullDecimal(decimal.NewFromInt(12)),
				TaxCSOSN: "102", CFOPInternal: "5102", CFOPInterstate: "6102",
			},
		},
		Payments: []models.SalesOrderPaymentModel{
			{ID: uuid.New(), Position: 1, MethodLabel: "PIX", Amount: decimal.NewFromInt(150), CashLike: &cash},
		},
		Installments: []models.SalesOrderInstallmentModel{
			{ID: uuid.New(), Position: 1, InstallmentNumber: "1", DueDate: fixtureNow, Amount: decimal.NewFromInt(150)},
		},
	}
	require.NoError(t, db.Create(&order).Error)
	return companyID, orderID
}
