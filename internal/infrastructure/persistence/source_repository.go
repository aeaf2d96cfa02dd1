package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormSourceRepository reads the ERP's company, customer and order tables
// and maintains the order's fiscal status column
type GormSourceRepository struct {
	db *gorm.DB
}

// NewGormSourceRepository creates a new GormSourceRepository
func NewGormSourceRepository(db *gorm.DB) *GormSourceRepository {
	return &GormSourceRepository{db: db}
}

// LoadEmissionSource loads the order with its lines, payments and
// installments together with the issuing company and the customer
func (r *GormSourceRepository) LoadEmissionSource(ctx context.Context, orderID uuid.UUID) (*fiscal.EmissionSource, error) {
	db := r.db.WithContext(ctx)

	var order models.SalesOrderModel
	err := db.
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("position") }).
		Preload("Payments", func(tx *gorm.DB) *gorm.DB { return tx.Order("position") }).
		Preload("Installments", func(tx *gorm.DB) *gorm.DB { return tx.Order("position") }).
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	var company models.CompanyModel
	err = db.
		Preload("Addresses", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at") }).
		Where("id = ?", order.CompanyID).
		First(&company).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewDomainError("COMPANY_NOT_FOUND", "Issuing company of the order was not found")
		}
		return nil, fmt.Errorf("failed to load company: %w", err)
	}

	var customer models.CustomerModel
	if err := db.Where("id = ?", order.CustomerID).First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewDomainError("CUSTOMER_NOT_FOUND", "Customer of the order was not found")
		}
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}

	return &fiscal.EmissionSource{
		Company:  company.ToDomain(),
		Customer: customer.ToDomain(),
		Order:    order.ToDomain(),
	}, nil
}

// GetFiscalStatus returns the order's fiscal status summary
func (r *GormSourceRepository) GetFiscalStatus(ctx context.Context, orderID uuid.UUID) (fiscal.OrderFiscalStatus, error) {
	var status string
	result := r.db.WithContext(ctx).
		Model(&models.SalesOrderModel{}).
		Where("id = ?", orderID).
		Limit(1).
		Pluck("fiscal_status", &status)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", shared.ErrNotFound
	}
	return fiscal.OrderFiscalStatus(status), nil
}

// SetFiscalStatus writes the order's fiscal status summary
func (r *GormSourceRepository) SetFiscalStatus(ctx context.Context, orderID uuid.UUID, status fiscal.OrderFiscalStatus) error {
	result := r.db.WithContext(ctx).
		Model(&models.SalesOrderModel{}).
		Where("id = ?", orderID).
		Update("fiscal_status", string(status))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var (
	_ fiscal.SourceRepository      = (*GormSourceRepository)(nil)
	_ fiscal.OrderStatusRepository = (*GormSourceRepository)(nil)
)
