package persistence

import (
	"context"
	"errors"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormEmissionRepository implements EmissionRepository using GORM
type GormEmissionRepository struct {
	db *gorm.DB
}

// NewGormEmissionRepository creates a new GormEmissionRepository
func NewGormEmissionRepository(db *gorm.DB) *GormEmissionRepository {
	return &GormEmissionRepository{db: db}
}

// WithTx returns a new repository with the given transaction
func (r *GormEmissionRepository) WithTx(tx *gorm.DB) *GormEmissionRepository {
	return &GormEmissionRepository{db: tx}
}

// FindByID finds an emission by its ID
func (r *GormEmissionRepository) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.Emission, error) {
	var model models.EmissionModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindCurrentByOrder returns the newest emission of the order that is not
// denied or in error. Cancelled records still count: the order stays linked
// to the cancelled document.
func (r *GormEmissionRepository) FindCurrentByOrder(ctx context.Context, orderID uuid.UUID) (*fiscal.Emission, error) {
	var model models.EmissionModel
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status NOT IN ?", orderID,
			[]fiscal.EmissionStatus{fiscal.EmissionStatusDenied, fiscal.EmissionStatusError}).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ListByOrder returns every emission of the order, newest first
func (r *GormEmissionRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]fiscal.Emission, error) {
	var rows []models.EmissionModel
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	emissions := make([]fiscal.Emission, len(rows))
	for i := range rows {
		emissions[i] = *rows[i].ToDomain()
	}
	return emissions, nil
}

// Create inserts a new emission. A number already used in the same scope
// surfaces as ErrDuplicateNumber; a second live emission for the order
// surfaces as ErrEmissionInProgress.
func (r *GormEmissionRepository) Create(ctx context.Context, e *fiscal.Emission) error {
	model, err := models.EmissionModelFromDomain(e)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return r.duplicateCause(ctx, e)
		}
		return err
	}
	return nil
}

// duplicateCause tells the active-order index apart from the numbering
// constraints after a unique violation
func (r *GormEmissionRepository) duplicateCause(ctx context.Context, e *fiscal.Emission) error {
	if e.Status == fiscal.EmissionStatusDenied || e.Status == fiscal.EmissionStatusError {
		return fiscal.ErrDuplicateNumber
	}
	var live int64
	err := r.db.WithContext(ctx).
		Model(&models.EmissionModel{}).
		Where("order_id = ? AND id <> ? AND status NOT IN ?", e.OrderID, e.ID,
			[]fiscal.EmissionStatus{fiscal.EmissionStatusDenied, fiscal.EmissionStatusError}).
		Count(&live).Error
	if err == nil && live > 0 {
		return fiscal.ErrEmissionInProgress
	}
	return fiscal.ErrDuplicateNumber
}

// Update saves the emission with optimistic locking
func (r *GormEmissionRepository) Update(ctx context.Context, e *fiscal.Emission) error {
	currentVersion := e.Version
	e.IncrementVersion()

	model, err := models.EmissionModelFromDomain(e)
	if err != nil {
		e.Version = currentVersion
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&models.EmissionModel{}).
		Where("id = ? AND version = ?", e.ID, currentVersion).
		Updates(map[string]any{
			"status":          model.Status,
			"offline":         model.Offline,
			"protocol_number": model.ProtocolNumber,
			"receipt_number":  model.ReceiptNumber,
			"status_code":     model.StatusCode,
			"status_reason":   model.StatusReason,
			"raw_xml_path":    model.RawXMLPath,
			"signed_xml_path": model.SignedXMLPath,
			"protocol_path":   model.ProtocolPath,
			"proof_path":      model.ProofPath,
			"metadata":        model.Metadata,
			"authorized_at":   model.AuthorizedAt,
			"cancelled_at":    model.CancelledAt,
			"version":         model.Version,
			"updated_at":      model.UpdatedAt,
		})
	if result.Error != nil {
		e.Version = currentVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		e.Version = currentVersion
		var count int64
		r.db.WithContext(ctx).Model(&models.EmissionModel{}).Where("id = ?", e.ID).Count(&count)
		if count == 0 {
			return shared.ErrNotFound
		}
		return shared.ErrConcurrencyConflict
	}
	return nil
}

var _ fiscal.EmissionRepository = (*GormEmissionRepository)(nil)
