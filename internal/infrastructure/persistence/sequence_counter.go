package persistence

import (
	"context"
	"errors"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSequenceCounter keeps document numbering counters in fiscal_sequences
type GormSequenceCounter struct {
	db    *gorm.DB
	clock shared.Clock
}

// NewGormSequenceCounter creates a new GormSequenceCounter. A nil clock
// uses the system time.
func NewGormSequenceCounter(db *gorm.DB, clock shared.Clock) *GormSequenceCounter {
	return &GormSequenceCounter{db: db, clock: clock}
}

// Peek returns the next number of the scope without consuming it. A scope
// without a counter starts at 1.
func (c *GormSequenceCounter) Peek(ctx context.Context, scope fiscal.NumberingScope) (int64, error) {
	var model models.SequenceModel
	err := c.db.WithContext(ctx).
		Where("company_id = ? AND model = ? AND series = ? AND environment = ?",
			scope.CompanyID, scope.Model, scope.Series, string(scope.Environment)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 1, nil
		}
		return 0, err
	}
	if model.NextNumber < 1 {
		return 1, nil
	}
	return model.NextNumber, nil
}

// Advance records that used was consumed. It is a single upsert so that
// concurrent callers never move the counter backwards.
func (c *GormSequenceCounter) Advance(ctx context.Context, scope fiscal.NumberingScope, used int64) error {
	row := models.SequenceModel{
		CompanyID:   scope.CompanyID,
		Model:       scope.Model,
		Series:      scope.Series,
		Environment: string(scope.Environment),
		NextNumber:  used + 1,
		UpdatedAt:   c.clock.Now(),
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "model"}, {Name: "series"}, {Name: "environment"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "next_number"}, Value: gorm.Expr(
				"CASE WHEN fiscal_sequences.next_number > excluded.next_number " +
					"THEN fiscal_sequences.next_number ELSE excluded.next_number END")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
		},
	}).Create(&row).Error
}

var _ fiscal.SequenceCounter = (*GormSequenceCounter)(nil)
