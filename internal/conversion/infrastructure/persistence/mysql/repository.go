package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/conversion/domain"
	"github.com/wyfcoding/backoffice/pkg/db"
	"github.com/wyfcoding/pkg/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversionRepo struct {
	db *gorm.DB
}

func NewConversionRepo(gdb *gorm.DB) domain.ConversionRepository {
	return &ConversionRepo{db: gdb}
}

func (r *ConversionRepo) Save(ctx context.Context, record *domain.ConversionRecord) error {
	return db.FromContext(ctx, r.db).Create(record).Error
}

func (r *ConversionRepo) Update(ctx context.Context, record *domain.ConversionRecord) error {
	return db.FromContext(ctx, r.db).Save(record).Error
}

func (r *ConversionRepo) Get(ctx context.Context, conversionID string) (*domain.ConversionRecord, error) {
	var record domain.ConversionRecord
	err := db.FromContext(ctx, r.db).
		Where("conversion_id = ?", conversionID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.NotFound(fmt.Sprintf("conversion %s not found", conversionID))
		}
		return nil, err
	}
	return &record, nil
}

func (r *ConversionRepo) GetForUpdate(ctx context.Context, conversionID string) (*domain.ConversionRecord, error) {
	var record domain.ConversionRecord
	err := db.FromContext(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("conversion_id = ?", conversionID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.NotFound(fmt.Sprintf("conversion %s not found", conversionID))
		}
		return nil, err
	}
	return &record, nil
}

func (r *ConversionRepo) List(ctx context.Context, walletID string, status *domain.ConversionStatus, limit, offset int) ([]*domain.ConversionRecord, int64, error) {
	query := db.FromContext(ctx, r.db).Model(&domain.ConversionRecord{})
	if walletID != "" {
		query = query.Where("wallet_id = ?", walletID)
	}
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []*domain.ConversionRecord
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records).Error
	return records, total, err
}

func (r *ConversionRepo) ListApprovedWithSnapshot(ctx context.Context, walletID string) ([]*domain.ConversionRecord, error) {
	var records []*domain.ConversionRecord
	err := db.FromContext(ctx, r.db).
		Where("wallet_id = ? AND status = ? AND market_rate_snapshot IS NOT NULL",
			walletID, domain.StatusApproved).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

type JournalRepo struct {
	db *gorm.DB
}

func NewJournalRepo(gdb *gorm.DB) domain.JournalRepository {
	return &JournalRepo{db: gdb}
}

func (r *JournalRepo) Append(ctx context.Context, entries ...*domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.FromContext(ctx, r.db).Create(entries).Error
}

func (r *JournalRepo) ListByConversion(ctx context.Context, conversionID string) ([]*domain.JournalEntry, error) {
	var entries []*domain.JournalEntry
	err := db.FromContext(ctx, r.db).
		Where("conversion_id = ?", conversionID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// UpdateAmount 原地修正分录金额，对账路径专用；不追加新行
func (r *JournalRepo) UpdateAmount(ctx context.Context, conversionID string, lineType domain.JournalLineType, amount decimal.Decimal, note string) error {
	result := db.FromContext(ctx, r.db).
		Model(&domain.JournalEntry{}).
		Where("conversion_id = ? AND line_type = ?", conversionID, lineType).
		Updates(map[string]any{"amount": amount, "note": note})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return xerrors.NotFound(fmt.Sprintf("journal line %s for conversion %s not found", lineType, conversionID))
	}
	return nil
}
