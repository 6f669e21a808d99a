package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/backoffice/internal/marketdata/domain"
	"github.com/wyfcoding/backoffice/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QuoteRepo struct {
	db *gorm.DB
}

func NewQuoteRepo(gdb *gorm.DB) domain.QuoteRepository {
	return &QuoteRepo{db: gdb}
}

// Upsert 同资产只保留最新一条报价
func (r *QuoteRepo) Upsert(ctx context.Context, quote *domain.Quote) error {
	return db.FromContext(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "asset"}},
			DoUpdates: clause.AssignmentColumns([]string{"price_usdt", "source", "quoted_at", "updated_at"}),
		}).
		Create(quote).Error
}

func (r *QuoteRepo) GetLatest(ctx context.Context, asset string) (*domain.Quote, error) {
	var quote domain.Quote
	err := db.FromContext(ctx, r.db).
		Where("asset = ?", asset).
		First(&quote).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &quote, nil
}
