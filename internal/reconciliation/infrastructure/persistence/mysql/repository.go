package mysql

import (
	"context"
	"time"

	"github.com/wyfcoding/backoffice/internal/reconciliation/domain"
	"github.com/wyfcoding/backoffice/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransferRepo struct {
	db *gorm.DB
}

func NewTransferRepo(gdb *gorm.DB) domain.TransferRepository {
	return &TransferRepo{db: gdb}
}

// Save 幂等落库：同 transfer_id 重复录入直接忽略
func (r *TransferRepo) Save(ctx context.Context, transfer *domain.SettlementTransfer) error {
	return db.FromContext(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transfer_id"}},
			DoNothing: true,
		}).
		Create(transfer).Error
}

func (r *TransferRepo) ListWindow(ctx context.Context, asset string, from, to time.Time, limit int) ([]*domain.SettlementTransfer, error) {
	var transfers []*domain.SettlementTransfer
	query := db.FromContext(ctx, r.db).Where("asset = ?", asset)
	if !from.IsZero() {
		query = query.Where("transferred_at >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("transferred_at <= ?", to)
	}
	err := query.Order("transferred_at DESC").Limit(limit).Find(&transfers).Error
	return transfers, err
}

type LogRepo struct {
	db *gorm.DB
}

func NewLogRepo(gdb *gorm.DB) domain.LogRepository {
	return &LogRepo{db: gdb}
}

func (r *LogRepo) Append(ctx context.Context, log *domain.ReconciliationLog) error {
	return db.FromContext(ctx, r.db).Create(log).Error
}

func (r *LogRepo) ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]*domain.ReconciliationLog, int64, error) {
	query := db.FromContext(ctx, r.db).Model(&domain.ReconciliationLog{})
	if walletID != "" {
		query = query.Where("wallet_id = ?", walletID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []*domain.ReconciliationLog
	err := query.Order("applied_at DESC").Limit(limit).Offset(offset).Find(&logs).Error
	return logs, total, err
}
