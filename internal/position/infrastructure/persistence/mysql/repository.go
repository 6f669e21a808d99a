package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/backoffice/internal/position/domain"
	"github.com/wyfcoding/backoffice/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PositionRepo struct {
	db *gorm.DB
}

func NewPositionRepo(gdb *gorm.DB) domain.PositionRepository {
	return &PositionRepo{db: gdb}
}

// GetForUpdate 行锁读取，用于审批路径下的持仓变更
func (r *PositionRepo) GetForUpdate(ctx context.Context, walletID, asset string) (*domain.AssetPosition, error) {
	var position domain.AssetPosition
	err := db.FromContext(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ? AND asset = ?", walletID, asset).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NewAssetPosition(walletID, asset), nil
		}
		return nil, err
	}
	return &position, nil
}

func (r *PositionRepo) Get(ctx context.Context, walletID, asset string) (*domain.AssetPosition, error) {
	var position domain.AssetPosition
	err := db.FromContext(ctx, r.db).
		Where("wallet_id = ? AND asset = ?", walletID, asset).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NewAssetPosition(walletID, asset), nil
		}
		return nil, err
	}
	return &position, nil
}

func (r *PositionRepo) ListByWallet(ctx context.Context, walletID string) ([]*domain.AssetPosition, error) {
	var positions []*domain.AssetPosition
	err := db.FromContext(ctx, r.db).
		Where("wallet_id = ?", walletID).
		Order("asset ASC").
		Find(&positions).Error
	return positions, err
}

func (r *PositionRepo) Save(ctx context.Context, position *domain.AssetPosition) error {
	return db.FromContext(ctx, r.db).Save(position).Error
}
