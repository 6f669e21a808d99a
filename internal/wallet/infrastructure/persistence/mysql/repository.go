package mysql

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/wallet/domain"
	"github.com/wyfcoding/backoffice/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WalletRepo struct {
	db *gorm.DB
}

func NewWalletRepo(gdb *gorm.DB) domain.WalletRepository {
	return &WalletRepo{db: gdb}
}

// GetForUpdate 行锁读取余额行，作为同一钱包上审批与对账的串行化点
func (r *WalletRepo) GetForUpdate(ctx context.Context, walletID, asset string) (*domain.Wallet, error) {
	tx := db.FromContext(ctx, r.db)

	var wallet domain.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ? AND asset = ?", walletID, asset).
		First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// 首次出现的 (wallet, asset)：先插入零余额行再锁定
	wallet = domain.Wallet{WalletID: walletID, Asset: asset, Balance: decimal.Zero}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&wallet).Error; err != nil {
		return nil, err
	}
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ? AND asset = ?", walletID, asset).
		First(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepo) Get(ctx context.Context, walletID, asset string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := db.FromContext(ctx, r.db).
		Where("wallet_id = ? AND asset = ?", walletID, asset).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &domain.Wallet{WalletID: walletID, Asset: asset, Balance: decimal.Zero}, nil
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepo) Save(ctx context.Context, wallet *domain.Wallet) error {
	return db.FromContext(ctx, r.db).Save(wallet).Error
}

type TransactionRepo struct {
	db *gorm.DB
}

func NewTransactionRepo(gdb *gorm.DB) domain.TransactionRepository {
	return &TransactionRepo{db: gdb}
}

func (r *TransactionRepo) Append(ctx context.Context, tx *domain.WalletTransaction) error {
	return db.FromContext(ctx, r.db).Create(tx).Error
}

// NextSeq 取当前最大序号加一；调用方需已持有钱包余额行锁，保证序号不会并发重复
func (r *TransactionRepo) NextSeq(ctx context.Context, walletID, asset string) (int64, error) {
	var maxSeq struct {
		Seq int64
	}
	err := db.FromContext(ctx, r.db).
		Model(&domain.WalletTransaction{}).
		Select("COALESCE(MAX(seq), 0) AS seq").
		Where("wallet_id = ? AND asset = ?", walletID, asset).
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	return maxSeq.Seq + 1, nil
}

func (r *TransactionRepo) FindByConversion(ctx context.Context, walletID, asset, conversionID string, direction domain.TransactionDirection) (*domain.WalletTransaction, error) {
	var tx domain.WalletTransaction
	err := db.FromContext(ctx, r.db).
		Where("wallet_id = ? AND asset = ? AND conversion_id = ? AND direction = ?",
			walletID, asset, conversionID, direction).
		First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepo) Update(ctx context.Context, tx *domain.WalletTransaction) error {
	return db.FromContext(ctx, r.db).Save(tx).Error
}

// ShiftBalancesAfter 单条 UPDATE 完成级联平移，整个操作落在外层事务内
func (r *TransactionRepo) ShiftBalancesAfter(ctx context.Context, walletID, asset string, seq int64, delta decimal.Decimal) (int64, error) {
	result := db.FromContext(ctx, r.db).
		Model(&domain.WalletTransaction{}).
		Where("wallet_id = ? AND asset = ? AND seq > ?", walletID, asset, seq).
		Updates(map[string]any{
			"balance_before": gorm.Expr("balance_before + ?", delta),
			"balance_after":  gorm.Expr("balance_after + ?", delta),
		})
	return result.RowsAffected, result.Error
}

func (r *TransactionRepo) ListAfter(ctx context.Context, walletID, asset string, seq int64) ([]*domain.WalletTransaction, error) {
	var txs []*domain.WalletTransaction
	err := db.FromContext(ctx, r.db).
		Where("wallet_id = ? AND asset = ? AND seq > ?", walletID, asset, seq).
		Order("seq ASC").
		Find(&txs).Error
	return txs, err
}

func (r *TransactionRepo) List(ctx context.Context, walletID, asset string, limit, offset int) ([]*domain.WalletTransaction, int64, error) {
	query := db.FromContext(ctx, r.db).
		Model(&domain.WalletTransaction{}).
		Where("wallet_id = ? AND asset = ?", walletID, asset)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var txs []*domain.WalletTransaction
	err := query.Order("seq DESC").Limit(limit).Offset(offset).Find(&txs).Error
	return txs, total, err
}
