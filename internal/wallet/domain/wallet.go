// Package domain 钱包领域模型：当前余额与带连续余额链的流水账本
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/xerrors"
	"gorm.io/gorm"
)

// 钱包领域业务错误码
const (
	CodeChainBroken    = 43001
	CodeWalletNotFound = 43002
)

// TransactionDirection 流水方向
type TransactionDirection int8

const (
	DirectionCredit TransactionDirection = 1 // 入账
	DirectionDebit  TransactionDirection = 2 // 出账
)

func (d TransactionDirection) String() string {
	switch d {
	case DirectionCredit:
		return "CREDIT"
	case DirectionDebit:
		return "DEBIT"
	default:
		return "UNKNOWN"
	}
}

// Wallet 钱包余额，每个 (wallet_id, asset) 一行
type Wallet struct {
	gorm.Model
	WalletID string          `gorm:"column:wallet_id;type:varchar(64);not null;uniqueIndex:idx_wallet_balance_asset" json:"wallet_id"`
	Asset    string          `gorm:"column:asset;type:varchar(16);not null;uniqueIndex:idx_wallet_balance_asset" json:"asset"`
	Balance  decimal.Decimal `gorm:"column:balance;type:decimal(32,16);not null;default:0" json:"balance"`
}

func (w *Wallet) TableName() string {
	return "wallets"
}

// WalletTransaction 钱包流水
// seq 为 (wallet_id, asset) 内单调递增序号，决定对账级联的先后次序；
// 链式不变量：同序列中前一条的 balance_after 等于后一条的 balance_before。
type WalletTransaction struct {
	gorm.Model
	TransactionID string               `gorm:"column:transaction_id;type:varchar(64);uniqueIndex;not null" json:"transaction_id"`
	WalletID      string               `gorm:"column:wallet_id;type:varchar(64);not null;uniqueIndex:idx_wallet_asset_seq" json:"wallet_id"`
	Asset         string               `gorm:"column:asset;type:varchar(16);not null;uniqueIndex:idx_wallet_asset_seq" json:"asset"`
	Seq           int64                `gorm:"column:seq;not null;uniqueIndex:idx_wallet_asset_seq" json:"seq"`
	Direction     TransactionDirection `gorm:"column:direction;type:tinyint;not null" json:"direction"`
	Amount        decimal.Decimal      `gorm:"column:amount;type:decimal(32,16);not null" json:"amount"`
	BalanceBefore decimal.Decimal      `gorm:"column:balance_before;type:decimal(32,16);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal      `gorm:"column:balance_after;type:decimal(32,16);not null" json:"balance_after"`
	ConversionID  string               `gorm:"column:conversion_id;type:varchar(64);index" json:"conversion_id"`
	Note          string               `gorm:"column:note;type:varchar(255)" json:"note"`
	TransactedAt  time.Time            `gorm:"column:transacted_at;type:datetime;not null" json:"transacted_at"`
}

func (t *WalletTransaction) TableName() string {
	return "wallet_transactions"
}

// SignedAmount 按方向返回带符号的金额
func (t *WalletTransaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// VerifyChain 校验一段同 (wallet, asset) 流水的余额链
// 每条流水自身需满足 balance_after = balance_before ± amount，相邻两条首尾相接。
func VerifyChain(txs []*WalletTransaction) error {
	for i, tx := range txs {
		expected := tx.BalanceBefore.Add(tx.SignedAmount())
		if !tx.BalanceAfter.Equal(expected) {
			return xerrors.New(xerrors.ErrInternal, CodeChainBroken, "wallet ledger chain broken", "", nil).
				WithContext("transaction_id", tx.TransactionID).
				WithContext("balance_after", tx.BalanceAfter.String()).
				WithContext("expected", expected.String())
		}
		if i > 0 && !txs[i-1].BalanceAfter.Equal(tx.BalanceBefore) {
			return xerrors.New(xerrors.ErrInternal, CodeChainBroken, "wallet ledger chain broken", "", nil).
				WithContext("transaction_id", tx.TransactionID).
				WithContext("prev_balance_after", txs[i-1].BalanceAfter.String()).
				WithContext("balance_before", tx.BalanceBefore.String())
		}
	}
	return nil
}

// WalletRepository 钱包余额仓储
type WalletRepository interface {
	// GetForUpdate 行锁读取余额行；不存在时创建零余额行后锁定
	GetForUpdate(ctx context.Context, walletID, asset string) (*Wallet, error)
	Get(ctx context.Context, walletID, asset string) (*Wallet, error)
	Save(ctx context.Context, wallet *Wallet) error
}

// TransactionRepository 流水仓储
type TransactionRepository interface {
	Append(ctx context.Context, tx *WalletTransaction) error
	// NextSeq 返回 (wallet, asset) 序列的下一个序号
	NextSeq(ctx context.Context, walletID, asset string) (int64, error)
	// FindByConversion 按方向与兑换单定位原始流水
	FindByConversion(ctx context.Context, walletID, asset, conversionID string, direction TransactionDirection) (*WalletTransaction, error)
	Update(ctx context.Context, tx *WalletTransaction) error
	// ShiftBalancesAfter 将 seq 之后的所有流水的前后余额整体平移 delta，返回受影响行数
	ShiftBalancesAfter(ctx context.Context, walletID, asset string, seq int64, delta decimal.Decimal) (int64, error)
	// ListAfter 读取 seq 之后的流水 (含校验用途)，按 seq 升序
	ListAfter(ctx context.Context, walletID, asset string, seq int64) ([]*WalletTransaction, error)
	List(ctx context.Context, walletID, asset string, limit, offset int) ([]*WalletTransaction, int64, error)
}
