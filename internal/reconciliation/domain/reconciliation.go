// Package domain 对账领域模型：对账审计日志与外部结算流水读模型
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransferDirection 外部划转方向
type TransferDirection int8

const (
	TransferIn  TransferDirection = 1 // 入金
	TransferOut TransferDirection = 2 // 出金
)

func (d TransferDirection) String() string {
	switch d {
	case TransferIn:
		return "IN"
	case TransferOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// SettlementTransfer 外部结算流水读模型
// 供操作员按资产与时间窗检索，与待对账的兑换单人工匹配。
type SettlementTransfer struct {
	gorm.Model
	TransferID    string            `gorm:"column:transfer_id;type:varchar(64);uniqueIndex;not null" json:"transfer_id"`
	Asset         string            `gorm:"column:asset;type:varchar(16);index;not null" json:"asset"`
	Amount        decimal.Decimal   `gorm:"column:amount;type:decimal(32,16);not null" json:"amount"`
	Direction     TransferDirection `gorm:"column:direction;type:tinyint;not null" json:"direction"`
	ExternalRef   string            `gorm:"column:external_ref;type:varchar(128)" json:"external_ref"`
	TransferredAt time.Time         `gorm:"column:transferred_at;type:datetime;index;not null" json:"transferred_at"`
}

func (t *SettlementTransfer) TableName() string {
	return "settlement_transfers"
}

// ReconciliationLog 对账审计日志，每次成功应用的对账写一行
type ReconciliationLog struct {
	gorm.Model
	ConversionID string          `gorm:"column:conversion_id;type:varchar(64);index;not null" json:"conversion_id"`
	WalletID     string          `gorm:"column:wallet_id;type:varchar(64);index;not null" json:"wallet_id"`
	BookedAmount decimal.Decimal `gorm:"column:booked_amount;type:decimal(32,16);not null" json:"booked_amount"`
	ActualAmount decimal.Decimal `gorm:"column:actual_amount;type:decimal(32,16);not null" json:"actual_amount"`
	Delta        decimal.Decimal `gorm:"column:delta;type:decimal(32,16);not null" json:"delta"`
	CascadedRows int64           `gorm:"column:cascaded_rows;not null" json:"cascaded_rows"`
	// 级联未执行 (找不到原始流水) 时为 true，需人工跟进
	CascadeSkipped bool      `gorm:"column:cascade_skipped;not null;default:false" json:"cascade_skipped"`
	ExternalRef    string    `gorm:"column:external_ref;type:varchar(128)" json:"external_ref"`
	AppliedBy      string    `gorm:"column:applied_by;type:varchar(64);not null" json:"applied_by"`
	AppliedAt      time.Time `gorm:"column:applied_at;type:datetime;not null" json:"applied_at"`
}

func (l *ReconciliationLog) TableName() string {
	return "reconciliation_logs"
}

// TransferRepository 外部结算流水仓储
type TransferRepository interface {
	Save(ctx context.Context, transfer *SettlementTransfer) error
	// ListWindow 按资产与时间窗检索，按发生时间倒序
	ListWindow(ctx context.Context, asset string, from, to time.Time, limit int) ([]*SettlementTransfer, error)
}

// LogRepository 对账日志仓储
type LogRepository interface {
	Append(ctx context.Context, log *ReconciliationLog) error
	ListByWallet(ctx context.Context, walletID string, limit, offset int) ([]*ReconciliationLog, int64, error)
}
