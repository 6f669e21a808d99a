// Package domain 兑换领域模型：兑换单聚合根与配套的复式日记账分录
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/xerrors"
	"gorm.io/gorm"
)

// 兑换领域业务错误码
const (
	CodeInvalidDraft      = 41001
	CodeInvalidState      = 41002
	CodeAlreadyReconciled = 41003
	CodeNotReconcilable   = 41004
)

// ConversionSide 兑换方向
type ConversionSide int8

const (
	SideBuy  ConversionSide = 1 // 买入资产，支出 USDT
	SideSell ConversionSide = 2 // 卖出资产，收入 USDT
)

func (s ConversionSide) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide 从字符串解析兑换方向
func ParseSide(s string) (ConversionSide, error) {
	switch s {
	case "BUY", "buy":
		return SideBuy, nil
	case "SELL", "sell":
		return SideSell, nil
	default:
		return 0, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, fmt.Sprintf("invalid side: %s", s), "", nil)
	}
}

// ConversionStatus 兑换单状态
type ConversionStatus int8

const (
	StatusPendingApproval ConversionStatus = 1 // 待审批
	StatusApproved        ConversionStatus = 2 // 已审批
	StatusRejected        ConversionStatus = 3 // 已驳回
)

func (s ConversionStatus) String() string {
	switch s {
	case StatusPendingApproval:
		return "PENDING_APPROVAL"
	case StatusApproved:
		return "APPROVED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ConversionRecord 兑换单聚合根
// 审批通过后 side/wallet/asset/quantity 不可变，价格与金额字段仅允许通过对账修正。
type ConversionRecord struct {
	gorm.Model
	ConversionID   string           `gorm:"column:conversion_id;type:varchar(64);uniqueIndex;not null" json:"conversion_id"`
	WalletID       string           `gorm:"column:wallet_id;type:varchar(64);index;not null" json:"wallet_id"`
	Side           ConversionSide   `gorm:"column:side;type:tinyint;not null" json:"side"`
	Asset          string           `gorm:"column:asset;type:varchar(16);not null" json:"asset"`
	Quantity       decimal.Decimal  `gorm:"column:quantity;type:decimal(32,16);not null" json:"quantity"`
	PriceUSDT      decimal.Decimal  `gorm:"column:price_usdt;type:decimal(32,16);not null" json:"price_usdt"`
	GrossValue     decimal.Decimal  `gorm:"column:gross_value;type:decimal(32,16);not null" json:"gross_value"`
	FeePct         decimal.Decimal  `gorm:"column:fee_pct;type:decimal(10,6);not null;default:0" json:"fee_pct"`
	FeeAmount      decimal.Decimal  `gorm:"column:fee_amount;type:decimal(32,16);not null;default:0" json:"fee_amount"`
	FeeAsset       string           `gorm:"column:fee_asset;type:varchar(16);not null;default:'USDT'" json:"fee_asset"`
	NetAssetChange decimal.Decimal  `gorm:"column:net_asset_change;type:decimal(32,16);not null" json:"net_asset_change"`
	NetUSDTChange  decimal.Decimal  `gorm:"column:net_usdt_change;type:decimal(32,16);not null" json:"net_usdt_change"`
	Status         ConversionStatus `gorm:"column:status;type:tinyint;not null;default:1;index" json:"status"`

	// 卖出时在审批瞬间按平均成本固化，对账不回溯 (成本基础与外部成交滑点无关)
	CostOut     decimal.Decimal `gorm:"column:cost_out;type:decimal(32,16);not null;default:0" json:"cost_out"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,16);not null;default:0" json:"realized_pnl"`

	// 创建时的市场价快照，用于执行价差异报告；行情不可用时为空
	MarketRateSnapshot *decimal.Decimal `gorm:"column:market_rate_snapshot;type:decimal(32,16)" json:"market_rate_snapshot,omitempty"`

	// 对账字段：ActualAmount 非空即表示已对账
	ActualAmount  *decimal.Decimal `gorm:"column:actual_amount;type:decimal(32,16)" json:"actual_amount,omitempty"`
	SettlementRef string           `gorm:"column:settlement_ref;type:varchar(128)" json:"settlement_ref,omitempty"`
	ReconciledAt  *time.Time       `gorm:"column:reconciled_at;type:datetime" json:"reconciled_at,omitempty"`
	ReconciledBy  string           `gorm:"column:reconciled_by;type:varchar(64)" json:"reconciled_by,omitempty"`
	AuditNote     string           `gorm:"column:audit_note;type:varchar(512)" json:"audit_note,omitempty"`

	CreatedBy    string     `gorm:"column:created_by;type:varchar(64);not null" json:"created_by"`
	ApprovedBy   string     `gorm:"column:approved_by;type:varchar(64)" json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `gorm:"column:approved_at;type:datetime" json:"approved_at,omitempty"`
	RejectedBy   string     `gorm:"column:rejected_by;type:varchar(64)" json:"rejected_by,omitempty"`
	RejectedAt   *time.Time `gorm:"column:rejected_at;type:datetime" json:"rejected_at,omitempty"`
	RejectReason string     `gorm:"column:reject_reason;type:varchar(255)" json:"reject_reason,omitempty"`
}

func (c *ConversionRecord) TableName() string {
	return "conversions"
}

// NewConversionRecord 创建待审批兑换单
// 毛值/手续费/净变动由数量、单价、费率推导；手续费以 USDT 计收。
func NewConversionRecord(conversionID, walletID string, side ConversionSide, asset string,
	quantity, priceUSDT, feePct decimal.Decimal, createdBy string) (*ConversionRecord, error) {

	if walletID == "" {
		return nil, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, "wallet_id is required", "", nil)
	}
	if asset == "" {
		return nil, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, "asset is required", "", nil)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, "quantity must be positive", "", nil)
	}
	if priceUSDT.LessThanOrEqual(decimal.Zero) {
		return nil, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, "price must be positive", "", nil)
	}
	if feePct.IsNegative() {
		return nil, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, "fee percentage must not be negative", "", nil)
	}

	gross := quantity.Mul(priceUSDT)
	feeAmount := gross.Mul(feePct).Div(decimal.NewFromInt(100))

	// 净变动以正数幅度存储，方向由 side 决定：
	// BUY 净支出 = 毛值 + 手续费；SELL 净收入 = 毛值 - 手续费
	var netUSDT decimal.Decimal
	switch side {
	case SideBuy:
		netUSDT = gross.Add(feeAmount)
	case SideSell:
		netUSDT = gross.Sub(feeAmount)
	default:
		return nil, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, "invalid side", "", nil)
	}

	return &ConversionRecord{
		ConversionID:   conversionID,
		WalletID:       walletID,
		Side:           side,
		Asset:          asset,
		Quantity:       quantity,
		PriceUSDT:      priceUSDT,
		GrossValue:     gross,
		FeePct:         feePct,
		FeeAmount:      feeAmount,
		FeeAsset:       "USDT",
		NetAssetChange: quantity,
		NetUSDTChange:  netUSDT,
		Status:         StatusPendingApproval,
		CreatedBy:      createdBy,
	}, nil
}

// Approve 状态迁移到已审批；仅允许待审批状态
func (c *ConversionRecord) Approve(actor string, now time.Time) error {
	if c.Status != StatusPendingApproval {
		return xerrors.New(xerrors.ErrInvalidArg, CodeInvalidState,
			fmt.Sprintf("conversion %s is %s, not PENDING_APPROVAL", c.ConversionID, c.Status), "", nil)
	}
	c.Status = StatusApproved
	c.ApprovedBy = actor
	c.ApprovedAt = &now
	return nil
}

// Reject 驳回待审批兑换单，仅记录状态与原因，不触发任何账务
func (c *ConversionRecord) Reject(actor, reason string, now time.Time) error {
	if c.Status != StatusPendingApproval {
		return xerrors.New(xerrors.ErrInvalidArg, CodeInvalidState,
			fmt.Sprintf("conversion %s is %s, not PENDING_APPROVAL", c.ConversionID, c.Status), "", nil)
	}
	c.Status = StatusRejected
	c.RejectedBy = actor
	c.RejectedAt = &now
	c.RejectReason = reason
	return nil
}

// Reconciled 是否已有确认的实收金额
func (c *ConversionRecord) Reconciled() bool {
	return c.ActualAmount != nil
}

// ApplySettlement 以外部确认的实收金额修正兑换单
// 返回 delta = actual - 账面净收入。cost_out 不回溯，只修正收入与已实现盈亏。
func (c *ConversionRecord) ApplySettlement(actual decimal.Decimal, ref, actor string, now time.Time) (decimal.Decimal, error) {
	if c.Status != StatusApproved {
		return decimal.Zero, xerrors.New(xerrors.ErrInvalidArg, CodeNotReconcilable,
			fmt.Sprintf("conversion %s is %s, not APPROVED", c.ConversionID, c.Status), "", nil)
	}
	if c.Side != SideSell {
		return decimal.Zero, xerrors.New(xerrors.ErrInvalidArg, CodeNotReconcilable,
			"only SELL conversions can be reconciled", "", nil)
	}
	if c.Reconciled() {
		return decimal.Zero, xerrors.New(xerrors.ErrAlreadyExists, CodeAlreadyReconciled,
			fmt.Sprintf("conversion %s already reconciled", c.ConversionID), "", nil)
	}
	if actual.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidDraft, "actual amount must be positive", "", nil)
	}

	booked := c.NetUSDTChange
	delta := actual.Sub(booked)

	c.AuditNote = fmt.Sprintf("reconciled: booked net_usdt=%s, actual=%s, delta=%s", booked, actual, delta)
	c.PriceUSDT = actual.DivRound(c.Quantity, 16)
	c.GrossValue = actual
	c.NetUSDTChange = actual
	c.RealizedPnL = actual.Sub(c.CostOut)
	c.ActualAmount = &actual
	c.SettlementRef = ref
	c.ReconciledAt = &now
	c.ReconciledBy = actor
	return delta, nil
}

// JournalLineType 日记账分录类型
type JournalLineType int8

const (
	LineAssetIn     JournalLineType = 1 // 资产入账
	LineAssetOut    JournalLineType = 2 // 资产出账
	LineUSDTIn      JournalLineType = 3 // USDT 入账
	LineUSDTOut     JournalLineType = 4 // USDT 出账
	LineRealizedPnL JournalLineType = 5 // 已实现盈亏
)

func (t JournalLineType) String() string {
	switch t {
	case LineAssetIn:
		return "ASSET_IN"
	case LineAssetOut:
		return "ASSET_OUT"
	case LineUSDTIn:
		return "USDT_IN"
	case LineUSDTOut:
		return "USDT_OUT"
	case LineRealizedPnL:
		return "REALIZED_PNL"
	default:
		return "UNKNOWN"
	}
}

// JournalEntry 日记账分录，默认不可变
// 对账时只允许原地更新 USDT_IN 与 REALIZED_PNL 两类分录的金额，绝不追加重复分录。
type JournalEntry struct {
	gorm.Model
	ConversionID string          `gorm:"column:conversion_id;type:varchar(64);index;not null" json:"conversion_id"`
	LineType     JournalLineType `gorm:"column:line_type;type:tinyint;not null" json:"line_type"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(32,16);not null" json:"amount"`
	Note         string          `gorm:"column:note;type:varchar(255)" json:"note"`
}

func (e *JournalEntry) TableName() string {
	return "journal_entries"
}

// ConversionRepository 兑换单仓储
type ConversionRepository interface {
	Save(ctx context.Context, record *ConversionRecord) error
	Update(ctx context.Context, record *ConversionRecord) error
	Get(ctx context.Context, conversionID string) (*ConversionRecord, error)
	// GetForUpdate 行锁读取，审批/驳回/对账路径使用
	GetForUpdate(ctx context.Context, conversionID string) (*ConversionRecord, error)
	List(ctx context.Context, walletID string, status *ConversionStatus, limit, offset int) ([]*ConversionRecord, int64, error)
	// ListApprovedWithSnapshot 差异报告数据源：已审批且带市场价快照的兑换单
	ListApprovedWithSnapshot(ctx context.Context, walletID string) ([]*ConversionRecord, error)
}

// JournalRepository 日记账仓储
type JournalRepository interface {
	Append(ctx context.Context, entries ...*JournalEntry) error
	ListByConversion(ctx context.Context, conversionID string) ([]*JournalEntry, error)
	// UpdateAmount 原地修正某兑换单下指定类型分录的金额
	UpdateAmount(ctx context.Context, conversionID string, lineType JournalLineType, amount decimal.Decimal, note string) error
}
