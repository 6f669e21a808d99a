// Package domain 持仓领域模型：按 (钱包, 资产) 维护数量与成本池，采用加权平均成本法
package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/xerrors"
	"gorm.io/gorm"
)

// 持仓领域业务错误码
const (
	CodeInvalidQuantity      = 42001
	CodeInsufficientPosition = 42002
)

// AssetPosition 资产持仓聚合根
// 每个 (wallet_id, asset) 唯一一行；数量与成本池只能由已审批的兑换同步变动。
type AssetPosition struct {
	gorm.Model
	WalletID string          `gorm:"column:wallet_id;type:varchar(64);not null;uniqueIndex:idx_wallet_asset" json:"wallet_id"`
	Asset    string          `gorm:"column:asset;type:varchar(16);not null;uniqueIndex:idx_wallet_asset" json:"asset"`
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,16);not null;default:0" json:"quantity"`
	CostPool decimal.Decimal `gorm:"column:cost_pool;type:decimal(32,16);not null;default:0" json:"cost_pool"`
}

func (p *AssetPosition) TableName() string {
	return "asset_positions"
}

// NewAssetPosition 创建空持仓
func NewAssetPosition(walletID, asset string) *AssetPosition {
	return &AssetPosition{
		WalletID: walletID,
		Asset:    asset,
		Quantity: decimal.Zero,
		CostPool: decimal.Zero,
	}
}

// AverageCost 平均成本 = 成本池 / 数量，数量为零时返回零
func (p *AssetPosition) AverageCost() decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.CostPool.DivRound(p.Quantity, 16)
}

// ApplyBuy 买入：数量与成本池同向增加
func (p *AssetPosition) ApplyBuy(quantity, netUSDT decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return xerrors.New(xerrors.ErrInvalidArg, CodeInvalidQuantity, "buy quantity must be positive", "", nil)
	}
	p.Quantity = p.Quantity.Add(quantity)
	p.CostPool = p.CostPool.Add(netUSDT)
	return nil
}

// ApplySell 卖出：按当前平均成本移出对应份额的成本池，返回移出的成本 (cost_out)。
// 持仓数量不足时返回错误，不产生任何变更。
func (p *AssetPosition) ApplySell(quantity decimal.Decimal) (decimal.Decimal, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, xerrors.New(xerrors.ErrInvalidArg, CodeInvalidQuantity, "sell quantity must be positive", "", nil)
	}
	if p.Quantity.LessThan(quantity) {
		return decimal.Zero, xerrors.New(xerrors.ErrInvalidArg, CodeInsufficientPosition, "insufficient position", "", nil).
			WithContext("wallet_id", p.WalletID).
			WithContext("asset", p.Asset).
			WithContext("on_hand", p.Quantity.String()).
			WithContext("requested", quantity.String())
	}

	costOut := quantity.Mul(p.AverageCost())
	// 全部卖出时直接清空成本池，避免除法舍入残留
	if p.Quantity.Equal(quantity) {
		costOut = p.CostPool
	}

	p.Quantity = p.Quantity.Sub(quantity)
	p.CostPool = p.CostPool.Sub(costOut)
	return costOut, nil
}

// PositionRepository 持仓仓储接口
type PositionRepository interface {
	// GetForUpdate 按 (wallet, asset) 加行锁读取；不存在时返回未落库的空持仓
	GetForUpdate(ctx context.Context, walletID, asset string) (*AssetPosition, error)
	Get(ctx context.Context, walletID, asset string) (*AssetPosition, error)
	ListByWallet(ctx context.Context, walletID string) ([]*AssetPosition, error)
	Save(ctx context.Context, position *AssetPosition) error
}
