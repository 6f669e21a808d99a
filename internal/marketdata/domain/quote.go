// Package domain 行情领域模型：资产对 USDT 的最新报价
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Quote 资产报价，每个资产保留最新一条
type Quote struct {
	gorm.Model
	Asset     string          `gorm:"column:asset;type:varchar(16);uniqueIndex;not null" json:"asset"`
	PriceUSDT decimal.Decimal `gorm:"column:price_usdt;type:decimal(32,16);not null" json:"price_usdt"`
	Source    string          `gorm:"column:source;type:varchar(32)" json:"source"`
	QuotedAt  time.Time       `gorm:"column:quoted_at;type:datetime;not null" json:"quoted_at"`
}

func (q *Quote) TableName() string {
	return "quotes"
}

// QuoteRepository 报价仓储
type QuoteRepository interface {
	Upsert(ctx context.Context, quote *Quote) error
	GetLatest(ctx context.Context, asset string) (*Quote, error)
}

// QuoteCache 最新报价缓存 (读穿透用)
type QuoteCache interface {
	Set(ctx context.Context, quote *Quote) error
	Get(ctx context.Context, asset string) (*Quote, error)
}
