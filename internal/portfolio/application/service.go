// Package application 组合估值与执行价差异报告，均为只读投影，不写任何账表
package application

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	conversiondomain "github.com/wyfcoding/backoffice/internal/conversion/domain"
	positiondomain "github.com/wyfcoding/backoffice/internal/position/domain"
	"github.com/wyfcoding/pkg/xerrors"
)

// RateProvider 市场价查询，尽力而为
type RateProvider interface {
	GetRate(ctx context.Context, asset string) (decimal.Decimal, bool, error)
}

// PortfolioService 组合查询应用服务
type PortfolioService struct {
	positions   positiondomain.PositionRepository
	conversions conversiondomain.ConversionRepository
	rates       RateProvider
	logger      *slog.Logger
}

func NewPortfolioService(
	positions positiondomain.PositionRepository,
	conversions conversiondomain.ConversionRepository,
	rates RateProvider,
	logger *slog.Logger,
) *PortfolioService {
	return &PortfolioService{
		positions:   positions,
		conversions: conversions,
		rates:       rates,
		logger:      logger,
	}
}

// PositionValuation 单个持仓的估值行
// 行情不可用时 MarketValue/UnrealizedPnL 为空，只给成本口径。
type PositionValuation struct {
	Asset         string           `json:"asset"`
	Quantity      decimal.Decimal  `json:"quantity"`
	AverageCost   decimal.Decimal  `json:"average_cost"`
	CostBasis     decimal.Decimal  `json:"cost_basis"`
	MarketRate    *decimal.Decimal `json:"market_rate,omitempty"`
	MarketValue   *decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// ValuationReport 组合估值报告
// 市值与浮动盈亏只汇总有行情的持仓；无行情持仓的成本单独归入 UnmarkedCostBasis。
type ValuationReport struct {
	WalletID             string              `json:"wallet_id"`
	Positions            []PositionValuation `json:"positions"`
	TotalCostBasis       decimal.Decimal     `json:"total_cost_basis"`
	MarkedCostBasis      decimal.Decimal     `json:"marked_cost_basis"`
	UnmarkedCostBasis    decimal.Decimal     `json:"unmarked_cost_basis"`
	TotalMarketValue     decimal.Decimal     `json:"total_market_value"`
	TotalUnrealizedPnL   decimal.Decimal     `json:"total_unrealized_pnl"`
	PositionsWithoutFeed int                 `json:"positions_without_feed"`
}

// Valuation 按当前市场价对钱包持仓做盯市估值
func (s *PortfolioService) Valuation(ctx context.Context, walletID string) (*ValuationReport, error) {
	if walletID == "" {
		return nil, xerrors.InvalidArg("wallet_id is required")
	}

	positions, err := s.positions.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	report := &ValuationReport{
		WalletID:           walletID,
		Positions:          make([]PositionValuation, 0, len(positions)),
		TotalCostBasis:     decimal.Zero,
		MarkedCostBasis:    decimal.Zero,
		UnmarkedCostBasis:  decimal.Zero,
		TotalMarketValue:   decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
	}

	for _, pos := range positions {
		if !pos.Quantity.IsPositive() {
			continue
		}

		row := PositionValuation{
			Asset:       pos.Asset,
			Quantity:    pos.Quantity,
			AverageCost: pos.AverageCost(),
			CostBasis:   pos.CostPool,
		}
		report.TotalCostBasis = report.TotalCostBasis.Add(pos.CostPool)

		rate, ok, err := s.rates.GetRate(ctx, pos.Asset)
		if err != nil {
			s.logger.WarnContext(ctx, "rate lookup failed, treating as unavailable",
				"asset", pos.Asset, "error", err)
			ok = false
		}
		if ok && rate.IsPositive() {
			marketValue := pos.Quantity.Mul(rate)
			unrealized := marketValue.Sub(pos.CostPool)
			row.MarketRate = &rate
			row.MarketValue = &marketValue
			row.UnrealizedPnL = &unrealized
			report.MarkedCostBasis = report.MarkedCostBasis.Add(pos.CostPool)
			report.TotalMarketValue = report.TotalMarketValue.Add(marketValue)
			report.TotalUnrealizedPnL = report.TotalUnrealizedPnL.Add(unrealized)
		} else {
			report.UnmarkedCostBasis = report.UnmarkedCostBasis.Add(pos.CostPool)
			report.PositionsWithoutFeed++
		}

		report.Positions = append(report.Positions, row)
	}

	return report, nil
}

// VarianceRow 单笔兑换的执行价差异
type VarianceRow struct {
	ConversionID  string          `json:"conversion_id"`
	Side          string          `json:"side"`
	Asset         string          `json:"asset"`
	ExecutionRate decimal.Decimal `json:"execution_rate"`
	MarketRate    decimal.Decimal `json:"market_rate"`
	Variance      decimal.Decimal `json:"variance"`
	VariancePct   decimal.Decimal `json:"variance_pct"`
	Favorable     bool            `json:"favorable"`
}

// VarianceReport 执行价差异报告
type VarianceReport struct {
	WalletID string        `json:"wallet_id"`
	Rows     []VarianceRow `json:"rows"`
}

// Variance 比较已审批兑换的执行价与建单时的市场价快照
// 买得比市价低或卖得比市价高视为有利。
func (s *PortfolioService) Variance(ctx context.Context, walletID string) (*VarianceReport, error) {
	if walletID == "" {
		return nil, xerrors.InvalidArg("wallet_id is required")
	}

	records, err := s.conversions.ListApprovedWithSnapshot(ctx, walletID)
	if err != nil {
		return nil, err
	}

	report := &VarianceReport{WalletID: walletID, Rows: make([]VarianceRow, 0, len(records))}
	for _, rec := range records {
		snapshot := *rec.MarketRateSnapshot
		if !snapshot.IsPositive() {
			continue
		}

		variance := rec.PriceUSDT.Sub(snapshot)
		favorable := (rec.Side == conversiondomain.SideBuy && variance.IsNegative()) ||
			(rec.Side == conversiondomain.SideSell && variance.IsPositive())

		report.Rows = append(report.Rows, VarianceRow{
			ConversionID:  rec.ConversionID,
			Side:          rec.Side.String(),
			Asset:         rec.Asset,
			ExecutionRate: rec.PriceUSDT,
			MarketRate:    snapshot,
			Variance:      variance,
			VariancePct:   variance.DivRound(snapshot, 8),
			Favorable:     favorable,
		})
	}
	return report, nil
}
