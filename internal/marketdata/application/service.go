// Package application 行情应用服务：报价写入与读穿透查询
package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/marketdata/domain"
	"github.com/wyfcoding/pkg/xerrors"
)

// MarketDataService 行情应用服务
// GetRate 实现组合估值与建单快照所需的市场价查询：缓存优先，MySQL 兜底，
// 查不到或报价非正时按"行情不可用"处理，绝不当作零价。
type MarketDataService struct {
	quotes domain.QuoteRepository
	cache  domain.QuoteCache
	logger *slog.Logger
}

func NewMarketDataService(quotes domain.QuoteRepository, cache domain.QuoteCache, logger *slog.Logger) *MarketDataService {
	return &MarketDataService{
		quotes: quotes,
		cache:  cache,
		logger: logger,
	}
}

// SaveQuoteCommand 写入报价命令
type SaveQuoteCommand struct {
	Asset     string
	PriceUSDT decimal.Decimal
	Source    string
	Timestamp int64
}

// SaveQuote 落库并刷新缓存
func (s *MarketDataService) SaveQuote(ctx context.Context, cmd SaveQuoteCommand) error {
	if cmd.Asset == "" {
		return xerrors.InvalidArg("asset is required")
	}
	if !cmd.PriceUSDT.IsPositive() {
		return xerrors.InvalidArg("price must be positive")
	}

	quotedAt := time.Now()
	if cmd.Timestamp > 0 {
		quotedAt = time.UnixMilli(cmd.Timestamp)
	}

	quote := &domain.Quote{
		Asset:     cmd.Asset,
		PriceUSDT: cmd.PriceUSDT,
		Source:    cmd.Source,
		QuotedAt:  quotedAt,
	}
	if err := s.quotes.Upsert(ctx, quote); err != nil {
		return err
	}

	if s.cache != nil {
		// 缓存失败只降级，不影响落库
		if err := s.cache.Set(ctx, quote); err != nil {
			s.logger.WarnContext(ctx, "failed to refresh quote cache", "asset", cmd.Asset, "error", err)
		}
	}
	return nil
}

// GetRate 查询资产最新价；ok 为 false 表示行情不可用
func (s *MarketDataService) GetRate(ctx context.Context, asset string) (decimal.Decimal, bool, error) {
	if s.cache != nil {
		quote, err := s.cache.Get(ctx, asset)
		if err != nil {
			s.logger.WarnContext(ctx, "quote cache read failed, falling back to store", "asset", asset, "error", err)
		} else if quote != nil && quote.PriceUSDT.IsPositive() {
			return quote.PriceUSDT, true, nil
		}
	}

	quote, err := s.quotes.GetLatest(ctx, asset)
	if err != nil {
		return decimal.Zero, false, err
	}
	if quote == nil || !quote.PriceUSDT.IsPositive() {
		return decimal.Zero, false, nil
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, quote); err != nil {
			s.logger.WarnContext(ctx, "failed to backfill quote cache", "asset", asset, "error", err)
		}
	}
	return quote.PriceUSDT, true, nil
}
