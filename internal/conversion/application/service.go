// Package application 兑换工作流应用服务：创建、审批、驳回
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/conversion/domain"
	positiondomain "github.com/wyfcoding/backoffice/internal/position/domain"
	walletdomain "github.com/wyfcoding/backoffice/internal/wallet/domain"
	"github.com/wyfcoding/backoffice/pkg/eventbus"
	"github.com/wyfcoding/backoffice/pkg/metrics"
	"github.com/wyfcoding/backoffice/pkg/utils"
	"github.com/wyfcoding/pkg/xerrors"
)

// USDT 账本资产代码，审批产生的钱包流水固定记在 USDT 腿上
const LedgerAsset = "USDT"

// TxRunner 单事务执行器，持仓/日记账/流水三表写入共用一个事务边界
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// 瞬时存储错误 (死锁、锁等待超时、连接抖动) 的整事务重试参数。
// 失败的事务已整体回滚，重试从头执行，不会重复入账。
const (
	txMaxAttempts  = 3
	txInitialDelay = 50 * time.Millisecond
	txMaxDelay     = 500 * time.Millisecond
)

// runTxWithRetry 带退避重试整个事务；业务错误 (xerrors.Error) 不重试
func runTxWithRetry(ctx context.Context, tx TxRunner, fn func(ctx context.Context) error) error {
	return utils.RetryWithBackoff(txMaxAttempts, txInitialDelay, txMaxDelay, func() error {
		err := tx.WithTx(ctx, fn)
		var businessErr *xerrors.Error
		if err != nil && errors.As(err, &businessErr) {
			return utils.Permanent(err)
		}
		return err
	})
}

// EventPublisher 与业务事务同提交的事件发布
type EventPublisher interface {
	PublishInTx(ctx context.Context, topic, key string, payload any) error
}

// RateProvider 市场价查询，尽力而为；ok 为 false 表示行情不可用
type RateProvider interface {
	GetRate(ctx context.Context, asset string) (decimal.Decimal, bool, error)
}

// ConversionService 兑换工作流应用服务
type ConversionService struct {
	tx          TxRunner
	conversions domain.ConversionRepository
	journals    domain.JournalRepository
	positions   positiondomain.PositionRepository
	wallets     walletdomain.WalletRepository
	walletTxs   walletdomain.TransactionRepository
	rates       RateProvider
	events      EventPublisher
	metrics     *metrics.Metrics
	idgen       *utils.SnowflakeID
	logger      *slog.Logger
}

func NewConversionService(
	tx TxRunner,
	conversions domain.ConversionRepository,
	journals domain.JournalRepository,
	positions positiondomain.PositionRepository,
	wallets walletdomain.WalletRepository,
	walletTxs walletdomain.TransactionRepository,
	rates RateProvider,
	events EventPublisher,
	m *metrics.Metrics,
	idgen *utils.SnowflakeID,
	logger *slog.Logger,
) *ConversionService {
	return &ConversionService{
		tx:          tx,
		conversions: conversions,
		journals:    journals,
		positions:   positions,
		wallets:     wallets,
		walletTxs:   walletTxs,
		rates:       rates,
		events:      events,
		metrics:     m,
		idgen:       idgen,
		logger:      logger,
	}
}

// CreateConversionCommand 创建兑换单命令
type CreateConversionCommand struct {
	WalletID  string
	Side      string
	Asset     string
	Quantity  decimal.Decimal
	PriceUSDT decimal.Decimal
	FeePct    decimal.Decimal
	CreatedBy string
}

// CreateConversion 创建待审批兑换单，并尽力快照当前市场价
func (s *ConversionService) CreateConversion(ctx context.Context, cmd CreateConversionCommand) (*domain.ConversionRecord, error) {
	side, err := domain.ParseSide(cmd.Side)
	if err != nil {
		return nil, err
	}

	conversionID := fmt.Sprintf("CV%d", s.idgen.Generate())
	record, err := domain.NewConversionRecord(conversionID, cmd.WalletID, side, cmd.Asset,
		cmd.Quantity, cmd.PriceUSDT, cmd.FeePct, cmd.CreatedBy)
	if err != nil {
		return nil, err
	}

	// 市场价快照：行情不可用时留空，不阻塞建单
	if s.rates != nil {
		if rate, ok, rateErr := s.rates.GetRate(ctx, cmd.Asset); rateErr == nil && ok && rate.IsPositive() {
			record.MarketRateSnapshot = &rate
		} else if rateErr != nil {
			s.logger.WarnContext(ctx, "market rate snapshot unavailable", "asset", cmd.Asset, "error", rateErr)
		}
	}

	if err := s.conversions.Save(ctx, record); err != nil {
		return nil, xerrors.Internal("failed to save conversion", err)
	}

	s.logger.InfoContext(ctx, "conversion created",
		"conversion_id", record.ConversionID,
		"wallet_id", record.WalletID,
		"side", record.Side.String(),
		"asset", record.Asset,
		"quantity", record.Quantity.String(),
		"net_usdt", record.NetUSDTChange.String())
	return record, nil
}

// ApproveConversion 审批兑换单
// 持仓变更、日记账分录、钱包流水、余额更新与事件发布落在同一个数据库事务内，
// 任一步失败整体回滚，不存在可观察的半审批状态。
func (s *ConversionService) ApproveConversion(ctx context.Context, conversionID, actor string) (*domain.ConversionRecord, error) {
	var record *domain.ConversionRecord

	err := runTxWithRetry(ctx, s.tx, func(ctx context.Context) error {
		var err error
		record, err = s.conversions.GetForUpdate(ctx, conversionID)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := record.Approve(actor, now); err != nil {
			return err
		}

		// 先锁钱包 USDT 余额行：同一钱包上的审批与对账由此串行
		wallet, err := s.wallets.GetForUpdate(ctx, record.WalletID, LedgerAsset)
		if err != nil {
			return err
		}
		position, err := s.positions.GetForUpdate(ctx, record.WalletID, record.Asset)
		if err != nil {
			return err
		}

		var entries []*domain.JournalEntry
		var direction walletdomain.TransactionDirection

		switch record.Side {
		case domain.SideBuy:
			if err := position.ApplyBuy(record.NetAssetChange, record.NetUSDTChange); err != nil {
				return err
			}
			direction = walletdomain.DirectionDebit
			entries = []*domain.JournalEntry{
				{ConversionID: record.ConversionID, LineType: domain.LineAssetIn, Amount: record.NetAssetChange,
					Note: fmt.Sprintf("buy %s %s", record.Quantity, record.Asset)},
				{ConversionID: record.ConversionID, LineType: domain.LineUSDTOut, Amount: record.NetUSDTChange,
					Note: fmt.Sprintf("cost incl. fee %s", record.FeeAmount)},
			}
		case domain.SideSell:
			costOut, err := position.ApplySell(record.Quantity)
			if err != nil {
				return err
			}
			record.CostOut = costOut
			record.RealizedPnL = record.NetUSDTChange.Sub(costOut)
			direction = walletdomain.DirectionCredit
			entries = []*domain.JournalEntry{
				{ConversionID: record.ConversionID, LineType: domain.LineAssetOut, Amount: record.Quantity,
					Note: fmt.Sprintf("sell %s %s", record.Quantity, record.Asset)},
				{ConversionID: record.ConversionID, LineType: domain.LineUSDTIn, Amount: record.NetUSDTChange,
					Note: fmt.Sprintf("proceeds net of fee %s", record.FeeAmount)},
				{ConversionID: record.ConversionID, LineType: domain.LineRealizedPnL, Amount: record.RealizedPnL,
					Note: fmt.Sprintf("cost_out %s", costOut)},
			}
		}

		if err := s.journals.Append(ctx, entries...); err != nil {
			return err
		}

		seq, err := s.walletTxs.NextSeq(ctx, record.WalletID, LedgerAsset)
		if err != nil {
			return err
		}

		balanceBefore := wallet.Balance
		signed := record.NetUSDTChange
		if direction == walletdomain.DirectionDebit {
			signed = signed.Neg()
		}
		wallet.Balance = wallet.Balance.Add(signed)

		walletTx := &walletdomain.WalletTransaction{
			TransactionID: fmt.Sprintf("WT%d", s.idgen.Generate()),
			WalletID:      record.WalletID,
			Asset:         LedgerAsset,
			Seq:           seq,
			Direction:     direction,
			Amount:        record.NetUSDTChange,
			BalanceBefore: balanceBefore,
			BalanceAfter:  wallet.Balance,
			ConversionID:  record.ConversionID,
			Note:          fmt.Sprintf("%s %s %s", record.Side, record.Quantity, record.Asset),
			TransactedAt:  now,
		}
		if err := s.walletTxs.Append(ctx, walletTx); err != nil {
			return err
		}

		if err := s.positions.Save(ctx, position); err != nil {
			return err
		}
		if err := s.wallets.Save(ctx, wallet); err != nil {
			return err
		}
		if err := s.conversions.Update(ctx, record); err != nil {
			return err
		}

		if s.events != nil {
			event := map[string]any{
				"conversion_id": record.ConversionID,
				"wallet_id":     record.WalletID,
				"side":          record.Side.String(),
				"asset":         record.Asset,
				"quantity":      record.Quantity.String(),
				"net_usdt":      record.NetUSDTChange.String(),
				"approved_by":   actor,
				"approved_at":   now,
			}
			if err := s.events.PublishInTx(ctx, eventbus.TopicConversionApproved, record.ConversionID, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ConversionsApproved.WithLabelValues(record.Side.String()).Inc()
	}
	s.logger.InfoContext(ctx, "conversion approved",
		"conversion_id", record.ConversionID,
		"side", record.Side.String(),
		"realized_pnl", record.RealizedPnL.String(),
		"approved_by", actor)
	return record, nil
}

// RejectConversion 驳回兑换单，只改状态不触发账务
func (s *ConversionService) RejectConversion(ctx context.Context, conversionID, actor, reason string) (*domain.ConversionRecord, error) {
	var record *domain.ConversionRecord

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.conversions.GetForUpdate(ctx, conversionID)
		if err != nil {
			return err
		}
		if err := record.Reject(actor, reason, time.Now()); err != nil {
			return err
		}
		if err := s.conversions.Update(ctx, record); err != nil {
			return err
		}
		if s.events != nil {
			event := map[string]any{
				"conversion_id": record.ConversionID,
				"wallet_id":     record.WalletID,
				"rejected_by":   actor,
				"reason":        reason,
			}
			return s.events.PublishInTx(ctx, eventbus.TopicConversionRejected, record.ConversionID, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ConversionsRejected.Inc()
	}
	s.logger.InfoContext(ctx, "conversion rejected", "conversion_id", record.ConversionID, "rejected_by", actor, "reason", reason)
	return record, nil
}

// GetConversion 查询兑换单详情
func (s *ConversionService) GetConversion(ctx context.Context, conversionID string) (*domain.ConversionRecord, error) {
	return s.conversions.Get(ctx, conversionID)
}

// ListConversions 按钱包/状态分页查询
func (s *ConversionService) ListConversions(ctx context.Context, walletID string, status *domain.ConversionStatus, limit, offset int) ([]*domain.ConversionRecord, int64, error) {
	return s.conversions.List(ctx, walletID, status, limit, offset)
}

// ListJournal 查询兑换单的日记账分录
func (s *ConversionService) ListJournal(ctx context.Context, conversionID string) ([]*domain.JournalEntry, error) {
	return s.journals.ListByConversion(ctx, conversionID)
}
