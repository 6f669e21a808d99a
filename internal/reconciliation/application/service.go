// Package application 对账引擎：以外部确认的实收金额回溯修正兑换单、日记账与钱包流水
package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	conversiondomain "github.com/wyfcoding/backoffice/internal/conversion/domain"
	"github.com/wyfcoding/backoffice/internal/reconciliation/domain"
	walletdomain "github.com/wyfcoding/backoffice/internal/wallet/domain"
	"github.com/wyfcoding/backoffice/pkg/eventbus"
	"github.com/wyfcoding/backoffice/pkg/metrics"
	"github.com/wyfcoding/backoffice/pkg/utils"
	"github.com/wyfcoding/pkg/xerrors"
)

// 对账领域业务错误码
const (
	CodeLedgerInconsistency = 44001
)

// LedgerAsset 对账级联作用的账本资产
const LedgerAsset = "USDT"

// TxRunner 单事务执行器
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// 瞬时存储错误的整事务重试参数，与审批路径一致：
// 失败的事务已整体回滚，重试从头执行，不会重复应用对账。
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

// ReconciliationService 对账引擎应用服务
type ReconciliationService struct {
	tx          TxRunner
	conversions conversiondomain.ConversionRepository
	journals    conversiondomain.JournalRepository
	wallets     walletdomain.WalletRepository
	walletTxs   walletdomain.TransactionRepository
	transfers   domain.TransferRepository
	logs        domain.LogRepository
	events      EventPublisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewReconciliationService(
	tx TxRunner,
	conversions conversiondomain.ConversionRepository,
	journals conversiondomain.JournalRepository,
	wallets walletdomain.WalletRepository,
	walletTxs walletdomain.TransactionRepository,
	transfers domain.TransferRepository,
	logs domain.LogRepository,
	events EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		tx:          tx,
		conversions: conversions,
		journals:    journals,
		wallets:     wallets,
		walletTxs:   walletTxs,
		transfers:   transfers,
		logs:        logs,
		events:      events,
		metrics:     m,
		logger:      logger,
	}
}

// ApplyReconciliationCommand 应用对账命令
type ApplyReconciliationCommand struct {
	ConversionID string
	ActualAmount decimal.Decimal
	ExternalRef  string
	AppliedBy    string
}

// ReconciliationResult 对账结果
type ReconciliationResult struct {
	Conversion     *conversiondomain.ConversionRecord `json:"conversion"`
	Delta          decimal.Decimal                    `json:"delta"`
	CascadedRows   int64                              `json:"cascaded_rows"`
	CascadeSkipped bool                               `json:"cascade_skipped"`
}

// ApplyReconciliation 应用对账
// 兑换单修正、分录修正、原始流水修正、级联平移、余额更新、审计日志与事件
// 全部落在同一个数据库事务内；钱包 USDT 余额行先行加锁，
// 同一钱包上的两次对账以及对账与审批由此串行，级联不会读到中途状态。
func (s *ReconciliationService) ApplyReconciliation(ctx context.Context, cmd ApplyReconciliationCommand) (*ReconciliationResult, error) {
	result := &ReconciliationResult{}

	err := runTxWithRetry(ctx, s.tx, func(ctx context.Context) error {
		// 重试会重新执行整个事务，结果从零累计
		*result = ReconciliationResult{}
		record, err := s.conversions.GetForUpdate(ctx, cmd.ConversionID)
		if err != nil {
			return err
		}

		wallet, err := s.wallets.GetForUpdate(ctx, record.WalletID, LedgerAsset)
		if err != nil {
			return err
		}

		now := time.Now()
		booked := record.NetUSDTChange
		delta, err := record.ApplySettlement(cmd.ActualAmount, cmd.ExternalRef, cmd.AppliedBy, now)
		if err != nil {
			return err
		}

		if err := s.conversions.Update(ctx, record); err != nil {
			return err
		}

		// 原地修正两类分录，不追加新行
		if err := s.journals.UpdateAmount(ctx, record.ConversionID, conversiondomain.LineUSDTIn,
			cmd.ActualAmount, record.AuditNote); err != nil {
			return err
		}
		if err := s.journals.UpdateAmount(ctx, record.ConversionID, conversiondomain.LineRealizedPnL,
			record.RealizedPnL, record.AuditNote); err != nil {
			return err
		}

		// 定位审批时产生的原始入账流水
		origin, err := s.walletTxs.FindByConversion(ctx, record.WalletID, LedgerAsset,
			record.ConversionID, walletdomain.DirectionCredit)
		if err != nil {
			return err
		}
		if origin == nil {
			// 找不到原始流水：兑换单与分录已修正，余额链无从级联，
			// 记录警告与审计，留待人工处理
			result.CascadeSkipped = true
			s.logger.WarnContext(ctx, "originating wallet transaction not found, cascade skipped",
				"conversion_id", record.ConversionID, "wallet_id", record.WalletID)
		} else {
			origin.Amount = cmd.ActualAmount
			origin.BalanceAfter = origin.BalanceBefore.Add(cmd.ActualAmount)
			if err := s.walletTxs.Update(ctx, origin); err != nil {
				return err
			}

			// 级联：原始流水之后的所有同序列流水整体平移 delta
			affected, err := s.walletTxs.ShiftBalancesAfter(ctx, record.WalletID, LedgerAsset, origin.Seq, delta)
			if err != nil {
				return err
			}
			result.CascadedRows = affected

			wallet.Balance = wallet.Balance.Add(delta)
			if err := s.wallets.Save(ctx, wallet); err != nil {
				return err
			}

			// 复核受影响区段的余额链，不一致即中止整个事务
			tail, err := s.walletTxs.ListAfter(ctx, record.WalletID, LedgerAsset, origin.Seq-1)
			if err != nil {
				return err
			}
			if err := walletdomain.VerifyChain(tail); err != nil {
				if s.metrics != nil {
					s.metrics.LedgerInconsistencies.Inc()
				}
				s.logger.ErrorContext(ctx, "ledger chain broken after cascade, aborting",
					"conversion_id", record.ConversionID, "wallet_id", record.WalletID, "error", err)
				return xerrors.New(xerrors.ErrInternal, CodeLedgerInconsistency,
					"wallet ledger inconsistent after cascade", "", err).
					WithContext("conversion_id", record.ConversionID).
					WithContext("wallet_id", record.WalletID)
			}
			if len(tail) > 0 && !wallet.Balance.Equal(tail[len(tail)-1].BalanceAfter) {
				if s.metrics != nil {
					s.metrics.LedgerInconsistencies.Inc()
				}
				return xerrors.New(xerrors.ErrInternal, CodeLedgerInconsistency,
					"wallet balance does not match ledger tail", "", nil).
					WithContext("wallet_id", record.WalletID).
					WithContext("balance", wallet.Balance.String()).
					WithContext("ledger_tail", tail[len(tail)-1].BalanceAfter.String())
			}
		}

		log := &domain.ReconciliationLog{
			ConversionID:   record.ConversionID,
			WalletID:       record.WalletID,
			BookedAmount:   booked,
			ActualAmount:   cmd.ActualAmount,
			Delta:          delta,
			CascadedRows:   result.CascadedRows,
			CascadeSkipped: result.CascadeSkipped,
			ExternalRef:    cmd.ExternalRef,
			AppliedBy:      cmd.AppliedBy,
			AppliedAt:      now,
		}
		if err := s.logs.Append(ctx, log); err != nil {
			return err
		}

		if s.events != nil {
			event := map[string]any{
				"conversion_id":   record.ConversionID,
				"wallet_id":       record.WalletID,
				"booked":          booked.String(),
				"actual":          cmd.ActualAmount.String(),
				"delta":           delta.String(),
				"cascaded_rows":   result.CascadedRows,
				"cascade_skipped": result.CascadeSkipped,
				"applied_by":      cmd.AppliedBy,
			}
			if err := s.events.PublishInTx(ctx, eventbus.TopicConversionReconciled, record.ConversionID, event); err != nil {
				return err
			}
		}

		result.Conversion = record
		result.Delta = delta
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ReconciliationsApplied.Inc()
		s.metrics.ReconciliationCascadeRows.Add(float64(result.CascadedRows))
	}
	s.logger.InfoContext(ctx, "reconciliation applied",
		"conversion_id", result.Conversion.ConversionID,
		"delta", result.Delta.String(),
		"cascaded_rows", result.CascadedRows,
		"cascade_skipped", result.CascadeSkipped)
	return result, nil
}

// ListTransfers 按资产与时间窗检索外部结算流水
func (s *ReconciliationService) ListTransfers(ctx context.Context, asset string, from, to time.Time, limit int) ([]*domain.SettlementTransfer, error) {
	if asset == "" {
		return nil, xerrors.InvalidArg("asset is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.transfers.ListWindow(ctx, asset, from, to, limit)
}

// RecordTransfer 录入外部结算流水 (消费外部 feed 或人工补录)
func (s *ReconciliationService) RecordTransfer(ctx context.Context, transfer *domain.SettlementTransfer) error {
	if transfer.Asset == "" || !transfer.Amount.IsPositive() {
		return xerrors.InvalidArg("transfer requires asset and positive amount")
	}
	return s.transfers.Save(ctx, transfer)
}

// ListLogs 查询对账审计日志
func (s *ReconciliationService) ListLogs(ctx context.Context, walletID string, limit, offset int) ([]*domain.ReconciliationLog, int64, error) {
	return s.logs.ListByWallet(ctx, walletID, limit, offset)
}
