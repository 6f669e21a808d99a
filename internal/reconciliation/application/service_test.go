package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	conversionapp "github.com/wyfcoding/backoffice/internal/conversion/application"
	conversiondomain "github.com/wyfcoding/backoffice/internal/conversion/domain"
	positiondomain "github.com/wyfcoding/backoffice/internal/position/domain"
	"github.com/wyfcoding/backoffice/internal/reconciliation/application"
	"github.com/wyfcoding/backoffice/internal/reconciliation/domain"
	walletdomain "github.com/wyfcoding/backoffice/internal/wallet/domain"
	"github.com/wyfcoding/backoffice/pkg/utils"
	"github.com/wyfcoding/pkg/xerrors"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func assertDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(dec("0.000001")) {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}

// --- 内存假仓储 ---

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// 前 failures 次调用返回瞬时存储错误且不执行事务体
type flakyTxRunner struct {
	failures int
	calls    int
}

func (r *flakyTxRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls++
	if r.calls <= r.failures {
		return errors.New("Error 1205: Lock wait timeout exceeded")
	}
	return fn(ctx)
}

type fakeConversionRepo struct {
	records map[string]*conversiondomain.ConversionRecord
}

func (r *fakeConversionRepo) Save(_ context.Context, rec *conversiondomain.ConversionRecord) error {
	cp := *rec
	r.records[rec.ConversionID] = &cp
	return nil
}

func (r *fakeConversionRepo) Update(ctx context.Context, rec *conversiondomain.ConversionRecord) error {
	return r.Save(ctx, rec)
}

func (r *fakeConversionRepo) Get(_ context.Context, id string) (*conversiondomain.ConversionRecord, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, xerrors.NotFound("conversion not found")
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeConversionRepo) GetForUpdate(ctx context.Context, id string) (*conversiondomain.ConversionRecord, error) {
	return r.Get(ctx, id)
}

func (r *fakeConversionRepo) List(_ context.Context, _ string, _ *conversiondomain.ConversionStatus, _, _ int) ([]*conversiondomain.ConversionRecord, int64, error) {
	return nil, 0, nil
}

func (r *fakeConversionRepo) ListApprovedWithSnapshot(_ context.Context, _ string) ([]*conversiondomain.ConversionRecord, error) {
	return nil, nil
}

type fakeJournalRepo struct {
	entries []*conversiondomain.JournalEntry
}

func (r *fakeJournalRepo) Append(_ context.Context, entries ...*conversiondomain.JournalEntry) error {
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *fakeJournalRepo) ListByConversion(_ context.Context, conversionID string) ([]*conversiondomain.JournalEntry, error) {
	var out []*conversiondomain.JournalEntry
	for _, e := range r.entries {
		if e.ConversionID == conversionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeJournalRepo) UpdateAmount(_ context.Context, conversionID string, lineType conversiondomain.JournalLineType, amount decimal.Decimal, note string) error {
	for _, e := range r.entries {
		if e.ConversionID == conversionID && e.LineType == lineType {
			e.Amount = amount
			e.Note = note
			return nil
		}
	}
	return xerrors.NotFound("journal line not found")
}

type fakePositionRepo struct {
	positions map[string]*positiondomain.AssetPosition
}

func (r *fakePositionRepo) key(walletID, asset string) string { return walletID + "/" + asset }

func (r *fakePositionRepo) GetForUpdate(_ context.Context, walletID, asset string) (*positiondomain.AssetPosition, error) {
	if p, ok := r.positions[r.key(walletID, asset)]; ok {
		cp := *p
		return &cp, nil
	}
	return positiondomain.NewAssetPosition(walletID, asset), nil
}

func (r *fakePositionRepo) Get(ctx context.Context, walletID, asset string) (*positiondomain.AssetPosition, error) {
	return r.GetForUpdate(ctx, walletID, asset)
}

func (r *fakePositionRepo) ListByWallet(_ context.Context, _ string) ([]*positiondomain.AssetPosition, error) {
	return nil, nil
}

func (r *fakePositionRepo) Save(_ context.Context, p *positiondomain.AssetPosition) error {
	cp := *p
	r.positions[r.key(p.WalletID, p.Asset)] = &cp
	return nil
}

type fakeWalletRepo struct {
	wallets map[string]*walletdomain.Wallet
}

func (r *fakeWalletRepo) key(walletID, asset string) string { return walletID + "/" + asset }

func (r *fakeWalletRepo) GetForUpdate(_ context.Context, walletID, asset string) (*walletdomain.Wallet, error) {
	if w, ok := r.wallets[r.key(walletID, asset)]; ok {
		cp := *w
		return &cp, nil
	}
	return &walletdomain.Wallet{WalletID: walletID, Asset: asset, Balance: decimal.Zero}, nil
}

func (r *fakeWalletRepo) Get(ctx context.Context, walletID, asset string) (*walletdomain.Wallet, error) {
	return r.GetForUpdate(ctx, walletID, asset)
}

func (r *fakeWalletRepo) Save(_ context.Context, w *walletdomain.Wallet) error {
	cp := *w
	r.wallets[r.key(w.WalletID, w.Asset)] = &cp
	return nil
}

type fakeTransactionRepo struct {
	txs []*walletdomain.WalletTransaction
}

func (r *fakeTransactionRepo) Append(_ context.Context, tx *walletdomain.WalletTransaction) error {
	cp := *tx
	r.txs = append(r.txs, &cp)
	return nil
}

func (r *fakeTransactionRepo) NextSeq(_ context.Context, walletID, asset string) (int64, error) {
	var max int64
	for _, tx := range r.txs {
		if tx.WalletID == walletID && tx.Asset == asset && tx.Seq > max {
			max = tx.Seq
		}
	}
	return max + 1, nil
}

func (r *fakeTransactionRepo) FindByConversion(_ context.Context, walletID, asset, conversionID string, direction walletdomain.TransactionDirection) (*walletdomain.WalletTransaction, error) {
	for _, tx := range r.txs {
		if tx.WalletID == walletID && tx.Asset == asset && tx.ConversionID == conversionID && tx.Direction == direction {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeTransactionRepo) Update(_ context.Context, tx *walletdomain.WalletTransaction) error {
	for i, existing := range r.txs {
		if existing.TransactionID == tx.TransactionID {
			cp := *tx
			r.txs[i] = &cp
			return nil
		}
	}
	return xerrors.NotFound("transaction not found")
}

func (r *fakeTransactionRepo) ShiftBalancesAfter(_ context.Context, walletID, asset string, seq int64, delta decimal.Decimal) (int64, error) {
	var affected int64
	for _, tx := range r.txs {
		if tx.WalletID == walletID && tx.Asset == asset && tx.Seq > seq {
			tx.BalanceBefore = tx.BalanceBefore.Add(delta)
			tx.BalanceAfter = tx.BalanceAfter.Add(delta)
			affected++
		}
	}
	return affected, nil
}

func (r *fakeTransactionRepo) ListAfter(_ context.Context, walletID, asset string, seq int64) ([]*walletdomain.WalletTransaction, error) {
	var out []*walletdomain.WalletTransaction
	for _, tx := range r.txs {
		if tx.WalletID == walletID && tx.Asset == asset && tx.Seq > seq {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) List(_ context.Context, walletID, asset string, _, _ int) ([]*walletdomain.WalletTransaction, int64, error) {
	var out []*walletdomain.WalletTransaction
	for _, tx := range r.txs {
		if tx.WalletID == walletID && tx.Asset == asset {
			out = append(out, tx)
		}
	}
	return out, int64(len(out)), nil
}

type fakeTransferRepo struct {
	transfers []*domain.SettlementTransfer
}

func (r *fakeTransferRepo) Save(_ context.Context, t *domain.SettlementTransfer) error {
	r.transfers = append(r.transfers, t)
	return nil
}

func (r *fakeTransferRepo) ListWindow(_ context.Context, asset string, from, to time.Time, limit int) ([]*domain.SettlementTransfer, error) {
	var out []*domain.SettlementTransfer
	for _, t := range r.transfers {
		if t.Asset != asset {
			continue
		}
		if !from.IsZero() && t.TransferredAt.Before(from) {
			continue
		}
		if !to.IsZero() && t.TransferredAt.After(to) {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeLogRepo struct {
	logs []*domain.ReconciliationLog
}

func (r *fakeLogRepo) Append(_ context.Context, log *domain.ReconciliationLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func (r *fakeLogRepo) ListByWallet(_ context.Context, walletID string, _, _ int) ([]*domain.ReconciliationLog, int64, error) {
	var out []*domain.ReconciliationLog
	for _, l := range r.logs {
		if walletID == "" || l.WalletID == walletID {
			out = append(out, l)
		}
	}
	return out, int64(len(out)), nil
}

// --- 测试装配：兑换服务负责铺数据，对账服务是被测对象 ---

type fixture struct {
	conversionSvc *conversionapp.ConversionService
	reconSvc      *application.ReconciliationService
	conversions   *fakeConversionRepo
	journals      *fakeJournalRepo
	wallets       *fakeWalletRepo
	walletTxs     *fakeTransactionRepo
	logs          *fakeLogRepo
}

func newFixture() *fixture {
	f := &fixture{
		conversions: &fakeConversionRepo{records: make(map[string]*conversiondomain.ConversionRecord)},
		journals:    &fakeJournalRepo{},
		wallets:     &fakeWalletRepo{wallets: make(map[string]*walletdomain.Wallet)},
		walletTxs:   &fakeTransactionRepo{},
		logs:        &fakeLogRepo{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	positions := &fakePositionRepo{positions: make(map[string]*positiondomain.AssetPosition)}
	f.conversionSvc = conversionapp.NewConversionService(
		fakeTxRunner{}, f.conversions, f.journals, positions, f.wallets, f.walletTxs,
		nil, nil, nil, utils.NewSnowflakeID(2), logger)
	f.reconSvc = application.NewReconciliationService(
		fakeTxRunner{}, f.conversions, f.journals, f.wallets, f.walletTxs,
		&fakeTransferRepo{}, f.logs, nil, nil, logger)
	return f
}

// withReconTx 用指定事务执行器重建被测对账服务，其余仓储共享
func (f *fixture) withReconTx(tx application.TxRunner) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.reconSvc = application.NewReconciliationService(
		tx, f.conversions, f.journals, f.wallets, f.walletTxs,
		&fakeTransferRepo{}, f.logs, nil, nil, logger)
	return f
}

func (f *fixture) approved(t *testing.T, side, asset, quantity, price string) *conversiondomain.ConversionRecord {
	t.Helper()
	rec, err := f.conversionSvc.CreateConversion(context.Background(), conversionapp.CreateConversionCommand{
		WalletID:  "W1",
		Side:      side,
		Asset:     asset,
		Quantity:  dec(quantity),
		PriceUSDT: dec(price),
		FeePct:    dec("0"),
		CreatedBy: "op-1",
	})
	if err != nil {
		t.Fatalf("CreateConversion: %v", err)
	}
	approvedRec, err := f.conversionSvc.ApproveConversion(context.Background(), rec.ConversionID, "op-2")
	if err != nil {
		t.Fatalf("ApproveConversion: %v", err)
	}
	return approvedRec
}

// --- 用例 ---

// 对应：卖出 4 BTC 账面 220,000，实收 215,000，delta -5,000
func TestApplyReconciliation_CorrectsRecordAndLedger(t *testing.T) {
	f := newFixture()
	f.approved(t, "BUY", "BTC", "10", "50000")
	sell := f.approved(t, "SELL", "BTC", "4", "55000")

	walletBefore, _ := f.wallets.Get(context.Background(), "W1", "USDT")

	result, err := f.reconSvc.ApplyReconciliation(context.Background(), application.ApplyReconciliationCommand{
		ConversionID: sell.ConversionID,
		ActualAmount: dec("215000"),
		ExternalRef:  "EXT-001",
		AppliedBy:    "op-3",
	})
	if err != nil {
		t.Fatalf("ApplyReconciliation: %v", err)
	}

	assertDecimal(t, "delta", result.Delta, dec("-5000"))
	assertDecimal(t, "new net_usdt", result.Conversion.NetUSDTChange, dec("215000"))
	assertDecimal(t, "new realized_pnl", result.Conversion.RealizedPnL, dec("15000"))
	assertDecimal(t, "new price", result.Conversion.PriceUSDT, dec("53750"))
	assertDecimal(t, "cost_out unchanged", result.Conversion.CostOut, dec("200000"))
	if !result.Conversion.Reconciled() {
		t.Error("conversion should carry actual amount after reconciliation")
	}
	if result.Conversion.SettlementRef != "EXT-001" {
		t.Errorf("settlement ref: got %q", result.Conversion.SettlementRef)
	}

	walletAfter, _ := f.wallets.Get(context.Background(), "W1", "USDT")
	assertDecimal(t, "wallet balance delta", walletAfter.Balance.Sub(walletBefore.Balance), dec("-5000"))

	// 分录原地修正
	entries, _ := f.journals.ListByConversion(context.Background(), sell.ConversionID)
	if len(entries) != 3 {
		t.Fatalf("journal entries: got %d, want 3 (no duplicates)", len(entries))
	}
	for _, e := range entries {
		switch e.LineType {
		case conversiondomain.LineUSDTIn:
			assertDecimal(t, "USDT_IN line", e.Amount, dec("215000"))
		case conversiondomain.LineRealizedPnL:
			assertDecimal(t, "REALIZED_PNL line", e.Amount, dec("15000"))
		}
	}

	if len(f.logs.logs) != 1 {
		t.Fatalf("reconciliation logs: got %d, want 1", len(f.logs.logs))
	}
	assertDecimal(t, "log booked", f.logs.logs[0].BookedAmount, dec("220000"))
}

func TestApplyReconciliation_CascadesForward(t *testing.T) {
	f := newFixture()
	f.approved(t, "BUY", "BTC", "10", "50000")
	sell := f.approved(t, "SELL", "BTC", "4", "55000")
	// 原始流水之后的两笔后续流水
	f.approved(t, "SELL", "BTC", "1", "60000")
	f.approved(t, "BUY", "BTC", "2", "52000")

	tailBefore, _ := f.walletTxs.ListAfter(context.Background(), "W1", "USDT", 2)

	result, err := f.reconSvc.ApplyReconciliation(context.Background(), application.ApplyReconciliationCommand{
		ConversionID: sell.ConversionID,
		ActualAmount: dec("215000"),
		AppliedBy:    "op-3",
	})
	if err != nil {
		t.Fatalf("ApplyReconciliation: %v", err)
	}
	if result.CascadedRows != 2 {
		t.Fatalf("cascaded rows: got %d, want 2", result.CascadedRows)
	}

	tailAfter, _ := f.walletTxs.ListAfter(context.Background(), "W1", "USDT", 2)
	for i := range tailAfter {
		assertDecimal(t, "balance_before shift", tailAfter[i].BalanceBefore.Sub(tailBefore[i].BalanceBefore), dec("-5000"))
		assertDecimal(t, "balance_after shift", tailAfter[i].BalanceAfter.Sub(tailBefore[i].BalanceAfter), dec("-5000"))
	}

	// 级联后全链仍满足余额链不变量
	all, _ := f.walletTxs.ListAfter(context.Background(), "W1", "USDT", 0)
	if err := walletdomain.VerifyChain(all); err != nil {
		t.Fatalf("chain invariant after cascade: %v", err)
	}
	wallet, _ := f.wallets.Get(context.Background(), "W1", "USDT")
	if !wallet.Balance.Equal(all[len(all)-1].BalanceAfter) {
		t.Errorf("wallet balance %s != ledger tail %s", wallet.Balance, all[len(all)-1].BalanceAfter)
	}
}

func TestApplyReconciliation_SecondApplyFails(t *testing.T) {
	f := newFixture()
	f.approved(t, "BUY", "BTC", "10", "50000")
	sell := f.approved(t, "SELL", "BTC", "4", "55000")

	cmd := application.ApplyReconciliationCommand{
		ConversionID: sell.ConversionID,
		ActualAmount: dec("215000"),
		AppliedBy:    "op-3",
	}
	if _, err := f.reconSvc.ApplyReconciliation(context.Background(), cmd); err != nil {
		t.Fatalf("first ApplyReconciliation: %v", err)
	}

	walletBefore, _ := f.wallets.Get(context.Background(), "W1", "USDT")
	txsBefore, _ := f.walletTxs.ListAfter(context.Background(), "W1", "USDT", 0)

	if _, err := f.reconSvc.ApplyReconciliation(context.Background(), cmd); err == nil {
		t.Fatal("expected AlreadyReconciled on second apply")
	}

	// 第二次调用不得改变账本
	walletAfter, _ := f.wallets.Get(context.Background(), "W1", "USDT")
	assertDecimal(t, "wallet balance unchanged", walletAfter.Balance, walletBefore.Balance)
	txsAfter, _ := f.walletTxs.ListAfter(context.Background(), "W1", "USDT", 0)
	for i := range txsAfter {
		assertDecimal(t, "balance_after unchanged", txsAfter[i].BalanceAfter, txsBefore[i].BalanceAfter)
	}
	if len(f.logs.logs) != 1 {
		t.Errorf("reconciliation logs: got %d, want 1", len(f.logs.logs))
	}
}

func TestApplyReconciliation_RejectsBuyAndPending(t *testing.T) {
	f := newFixture()
	buy := f.approved(t, "BUY", "BTC", "10", "50000")

	if _, err := f.reconSvc.ApplyReconciliation(context.Background(), application.ApplyReconciliationCommand{
		ConversionID: buy.ConversionID,
		ActualAmount: dec("1"),
		AppliedBy:    "op-3",
	}); err == nil {
		t.Fatal("expected error reconciling a BUY conversion")
	}

	pending, err := f.conversionSvc.CreateConversion(context.Background(), conversionapp.CreateConversionCommand{
		WalletID: "W1", Side: "SELL", Asset: "BTC", Quantity: dec("1"), PriceUSDT: dec("50000"), CreatedBy: "op-1",
	})
	if err != nil {
		t.Fatalf("CreateConversion: %v", err)
	}
	if _, err := f.reconSvc.ApplyReconciliation(context.Background(), application.ApplyReconciliationCommand{
		ConversionID: pending.ConversionID,
		ActualAmount: dec("1"),
		AppliedBy:    "op-3",
	}); err == nil {
		t.Fatal("expected error reconciling a pending conversion")
	}
}

func TestApplyReconciliation_MissingOriginSkipsCascade(t *testing.T) {
	f := newFixture()
	f.approved(t, "BUY", "BTC", "10", "50000")
	sell := f.approved(t, "SELL", "BTC", "4", "55000")

	// 人为移除原始流水，模拟历史数据缺口
	var kept []*walletdomain.WalletTransaction
	for _, tx := range f.walletTxs.txs {
		if tx.ConversionID != sell.ConversionID {
			kept = append(kept, tx)
		}
	}
	f.walletTxs.txs = kept

	walletBefore, _ := f.wallets.Get(context.Background(), "W1", "USDT")

	result, err := f.reconSvc.ApplyReconciliation(context.Background(), application.ApplyReconciliationCommand{
		ConversionID: sell.ConversionID,
		ActualAmount: dec("215000"),
		AppliedBy:    "op-3",
	})
	if err != nil {
		t.Fatalf("ApplyReconciliation: %v", err)
	}
	if !result.CascadeSkipped {
		t.Fatal("expected cascade_skipped when originating transaction is missing")
	}
	if result.CascadedRows != 0 {
		t.Errorf("cascaded rows: got %d, want 0", result.CascadedRows)
	}

	// 兑换单与分录已修正，但余额不动
	assertDecimal(t, "new realized_pnl", result.Conversion.RealizedPnL, dec("15000"))
	walletAfter, _ := f.wallets.Get(context.Background(), "W1", "USDT")
	assertDecimal(t, "wallet balance unchanged", walletAfter.Balance, walletBefore.Balance)

	if len(f.logs.logs) != 1 || !f.logs.logs[0].CascadeSkipped {
		t.Error("audit log should record the skipped cascade")
	}
}

func TestApplyReconciliation_AbortsOnBrokenChain(t *testing.T) {
	f := newFixture()
	f.approved(t, "BUY", "BTC", "10", "50000")
	sell := f.approved(t, "SELL", "BTC", "4", "55000")
	f.approved(t, "BUY", "BTC", "1", "60000")

	// 人为破坏级联区段内一笔流水的期初余额
	for _, tx := range f.walletTxs.txs {
		if tx.Seq == 3 {
			tx.BalanceBefore = tx.BalanceBefore.Add(dec("1"))
		}
	}

	_, err := f.reconSvc.ApplyReconciliation(context.Background(), application.ApplyReconciliationCommand{
		ConversionID: sell.ConversionID,
		ActualAmount: dec("215000"),
		AppliedBy:    "op-3",
	})
	if err == nil {
		t.Fatal("expected ledger inconsistency error when the chain is broken")
	}
	var xe *xerrors.Error
	if !errors.As(err, &xe) {
		t.Fatalf("error type: got %T, want *xerrors.Error", err)
	}
	if xe.Code != application.CodeLedgerInconsistency {
		t.Errorf("error code: got %d, want %d", xe.Code, application.CodeLedgerInconsistency)
	}
	if len(f.logs.logs) != 0 {
		t.Errorf("reconciliation logs after abort: got %d, want 0", len(f.logs.logs))
	}
}

func TestApplyReconciliation_RetriesTransientStoreError(t *testing.T) {
	f := newFixture()
	f.approved(t, "BUY", "BTC", "10", "50000")
	sell := f.approved(t, "SELL", "BTC", "4", "55000")

	runner := &flakyTxRunner{failures: 1}
	f.withReconTx(runner)

	result, err := f.reconSvc.ApplyReconciliation(context.Background(), application.ApplyReconciliationCommand{
		ConversionID: sell.ConversionID,
		ActualAmount: dec("215000"),
		AppliedBy:    "op-3",
	})
	if err != nil {
		t.Fatalf("ApplyReconciliation: %v", err)
	}
	if runner.calls != 2 {
		t.Errorf("tx attempts: got %d, want 2", runner.calls)
	}
	assertDecimal(t, "delta", result.Delta, dec("-5000"))
	if len(f.logs.logs) != 1 {
		t.Errorf("reconciliation logs: got %d, want 1 (retry must not double-apply)", len(f.logs.logs))
	}
}

func TestListTransfers_RequiresAsset(t *testing.T) {
	f := newFixture()
	if _, err := f.reconSvc.ListTransfers(context.Background(), "", time.Time{}, time.Time{}, 10); err == nil {
		t.Fatal("expected error for missing asset")
	}
}
