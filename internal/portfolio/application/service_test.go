package application_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	conversiondomain "github.com/wyfcoding/backoffice/internal/conversion/domain"
	"github.com/wyfcoding/backoffice/internal/portfolio/application"
	positiondomain "github.com/wyfcoding/backoffice/internal/position/domain"
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

type fakePositionRepo struct {
	positions []*positiondomain.AssetPosition
}

func (r *fakePositionRepo) GetForUpdate(_ context.Context, walletID, asset string) (*positiondomain.AssetPosition, error) {
	return positiondomain.NewAssetPosition(walletID, asset), nil
}

func (r *fakePositionRepo) Get(ctx context.Context, walletID, asset string) (*positiondomain.AssetPosition, error) {
	return r.GetForUpdate(ctx, walletID, asset)
}

func (r *fakePositionRepo) ListByWallet(_ context.Context, walletID string) ([]*positiondomain.AssetPosition, error) {
	var out []*positiondomain.AssetPosition
	for _, p := range r.positions {
		if p.WalletID == walletID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakePositionRepo) Save(_ context.Context, _ *positiondomain.AssetPosition) error {
	return nil
}

type fakeConversionRepo struct {
	records []*conversiondomain.ConversionRecord
}

func (r *fakeConversionRepo) Save(_ context.Context, _ *conversiondomain.ConversionRecord) error {
	return nil
}
func (r *fakeConversionRepo) Update(_ context.Context, _ *conversiondomain.ConversionRecord) error {
	return nil
}
func (r *fakeConversionRepo) Get(_ context.Context, _ string) (*conversiondomain.ConversionRecord, error) {
	return nil, nil
}
func (r *fakeConversionRepo) GetForUpdate(_ context.Context, _ string) (*conversiondomain.ConversionRecord, error) {
	return nil, nil
}
func (r *fakeConversionRepo) List(_ context.Context, _ string, _ *conversiondomain.ConversionStatus, _, _ int) ([]*conversiondomain.ConversionRecord, int64, error) {
	return nil, 0, nil
}
func (r *fakeConversionRepo) ListApprovedWithSnapshot(_ context.Context, walletID string) ([]*conversiondomain.ConversionRecord, error) {
	var out []*conversiondomain.ConversionRecord
	for _, rec := range r.records {
		if rec.WalletID == walletID && rec.Status == conversiondomain.StatusApproved && rec.MarketRateSnapshot != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeRateProvider struct {
	rates map[string]decimal.Decimal
}

func (r *fakeRateProvider) GetRate(_ context.Context, asset string) (decimal.Decimal, bool, error) {
	rate, ok := r.rates[asset]
	return rate, ok, nil
}

func position(walletID, asset, quantity, costPool string) *positiondomain.AssetPosition {
	return &positiondomain.AssetPosition{
		WalletID: walletID,
		Asset:    asset,
		Quantity: dec(quantity),
		CostPool: dec(costPool),
	}
}

func newService(positions *fakePositionRepo, conversions *fakeConversionRepo, rates map[string]decimal.Decimal) *application.PortfolioService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return application.NewPortfolioService(positions, conversions, &fakeRateProvider{rates: rates}, logger)
}

func TestValuation_MarksPositionsWithRates(t *testing.T) {
	positions := &fakePositionRepo{positions: []*positiondomain.AssetPosition{
		position("W1", "BTC", "6", "300000"),
		position("W1", "ETH", "10", "20000"),
	}}
	svc := newService(positions, &fakeConversionRepo{}, map[string]decimal.Decimal{
		"BTC": dec("60000"),
		"ETH": dec("2500"),
	})

	report, err := svc.Valuation(context.Background(), "W1")
	if err != nil {
		t.Fatalf("Valuation: %v", err)
	}

	if len(report.Positions) != 2 {
		t.Fatalf("positions: got %d, want 2", len(report.Positions))
	}
	assertDecimal(t, "total cost basis", report.TotalCostBasis, dec("320000"))
	// BTC: 6*60000=360000, ETH: 10*2500=25000
	assertDecimal(t, "total market value", report.TotalMarketValue, dec("385000"))
	assertDecimal(t, "total unrealized", report.TotalUnrealizedPnL, dec("65000"))
	if report.PositionsWithoutFeed != 0 {
		t.Errorf("positions without feed: got %d, want 0", report.PositionsWithoutFeed)
	}
}

func TestValuation_MissingRateTrackedSeparately(t *testing.T) {
	positions := &fakePositionRepo{positions: []*positiondomain.AssetPosition{
		position("W1", "BTC", "6", "300000"),
		position("W1", "XYZ", "100", "5000"),
	}}
	svc := newService(positions, &fakeConversionRepo{}, map[string]decimal.Decimal{
		"BTC": dec("60000"),
	})

	report, err := svc.Valuation(context.Background(), "W1")
	if err != nil {
		t.Fatalf("Valuation: %v", err)
	}

	// 无行情的持仓进成本口径，不能冒充零市值
	assertDecimal(t, "total cost basis", report.TotalCostBasis, dec("305000"))
	assertDecimal(t, "marked cost basis", report.MarkedCostBasis, dec("300000"))
	assertDecimal(t, "unmarked cost basis", report.UnmarkedCostBasis, dec("5000"))
	assertDecimal(t, "total market value", report.TotalMarketValue, dec("360000"))
	assertDecimal(t, "total unrealized", report.TotalUnrealizedPnL, dec("60000"))
	if report.PositionsWithoutFeed != 1 {
		t.Errorf("positions without feed: got %d, want 1", report.PositionsWithoutFeed)
	}

	for _, row := range report.Positions {
		if row.Asset == "XYZ" {
			if row.MarketValue != nil || row.UnrealizedPnL != nil {
				t.Error("XYZ without feed must not carry market value or unrealized pnl")
			}
		}
	}
}

func TestValuation_SkipsEmptyPositions(t *testing.T) {
	positions := &fakePositionRepo{positions: []*positiondomain.AssetPosition{
		position("W1", "BTC", "0", "0"),
	}}
	svc := newService(positions, &fakeConversionRepo{}, nil)

	report, err := svc.Valuation(context.Background(), "W1")
	if err != nil {
		t.Fatalf("Valuation: %v", err)
	}
	if len(report.Positions) != 0 {
		t.Errorf("positions: got %d, want 0", len(report.Positions))
	}
}

func approvedConversion(id string, side conversiondomain.ConversionSide, price, snapshot string) *conversiondomain.ConversionRecord {
	snap := dec(snapshot)
	return &conversiondomain.ConversionRecord{
		ConversionID:       id,
		WalletID:           "W1",
		Side:               side,
		Asset:              "BTC",
		PriceUSDT:          dec(price),
		Status:             conversiondomain.StatusApproved,
		MarketRateSnapshot: &snap,
	}
}

func TestVariance_FavorableFlags(t *testing.T) {
	conversions := &fakeConversionRepo{records: []*conversiondomain.ConversionRecord{
		approvedConversion("CV1", conversiondomain.SideBuy, "49000", "50000"),  // 低价买入，有利
		approvedConversion("CV2", conversiondomain.SideBuy, "51000", "50000"),  // 高价买入，不利
		approvedConversion("CV3", conversiondomain.SideSell, "51000", "50000"), // 高价卖出，有利
		approvedConversion("CV4", conversiondomain.SideSell, "49000", "50000"), // 低价卖出，不利
	}}
	svc := newService(&fakePositionRepo{}, conversions, nil)

	report, err := svc.Variance(context.Background(), "W1")
	if err != nil {
		t.Fatalf("Variance: %v", err)
	}
	if len(report.Rows) != 4 {
		t.Fatalf("rows: got %d, want 4", len(report.Rows))
	}

	want := map[string]bool{"CV1": true, "CV2": false, "CV3": true, "CV4": false}
	for _, row := range report.Rows {
		if row.Favorable != want[row.ConversionID] {
			t.Errorf("%s favorable: got %v, want %v", row.ConversionID, row.Favorable, want[row.ConversionID])
		}
	}
}

func TestVariance_Math(t *testing.T) {
	conversions := &fakeConversionRepo{records: []*conversiondomain.ConversionRecord{
		approvedConversion("CV1", conversiondomain.SideSell, "53750", "50000"),
	}}
	svc := newService(&fakePositionRepo{}, conversions, nil)

	report, err := svc.Variance(context.Background(), "W1")
	if err != nil {
		t.Fatalf("Variance: %v", err)
	}
	row := report.Rows[0]
	assertDecimal(t, "variance", row.Variance, dec("3750"))
	assertDecimal(t, "variance_pct", row.VariancePct, dec("0.075"))
}
