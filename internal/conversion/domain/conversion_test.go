package domain_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/conversion/domain"
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

func newSell(t *testing.T, quantity, price, feePct string) *domain.ConversionRecord {
	t.Helper()
	rec, err := domain.NewConversionRecord("CV1", "W1", domain.SideSell, "BTC",
		dec(quantity), dec(price), dec(feePct), "op-1")
	if err != nil {
		t.Fatalf("NewConversionRecord: %v", err)
	}
	return rec
}

func TestNewConversionRecord_BuyFeeAddsToCost(t *testing.T) {
	rec, err := domain.NewConversionRecord("CV1", "W1", domain.SideBuy, "BTC",
		dec("10"), dec("50000"), dec("0.5"), "op-1")
	if err != nil {
		t.Fatalf("NewConversionRecord: %v", err)
	}
	assertDecimal(t, "gross", rec.GrossValue, dec("500000"))
	assertDecimal(t, "fee", rec.FeeAmount, dec("2500"))
	assertDecimal(t, "net_usdt", rec.NetUSDTChange, dec("502500"))
	if rec.FeeAsset != "USDT" {
		t.Errorf("fee asset: got %q, want USDT", rec.FeeAsset)
	}
}

func TestNewConversionRecord_SellFeeReducesProceeds(t *testing.T) {
	rec := newSell(t, "4", "55000", "1")
	assertDecimal(t, "gross", rec.GrossValue, dec("220000"))
	assertDecimal(t, "fee", rec.FeeAmount, dec("2200"))
	assertDecimal(t, "net_usdt", rec.NetUSDTChange, dec("217800"))
}

func TestApproveThenReject_InvalidState(t *testing.T) {
	rec := newSell(t, "1", "50000", "0")
	now := time.Now()

	if err := rec.Approve("op-2", now); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if rec.Status != domain.StatusApproved {
		t.Fatalf("status: got %s, want APPROVED", rec.Status)
	}
	if err := rec.Approve("op-2", now); err == nil {
		t.Error("expected error on double approve")
	}
	if err := rec.Reject("op-2", "late", now); err == nil {
		t.Error("expected error rejecting an approved conversion")
	}
}

func TestApplySettlement_RewritesRevenueNotCost(t *testing.T) {
	rec := newSell(t, "4", "55000", "0")
	now := time.Now()
	if err := rec.Approve("op-2", now); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	rec.CostOut = dec("200000")
	rec.RealizedPnL = dec("20000")

	delta, err := rec.ApplySettlement(dec("215000"), "EXT-9", "op-3", now)
	if err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	assertDecimal(t, "delta", delta, dec("-5000"))
	assertDecimal(t, "price", rec.PriceUSDT, dec("53750"))
	assertDecimal(t, "gross", rec.GrossValue, dec("215000"))
	assertDecimal(t, "net_usdt", rec.NetUSDTChange, dec("215000"))
	assertDecimal(t, "realized_pnl", rec.RealizedPnL, dec("15000"))
	assertDecimal(t, "cost_out untouched", rec.CostOut, dec("200000"))
	if rec.AuditNote == "" {
		t.Error("audit note must record the booked value")
	}
	if !rec.Reconciled() {
		t.Error("record should be reconciled")
	}
}

func TestApplySettlement_Preconditions(t *testing.T) {
	now := time.Now()

	pending := newSell(t, "1", "50000", "0")
	if _, err := pending.ApplySettlement(dec("1"), "", "op", now); err == nil {
		t.Error("expected error for pending conversion")
	}

	buy, _ := domain.NewConversionRecord("CV2", "W1", domain.SideBuy, "BTC", dec("1"), dec("50000"), dec("0"), "op-1")
	_ = buy.Approve("op-2", now)
	if _, err := buy.ApplySettlement(dec("1"), "", "op", now); err == nil {
		t.Error("expected error for BUY conversion")
	}

	sell := newSell(t, "1", "50000", "0")
	_ = sell.Approve("op-2", now)
	if _, err := sell.ApplySettlement(dec("49000"), "", "op", now); err != nil {
		t.Fatalf("first ApplySettlement: %v", err)
	}
	if _, err := sell.ApplySettlement(dec("49000"), "", "op", now); err == nil {
		t.Error("expected AlreadyReconciled on second settlement")
	}
}

func TestParseSide(t *testing.T) {
	if side, err := domain.ParseSide("BUY"); err != nil || side != domain.SideBuy {
		t.Errorf("ParseSide(BUY): got %v, %v", side, err)
	}
	if side, err := domain.ParseSide("sell"); err != nil || side != domain.SideSell {
		t.Errorf("ParseSide(sell): got %v, %v", side, err)
	}
	if _, err := domain.ParseSide("SWAP"); err == nil {
		t.Error("expected error for unknown side")
	}
}
