package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/position/domain"
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

func TestApplyBuy_NewPosition(t *testing.T) {
	p := domain.NewAssetPosition("W1", "BTC")

	// 买入 10 BTC @ 50,000 USDT
	if err := p.ApplyBuy(dec("10"), dec("500000")); err != nil {
		t.Fatalf("ApplyBuy: %v", err)
	}

	assertDecimal(t, "quantity", p.Quantity, dec("10"))
	assertDecimal(t, "cost_pool", p.CostPool, dec("500000"))
	assertDecimal(t, "avg_cost", p.AverageCost(), dec("50000"))
}

func TestApplyBuy_AveragesCost(t *testing.T) {
	p := domain.NewAssetPosition("W1", "BTC")
	if err := p.ApplyBuy(dec("10"), dec("500000")); err != nil {
		t.Fatalf("ApplyBuy: %v", err)
	}
	if err := p.ApplyBuy(dec("10"), dec("600000")); err != nil {
		t.Fatalf("ApplyBuy: %v", err)
	}

	assertDecimal(t, "quantity", p.Quantity, dec("20"))
	assertDecimal(t, "cost_pool", p.CostPool, dec("1100000"))
	assertDecimal(t, "avg_cost", p.AverageCost(), dec("55000"))
}

func TestApplySell_RemovesProportionalCost(t *testing.T) {
	p := domain.NewAssetPosition("W1", "BTC")
	if err := p.ApplyBuy(dec("10"), dec("500000")); err != nil {
		t.Fatalf("ApplyBuy: %v", err)
	}

	// 卖出 4 BTC，成本按平均价 50,000 移出
	costOut, err := p.ApplySell(dec("4"))
	if err != nil {
		t.Fatalf("ApplySell: %v", err)
	}

	assertDecimal(t, "cost_out", costOut, dec("200000"))
	assertDecimal(t, "quantity", p.Quantity, dec("6"))
	assertDecimal(t, "cost_pool", p.CostPool, dec("300000"))
	assertDecimal(t, "avg_cost", p.AverageCost(), dec("50000"))
}

func TestApplySell_FullExitClearsCostPool(t *testing.T) {
	p := domain.NewAssetPosition("W1", "ETH")
	if err := p.ApplyBuy(dec("3"), dec("10000")); err != nil {
		t.Fatalf("ApplyBuy: %v", err)
	}

	costOut, err := p.ApplySell(dec("3"))
	if err != nil {
		t.Fatalf("ApplySell: %v", err)
	}

	assertDecimal(t, "cost_out", costOut, dec("10000"))
	if !p.Quantity.IsZero() {
		t.Errorf("quantity after full exit: got %s, want 0", p.Quantity)
	}
	if !p.CostPool.IsZero() {
		t.Errorf("cost_pool after full exit: got %s, want 0", p.CostPool)
	}
	if !p.AverageCost().IsZero() {
		t.Errorf("avg_cost of empty position: got %s, want 0", p.AverageCost())
	}
}

func TestApplySell_InsufficientPosition(t *testing.T) {
	p := domain.NewAssetPosition("W1", "BTC")
	if err := p.ApplyBuy(dec("2"), dec("100000")); err != nil {
		t.Fatalf("ApplyBuy: %v", err)
	}

	_, err := p.ApplySell(dec("5"))
	if err == nil {
		t.Fatal("expected insufficient position error")
	}

	// 失败调用不得留下任何变更
	assertDecimal(t, "quantity", p.Quantity, dec("2"))
	assertDecimal(t, "cost_pool", p.CostPool, dec("100000"))
}

func TestApplySell_NonPositiveQuantity(t *testing.T) {
	p := domain.NewAssetPosition("W1", "BTC")
	if _, err := p.ApplySell(dec("0")); err == nil {
		t.Fatal("expected error for zero quantity")
	}
	if _, err := p.ApplySell(dec("-1")); err == nil {
		t.Fatal("expected error for negative quantity")
	}
}
