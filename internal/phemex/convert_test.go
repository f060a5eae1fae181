package phemex

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestScaledConversionRoundTrip(t *testing.T) {
	cases := []float64{0.0001, 1, 49999.5, 50000, 123456.7891}
	for _, price := range cases {
		ep := priceToEp(price)
		back := priceFromEp(ep)
		if back != price {
			t.Errorf("price %f round-tripped to %f (ep=%d)", price, back, ep)
		}
	}

	if got := valueFromEv(2000000000); got != 20 {
		t.Errorf("valueFromEv: got %f want 20", got)
	}
	if got := ratioFromEr(1000000000); got != 10 {
		t.Errorf("ratioFromEr: got %f want 10", got)
	}
}

func TestFloorToStep(t *testing.T) {
	info := InstrumentInfo{
		Symbol:      "BTCUSDT",
		MinOrderQty: decimal.RequireFromString("0.001"),
		MaxOrderQty: decimal.RequireFromString("100"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}

	cases := []struct {
		in   float64
		want string
	}{
		{0.0042105, "0.004"}, // 向下取整到步长
		{0.0009, "0.001"},    // 低于最小量时抬到最小量
		{150, "100"},         // 超过最大量时压到最大量
		{0.004, "0.004"},     // 恰好落在步长上
	}

	for _, tc := range cases {
		got := FloorToStep(tc.in, info)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("FloorToStep(%f): got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestFloorToStep_ZeroStep(t *testing.T) {
	info := InstrumentInfo{Symbol: "X"}
	got := FloorToStep(1.23456, info)
	if !got.Equal(decimal.NewFromFloat(1.23456)) {
		t.Errorf("zero step must not round: got %s", got)
	}
}
