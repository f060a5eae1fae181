package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"dcabot/internal/phemex"
)

// 常数价格序列的全部波动指标都应为零，下跌分级为 Slow。
func TestConstantSeries_AllQuiet(t *testing.T) {
	candles := constantCandles(120, 50000, 10)

	report, err := Volatility(candles, 1, DefaultThresholds())
	if err != nil {
		t.Fatalf("Volatility returned error: %v", err)
	}
	if report.ATR != 0 {
		t.Errorf("expected ATR=0, got %f", report.ATR)
	}
	if report.BBWidthPct != 0 {
		t.Errorf("expected BB width=0, got %f", report.BBWidthPct)
	}
	if report.HistVolPct != 0 {
		t.Errorf("expected hist vol=0, got %f", report.HistVolPct)
	}
	if report.IsHigh {
		t.Errorf("constant series must not be high volatility")
	}

	decline, err := Decline(candles)
	if err != nil {
		t.Fatalf("Decline returned error: %v", err)
	}
	if decline.Score != 0 {
		t.Errorf("expected velocity score=0, got %f", decline.Score)
	}
	if decline.Kind != DeclineSlow {
		t.Errorf("expected Slow, got %s", decline.Kind)
	}
	if !decline.IsSafe || decline.IsDangerous {
		t.Errorf("constant series must be safe: %+v", decline)
	}
}

func TestATR_KnownValues(t *testing.T) {
	// 高低差恒定为 100，无跳空：真实波幅处处为 100。
	candles := make([]phemex.Candle, 0, 20)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 20; i++ {
		candles = append(candles, phemex.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      50000, High: 50050, Low: 49950, Close: 50000,
			Volume: 10,
		})
	}

	atr, err := ATR(NewSeries(candles), ATRPeriod)
	if err != nil {
		t.Fatalf("ATR returned error: %v", err)
	}
	if diff := math.Abs(atr - 100); diff > 1e-9 {
		t.Errorf("expected ATR=100, got %f", atr)
	}
}

func TestATR_InsufficientData(t *testing.T) {
	candles := constantCandles(5, 50000, 10)
	if _, err := ATR(NewSeries(candles), ATRPeriod); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestDecline_InsufficientData(t *testing.T) {
	candles := constantCandles(20, 50000, 10)
	if _, err := Decline(candles); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

// 急跌（短窗口重挫 + 放量）必须落入危险分级。
func TestDecline_CrashScoresHigh(t *testing.T) {
	candles := constantCandles(60, 50000, 10)

	// 最近 5 根K线下跌 6%，同时量能放大三倍。
	last := len(candles) - 1
	for i := 0; i < 5; i++ {
		idx := last - 4 + i
		price := 50000 * (1 - 0.06*float64(i+1)/5)
		candles[idx].Open = price
		candles[idx].High = price
		candles[idx].Low = price
		candles[idx].Close = price
		candles[idx].Volume = 30
	}

	report, err := Decline(candles)
	if err != nil {
		t.Fatalf("Decline returned error: %v", err)
	}
	if report.ROCShort >= 0 {
		t.Fatalf("expected negative short ROC, got %f", report.ROCShort)
	}
	if !report.IsDangerous {
		t.Errorf("expected dangerous decline, got kind=%s score=%f", report.Kind, report.Score)
	}
	if report.Kind != DeclineCrash && report.Kind != DeclineFast {
		t.Errorf("expected Fast or Crash, got %s", report.Kind)
	}
}

// 缓慢阴跌不应触发危险分级。
func TestDecline_SlowGrindStaysSafe(t *testing.T) {
	candles := constantCandles(60, 50000, 10)

	// 全程匀速小幅下行：60 根K线共跌 0.6%。
	for i := range candles {
		price := 50000 * (1 - 0.006*float64(i)/float64(len(candles)-1))
		candles[i].Open = price
		candles[i].High = price
		candles[i].Low = price
		candles[i].Close = price
	}

	report, err := Decline(candles)
	if err != nil {
		t.Fatalf("Decline returned error: %v", err)
	}
	if report.IsDangerous {
		t.Errorf("slow grind must not be dangerous: kind=%s score=%f", report.Kind, report.Score)
	}
}

func TestDecline_ScoreBuckets(t *testing.T) {
	cases := []struct {
		score float64
		want  DeclineKind
	}{
		{0, DeclineSlow},
		{19.9, DeclineSlow},
		{20, DeclineModerate},
		{39.9, DeclineModerate},
		{40, DeclineFast},
		{69.9, DeclineFast},
		{70, DeclineCrash},
		{100, DeclineCrash},
	}
	for _, tc := range cases {
		if got := kindForScore(tc.score); got != tc.want {
			t.Errorf("score=%.1f: got %s want %s", tc.score, got, tc.want)
		}
	}
}

func TestEMA_ConstantSeries(t *testing.T) {
	candles := constantCandles(150, 42000, 1)
	ema, err := phemex.EMA(candles, 50)
	if err != nil {
		t.Fatalf("EMA returned error: %v", err)
	}
	if diff := math.Abs(ema - 42000); diff > 1e-6 {
		t.Errorf("expected EMA=42000, got %f", ema)
	}

	if _, err := phemex.EMA(candles[:10], 50); !errors.Is(err, phemex.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestHistoricalVol_ScalesWithBarsPerDay(t *testing.T) {
	// 交替 ±0.1% 的收益率序列，波动率非零且随 √barsPerDay 放大。
	candles := constantCandles(80, 50000, 10)
	price := 50000.0
	for i := 1; i < len(candles); i++ {
		if i%2 == 0 {
			price *= 1.001
		} else {
			price /= 1.001
		}
		candles[i].Open = price
		candles[i].High = price
		candles[i].Low = price
		candles[i].Close = price
	}

	s := NewSeries(candles)
	daily, err := HistoricalVolPct(s, HistVolPeriod, 1)
	if err != nil {
		t.Fatalf("HistoricalVolPct returned error: %v", err)
	}
	hourly, err := HistoricalVolPct(s, HistVolPeriod, 24)
	if err != nil {
		t.Fatalf("HistoricalVolPct returned error: %v", err)
	}

	if daily <= 0 {
		t.Fatalf("expected positive volatility, got %f", daily)
	}
	want := daily * math.Sqrt(24)
	if diff := math.Abs(hourly - want); diff > 1e-6 {
		t.Errorf("expected √24 scaling: got %f want %f", hourly, want)
	}
}

func constantCandles(n int, price, volume float64) []phemex.Candle {
	base := time.Unix(1700000000, 0).UTC()
	candles := make([]phemex.Candle, 0, n)
	for i := 0; i < n; i++ {
		candles = append(candles, phemex.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price, Low: price, Close: price,
			Volume: volume,
		})
	}
	return candles
}
