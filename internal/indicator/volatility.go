package indicator

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"dcabot/internal/phemex"
)

// ErrInsufficientData 表示K线数量不足以完成指标计算。
// 上层将其视为跳过条件而非故障。
var ErrInsufficientData = phemex.ErrInsufficientData

// 指标窗口默认值。
const (
	ATRPeriod       = 14
	BollingerPeriod = 20
	BollingerK      = 2.0
	HistVolPeriod   = 20
	atrRatioWindow  = 50
)

// Thresholds 控制高波动判定，默认值属于对外契约。
type Thresholds struct {
	ATRRatio float64
	BBWidth  float64
	HistVol  float64
}

// DefaultThresholds 返回契约默认阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{ATRRatio: 1.5, BBWidth: 8.0, HistVol: 5.0}
}

// VolatilityReport 汇总波动率状况。
type VolatilityReport struct {
	ATR        float64
	ATRRatio   float64
	BBWidthPct float64
	HistVolPct float64
	IsHigh     bool
}

// ATR 计算最近 period 根K线真实波幅的简单均值。
// 真实波幅 = max(high−low, |high−prevClose|, |low−prevClose|)。
func ATR(s Series, period int) (float64, error) {
	tr, err := trueRanges(s)
	if err != nil {
		return 0, err
	}
	if len(tr) < period {
		return 0, fmt.Errorf("ATR(%d) 需要至少 %d 根K线，仅有 %d: %w", period, period+1, s.Len(), ErrInsufficientData)
	}
	return mean(SliceTail(tr, period)), nil
}

func trueRanges(s Series) ([]float64, error) {
	if s.Len() < 2 {
		return nil, fmt.Errorf("真实波幅需要至少2根K线: %w", ErrInsufficientData)
	}
	tr := make([]float64, 0, s.Len()-1)
	for i := 1; i < s.Len(); i++ {
		hl := s.High[i] - s.Low[i]
		hc := math.Abs(s.High[i] - s.Close[i-1])
		lc := math.Abs(s.Low[i] - s.Close[i-1])
		tr = append(tr, math.Max(hl, math.Max(hc, lc)))
	}
	return tr, nil
}

// BollingerWidthPct 计算布林带宽度百分比：(上轨−下轨)/中轨×100。
// 中轨为收盘价简单均线，上下轨为中轨 ± k·σ。
func BollingerWidthPct(s Series, period int, k float64) (float64, error) {
	if s.Len() < period {
		return 0, fmt.Errorf("布林带(%d) 需要至少 %d 根K线，仅有 %d: %w", period, period, s.Len(), ErrInsufficientData)
	}

	upper, middle, lower := talib.BBands(s.Close, period, k, k, talib.SMA)
	m := Last(middle)
	if m == 0 || math.IsNaN(m) {
		return 0, nil
	}
	return (Last(upper) - Last(lower)) / m * 100, nil
}

// HistoricalVolPct 计算历史波动率：对数收益率标准差 × √(日内K线数) × 100，
// 以日等效百分比表示。
func HistoricalVolPct(s Series, period, barsPerDay int) (float64, error) {
	if s.Len() < period+1 {
		return 0, fmt.Errorf("历史波动率(%d) 需要至少 %d 根K线，仅有 %d: %w", period, period+1, s.Len(), ErrInsufficientData)
	}

	returns := make([]float64, 0, s.Len()-1)
	for i := 1; i < s.Len(); i++ {
		if s.Close[i-1] <= 0 || s.Close[i] <= 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, math.Log(s.Close[i]/s.Close[i-1]))
	}

	stddev := talib.StdDev(returns, period, 1.0)
	latest := Last(stddev)
	if math.IsNaN(latest) {
		return 0, nil
	}
	return latest * math.Sqrt(float64(barsPerDay)) * 100, nil
}

// Volatility 汇总计算波动率报告。
// atrRatio = 当前ATR ÷ 最近 atrRatioWindow 个滚动ATR的均值；滚动ATR不足该数量时取现有全部，
// 无法得到滚动ATR或其均值为0时取1。
func Volatility(candles []phemex.Candle, intervalMin int, th Thresholds) (VolatilityReport, error) {
	s := NewSeries(candles)

	atr, err := ATR(s, ATRPeriod)
	if err != nil {
		return VolatilityReport{}, err
	}

	bbWidth, err := BollingerWidthPct(s, BollingerPeriod, BollingerK)
	if err != nil {
		return VolatilityReport{}, err
	}

	barsPerDay := 1440
	if intervalMin > 0 {
		barsPerDay = 1440 / intervalMin
	}
	histVol, err := HistoricalVolPct(s, HistVolPeriod, barsPerDay)
	if err != nil {
		return VolatilityReport{}, err
	}

	report := VolatilityReport{
		ATR:        atr,
		ATRRatio:   atrRatio(s, atr),
		BBWidthPct: bbWidth,
		HistVolPct: histVol,
	}
	report.IsHigh = report.ATRRatio > th.ATRRatio ||
		report.BBWidthPct > th.BBWidth ||
		report.HistVolPct > th.HistVol

	return report, nil
}

// atrRatio 将当前ATR与其滚动均值比较，识别波动放大。
func atrRatio(s Series, current float64) float64 {
	tr, err := trueRanges(s)
	if err != nil || len(tr) < ATRPeriod {
		return 1
	}

	rolling := talib.Sma(tr, ATRPeriod)
	// 前 ATRPeriod-1 个值为 NaN，截掉后取尾部窗口。
	valid := rolling[ATRPeriod-1:]
	window := SliceTail(valid, atrRatioWindow)
	base := mean(window)
	if base == 0 {
		return 1
	}
	return current / base
}
