package indicator

import (
	"fmt"
	"math"

	"dcabot/internal/phemex"
)

// DeclineKind 对一次下跌的速度分级。
type DeclineKind string

const (
	DeclineSlow     DeclineKind = "Slow"
	DeclineModerate DeclineKind = "Moderate"
	DeclineFast     DeclineKind = "Fast"
	DeclineCrash    DeclineKind = "Crash"
)

// 下跌速度窗口。
const (
	rocShortBars  = 5
	rocMediumBars = 15
	rocLongBars   = 30
	volumeRecent  = 5
	volumeBase    = 30
)

// DeclineReport 区分健康回调与崩盘式下跌。
// 缓慢受控的下跌适合马丁格尔加仓，急跌则危险。
type DeclineReport struct {
	ROCShort    float64
	ROCMedium   float64
	ROCLong     float64
	Smoothness  float64
	VolumeRatio float64
	Score       float64
	Kind        DeclineKind
	IsDangerous bool
	IsSafe      bool
}

// Decline 计算多窗口变化率与量能比，并给出 0-100 的下跌速度评分。
func Decline(candles []phemex.Candle) (DeclineReport, error) {
	s := NewSeries(candles)
	if s.Len() < rocLongBars+1 {
		return DeclineReport{}, fmt.Errorf("下跌速度需要至少 %d 根K线，仅有 %d: %w", rocLongBars+1, s.Len(), ErrInsufficientData)
	}

	report := DeclineReport{
		ROCShort:  rateOfChange(s.Close, rocShortBars),
		ROCMedium: rateOfChange(s.Close, rocMediumBars),
		ROCLong:   rateOfChange(s.Close, rocLongBars),
	}

	// 短中期同为负时比较两者：比值越大说明短期跌速远超中期，属于急跌。
	report.Smoothness = 1
	if report.ROCShort < 0 && report.ROCMedium < 0 && report.ROCMedium != 0 {
		report.Smoothness = report.ROCShort / report.ROCMedium
	}

	report.VolumeRatio = SafeDivide(
		mean(SliceTail(s.Volume, volumeRecent)),
		mean(SliceTail(s.Volume, volumeBase)),
	)

	severity := 0.0
	if report.ROCShort < 0 {
		severity = saturate(math.Abs(report.ROCShort) * 2000)
	}

	acceleration := 0.0
	if report.Smoothness > 1 {
		acceleration = saturate(50 * clamp(report.Smoothness, 1, 4))
	}

	volume := 0.0
	if report.VolumeRatio > 1 {
		volume = math.Min(30, (report.VolumeRatio-1)*30)
	}

	report.Score = math.Min(100, severity+acceleration+volume)
	report.Kind = kindForScore(report.Score)
	report.IsDangerous = report.Kind == DeclineFast || report.Kind == DeclineCrash
	report.IsSafe = report.Kind == DeclineSlow

	return report, nil
}

// rateOfChange = (close[t] − close[t−n]) ÷ close[t−n]，以小数表示。
func rateOfChange(closes []float64, n int) float64 {
	last := len(closes) - 1
	base := closes[last-n]
	if base == 0 {
		return 0
	}
	return (closes[last] - base) / base
}

func kindForScore(score float64) DeclineKind {
	switch {
	case score < 20:
		return DeclineSlow
	case score < 40:
		return DeclineModerate
	case score < 70:
		return DeclineFast
	default:
		return DeclineCrash
	}
}
