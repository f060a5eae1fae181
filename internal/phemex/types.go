package phemex

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 为交易所侧的买卖方向。
type OrderSide string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

// Candle 代表单根K线，按时间升序排列。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker 为最优买卖价与最新成交价。
type Ticker struct {
	Symbol  string
	BestBid float64
	BestAsk float64
	Last    float64
}

// Position 为交易所仓位快照。Absent 表示无仓位。
// 仓位不存在时其余字段无意义。
type Position struct {
	Symbol            string
	Side              OrderSide
	SizeContracts     float64
	EntryPrice        float64
	Leverage          float64
	UnrealizedPnl     float64
	PositionMarginUsd float64
	PositionValueUsd  float64
	LiquidationPrice  float64
	// MarginLevel = (positionMargin + unrealizedPnl) ÷ maintenanceMargin。
	// 维持保证金不可用时取哨兵值 999。
	MarginLevel float64
}

// Absent 报告仓位是否不存在（合约数为0，或数值已失效）。
func (p Position) Absent() bool {
	return p.SizeContracts == 0 || p.PositionValueUsd == 0
}

// Account 为账户权益快照。
type Account struct {
	TotalEquityUsd     float64
	AvailableEquityUsd float64
}

// InstrumentInfo 描述交易对的下单数量约束。
type InstrumentInfo struct {
	Symbol      string
	MinOrderQty decimal.Decimal
	MaxOrderQty decimal.Decimal
	QtyStep     decimal.Decimal
	TickSize    decimal.Decimal
}

// 交易所支持的K线分辨率（分钟 → 秒）。
var resolutionSeconds = map[int]int{
	1:    60,
	5:    300,
	15:   900,
	30:   1800,
	60:   3600,
	240:  14400,
	1440: 86400,
}

// kline 接口允许的 limit 档位，请求时选择不小于所需数量的最小档。
var klineLimits = []int{5, 10, 50, 100, 500, 1000}

func klineLimitFor(n int) int {
	for _, l := range klineLimits {
		if l >= n {
			return l
		}
	}
	return klineLimits[len(klineLimits)-1]
}
