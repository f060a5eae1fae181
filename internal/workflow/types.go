package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/phemex"
)

// Exchange 抽象交易所适配器，便于在测试中替换为假实现。
type Exchange interface {
	GetPosition(ctx context.Context, symbol string) (phemex.Position, error)
	GetTicker(ctx context.Context, symbol string) (phemex.Ticker, error)
	GetCandles(ctx context.Context, symbol string, intervalMin, limit int) ([]phemex.Candle, error)
	GetEquity(ctx context.Context) (phemex.Account, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CancelAllOpen(ctx context.Context, symbol string) (int, error)
	PlaceLimit(ctx context.Context, symbol string, side phemex.OrderSide, qty decimal.Decimal, price float64, reduceOnly bool) (string, error)
	PlaceMarket(ctx context.Context, symbol string, side phemex.OrderSide, qty decimal.Decimal, reduceOnly bool) (string, error)
	ClosePosition(ctx context.Context, symbol string) error
	GetInstrumentInfo(ctx context.Context, symbol string) (phemex.InstrumentInfo, error)
}

var _ Exchange = (*phemex.Client)(nil)

// Outcome 枚举单个交易对一次 tick 的结局。
type Outcome string

const (
	OutcomeManaged Outcome = "managed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Record 为每个交易对每次 tick 输出的结构化记录。
type Record struct {
	Timestamp             time.Time `json:"timestamp"`
	Symbol                string    `json:"symbol"`
	Outcome               Outcome   `json:"outcome"`
	Action                string    `json:"action"`
	Reason                string    `json:"reason"`
	Price                 float64   `json:"price"`
	PositionSizeContracts float64   `json:"positionSizeContracts"`
	PositionValueUsd      float64   `json:"positionValueUsd"`
	Equity                float64   `json:"equity"`
	UnrealizedPnl         float64   `json:"unrealizedPnl"`
	MarginLevel           float64   `json:"marginLevel"`
	VolatilityHigh        bool      `json:"volatilityHigh"`
	DeclineKind           string    `json:"declineKind"`
}

// Recorder 接收 tick 结果记录。实现必须容忍失败（尽力而为）。
type Recorder interface {
	RecordOutcome(ctx context.Context, record Record) error
}

// NoopRecorder 丢弃全部记录。
type NoopRecorder struct{}

func (NoopRecorder) RecordOutcome(context.Context, Record) error { return nil }

var _ Recorder = NoopRecorder{}
