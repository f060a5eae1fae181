package engine

import (
	"fmt"

	"dcabot/internal/indicator"
	"dcabot/internal/phemex"
)

// ActionKind 枚举决策核心的输出类别。
type ActionKind string

const (
	ActionNoOp   ActionKind = "none"
	ActionOpen   ActionKind = "open"
	ActionAdd    ActionKind = "add"
	ActionReduce ActionKind = "reduce"
	ActionClose  ActionKind = "close"
)

// Action 为一次决策的完整计划。Kind 决定哪些字段有意义：
// Open/Add 使用 Side、Quantity、LimitPrice；Reduce 使用 Fraction；
// 所有变体都携带 Reason。
type Action struct {
	Kind       ActionKind
	Side       phemex.OrderSide
	Quantity   float64
	LimitPrice float64
	Fraction   float64
	Reason     string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionOpen, ActionAdd:
		return fmt.Sprintf("%s %s qty=%.8f limit=%.4f (%s)", a.Kind, a.Side, a.Quantity, a.LimitPrice, a.Reason)
	case ActionReduce:
		return fmt.Sprintf("reduce %.2f (%s)", a.Fraction, a.Reason)
	default:
		return fmt.Sprintf("%s (%s)", a.Kind, a.Reason)
	}
}

// NoOp 构造显式不动作。
func NoOp(reason string) Action {
	return Action{Kind: ActionNoOp, Reason: reason}
}

// Market 为一次 tick 内的市场快照。
type Market struct {
	BestBid    float64
	BestAsk    float64
	LastPrice  float64
	EMAFast    float64
	EMASlow    float64
	Volatility indicator.VolatilityReport
	Decline    indicator.DeclineReport
}
