package notify

// PositionAction 标记仓位变化的种类。
type PositionAction string

const (
	ActionOpened  PositionAction = "Opened"
	ActionAdded   PositionAction = "Added"
	ActionReduced PositionAction = "Reduced"
	ActionClosed  PositionAction = "Closed"
)

// PositionUpdate 在开仓、补仓、减仓、平仓后推送，携带动作后的仓位快照。
type PositionUpdate struct {
	Action            PositionAction
	Symbol            string
	Side              string
	Qty               float64
	Price             float64
	PostSizeContracts float64
	PostValueUsd      float64
	PostPctOfEquity   float64
	Equity            float64
}

// VolatilityHigh 在波动率超过阈值时推送。
type VolatilityHigh struct {
	Symbol     string
	ATRRatio   float64
	BBWidthPct float64
	HistVolPct float64
}

// DeclineVelocity 在检测到危险下跌时推送。
type DeclineVelocity struct {
	Symbol    string
	Kind      string
	Score     float64
	ROCShort  float64
	ROCMedium float64
}

// MarginWarning 在保证金水平逼近强平时推送。
type MarginWarning struct {
	Symbol           string
	MarginLevel      float64
	Equity           float64
	PositionValueUsd float64
}

// ExecutionError 在某交易对的 tick 执行失败时推送。
type ExecutionError struct {
	Symbol    string
	Stage     string
	ErrorKind string
	Message   string
}

// Started 在进程启动时推送，由 BOT_STARTUP 配置项控制。
type Started struct {
	Instruments []string
	Testnet     bool
}

// Notifier 为单向出站通知通道。实现必须尽力而为：
// 发送失败只记日志，绝不让 tick 失败。
type Notifier interface {
	NotifyPositionUpdate(event PositionUpdate)
	NotifyVolatilityHigh(event VolatilityHigh)
	NotifyDeclineVelocity(event DeclineVelocity)
	NotifyMarginWarning(event MarginWarning)
	NotifyExecutionError(event ExecutionError)
	NotifyStarted(event Started)
}

// Noop 丢弃全部通知。
type Noop struct{}

func (Noop) NotifyPositionUpdate(PositionUpdate)   {}
func (Noop) NotifyVolatilityHigh(VolatilityHigh)   {}
func (Noop) NotifyDeclineVelocity(DeclineVelocity) {}
func (Noop) NotifyMarginWarning(MarginWarning)     {}
func (Noop) NotifyExecutionError(ExecutionError)   {}
func (Noop) NotifyStarted(Started)                 {}

var _ Notifier = Noop{}
