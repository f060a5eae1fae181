package engine

import (
	"fmt"
	"math"

	"dcabot/internal/config"
	"dcabot/internal/phemex"
)

// 保证金分级阈值。marginCritical 以下强制补仓保护，marginWarning 以下触发告警。
const (
	MarginCritical = 2.0
	MarginWarning  = 1.5
)

// 盈利仓位的减仓阶梯：仓位保证金占净值比例越高，减得越多。
const (
	reduceHalfFraction  = 0.10
	reduceThirdFraction = 0.075
)

// safeDeclineCeilingBoost 在下跌平缓时放宽仓位上限的倍数。
const safeDeclineCeilingBoost = 1.5

// Decide 为纯决策函数：相同输入必然产生相同输出，所有随机性都在适配层。
// 分支按固定优先级求值，第一个命中的分支生效。
func Decide(cfg config.Instrument, pos phemex.Position, mkt Market, acct phemex.Account) Action {
	if acct.TotalEquityUsd <= 0 {
		return NoOp("account has no equity")
	}

	hasPosition := !pos.Absent()

	// 1. 保证金告急时无条件补仓，压低强平价。波动率与下跌状态在此分支被忽略。
	if hasPosition && pos.MarginLevel < MarginCritical {
		return addAction(cfg, pos, mkt, "liquidation protection")
	}

	// 2. 盈利仓位管理。
	if hasPosition && pos.UnrealizedPnl > 0 {
		return manageProfit(cfg, pos, acct)
	}

	// 3. 亏损仓位补仓。
	if hasPosition {
		return manageLosing(cfg, pos, mkt, acct)
	}

	// 4. 自动模式下从空仓开仓。
	if cfg.AutomaticMode {
		return openFromFlat(cfg, mkt, acct)
	}
	if !hasPosition {
		return NoOp("automatic mode disabled; not opening")
	}

	// 5. 理论上不可达的安全网。
	return NoOp("no applicable rule")
}

func manageProfit(cfg config.Instrument, pos phemex.Position, acct phemex.Account) Action {
	positionFraction := pos.PositionMarginUsd / acct.TotalEquityUsd
	pnlFractionOfMargin := 0.0
	if pos.PositionMarginUsd > 0 {
		pnlFractionOfMargin = pos.UnrealizedPnl / pos.PositionMarginUsd
	}

	profitTargetHit := pnlFractionOfMargin >= cfg.ProfitPnlTarget
	balanceTargetHit := pos.UnrealizedPnl >= cfg.ProfitBalancePct*acct.TotalEquityUsd

	switch {
	case positionFraction > reduceHalfFraction && profitTargetHit && balanceTargetHit:
		return Action{Kind: ActionReduce, Fraction: 0.5, Reason: "oversized profitable position; closing half"}
	case positionFraction > reduceThirdFraction:
		return Action{Kind: ActionReduce, Fraction: 0.33, Reason: "profitable position above size threshold; trimming third"}
	case profitTargetHit && balanceTargetHit:
		return Action{Kind: ActionClose, Reason: "profit targets reached"}
	case profitTargetHit && !balanceTargetHit:
		return NoOp("profit below balance threshold")
	default:
		return NoOp("profitable, below reduce/close thresholds")
	}
}

func manageLosing(cfg config.Instrument, pos phemex.Position, mkt Market, acct phemex.Account) Action {
	if math.IsNaN(mkt.EMAFast) {
		return NoOp("fast EMA unavailable")
	}

	// 趋势判定：只在价格相对快线向仓位不利方向移动时补仓。
	trendAgainst := mkt.LastPrice < mkt.EMAFast
	if cfg.Side == config.SideShort {
		trendAgainst = mkt.LastPrice > mkt.EMAFast
	}
	if !trendAgainst {
		return NoOp("price on favorable side of fast EMA; not averaging")
	}

	if !dropTriggered(cfg, pos, mkt) {
		return NoOp(fmt.Sprintf("drawdown below add trigger %.2f%%", cfg.AddTriggerDropPct*100))
	}

	if mkt.Volatility.IsHigh {
		return NoOp("add blocked: high volatility")
	}
	if mkt.Decline.IsDangerous {
		return NoOp(fmt.Sprintf("add blocked: dangerous decline (%s)", mkt.Decline.Kind))
	}

	action := addAction(cfg, pos, mkt, "averaging into drawdown")
	if action.Kind != ActionAdd {
		return action
	}

	// 仓位上限：加仓后的保证金占比不得超过上限；下跌平缓时上限放宽 50%。
	ceiling := cfg.PositionCeiling
	if mkt.Decline.IsSafe {
		ceiling *= safeDeclineCeilingBoost
	}

	leverage := effectiveLeverage(cfg, pos)
	addedMargin := action.Quantity * mkt.LastPrice / leverage
	currentUsage := pos.PositionMarginUsd / acct.TotalEquityUsd
	projected := (pos.PositionMarginUsd + addedMargin) / acct.TotalEquityUsd

	if projected <= ceiling {
		return action
	}

	if cfg.MaxMarginPct <= 0 {
		return NoOp("position ceiling reached")
	}

	// 二次方收缩：占用越接近硬顶，加仓缩得越狠。
	factor := (cfg.MaxMarginPct - currentUsage) / cfg.MaxMarginPct
	if factor < 0 {
		factor = 0
	}
	factor *= factor
	if factor == 0 {
		return NoOp("margin cap reached")
	}

	action.Quantity *= factor
	action.Reason = "averaging into drawdown (tapered near margin cap)"
	return action
}

func openFromFlat(cfg config.Instrument, mkt Market, acct phemex.Account) Action {
	if math.IsNaN(mkt.EMASlow) {
		return NoOp("slow EMA unavailable")
	}

	if cfg.Side == config.SideLong {
		if mkt.LastPrice <= mkt.EMASlow {
			return NoOp("price below slow EMA; waiting for long trend")
		}
	} else {
		if mkt.LastPrice >= mkt.EMASlow {
			return NoOp("price above slow EMA; waiting for short trend")
		}
	}

	if mkt.Volatility.IsHigh {
		return NoOp("entry blocked: high volatility")
	}
	if mkt.Decline.IsDangerous {
		return NoOp(fmt.Sprintf("entry blocked: dangerous decline (%s)", mkt.Decline.Kind))
	}

	if mkt.LastPrice <= 0 {
		return NoOp("last price unavailable")
	}

	qty := cfg.InitialEntryPct * acct.TotalEquityUsd * float64(cfg.Leverage) / mkt.LastPrice
	side, limit := entrySide(cfg, mkt)

	return Action{
		Kind:       ActionOpen,
		Side:       side,
		Quantity:   qty,
		LimitPrice: limit,
		Reason:     "trend entry",
	}
}

// addAction 按马丁格尔放大规则计算补仓数量：亏损越深，补得越多。
// addQty = 仓位价值 × 杠杆 × max(L, addTriggerDropPct) ÷ 最新价，L 为亏损比例。
func addAction(cfg config.Instrument, pos phemex.Position, mkt Market, rationale string) Action {
	if mkt.LastPrice <= 0 {
		return NoOp("last price unavailable")
	}

	loss := 0.0
	if pos.UnrealizedPnl < 0 && pos.PositionValueUsd > 0 {
		loss = -pos.UnrealizedPnl / pos.PositionValueUsd
	}

	amplification := math.Max(loss, cfg.AddTriggerDropPct)
	qty := pos.PositionValueUsd * effectiveLeverage(cfg, pos) * amplification / mkt.LastPrice
	if qty <= 0 {
		return NoOp("computed add quantity is zero")
	}

	side, limit := entrySide(cfg, mkt)
	return Action{
		Kind:       ActionAdd,
		Side:       side,
		Quantity:   qty,
		LimitPrice: limit,
		Reason:     rationale,
	}
}

func dropTriggered(cfg config.Instrument, pos phemex.Position, mkt Market) bool {
	if pos.EntryPrice <= 0 {
		return false
	}
	if cfg.Side == config.SideLong {
		return (pos.EntryPrice-mkt.LastPrice)/pos.EntryPrice >= cfg.AddTriggerDropPct
	}
	return (mkt.LastPrice-pos.EntryPrice)/pos.EntryPrice >= cfg.AddTriggerDropPct
}

// entrySide 返回委托方向与被动挂单价：做多挂买一价，做空挂卖一价。
func entrySide(cfg config.Instrument, mkt Market) (phemex.OrderSide, float64) {
	if cfg.Side == config.SideShort {
		return phemex.SideSell, mkt.BestAsk
	}
	return phemex.SideBuy, mkt.BestBid
}

func effectiveLeverage(cfg config.Instrument, pos phemex.Position) float64 {
	if pos.Leverage > 0 {
		return pos.Leverage
	}
	return float64(cfg.Leverage)
}
