package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dcabot/internal/config"
	"dcabot/internal/engine"
	"dcabot/internal/indicator"
	"dcabot/internal/notify"
	"dcabot/internal/phemex"
)

// slowEMAPeriod 为最长的指标窗口，K线拉取量按其三倍计算。
const (
	fastEMAPeriod = 50
	slowEMAPeriod = 200
)

// Workflow 驱动单个交易对在一次 tick 内的完整流程：
// 准备 → 采集 → 相关性闸门 → 决策 → 执行 → 通知 → 记录。
type Workflow struct {
	exchange   Exchange
	notifier   notify.Notifier
	recorder   Recorder
	thresholds indicator.Thresholds
	logger     *zap.Logger
}

// New 创建 Workflow。
func New(exchange Exchange, notifier notify.Notifier, recorder Recorder, thresholds indicator.Thresholds, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &Workflow{
		exchange:   exchange,
		notifier:   notifier,
		recorder:   recorder,
		thresholds: thresholds,
		logger:     logger,
	}
}

// snapshot 聚合一次采集的全部数据。
type snapshot struct {
	position phemex.Position
	ticker   phemex.Ticker
	candles  []phemex.Candle
	account  phemex.Account
}

// Run 执行单个交易对的一次 tick。失败被限制在本交易对内：
// 任何错误都转化为记录，绝不向外传播；除指标数据不足与截止取消外都同时告警。
func (w *Workflow) Run(ctx context.Context, inst config.Instrument) Record {
	record := Record{
		Timestamp: time.Now().UTC(),
		Symbol:    inst.Symbol,
		Action:    string(engine.ActionNoOp),
	}

	// 1. 准备：撤掉陈旧委托，再设置杠杆。两者都先于任何新委托。
	if err := w.prepare(ctx, inst); err != nil {
		return w.fail(ctx, record, "prepare", err)
	}

	// 2. 采集：各项数据相互独立，并发拉取，全部就绪后才进入决策。
	snap, err := w.gather(ctx, inst)
	if err != nil {
		return w.fail(ctx, record, "gather", err)
	}

	record.Price = snap.ticker.Last
	record.Equity = snap.account.TotalEquityUsd
	if !snap.position.Absent() {
		record.PositionSizeContracts = snap.position.SizeContracts
		record.PositionValueUsd = snap.position.PositionValueUsd
		record.UnrealizedPnl = snap.position.UnrealizedPnl
		record.MarginLevel = snap.position.MarginLevel
	}

	market, err := w.buildMarket(inst, snap)
	if err != nil {
		// 指标数据不足属于跳过条件，而非故障。
		if errors.Is(err, indicator.ErrInsufficientData) {
			record.Outcome = OutcomeSkipped
			record.Reason = err.Error()
			w.finish(ctx, record)
			return record
		}
		return w.fail(ctx, record, "indicators", err)
	}

	record.VolatilityHigh = market.Volatility.IsHigh
	record.DeclineKind = string(market.Decline.Kind)

	// 观察性告警与动作无关，先行发出。
	w.observationAlerts(inst, snap, market)

	// 3. 相关性闸门：大多数 tick 在此结束，避免无谓跑完整个引擎。
	if reason, skip := w.irrelevant(inst, snap, market); skip {
		record.Outcome = OutcomeSkipped
		record.Reason = reason
		w.finish(ctx, record)
		return record
	}

	// 4. 决策。
	action := engine.Decide(inst, snap.position, market, snap.account)
	record.Action = string(action.Kind)
	record.Reason = action.Reason

	if action.Kind == engine.ActionNoOp {
		record.Outcome = OutcomeSkipped
		w.finish(ctx, record)
		return record
	}

	// 5. 执行。
	if err := w.execute(ctx, inst, snap, action); err != nil {
		return w.fail(ctx, record, "execute", err)
	}

	record.Outcome = OutcomeManaged

	// 6. 动作后的仓位快照用于通知；拉取失败不影响结局。
	w.positionAlert(ctx, inst, snap, action)

	w.finish(ctx, record)
	return record
}

func (w *Workflow) prepare(ctx context.Context, inst config.Instrument) error {
	if _, err := w.exchange.CancelAllOpen(ctx, inst.Symbol); err != nil {
		return fmt.Errorf("撤销未完成委托失败: %w", err)
	}
	if err := w.exchange.SetLeverage(ctx, inst.Symbol, inst.Leverage); err != nil {
		return fmt.Errorf("设置杠杆失败: %w", err)
	}
	return nil
}

func (w *Workflow) gather(ctx context.Context, inst config.Instrument) (snapshot, error) {
	var snap snapshot

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		position, err := w.exchange.GetPosition(groupCtx, inst.Symbol)
		if err != nil {
			return err
		}
		snap.position = position
		return nil
	})

	group.Go(func() error {
		ticker, err := w.exchange.GetTicker(groupCtx, inst.Symbol)
		if err != nil {
			return err
		}
		snap.ticker = ticker
		return nil
	})

	group.Go(func() error {
		candles, err := w.exchange.GetCandles(groupCtx, inst.Symbol, inst.EMAIntervalMin, slowEMAPeriod*3)
		if err != nil {
			return err
		}
		snap.candles = candles
		return nil
	})

	group.Go(func() error {
		account, err := w.exchange.GetEquity(groupCtx)
		if err != nil {
			return err
		}
		snap.account = account
		return nil
	})

	if err := group.Wait(); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func (w *Workflow) buildMarket(inst config.Instrument, snap snapshot) (engine.Market, error) {
	emaFast, err := phemex.EMA(snap.candles, fastEMAPeriod)
	if err != nil {
		return engine.Market{}, err
	}
	emaSlow, err := phemex.EMA(snap.candles, slowEMAPeriod)
	if err != nil {
		return engine.Market{}, err
	}

	volatility, err := indicator.Volatility(snap.candles, inst.EMAIntervalMin, w.thresholds)
	if err != nil {
		return engine.Market{}, err
	}
	decline, err := indicator.Decline(snap.candles)
	if err != nil {
		return engine.Market{}, err
	}

	last := snap.ticker.Last
	if last == 0 {
		last = indicator.Last(indicator.NewSeries(snap.candles).Close)
	}

	return engine.Market{
		BestBid:    snap.ticker.BestBid,
		BestAsk:    snap.ticker.BestAsk,
		LastPrice:  last,
		EMAFast:    emaFast,
		EMASlow:    emaSlow,
		Volatility: volatility,
		Decline:    decline,
	}, nil
}

// irrelevant 实现相关性闸门，产出大多数跳过记录。
func (w *Workflow) irrelevant(inst config.Instrument, snap snapshot, market engine.Market) (string, bool) {
	if snap.position.Absent() {
		if inst.AutomaticMode {
			return "", false
		}
		trendOK := market.LastPrice > market.EMASlow
		if inst.Side == config.SideShort {
			trendOK = market.LastPrice < market.EMASlow
		}
		if !trendOK {
			return "waiting for trend", true
		}
		return "", false
	}

	healthyMargin := snap.position.MarginLevel >= engine.MarginCritical
	trendAligned := market.LastPrice >= market.EMAFast
	if inst.Side == config.SideShort {
		trendAligned = market.LastPrice <= market.EMAFast
	}
	noProfitTrigger := snap.position.UnrealizedPnl <= 0

	if healthyMargin && trendAligned && noProfitTrigger {
		return "holding; nothing to do", true
	}
	return "", false
}

func (w *Workflow) execute(ctx context.Context, inst config.Instrument, snap snapshot, action engine.Action) error {
	switch action.Kind {
	case engine.ActionOpen, engine.ActionAdd:
		info, err := w.exchange.GetInstrumentInfo(ctx, inst.Symbol)
		if err != nil {
			return err
		}
		qty := phemex.FloorToStep(action.Quantity, info)
		if _, err := w.exchange.PlaceLimit(ctx, inst.Symbol, action.Side, qty, action.LimitPrice, false); err != nil {
			return err
		}
		return nil

	case engine.ActionReduce:
		info, err := w.exchange.GetInstrumentInfo(ctx, inst.Symbol)
		if err != nil {
			return err
		}
		qty := phemex.FloorToStep(snap.position.SizeContracts*action.Fraction, info)
		side := phemex.SideSell
		if snap.position.Side == phemex.SideSell {
			side = phemex.SideBuy
		}
		if _, err := w.exchange.PlaceMarket(ctx, inst.Symbol, side, qty, true); err != nil {
			return err
		}
		return nil

	case engine.ActionClose:
		return w.exchange.ClosePosition(ctx, inst.Symbol)

	default:
		return fmt.Errorf("未知的动作类型: %s", action.Kind)
	}
}

// observationAlerts 发出与动作无关的观察性告警。
func (w *Workflow) observationAlerts(inst config.Instrument, snap snapshot, market engine.Market) {
	if market.Volatility.IsHigh {
		w.notifier.NotifyVolatilityHigh(notify.VolatilityHigh{
			Symbol:     inst.Symbol,
			ATRRatio:   market.Volatility.ATRRatio,
			BBWidthPct: market.Volatility.BBWidthPct,
			HistVolPct: market.Volatility.HistVolPct,
		})
	}

	if market.Decline.IsDangerous {
		w.notifier.NotifyDeclineVelocity(notify.DeclineVelocity{
			Symbol:    inst.Symbol,
			Kind:      string(market.Decline.Kind),
			Score:     market.Decline.Score,
			ROCShort:  market.Decline.ROCShort,
			ROCMedium: market.Decline.ROCMedium,
		})
	}

	if !snap.position.Absent() && snap.position.MarginLevel < engine.MarginWarning {
		w.notifier.NotifyMarginWarning(notify.MarginWarning{
			Symbol:           inst.Symbol,
			MarginLevel:      snap.position.MarginLevel,
			Equity:           snap.account.TotalEquityUsd,
			PositionValueUsd: snap.position.PositionValueUsd,
		})
	}
}

// positionAlert 在动作完成后推送带最新仓位快照的通知。
func (w *Workflow) positionAlert(ctx context.Context, inst config.Instrument, snap snapshot, action engine.Action) {
	post, err := w.exchange.GetPosition(ctx, inst.Symbol)
	if err != nil {
		w.logger.Warn("拉取动作后仓位失败，通知使用采集时快照",
			zap.String("symbol", inst.Symbol),
			zap.Error(err),
		)
		post = snap.position
	}

	var kind notify.PositionAction
	qty := action.Quantity
	price := action.LimitPrice
	switch action.Kind {
	case engine.ActionOpen:
		kind = notify.ActionOpened
	case engine.ActionAdd:
		kind = notify.ActionAdded
	case engine.ActionReduce:
		kind = notify.ActionReduced
		qty = snap.position.SizeContracts * action.Fraction
		price = snap.ticker.Last
	case engine.ActionClose:
		kind = notify.ActionClosed
		qty = snap.position.SizeContracts
		price = snap.ticker.Last
	default:
		return
	}

	pctOfEquity := 0.0
	if snap.account.TotalEquityUsd > 0 {
		pctOfEquity = post.PositionValueUsd / snap.account.TotalEquityUsd
	}

	w.notifier.NotifyPositionUpdate(notify.PositionUpdate{
		Action:            kind,
		Symbol:            inst.Symbol,
		Side:              string(sideFor(inst)),
		Qty:               qty,
		Price:             price,
		PostSizeContracts: post.SizeContracts,
		PostValueUsd:      post.PositionValueUsd,
		PostPctOfEquity:   pctOfEquity,
		Equity:            snap.account.TotalEquityUsd,
	})
}

// fail 将错误限制在交易对边界内：分类、告警、记录。
func (w *Workflow) fail(ctx context.Context, record Record, stage string, err error) Record {
	record.Outcome = OutcomeError
	record.Reason = err.Error()

	kind := classifyError(err)
	if kind == "cancelled" {
		// 截止时间到期不算故障：只记录，不告警。
		record.Reason = "cancelled"
		w.finish(ctx, record)
		return record
	}

	w.notifier.NotifyExecutionError(notify.ExecutionError{
		Symbol:    record.Symbol,
		Stage:     stage,
		ErrorKind: kind,
		Message:   err.Error(),
	})

	w.finish(ctx, record)
	return record
}

// finish 输出结构化记录并转交给 Recorder。
func (w *Workflow) finish(ctx context.Context, record Record) {
	w.logger.Info("交易对tick结果",
		zap.Time("timestamp", record.Timestamp),
		zap.String("symbol", record.Symbol),
		zap.String("outcome", string(record.Outcome)),
		zap.String("action", record.Action),
		zap.String("reason", record.Reason),
		zap.Float64("price", record.Price),
		zap.Float64("positionSizeContracts", record.PositionSizeContracts),
		zap.Float64("positionValueUsd", record.PositionValueUsd),
		zap.Float64("equity", record.Equity),
		zap.Float64("unrealizedPnl", record.UnrealizedPnl),
		zap.Float64("marginLevel", record.MarginLevel),
		zap.Bool("volatilityHigh", record.VolatilityHigh),
		zap.String("declineKind", record.DeclineKind),
	)

	if err := w.recorder.RecordOutcome(ctx, record); err != nil {
		w.logger.Warn("写入 tick 记录失败", zap.String("symbol", record.Symbol), zap.Error(err))
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, phemex.ErrAuth):
		return "auth"
	case phemex.IsTransient(err):
		return "transient: retries exhausted"
	case errors.Is(err, phemex.ErrUnknownSymbol),
		errors.Is(err, phemex.ErrInvalidLeverage),
		errors.Is(err, phemex.ErrInvalidQty),
		errors.Is(err, phemex.ErrInvalidPrice),
		errors.Is(err, phemex.ErrPriceOutOfBand):
		return "validation"
	default:
		return "unknown"
	}
}

func sideFor(inst config.Instrument) phemex.OrderSide {
	if inst.Side == config.SideShort {
		return phemex.SideSell
	}
	return phemex.SideBuy
}
