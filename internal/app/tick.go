package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dcabot/internal/workflow"
)

// Tick 对全部交易对执行一轮流程。交易对之间相互独立并发执行，
// 共享的只有适配层的限频器与通知通道。
func (a *App) Tick(ctx context.Context) []workflow.Record {
	budget := a.tickBudget()
	tickCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	records := make([]workflow.Record, len(a.cfg.Instruments))

	// Run 从不返回错误（失败已折叠进记录），errgroup 只承担并发编排。
	group := new(errgroup.Group)
	for i, inst := range a.cfg.Instruments {
		group.Go(func() error {
			records[i] = a.workflow.Run(tickCtx, inst)
			return nil
		})
	}
	_ = group.Wait()

	managed, skipped, failed := 0, 0, 0
	for _, record := range records {
		switch record.Outcome {
		case workflow.OutcomeManaged:
			managed++
		case workflow.OutcomeSkipped:
			skipped++
		default:
			failed++
		}
	}

	a.logger.Info("tick 完成",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("managed", managed),
		zap.Int("skipped", skipped),
		zap.Int("errors", failed),
	)

	return records
}

// tickBudget 推导单次 tick 的总体截止时间：间隔减去安全余量。
func (a *App) tickBudget() time.Duration {
	interval := a.cfg.Scheduler.TickInterval
	if interval <= 0 {
		return defaultTickBudget
	}
	budget := interval - a.cfg.Scheduler.SafetyMargin
	if budget <= 0 {
		budget = interval
	}
	return budget
}
