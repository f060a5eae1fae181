package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dcabot/internal/config"
	"dcabot/internal/indicator"
	"dcabot/internal/monitor"
	"dcabot/internal/notify"
	"dcabot/internal/phemex"
	"dcabot/internal/workflow"
)

// defaultTickBudget 在没有可推导间隔时充当单次 tick 的总体截止时间。
const defaultTickBudget = 5 * time.Minute

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	monitor  *monitor.Service
	workflow *workflow.Workflow
	notifier notify.Notifier
}

// New 组装全部依赖。返回错误意味着进程无法初始化（退出码非零）。
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := phemex.NewClient(cfg.Exchange, logger)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		notifier = notify.NewTelegram(cfg.Telegram, logger)
	}

	var monitorSvc *monitor.Service
	var recorder workflow.Recorder = workflow.NoopRecorder{}
	if cfg.Database.Enabled {
		svc, err := monitor.NewService(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化记录服务失败: %w", err)
		}
		monitorSvc = svc
		recorder = svc
	}

	thresholds := indicator.Thresholds{
		ATRRatio: cfg.Volatility.ATRRatioThreshold,
		BBWidth:  cfg.Volatility.BBWidthThreshold,
		HistVol:  cfg.Volatility.HistVolThreshold,
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		monitor:  monitorSvc,
		workflow: workflow.New(client, notifier, recorder, thresholds, logger),
		notifier: notifier,
	}, nil
}

// Close 释放持有的资源。
func (a *App) Close() error {
	if a.monitor == nil {
		return nil
	}
	return a.monitor.Close()
}

// Run 按配置的调度形态驱动 tick。单个交易对的失败不会让进程退出。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Bool("testnet", a.cfg.Exchange.Testnet),
		zap.Int("instruments", len(a.cfg.Instruments)),
		zap.String("mode", string(a.cfg.Scheduler.Mode)),
	)

	if a.cfg.App.StartupAlert {
		symbols := make([]string, 0, len(a.cfg.Instruments))
		for _, inst := range a.cfg.Instruments {
			symbols = append(symbols, inst.Symbol)
		}
		a.notifier.NotifyStarted(notify.Started{
			Instruments: symbols,
			Testnet:     a.cfg.Exchange.Testnet,
		})
	}

	switch a.cfg.Scheduler.Mode {
	case config.RunOnce:
		a.Tick(ctx)
		return nil
	case config.RunInterval:
		return a.runInterval(ctx)
	case config.RunCron:
		return a.runCron(ctx)
	default:
		return fmt.Errorf("未知的调度模式: %q", a.cfg.Scheduler.Mode)
	}
}

func (a *App) runInterval(ctx context.Context) error {
	interval := a.cfg.Scheduler.TickInterval
	if interval <= 0 {
		interval = defaultTickBudget
	}

	a.Tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

func (a *App) runCron(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(a.cfg.Scheduler.CronSpec, func() {
		a.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("解析 cron 表达式失败: %w", err)
	}

	scheduler.Start()
	<-ctx.Done()

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
