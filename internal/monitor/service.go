package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go.uber.org/zap"

	"dcabot/internal/config"
	"dcabot/internal/workflow"
)

// Service 将每个交易对的 tick 结果持久化到 SQLite，供事后复盘。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 打开数据库并创建所需表结构。
func NewService(cfg config.DatabaseConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		db:     db,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

var _ workflow.Recorder = (*Service)(nil)

// openDB 初始化 SQLite 连接。tick 记录是低频追加写、几乎不读，
// 因此采用 WAL + NORMAL 同步级别，busy_timeout 覆盖多交易对并发写入。
func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("monitor: 打开 SQLite 数据库失败: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("monitor: 设置 SQLite WAL 模式失败: %w", err)
	}

	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("monitor: 设置 SQLite 同步级别失败: %w", err)
	}

	return db, nil
}

// Close 关闭数据库连接。
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS tick_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	symbol TEXT NOT NULL,
	outcome TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	price REAL NOT NULL,
	position_size REAL NOT NULL,
	position_value REAL NOT NULL,
	equity REAL NOT NULL,
	unrealized_pnl REAL NOT NULL,
	margin_level REAL NOT NULL,
	volatility_high INTEGER NOT NULL,
	decline_kind TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tick_outcomes_symbol ON tick_outcomes(symbol, ts);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// RecordOutcome 写入单条 tick 记录。
func (s *Service) RecordOutcome(ctx context.Context, record workflow.Record) error {
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tick_outcomes
		(ts, symbol, outcome, action, reason, price, position_size, position_value,
		 equity, unrealized_pnl, margin_level, volatility_high, decline_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339),
		record.Symbol,
		string(record.Outcome),
		record.Action,
		record.Reason,
		record.Price,
		record.PositionSizeContracts,
		record.PositionValueUsd,
		record.Equity,
		record.UnrealizedPnl,
		record.MarginLevel,
		boolToInt(record.VolatilityHigh),
		record.DeclineKind,
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入 tick 记录失败: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("monitor: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
