package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dcabot/internal/config"
)

const telegramAPI = "https://api.telegram.org"

// Telegram 通过 Bot API 推送通知到指定会话。
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
	logger   *zap.Logger
}

// NewTelegram 创建 Telegram 通知器。
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

var _ Notifier = (*Telegram)(nil)

func (t *Telegram) NotifyPositionUpdate(event PositionUpdate) {
	emoji := "🟢"
	if event.Action == ActionReduced || event.Action == ActionClosed {
		emoji = "🔵"
	}
	t.send(fmt.Sprintf(
		"%s <b>Position %s</b>\n\n"+
			"Symbol: <code>%s</code>\n"+
			"Side: <b>%s</b>\n"+
			"Quantity: <code>%.8f</code>\n"+
			"Price: <code>%.4f</code>\n"+
			"Position Size: <code>%.4f</code> contracts / <code>$%.2f</code>\n"+
			"Share of Equity: <code>%.2f%%</code>\n"+
			"Total Equity: <code>$%.2f</code>",
		emoji, event.Action, event.Symbol, event.Side, event.Qty, event.Price,
		event.PostSizeContracts, event.PostValueUsd, event.PostPctOfEquity*100, event.Equity,
	))
}

func (t *Telegram) NotifyVolatilityHigh(event VolatilityHigh) {
	t.send(fmt.Sprintf(
		"⚠️ <b>HIGH VOLATILITY</b>\n\n"+
			"Symbol: <code>%s</code>\n"+
			"ATR Ratio: <code>%.2f</code>\n"+
			"BB Width: <code>%.2f%%</code>\n"+
			"Hist Vol: <code>%.2f%%</code>",
		event.Symbol, event.ATRRatio, event.BBWidthPct, event.HistVolPct,
	))
}

func (t *Telegram) NotifyDeclineVelocity(event DeclineVelocity) {
	t.send(fmt.Sprintf(
		"📉 <b>DECLINE VELOCITY: %s</b>\n\n"+
			"Symbol: <code>%s</code>\n"+
			"Score: <code>%.0f/100</code>\n"+
			"ROC(5): <code>%.2f%%</code>\n"+
			"ROC(15): <code>%.2f%%</code>",
		event.Kind, event.Symbol, event.Score, event.ROCShort*100, event.ROCMedium*100,
	))
}

func (t *Telegram) NotifyMarginWarning(event MarginWarning) {
	t.send(fmt.Sprintf(
		"🚨 <b>MARGIN WARNING</b>\n\n"+
			"Symbol: <code>%s</code>\n"+
			"Margin Level: <code>%.2f</code>\n"+
			"Position Value: <code>$%.2f</code>\n"+
			"Total Equity: <code>$%.2f</code>",
		event.Symbol, event.MarginLevel, event.PositionValueUsd, event.Equity,
	))
}

func (t *Telegram) NotifyExecutionError(event ExecutionError) {
	t.send(fmt.Sprintf(
		"❌ <b>EXECUTION ERROR</b>\n\n"+
			"Symbol: <code>%s</code>\n"+
			"Stage: <code>%s</code>\n"+
			"Kind: <code>%s</code>\n"+
			"Detail: %s",
		event.Symbol, event.Stage, event.ErrorKind, event.Message,
	))
}

func (t *Telegram) NotifyStarted(event Started) {
	env := "mainnet"
	if event.Testnet {
		env = "testnet"
	}
	t.send(fmt.Sprintf(
		"🤖 <b>Bot Started</b>\n\n"+
			"Instruments: <code>%s</code>\n"+
			"Network: <code>%s</code>",
		strings.Join(event.Instruments, ", "), env,
	))
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// send 尽力而为地投递消息：任何失败只记日志。
func (t *Telegram) send(text string) {
	if t.botToken == "" || t.chatID == "" {
		return
	}

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		t.logger.Warn("通知序列化失败", zap.Error(err))
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPI, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.logger.Warn("通知发送失败", zap.Error(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.logger.Warn("通知被 Telegram 拒绝",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
	}
}
