package phemex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dcabot/internal/config"
)

const (
	mainnetBaseURL = "https://api.phemex.com"
	testnetBaseURL = "https://testnet-api.phemex.com"
)

// Client 负责与 Phemex 交互：请求签名、限频、重试与定点数换算都封装在这里。
type Client struct {
	cfg     config.ExchangeConfig
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	instrumentsMu sync.Mutex
	instruments   map[string]InstrumentInfo
}

// NewClient 构造 Phemex 永续合约客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Testnet {
			baseURL = testnetBaseURL
		} else {
			baseURL = mainnetBaseURL
		}
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 10
	}

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

// apiResponse 为交易所统一响应信封。
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doSigned 发送一次签名请求。限频令牌在发送前获取，等待可被 ctx 取消。
func (c *Client) doSigned(ctx context.Context, op, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	var bodyBytes []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("phemex: 序列化 %s 请求体失败: %w", op, err)
		}
		bodyBytes = encoded
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	sortedQuery := canonicalQuery(query)
	reqURL := c.baseURL + path
	if sortedQuery != "" {
		reqURL += "?" + sortedQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("phemex: 构造 %s 请求失败: %w", op, err)
	}

	expiry := time.Now().Unix() + signWindowSeconds
	signature := Sign(c.cfg.APIKey, c.cfg.APISecret, expiry, sortedQuery, string(bodyBytes))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAccessToken, c.cfg.APIKey)
	req.Header.Set(headerExpiry, fmt.Sprintf("%d", expiry))
	req.Header.Set(headerSignature, signature)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// 其余传输层错误（连接、超时、EOF）一律视为瞬时。
		return nil, &TransientError{Op: op, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &APIError{Op: op, Code: resp.StatusCode, Msg: string(payload), Kind: ErrAuth}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Op: op, Cause: fmt.Errorf("http %d: %s", resp.StatusCode, payload)}
	case resp.StatusCode != http.StatusOK:
		return nil, &APIError{Op: op, Code: resp.StatusCode, Msg: string(payload)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &TransientError{Op: op, Cause: fmt.Errorf("解析响应失败: %w", err)}
	}

	if envelope.Code != 0 {
		return nil, &APIError{Op: op, Code: envelope.Code, Msg: envelope.Msg, Kind: kindForCode(envelope.Code)}
	}

	return envelope.Data, nil
}

// callWithRetry 对瞬时错误做指数退避重试。认证、校验错误与成功都立即返回；
// 重试耗尽后最后一个错误原样传播。
func (c *Client) callWithRetry(ctx context.Context, op string, fn func() error) error {
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := c.cfg.Retry.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	delay := baseDelay
	attempt := 0

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		latency := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", op),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return nil
		}

		if !IsTransient(err) || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", op),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return err
		}

		// 抖动 ±25%，避免多交易对同时重试造成请求齐射。
		wait := time.Duration(float64(delay) * (0.75 + 0.5*rand.Float64()))
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
