package phemex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dcabot/internal/config"
)

func testConfig(baseURL string) config.ExchangeConfig {
	return config.ExchangeConfig{
		APIKey:        "test-key",
		APISecret:     "test-secret",
		BaseURL:       baseURL,
		HTTPTimeout:   5 * time.Second,
		RatePerSecond: 1000,
		Burst:         1000,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"symbol":"BTCUSDT","bidEp":499995000,"askEp":500005000,"lastEp":500000000}}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	ticker, err := client.GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTicker returned error: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if ticker.BestBid != 49999.5 || ticker.BestAsk != 50000.5 || ticker.Last != 50000 {
		t.Errorf("unexpected ticker: %+v", ticker)
	}
}

func TestClient_AuthErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	_, err := client.GetTicker(context.Background(), "BTCUSDT")

	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("auth errors must be terminal: %d attempts", got)
	}
}

func TestClient_ValidationErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"code":11005,"msg":"leverage out of range","data":null}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	err := client.SetLeverage(context.Background(), "BTCUSDT", 500)

	if !errors.Is(err, ErrInvalidLeverage) {
		t.Fatalf("expected ErrInvalidLeverage, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 11005 {
		t.Errorf("expected APIError with code 11005, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("validation errors must be terminal: %d attempts", got)
	}
}

func TestClient_RetriesExhaustedPropagate(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	_, err := client.GetTicker(context.Background(), "BTCUSDT")

	if !IsTransient(err) {
		t.Fatalf("exhausted retries must propagate the transient error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
}

func TestClient_CancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Retry.BaseDelay = 5 * time.Second
	cfg.Retry.MaxDelay = 5 * time.Second

	client := NewClient(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.GetTicker(ctx, "BTCUSDT")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error during backoff, got %v", err)
	}
}

// 令牌桶上界：容量 B、速率 R 时，任意长度 W 的窗口内放行数不超过 B + R·W。
func TestClient_RateLimiterBoundsAdmission(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"symbol":"BTCUSDT","bidEp":1,"askEp":1,"lastEp":1}}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RatePerSecond = 20
	cfg.Burst = 5

	client := NewClient(cfg, nil)

	const total = 12
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.GetTicker(context.Background(), "BTCUSDT"); err != nil {
				t.Errorf("GetTicker failed: %v", err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// 超出突发容量的 7 次调用至少需要 7/20 秒的令牌补充。
	if minimum := 300 * time.Millisecond; elapsed < minimum {
		t.Errorf("12 calls finished in %v; bucket (B=5, R=20/s) should enforce ≥%v", elapsed, minimum)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != total {
		t.Fatalf("expected %d admitted calls, got %d", total, len(stamps))
	}

	// 滑动窗口检查：任何 250ms 窗口内的放行数不超过 B + R·W = 10。
	const window = 250 * time.Millisecond
	bound := 5 + int(20*window.Seconds()) + 1 // +1 容忍边界
	for i := range stamps {
		count := 0
		for j := range stamps {
			d := stamps[j].Sub(stamps[i])
			if d >= 0 && d < window {
				count++
			}
		}
		if count > bound {
			t.Fatalf("window starting at stamp %d admitted %d calls; bound is %d", i, count, bound)
		}
	}
}

func TestClient_SignedHeadersPresent(t *testing.T) {
	var gotToken, gotExpiry, gotSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("x-phemex-access-token")
		gotExpiry = r.Header.Get("x-phemex-request-expiry")
		gotSig = r.Header.Get("x-phemex-request-signature")
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"symbol":"BTCUSDT","bidEp":1,"askEp":1,"lastEp":1}}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	if _, err := client.GetTicker(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("GetTicker returned error: %v", err)
	}

	if gotToken != "test-key" {
		t.Errorf("missing access token header: %q", gotToken)
	}
	if gotExpiry == "" || gotSig == "" {
		t.Errorf("missing expiry/signature headers: %q %q", gotExpiry, gotSig)
	}
}

func TestGetPosition_MapsScaledFields(t *testing.T) {
	payload := `{"code":0,"msg":"","data":{
		"account":{"accountBalanceEv":100000000000,"totalUsedBalanceEv":2000000000},
		"positions":[{
			"symbol":"BTCUSDT","side":"Buy","size":0.004,
			"avgEntryPriceEp":500000000,"liquidationPriceEp":450000000,
			"unRealisedPnlEv":-2000000000,"positionMarginEv":2000000000,
			"posValueEv":20000000000,"maintMarginReqRr":1000000,"leverageEr":1000000000
		}]}}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)

	pos, err := client.GetPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPosition returned error: %v", err)
	}

	if pos.Absent() {
		t.Fatalf("expected open position, got absent: %+v", pos)
	}
	if pos.EntryPrice != 50000 {
		t.Errorf("entry price: got %f want 50000", pos.EntryPrice)
	}
	if pos.UnrealizedPnl != -20 {
		t.Errorf("unrealized pnl: got %f want -20", pos.UnrealizedPnl)
	}
	if pos.PositionMarginUsd != 20 {
		t.Errorf("position margin: got %f want 20", pos.PositionMarginUsd)
	}
	if pos.PositionValueUsd != 200 {
		t.Errorf("position value: got %f want 200", pos.PositionValueUsd)
	}
	if pos.Leverage != 10 {
		t.Errorf("leverage: got %f want 10", pos.Leverage)
	}
	// 维持保证金 = 200 × 0.01 = 2；marginLevel = (20 − 20) ÷ 2 = 0。
	if pos.MarginLevel != 0 {
		t.Errorf("margin level: got %f want 0", pos.MarginLevel)
	}

	acct, err := client.GetEquity(context.Background())
	if err != nil {
		t.Fatalf("GetEquity returned error: %v", err)
	}
	if acct.TotalEquityUsd != 1000 {
		t.Errorf("total equity: got %f want 1000", acct.TotalEquityUsd)
	}
	if acct.AvailableEquityUsd != 980 {
		t.Errorf("available equity: got %f want 980", acct.AvailableEquityUsd)
	}
}

func TestGetPosition_AbsentWhenNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"account":{"accountBalanceEv":0,"totalUsedBalanceEv":0},"positions":[]}}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	pos, err := client.GetPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPosition returned error: %v", err)
	}
	if !pos.Absent() {
		t.Fatalf("expected absent position, got %+v", pos)
	}
}

func TestGetCandles_ConvertsAndTrims(t *testing.T) {
	payload := `{"code":0,"msg":"","data":{"rows":[
		[1700000000,60,0,500000000,500500000,499500000,500200000,10,0],
		[1700000060,60,0,500200000,500700000,499700000,500400000,11,0],
		[1700000120,60,0,500400000,500900000,499900000,500600000,12,0]
	]}}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("resolution"); got != "60" {
			t.Errorf("expected resolution=60, got %q", got)
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	candles, err := client.GetCandles(context.Background(), "BTCUSDT", 1, 2)
	if err != nil {
		t.Fatalf("GetCandles returned error: %v", err)
	}

	if len(candles) != 2 {
		t.Fatalf("expected 2 candles after trim, got %d", len(candles))
	}
	last := candles[1]
	if last.Open != 50040 || last.High != 50090 || last.Low != 49990 || last.Close != 50060 {
		t.Errorf("unexpected OHLC conversion: %+v", last)
	}
	if last.Volume != 12 {
		t.Errorf("unexpected volume: %f", last.Volume)
	}
	if !candles[0].Timestamp.Before(last.Timestamp) {
		t.Errorf("candles must stay oldest→newest")
	}
}

func TestGetEMA_ConvergesOnConstantSeries(t *testing.T) {
	var rows strings.Builder
	for i := 0; i < 200; i++ {
		if i > 0 {
			rows.WriteString(",")
		}
		fmt.Fprintf(&rows, "[%d,60,0,500000000,500000000,500000000,500000000,10,0]", 1700000000+60*i)
	}
	payload := fmt.Sprintf(`{"code":0,"msg":"","data":{"rows":[%s]}}`, rows.String())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	ema, err := client.GetEMA(context.Background(), "BTCUSDT", 50, 1)
	if err != nil {
		t.Fatalf("GetEMA returned error: %v", err)
	}
	if diff := ema - 50000; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected EMA=50000 on constant series, got %f", ema)
	}
}

func TestGetCandles_UnsupportedInterval(t *testing.T) {
	client := NewClient(testConfig("http://127.0.0.1:0"), nil)
	if _, err := client.GetCandles(context.Background(), "BTCUSDT", 7, 10); err == nil {
		t.Fatalf("expected error for unsupported interval")
	}
}
