package phemex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// marginLevelAbsent 在维持保证金不可用时充当“远离强平”的哨兵。
const marginLevelAbsent = 999

type accountPositionsData struct {
	Account struct {
		AccountBalanceEv   int64 `json:"accountBalanceEv"`
		TotalUsedBalanceEv int64 `json:"totalUsedBalanceEv"`
	} `json:"account"`
	Positions []wirePosition `json:"positions"`
}

type wirePosition struct {
	Symbol             string  `json:"symbol"`
	Side               string  `json:"side"`
	Size               float64 `json:"size"`
	AvgEntryPriceEp    int64   `json:"avgEntryPriceEp"`
	LiquidationPriceEp int64   `json:"liquidationPriceEp"`
	UnrealisedPnlEv    int64   `json:"unRealisedPnlEv"`
	PositionMarginEv   int64   `json:"positionMarginEv"`
	PositionValueEv    int64   `json:"posValueEv"`
	MaintMarginReqRr   int64   `json:"maintMarginReqRr"`
	LeverageEr         int64   `json:"leverageEr"`
}

// GetPosition 返回指定交易对的仓位快照；无仓位时返回 Absent 仓位。
func (c *Client) GetPosition(ctx context.Context, symbol string) (Position, error) {
	data, err := c.fetchAccountPositions(ctx, "get_position")
	if err != nil {
		return Position{}, err
	}

	for _, raw := range data.Positions {
		if !strings.EqualFold(raw.Symbol, symbol) || raw.Size == 0 {
			continue
		}
		return c.mapPosition(raw), nil
	}

	return Position{Symbol: symbol}, nil
}

// GetEquity 返回账户权益。
func (c *Client) GetEquity(ctx context.Context) (Account, error) {
	data, err := c.fetchAccountPositions(ctx, "get_equity")
	if err != nil {
		return Account{}, err
	}

	total := valueFromEv(data.Account.AccountBalanceEv)
	used := valueFromEv(data.Account.TotalUsedBalanceEv)
	return Account{
		TotalEquityUsd:     total,
		AvailableEquityUsd: total - used,
	}, nil
}

func (c *Client) fetchAccountPositions(ctx context.Context, op string) (accountPositionsData, error) {
	var data accountPositionsData

	query := url.Values{}
	query.Set("currency", "USDT")

	err := c.callWithRetry(ctx, op, func() error {
		raw, reqErr := c.doSigned(ctx, op, http.MethodGet, "/accounts/accountPositions", query, nil)
		if reqErr != nil {
			return reqErr
		}
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			return &TransientError{Op: op, Cause: fmt.Errorf("解析仓位响应失败: %w", jsonErr)}
		}
		return nil
	})
	if err != nil {
		return accountPositionsData{}, err
	}
	return data, nil
}

func (c *Client) mapPosition(raw wirePosition) Position {
	pos := Position{
		Symbol:            raw.Symbol,
		SizeContracts:     raw.Size,
		EntryPrice:        priceFromEp(raw.AvgEntryPriceEp),
		LiquidationPrice:  priceFromEp(raw.LiquidationPriceEp),
		UnrealizedPnl:     valueFromEv(raw.UnrealisedPnlEv),
		PositionMarginUsd: valueFromEv(raw.PositionMarginEv),
		PositionValueUsd:  valueFromEv(raw.PositionValueEv),
		Leverage:          ratioFromEr(raw.LeverageEr),
	}

	if strings.EqualFold(raw.Side, "Sell") {
		pos.Side = SideSell
	} else {
		pos.Side = SideBuy
	}

	// marginLevel = (仓位保证金 + 未实现盈亏) ÷ 维持保证金。
	// 维持保证金由仓位价值与维持保证金率推得；缺失时视为远离强平。
	maintenance := pos.PositionValueUsd * ratioFromEr(raw.MaintMarginReqRr)
	if maintenance > 0 {
		pos.MarginLevel = (pos.PositionMarginUsd + pos.UnrealizedPnl) / maintenance
	} else {
		pos.MarginLevel = marginLevelAbsent
	}

	return pos
}

type tickerData struct {
	Symbol string `json:"symbol"`
	BidEp  int64  `json:"bidEp"`
	AskEp  int64  `json:"askEp"`
	LastEp int64  `json:"lastEp"`
}

// GetTicker 返回最优买卖价与最新成交价。
func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	const op = "get_ticker"

	query := url.Values{}
	query.Set("symbol", symbol)

	var data tickerData
	err := c.callWithRetry(ctx, op, func() error {
		raw, reqErr := c.doSigned(ctx, op, http.MethodGet, "/md/ticker/24hr", query, nil)
		if reqErr != nil {
			return reqErr
		}
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			return &TransientError{Op: op, Cause: fmt.Errorf("解析行情响应失败: %w", jsonErr)}
		}
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	return Ticker{
		Symbol:  symbol,
		BestBid: priceFromEp(data.BidEp),
		BestAsk: priceFromEp(data.AskEp),
		Last:    priceFromEp(data.LastEp),
	}, nil
}

type klineData struct {
	// rows: [timestamp, interval, lastCloseEp, openEp, highEp, lowEp, closeEp, volume, turnoverEv]
	Rows [][]int64 `json:"rows"`
}

// GetCandles 拉取K线，按时间升序返回最近 limit 根。
func (c *Client) GetCandles(ctx context.Context, symbol string, intervalMin, limit int) ([]Candle, error) {
	const op = "get_candles"

	seconds, ok := resolutionSeconds[intervalMin]
	if !ok {
		return nil, &APIError{Op: op, Symbol: symbol, Msg: fmt.Sprintf("不支持的K线周期: %d 分钟", intervalMin)}
	}
	if limit <= 0 {
		limit = 1
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("resolution", strconv.Itoa(seconds))
	query.Set("limit", strconv.Itoa(klineLimitFor(limit)))

	var data klineData
	err := c.callWithRetry(ctx, op, func() error {
		raw, reqErr := c.doSigned(ctx, op, http.MethodGet, "/exchange/public/md/v2/kline", query, nil)
		if reqErr != nil {
			return reqErr
		}
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			return &TransientError{Op: op, Cause: fmt.Errorf("解析K线响应失败: %w", jsonErr)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(data.Rows))
	for _, row := range data.Rows {
		if len(row) < 9 {
			continue
		}
		candles = append(candles, Candle{
			Timestamp: time.Unix(row[0], 0).UTC(),
			Open:      priceFromEp(row[3]),
			High:      priceFromEp(row[4]),
			Low:       priceFromEp(row[5]),
			Close:     priceFromEp(row[6]),
			Volume:    float64(row[7]),
		})
	}

	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	return candles, nil
}

// SetLeverage 设置交易对杠杆。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	const op = "set_leverage"

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("leverage", strconv.Itoa(leverage))

	return c.callWithRetry(ctx, op, func() error {
		_, reqErr := c.doSigned(ctx, op, http.MethodPut, "/positions/leverage", query, nil)
		return reqErr
	})
}

type cancelAllData struct {
	Cancelled int `json:"cancelled"`
}

// CancelAllOpen 撤销交易对全部未完成委托，返回撤销数量。
func (c *Client) CancelAllOpen(ctx context.Context, symbol string) (int, error) {
	const op = "cancel_all"

	query := url.Values{}
	query.Set("symbol", symbol)

	var data cancelAllData
	err := c.callWithRetry(ctx, op, func() error {
		raw, reqErr := c.doSigned(ctx, op, http.MethodDelete, "/orders/all", query, nil)
		if reqErr != nil {
			return reqErr
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &data)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return data.Cancelled, nil
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	OrderQtyRq  string `json:"orderQtyRq"`
	PriceEp     int64  `json:"priceEp,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly"`
	TimeInForce string `json:"timeInForce"`
}

type orderData struct {
	OrderID string `json:"orderID"`
}

// PlaceLimit 以限价委托下单，返回交易所订单ID。
func (c *Client) PlaceLimit(ctx context.Context, symbol string, side OrderSide, qty decimal.Decimal, price float64, reduceOnly bool) (string, error) {
	const op = "place_limit"

	if !qty.IsPositive() {
		return "", &APIError{Op: op, Symbol: symbol, Msg: fmt.Sprintf("数量必须为正: %s", qty), Kind: ErrInvalidQty}
	}
	if price <= 0 {
		return "", &APIError{Op: op, Symbol: symbol, Msg: fmt.Sprintf("价格必须为正: %f", price), Kind: ErrInvalidPrice}
	}

	body := orderRequest{
		Symbol:      symbol,
		Side:        string(side),
		OrdType:     "Limit",
		OrderQtyRq:  qty.String(),
		PriceEp:     priceToEp(price),
		ReduceOnly:  reduceOnly,
		TimeInForce: "GoodTillCancel",
	}

	id, err := c.submitOrder(ctx, op, symbol, body)
	if err != nil {
		return "", err
	}

	c.logger.Info("已提交限价委托",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("qty", qty.String()),
		zap.Float64("price", price),
		zap.Bool("reduce_only", reduceOnly),
		zap.String("order_id", id),
	)
	return id, nil
}

// PlaceMarket 以市价委托下单，用于减仓与平仓路径。
func (c *Client) PlaceMarket(ctx context.Context, symbol string, side OrderSide, qty decimal.Decimal, reduceOnly bool) (string, error) {
	const op = "place_market"

	if !qty.IsPositive() {
		return "", &APIError{Op: op, Symbol: symbol, Msg: fmt.Sprintf("数量必须为正: %s", qty), Kind: ErrInvalidQty}
	}

	body := orderRequest{
		Symbol:      symbol,
		Side:        string(side),
		OrdType:     "Market",
		OrderQtyRq:  qty.String(),
		ReduceOnly:  reduceOnly,
		TimeInForce: "ImmediateOrCancel",
	}

	id, err := c.submitOrder(ctx, op, symbol, body)
	if err != nil {
		return "", err
	}

	c.logger.Info("已提交市价委托",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("qty", qty.String()),
		zap.Bool("reduce_only", reduceOnly),
		zap.String("order_id", id),
	)
	return id, nil
}

func (c *Client) submitOrder(ctx context.Context, op, symbol string, body orderRequest) (string, error) {
	var data orderData
	err := c.callWithRetry(ctx, op, func() error {
		raw, reqErr := c.doSigned(ctx, op, http.MethodPost, "/orders", nil, body)
		if reqErr != nil {
			return annotateSymbol(reqErr, symbol)
		}
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			return &TransientError{Op: op, Cause: fmt.Errorf("解析下单响应失败: %w", jsonErr)}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return data.OrderID, nil
}

// ClosePosition 市价平掉全部仓位。无仓位时为幂等空操作。
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return err
	}
	if pos.Absent() {
		c.logger.Info("无仓位可平", zap.String("symbol", symbol))
		return nil
	}

	side := SideSell
	if pos.Side == SideSell {
		side = SideBuy
	}

	_, err = c.PlaceMarket(ctx, symbol, side, decimal.NewFromFloat(pos.SizeContracts), true)
	return err
}

type productsData struct {
	Products []struct {
		Symbol      string `json:"symbol"`
		MinOrderQty string `json:"minOrderQtyRq"`
		MaxOrderQty string `json:"maxOrderQtyRq"`
		QtyStepSize string `json:"qtyStepSize"`
		TickSize    string `json:"tickSize"`
	} `json:"products"`
}

// GetInstrumentInfo 返回交易对的下单数量约束，结果按 symbol 缓存。
func (c *Client) GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error) {
	const op = "get_products"

	c.instrumentsMu.Lock()
	if info, ok := c.instruments[symbol]; ok {
		c.instrumentsMu.Unlock()
		return info, nil
	}
	c.instrumentsMu.Unlock()

	var data productsData
	err := c.callWithRetry(ctx, op, func() error {
		raw, reqErr := c.doSigned(ctx, op, http.MethodGet, "/public/products", nil, nil)
		if reqErr != nil {
			return reqErr
		}
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			return &TransientError{Op: op, Cause: fmt.Errorf("解析产品列表失败: %w", jsonErr)}
		}
		return nil
	})
	if err != nil {
		return InstrumentInfo{}, err
	}

	c.instrumentsMu.Lock()
	defer c.instrumentsMu.Unlock()
	if c.instruments == nil {
		c.instruments = make(map[string]InstrumentInfo, len(data.Products))
	}
	for _, p := range data.Products {
		info := InstrumentInfo{
			Symbol:      p.Symbol,
			MinOrderQty: mustDecimal(p.MinOrderQty),
			MaxOrderQty: mustDecimal(p.MaxOrderQty),
			QtyStep:     mustDecimal(p.QtyStepSize),
			TickSize:    mustDecimal(p.TickSize),
		}
		c.instruments[p.Symbol] = info
	}

	info, ok := c.instruments[symbol]
	if !ok {
		return InstrumentInfo{}, &APIError{Op: op, Symbol: symbol, Msg: "产品列表中不存在该交易对", Kind: ErrUnknownSymbol}
	}
	return info, nil
}

// GetEMA 拉取至少 period×3 根K线并计算标准指数均线，返回最新值。
func (c *Client) GetEMA(ctx context.Context, symbol string, period, intervalMin int) (float64, error) {
	candles, err := c.GetCandles(ctx, symbol, intervalMin, period*3)
	if err != nil {
		return 0, err
	}
	return EMA(candles, period)
}

// EMA 按标准递推公式计算指数均线：ema[0]=close[0]，
// ema[t]=α·close[t]+(1−α)·ema[t−1]，α=2/(period+1)。
func EMA(candles []Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("phemex: EMA 周期必须为正: %d", period)
	}
	if len(candles) < period {
		return 0, fmt.Errorf("phemex: K线不足以计算 EMA(%d): 仅有 %d 根: %w", period, len(candles), ErrInsufficientData)
	}

	alpha := 2.0 / (float64(period) + 1.0)
	ema := candles[0].Close
	for _, candle := range candles[1:] {
		ema = alpha*candle.Close + (1-alpha)*ema
	}
	return ema, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func annotateSymbol(err error, symbol string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Symbol == "" {
		apiErr.Symbol = symbol
	}
	return err
}
