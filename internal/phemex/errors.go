package phemex

import (
	"errors"
	"fmt"
)

// 错误分类哨兵。调用方通过 errors.Is 匹配，不依赖具体类型。
var (
	// ErrAuth 表示凭证被交易所拒绝，不重试。
	ErrAuth = errors.New("phemex: authentication rejected")
	// ErrUnknownSymbol 表示交易对不存在。
	ErrUnknownSymbol = errors.New("phemex: unknown symbol")
	// ErrInvalidLeverage 表示杠杆参数非法。
	ErrInvalidLeverage = errors.New("phemex: invalid leverage")
	// ErrInvalidQty 表示下单数量非法。
	ErrInvalidQty = errors.New("phemex: invalid quantity")
	// ErrInvalidPrice 表示委托价格非法。
	ErrInvalidPrice = errors.New("phemex: invalid price")
	// ErrPriceOutOfBand 表示价格超出交易所允许的波动区间。
	ErrPriceOutOfBand = errors.New("phemex: price out of band")
	// ErrInsufficientData 表示K线数量不足以完成指标计算。
	// 上层将其视为跳过条件而非故障。
	ErrInsufficientData = errors.New("phemex: insufficient candle data")
)

// APIError 携带一次失败请求的上下文，包装上面的哨兵错误。
type APIError struct {
	Op     string
	Symbol string
	Code   int
	Msg    string
	Kind   error
}

func (e *APIError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("phemex: %s %s 失败 (code=%d): %s", e.Op, e.Symbol, e.Code, e.Msg)
	}
	return fmt.Sprintf("phemex: %s 失败 (code=%d): %s", e.Op, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Kind }

// TransientError 表示网络超时、5xx、429 等可重试错误。
// 重试耗尽后原样向上传播，绝不吞掉。
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("phemex: %s 瞬时失败: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient 判断错误是否属于可重试类别。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// 交易所业务错误码到哨兵错误的映射。
const (
	codeUnknownSymbol   = 6001
	codeInvalidLeverage = 11005
	codeInvalidQty      = 11010
	codeInvalidPrice    = 11011
	codePriceOutOfBand  = 11012
)

func kindForCode(code int) error {
	switch code {
	case codeUnknownSymbol:
		return ErrUnknownSymbol
	case codeInvalidLeverage:
		return ErrInvalidLeverage
	case codeInvalidQty:
		return ErrInvalidQty
	case codeInvalidPrice:
		return ErrInvalidPrice
	case codePriceOutOfBand:
		return ErrPriceOutOfBand
	default:
		return nil
	}
}
