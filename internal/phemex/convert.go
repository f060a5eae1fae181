package phemex

import (
	"github.com/shopspring/decimal"
)

// 交易所报文中的定点小数比例。Ep 为价格，Ev 为金额，Er 为比率。
// 换算只发生在本包边界，定点值绝不向上层暴露。
var (
	scaleEp = decimal.New(1, 4)
	scaleEv = decimal.New(1, 8)
	scaleEr = decimal.New(1, 8)
)

func priceFromEp(ep int64) float64 {
	f, _ := decimal.New(ep, 0).Div(scaleEp).Float64()
	return f
}

func priceToEp(price float64) int64 {
	return decimal.NewFromFloat(price).Mul(scaleEp).Round(0).IntPart()
}

func valueFromEv(ev int64) float64 {
	f, _ := decimal.New(ev, 0).Div(scaleEv).Float64()
	return f
}

func ratioFromEr(er int64) float64 {
	f, _ := decimal.New(er, 0).Div(scaleEr).Float64()
	return f
}

// FloorToStep 将数量按合约步长向下取整，并夹在最小/最大下单量之间。
// 对应交易所 lotSizeFilter 的要求。
func FloorToStep(qty float64, info InstrumentInfo) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	if info.QtyStep.IsPositive() {
		d = d.Div(info.QtyStep).Floor().Mul(info.QtyStep)
	}
	if info.MaxOrderQty.IsPositive() && d.GreaterThan(info.MaxOrderQty) {
		d = info.MaxOrderQty
	}
	if d.LessThan(info.MinOrderQty) {
		d = info.MinOrderQty
	}
	return d
}
