package order

import (
	"github.com/shopspring/decimal"

	"perpmesh/perpetual"
)

// OrderUpdate 订单状态更新（值对象，构造后不再修改）
type OrderUpdate struct {
	TradingPair     string
	UpdateTimestamp float64 // 秒
	NewState        OrderState
	ClientOrderID   string
	ExchangeOrderID string
}

// TradeUpdate 一笔成交（值对象，构造后不再修改）
// 约定 FillQuoteAmount ≈ FillPrice × FillBaseAmount，由各连接器在构造时显式计算
type TradeUpdate struct {
	TradeID         string // 交易所内唯一
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	FillTimestamp   float64 // 秒
	FillPrice       decimal.Decimal
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	Fee             *TradeFee
}

// IsNonEvent 是否为"无成交"哨兵消息
// 部分交易所用成交形状的消息表示"没有发生成交"（成交ID为 0/空或成交量为 0）
func (t *TradeUpdate) IsNonEvent() bool {
	if t == nil {
		return true
	}
	if t.TradeID == "" || t.TradeID == "0" {
		return true
	}
	return t.FillBaseAmount.IsZero()
}

// TokenAmount 某种代币的数量
type TokenAmount struct {
	Token  string
	Amount decimal.Decimal
}

// TradeFeeSchema 手续费模板：按比例或按固定额，由各交易所配置决定
type TradeFeeSchema struct {
	MakerPercent decimal.Decimal
	TakerPercent decimal.Decimal
	PercentToken string // 收取比例费的币种，为空表示报价资产
}

// TradeFee 永续合约成交手续费
// 携带开平仓标记，加上比例费率或固定费用两种形态之一
type TradeFee struct {
	PositionAction perpetual.PositionAction
	Percent        decimal.Decimal
	PercentToken   string
	FlatFees       []TokenAmount
}

// NewPerpetualFee 按模板构造永续合约手续费
// 有固定费用时直接使用固定费用，否则按 maker/taker 取模板中的比例费率
func NewPerpetualFee(schema TradeFeeSchema, action perpetual.PositionAction, isMaker bool, flatFees []TokenAmount) *TradeFee {
	fee := &TradeFee{
		PositionAction: action,
		PercentToken:   schema.PercentToken,
		FlatFees:       flatFees,
	}
	if len(flatFees) == 0 {
		if isMaker {
			fee.Percent = schema.MakerPercent
		} else {
			fee.Percent = schema.TakerPercent
		}
	}
	return fee
}

// FlatFeeTotal 固定费用合计
func (f *TradeFee) FlatFeeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, flat := range f.FlatFees {
		total = total.Add(flat.Amount)
	}
	return total
}

// FeeAmountFor 按成交额计算应付费用
// 有固定费用时返回固定费用合计，否则按比例费率乘以成交额
func (f *TradeFee) FeeAmountFor(fillQuoteAmount decimal.Decimal) decimal.Decimal {
	if len(f.FlatFees) > 0 {
		return f.FlatFeeTotal()
	}
	return fillQuoteAmount.Mul(f.Percent)
}
