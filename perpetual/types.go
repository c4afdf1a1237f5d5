package perpetual

import (
	"github.com/shopspring/decimal"
)

// PositionSide 持仓方向
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	// PositionSideBoth 单向持仓模式下的净持仓（部分交易所使用）
	PositionSideBoth PositionSide = "BOTH"
)

// Opposite 返回相反的持仓方向
func (s PositionSide) Opposite() PositionSide {
	if s == PositionSideLong {
		return PositionSideShort
	}
	return PositionSideLong
}

// PositionMode 持仓模式
type PositionMode string

const (
	// PositionModeOneway 单向持仓：每个交易对只有一个净持仓
	PositionModeOneway PositionMode = "ONEWAY"
	// PositionModeHedge 双向持仓：每个交易对可同时持有多头和空头
	PositionModeHedge PositionMode = "HEDGE"
)

// PositionAction 持仓动作：开仓或平仓
type PositionAction string

const (
	PositionActionOpen  PositionAction = "OPEN"
	PositionActionClose PositionAction = "CLOSE"
	PositionActionNil   PositionAction = "NIL"
)

// FundingPayment 一次资金费结算
// 交易所适配器把"无结算"的哨兵值 (0, -1, -1) 翻译为 nil，核心层不出现魔法值
type FundingPayment struct {
	Timestamp   float64         // 结算时间（秒）
	FundingRate decimal.Decimal // 结算时的资金费率
	Amount      decimal.Decimal // 结算金额（正为收入，负为支出）
}

// FundingInfo 交易对的资金费信息
type FundingInfo struct {
	TradingPair     string
	IndexPrice      decimal.Decimal
	MarkPrice       decimal.Decimal
	NextFundingTime float64 // 下次结算时间（秒）
	Rate            decimal.Decimal
}
