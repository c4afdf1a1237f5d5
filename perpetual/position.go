package perpetual

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Position 一个已开仓的合约持仓
// 身份（交易对+方向）不变，状态字段随后续更新原地修改
type Position struct {
	TradingPair   string
	PositionSide  PositionSide
	Amount        decimal.Decimal // 带符号数量：空头为负
	EntryPrice    decimal.Decimal
	Leverage      decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// PositionUpdate 持仓的部分更新，nil 字段表示保持不变
type PositionUpdate struct {
	Amount        *decimal.Decimal
	EntryPrice    *decimal.Decimal
	Leverage      *decimal.Decimal
	UnrealizedPnl *decimal.Decimal
}

// NewPosition 创建持仓
func NewPosition(tradingPair string, side PositionSide, amount, entryPrice, leverage, unrealizedPnl decimal.Decimal) *Position {
	return &Position{
		TradingPair:   tradingPair,
		PositionSide:  side,
		Amount:        amount,
		EntryPrice:    entryPrice,
		Leverage:      leverage,
		UnrealizedPnl: unrealizedPnl,
	}
}

// Apply 应用部分更新
func (p *Position) Apply(update PositionUpdate) {
	if update.Amount != nil {
		p.Amount = *update.Amount
	}
	if update.EntryPrice != nil {
		p.EntryPrice = *update.EntryPrice
	}
	if update.Leverage != nil {
		p.Leverage = *update.Leverage
	}
	if update.UnrealizedPnl != nil {
		p.UnrealizedPnl = *update.UnrealizedPnl
	}
}

// String 返回持仓的可读描述
func (p *Position) String() string {
	return fmt.Sprintf("%s %s 数量=%s 开仓价=%s 杠杆=%s 未实现盈亏=%s",
		p.TradingPair, p.PositionSide, p.Amount, p.EntryPrice, p.Leverage, p.UnrealizedPnl)
}
