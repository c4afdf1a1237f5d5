package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"perpmesh/perpetual"
)

// TradeType 交易方向
type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderState 订单状态
type OrderState string

const (
	OrderStatePendingCreate   OrderState = "PENDING_CREATE"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateFailed          OrderState = "FAILED"
	OrderStateCompleted       OrderState = "COMPLETED"
)

// IsTerminal 是否为终态
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateFailed, OrderStateCompleted:
		return true
	}
	return false
}

// InferPositionAction 根据交易方向和持仓方向推断开平仓动作
// OPEN 当且仅当 (BUY, LONG) 或 (SELL, SHORT)，其余为 CLOSE
// 这条规则错了，手续费和资金费的归属就全错了
func InferPositionAction(tradeType TradeType, side perpetual.PositionSide) perpetual.PositionAction {
	if (tradeType == TradeTypeBuy && side == perpetual.PositionSideLong) ||
		(tradeType == TradeTypeSell && side == perpetual.PositionSideShort) {
		return perpetual.PositionActionOpen
	}
	return perpetual.PositionActionClose
}

// InFlightOrder 在途订单：从提交到终态期间被跟踪的订单
// 字段由 Tracker 的锁保护，外部只应通过 Tracker 读写
type InFlightOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	TradeType       TradeType
	OrderType       OrderType
	PositionAction  perpetual.PositionAction
	Price           decimal.Decimal
	Amount          decimal.Decimal
	CreationTime    float64 // 秒
	CurrentState    OrderState

	ExecutedAmountBase  decimal.Decimal
	ExecutedAmountQuote decimal.Decimal
	CumulativeFeePaid   decimal.Decimal
	LastFillPrice       decimal.Decimal

	// 已处理的成交ID，用于成交去重
	tradeIDs map[string]struct{}
}

// NewInFlightOrder 创建在途订单
func NewInFlightOrder(clientOrderID, tradingPair string, tradeType TradeType, orderType OrderType,
	action perpetual.PositionAction, price, amount decimal.Decimal, creationTime float64) *InFlightOrder {
	return &InFlightOrder{
		ClientOrderID:  clientOrderID,
		TradingPair:    tradingPair,
		TradeType:      tradeType,
		OrderType:      orderType,
		PositionAction: action,
		Price:          price,
		Amount:         amount,
		CreationTime:   creationTime,
		CurrentState:   OrderStatePendingCreate,
		tradeIDs:       make(map[string]struct{}),
	}
}

// BaseAsset 基础资产（交易对格式 BASE-QUOTE）
func (o *InFlightOrder) BaseAsset() string {
	if base, _, ok := strings.Cut(o.TradingPair, "-"); ok {
		return base
	}
	return o.TradingPair
}

// QuoteAsset 报价资产
func (o *InFlightOrder) QuoteAsset() string {
	if _, quote, ok := strings.Cut(o.TradingPair, "-"); ok {
		return quote
	}
	return ""
}

// IsDone 是否已进入终态
func (o *InFlightOrder) IsDone() bool {
	return o.CurrentState.IsTerminal()
}

// IsFilled 成交量是否已达到下单量
func (o *InFlightOrder) IsFilled() bool {
	return !o.Amount.IsZero() && o.ExecutedAmountBase.Cmp(o.Amount) >= 0
}

// hasTrade 是否已处理过该成交ID
func (o *InFlightOrder) hasTrade(tradeID string) bool {
	_, exists := o.tradeIDs[tradeID]
	return exists
}

// recordTrade 记录成交ID并累计成交量
func (o *InFlightOrder) recordTrade(update *TradeUpdate) {
	o.tradeIDs[update.TradeID] = struct{}{}
	o.ExecutedAmountBase = o.ExecutedAmountBase.Add(update.FillBaseAmount)
	o.ExecutedAmountQuote = o.ExecutedAmountQuote.Add(update.FillQuoteAmount)
	o.LastFillPrice = update.FillPrice
	if update.Fee != nil {
		o.CumulativeFeePaid = o.CumulativeFeePaid.Add(update.Fee.FeeAmountFor(update.FillQuoteAmount))
	}
}
