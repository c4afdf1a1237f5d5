package binance

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"perpmesh/exchange"
	"perpmesh/order"
	"perpmesh/perpetual"
)

// ClassifyUserStreamMessage 按事件类型字段归类原始流消息
func (b *BinanceAdapter) ClassifyUserStreamMessage(msg map[string]interface{}) exchange.StreamMessageType {
	eventType, _ := msg["e"].(string)
	switch eventType {
	case "ORDER_TRADE_UPDATE":
		return exchange.StreamMessageOrderUpdate
	case "ACCOUNT_UPDATE":
		return exchange.StreamMessagePositionUpdate
	case "ACCOUNT_CONFIG_UPDATE":
		return exchange.StreamMessageBalanceUpdate
	}
	return exchange.StreamMessageUnknown
}

// ParseOrderUpdateFromStream 从 ORDER_TRADE_UPDATE 消息解析订单状态更新
func (b *BinanceAdapter) ParseOrderUpdateFromStream(msg map[string]interface{}) (*order.OrderUpdate, error) {
	o, ok := msg["o"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("消息缺少订单字段")
	}

	symbol := getString(o, "s")
	status := getString(o, "X")

	return &order.OrderUpdate{
		TradingPair:     b.toTradingPair(symbol),
		UpdateTimestamp: getFloat(msg, "E") / 1000.0,
		NewState:        mapStreamOrderStatus(status),
		ClientOrderID:   getString(o, "c"),
		ExchangeOrderID: formatStreamID(o["i"]),
	}, nil
}

// ParseTradeUpdateFromStream 从 ORDER_TRADE_UPDATE 消息解析成交
// 无成交的状态推送里成交ID为 0，解析结果由调用方按哨兵值过滤
func (b *BinanceAdapter) ParseTradeUpdateFromStream(msg map[string]interface{}) (*order.TradeUpdate, error) {
	o, ok := msg["o"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("消息缺少订单字段")
	}

	fillPrice := getDecimal(o, "L")
	fillBase := getDecimal(o, "l")

	var fee *order.TradeFee
	commission := getDecimal(o, "n")
	if !commission.IsZero() {
		fee = commissionFee(commission, getString(o, "N"))
	}

	return &order.TradeUpdate{
		TradeID:         formatStreamID(o["t"]),
		ClientOrderID:   getString(o, "c"),
		ExchangeOrderID: formatStreamID(o["i"]),
		TradingPair:     b.toTradingPair(getString(o, "s")),
		FillTimestamp:   getFloat(o, "T") / 1000.0,
		FillPrice:       fillPrice,
		FillBaseAmount:  fillBase,
		FillQuoteAmount: fillPrice.Mul(fillBase),
		Fee:             fee,
	}, nil
}

// ParsePositionsFromStream 从 ACCOUNT_UPDATE 消息解析持仓变化
// 消息里携带的是持仓的最新值而非增量，数量为零表示该持仓已平
func (b *BinanceAdapter) ParsePositionsFromStream(msg map[string]interface{}) ([]*perpetual.Position, error) {
	a, ok := msg["a"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("消息缺少账户字段")
	}

	rawPositions, _ := a["P"].([]interface{})
	positions := make([]*perpetual.Position, 0, len(rawPositions))
	for _, raw := range rawPositions {
		p, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		amount := getDecimal(p, "pa")
		positions = append(positions, perpetual.NewPosition(
			b.toTradingPair(getString(p, "s")),
			mapPositionSide(getString(p, "ps"), amount),
			amount,
			getDecimal(p, "ep"),
			decimal.Zero, // 流消息不携带杠杆
			getDecimal(p, "up"),
		))
	}
	return positions, nil
}

// mapStreamOrderStatus 流消息里的订单状态映射
func mapStreamOrderStatus(status string) order.OrderState {
	switch status {
	case "NEW":
		return order.OrderStateOpen
	case "PARTIALLY_FILLED":
		return order.OrderStatePartiallyFilled
	case "FILLED":
		return order.OrderStateFilled
	case "CANCELED", "EXPIRED":
		return order.OrderStateCanceled
	case "REJECTED":
		return order.OrderStateFailed
	}
	return order.OrderStateOpen
}

func getString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func getFloat(m map[string]interface{}, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func getDecimal(m map[string]interface{}, key string) decimal.Decimal {
	switch v := m[key].(type) {
	case string:
		return mustDecimal(v)
	case float64:
		return decimal.NewFromFloat(v)
	}
	return decimal.Zero
}

// formatStreamID JSON 数字类型的ID转为字符串
func formatStreamID(v interface{}) string {
	switch id := v.(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case string:
		return id
	}
	return ""
}
