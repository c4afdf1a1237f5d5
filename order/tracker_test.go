package order

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpmesh/event"
	"perpmesh/perpetual"
)

func newTestTracker() (*Tracker, *event.EventBus) {
	bus := event.NewEventBus(100, nil)
	return NewTracker(3, bus, nil), bus
}

// drainEventTypes 取出总线中当前积压的全部事件类型
func drainEventTypes(bus *event.EventBus) []event.EventType {
	var types []event.EventType
	for {
		select {
		case evt := <-bus.Subscribe():
			types = append(types, evt.Type)
		default:
			return types
		}
	}
}

func hasEventType(types []event.EventType, want event.EventType) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func trackNewOrder(tracker *Tracker, clientOrderID, exchangeOrderID string, amount int64) *InFlightOrder {
	o := NewInFlightOrder(clientOrderID, "BTC-USDT", TradeTypeBuy, OrderTypeLimit,
		perpetual.PositionActionOpen, decimal.NewFromInt(50000), decimal.NewFromInt(amount), 1000)
	o.ExchangeOrderID = exchangeOrderID
	tracker.StartTracking(o)
	return o
}

func TestTrackerOrderLifecycle(t *testing.T) {
	tracker, bus := newTestTracker()
	trackNewOrder(tracker, "c1", "", 1)

	// PENDING_CREATE -> OPEN 应发出创建事件并回填交易所ID
	tracker.ProcessOrderUpdate(&OrderUpdate{
		TradingPair:     "BTC-USDT",
		UpdateTimestamp: 1001,
		NewState:        OrderStateOpen,
		ClientOrderID:   "c1",
		ExchangeOrderID: "e1",
	})

	o, ok := tracker.GetOrder("c1")
	if !ok {
		t.Fatal("订单应在跟踪中")
	}
	if o.CurrentState != OrderStateOpen {
		t.Errorf("订单状态应为 OPEN，实际 %s", o.CurrentState)
	}
	if o.ExchangeOrderID != "e1" {
		t.Errorf("交易所订单ID应被回填，实际 %q", o.ExchangeOrderID)
	}

	types := drainEventTypes(bus)
	if !hasEventType(types, event.EventTypeOrderCreated) {
		t.Errorf("应发出 order_created 事件，实际 %v", types)
	}

	// 终态后停止跟踪
	tracker.ProcessOrderUpdate(&OrderUpdate{
		TradingPair:     "BTC-USDT",
		UpdateTimestamp: 1002,
		NewState:        OrderStateCanceled,
		ClientOrderID:   "c1",
	})
	if len(tracker.ActiveOrders()) != 0 {
		t.Error("终态订单应停止跟踪")
	}
	types = drainEventTypes(bus)
	if !hasEventType(types, event.EventTypeOrderCanceled) {
		t.Errorf("应发出 order_canceled 事件，实际 %v", types)
	}
}

func TestTrackerUnknownOrderDropped(t *testing.T) {
	tracker, bus := newTestTracker()

	tracker.ProcessOrderUpdate(&OrderUpdate{
		ClientOrderID: "ghost",
		NewState:      OrderStateOpen,
	})
	tracker.ProcessTradeUpdate(&TradeUpdate{
		TradeID:        "t1",
		ClientOrderID:  "ghost",
		FillBaseAmount: decimal.NewFromInt(1),
	})

	if types := drainEventTypes(bus); len(types) != 0 {
		t.Errorf("未知订单的更新应被静默丢弃，实际发出事件 %v", types)
	}
}

func TestTrackerLookupByExchangeID(t *testing.T) {
	tracker, _ := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 1)

	// 仅携带交易所ID的更新也应匹配到订单
	tracker.ProcessOrderUpdate(&OrderUpdate{
		NewState:        OrderStateOpen,
		ExchangeOrderID: "e1",
	})

	o, ok := tracker.GetOrder("c1")
	if !ok || o.CurrentState != OrderStateOpen {
		t.Error("按交易所ID查找订单失败")
	}
}

func TestTrackerTradeDedup(t *testing.T) {
	tracker, _ := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 10)

	trade := &TradeUpdate{
		TradeID:         "t1",
		ClientOrderID:   "c1",
		TradingPair:     "BTC-USDT",
		FillPrice:       decimal.NewFromInt(50000),
		FillBaseAmount:  decimal.NewFromInt(1),
		FillQuoteAmount: decimal.NewFromInt(50000),
	}
	tracker.ProcessTradeUpdate(trade)
	tracker.ProcessTradeUpdate(trade)

	o, _ := tracker.GetOrder("c1")
	if !o.ExecutedAmountBase.Equal(decimal.NewFromInt(1)) {
		t.Errorf("重复成交应去重，累计成交量 %s", o.ExecutedAmountBase)
	}
}

func TestTrackerNonEventTradeIgnored(t *testing.T) {
	tracker, bus := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 1)

	tracker.ProcessTradeUpdate(&TradeUpdate{
		TradeID:       "0",
		ClientOrderID: "c1",
	})
	tracker.ProcessTradeUpdate(&TradeUpdate{
		TradeID:        "t1",
		ClientOrderID:  "c1",
		FillBaseAmount: decimal.Zero,
	})

	o, _ := tracker.GetOrder("c1")
	if !o.ExecutedAmountBase.IsZero() {
		t.Error("哨兵成交不应累计成交量")
	}
	if types := drainEventTypes(bus); len(types) != 0 {
		t.Errorf("哨兵成交不应发出事件，实际 %v", types)
	}
}

func TestTrackerFillCompletesOrder(t *testing.T) {
	tracker, bus := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 2)

	tracker.ProcessTradeUpdate(&TradeUpdate{
		TradeID:        "t1",
		ClientOrderID:  "c1",
		FillPrice:      decimal.NewFromInt(50000),
		FillBaseAmount: decimal.NewFromInt(1),
	})

	types := drainEventTypes(bus)
	if !hasEventType(types, event.EventTypeOrderFilled) {
		t.Errorf("部分成交应发出 order_filled 事件，实际 %v", types)
	}
	if hasEventType(types, event.EventTypeOrderCompleted) {
		t.Error("部分成交不应发出完成事件")
	}

	tracker.ProcessTradeUpdate(&TradeUpdate{
		TradeID:        "t2",
		ClientOrderID:  "c1",
		FillPrice:      decimal.NewFromInt(50000),
		FillBaseAmount: decimal.NewFromInt(1),
	})

	types = drainEventTypes(bus)
	if !hasEventType(types, event.EventTypeOrderCompleted) {
		t.Errorf("完全成交应发出 order_completed 事件，实际 %v", types)
	}
	if len(tracker.ActiveOrders()) != 0 {
		t.Error("完全成交后应停止跟踪")
	}
	o, ok := tracker.GetOrder("c1")
	if ok {
		t.Errorf("完全成交的订单不应再被跟踪: %v", o.CurrentState)
	}
}

func TestTrackerNotFoundDebounce(t *testing.T) {
	tracker, bus := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 1)

	// 阈值以内不应判定丢失
	for i := 0; i < 3; i++ {
		tracker.ProcessOrderNotFound("c1")
	}
	if len(tracker.ActiveOrders()) != 1 {
		t.Fatal("未超过阈值不应判定丢失")
	}
	if types := drainEventTypes(bus); len(types) != 0 {
		t.Errorf("未超过阈值不应发出事件，实际 %v", types)
	}

	// 超过阈值判定丢失
	tracker.ProcessOrderNotFound("c1")
	if len(tracker.ActiveOrders()) != 0 {
		t.Error("超过阈值后应停止活跃跟踪")
	}
	types := drainEventTypes(bus)
	if !hasEventType(types, event.EventTypeOrderLost) {
		t.Errorf("应发出 order_lost 事件，实际 %v", types)
	}

	// 丢失订单仍可接收成交
	o, ok := tracker.GetOrder("c1")
	if !ok {
		t.Fatal("丢失订单应保留在跟踪器中")
	}
	if o.CurrentState != OrderStateFailed {
		t.Errorf("丢失订单状态应为 FAILED，实际 %s", o.CurrentState)
	}
	if len(tracker.AllFillableOrders()) != 1 {
		t.Error("丢失订单应出现在可成交列表中")
	}
	if len(tracker.AllUpdatableOrders()) != 0 {
		t.Error("丢失订单不应出现在待轮询列表中")
	}
}

func TestTrackerNotFoundCountReset(t *testing.T) {
	tracker, _ := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 1)

	tracker.ProcessOrderNotFound("c1")
	tracker.ProcessOrderNotFound("c1")

	// 收到正常更新后计数应清零
	tracker.ProcessOrderUpdate(&OrderUpdate{
		ClientOrderID: "c1",
		NewState:      OrderStateOpen,
	})

	for i := 0; i < 3; i++ {
		tracker.ProcessOrderNotFound("c1")
	}
	if len(tracker.ActiveOrders()) != 1 {
		t.Error("计数清零后重新累计不应立即判定丢失")
	}
}

func TestTrackerStampsFeePositionAction(t *testing.T) {
	tracker, _ := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 10)

	fee := commissionLikeFee("USDT", "2.5")
	tracker.ProcessTradeUpdate(&TradeUpdate{
		TradeID:         "t1",
		ClientOrderID:   "c1",
		TradingPair:     "BTC-USDT",
		FillPrice:       decimal.NewFromInt(50000),
		FillBaseAmount:  decimal.NewFromInt(1),
		FillQuoteAmount: decimal.NewFromInt(50000),
		Fee:             fee,
	})

	if fee.PositionAction != perpetual.PositionActionOpen {
		t.Errorf("手续费应补上订单的开平仓方向，实际 %s", fee.PositionAction)
	}
	o, _ := tracker.GetOrder("c1")
	if !o.CumulativeFeePaid.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("固定手续费应累计到订单，实际 %s", o.CumulativeFeePaid)
	}
}

func TestTrackerAccumulatesPercentFee(t *testing.T) {
	tracker, _ := newTestTracker()
	trackNewOrder(tracker, "c1", "e1", 10)

	schema := TradeFeeSchema{
		MakerPercent: decimal.RequireFromString("0.0002"),
		TakerPercent: decimal.RequireFromString("0.0005"),
	}
	tracker.ProcessTradeUpdate(&TradeUpdate{
		TradeID:         "t1",
		ClientOrderID:   "c1",
		TradingPair:     "BTC-USDT",
		FillPrice:       decimal.NewFromInt(50000),
		FillBaseAmount:  decimal.NewFromInt(1),
		FillQuoteAmount: decimal.NewFromInt(50000),
		Fee:             NewPerpetualFee(schema, perpetual.PositionActionNil, false, nil),
	})

	o, _ := tracker.GetOrder("c1")
	// 50000 × 0.0005 = 25
	if !o.CumulativeFeePaid.Equal(decimal.NewFromInt(25)) {
		t.Errorf("比例手续费应按成交额累计，实际 %s", o.CumulativeFeePaid)
	}
}

// commissionLikeFee 构造交易所回报形态的固定手续费（方向未知）
func commissionLikeFee(asset, amount string) *TradeFee {
	return NewPerpetualFee(TradeFeeSchema{}, perpetual.PositionActionNil, false,
		[]TokenAmount{{Token: asset, Amount: decimal.RequireFromString(amount)}})
}
