package order

import (
	"sync"

	"perpmesh/event"
	"perpmesh/logger"
	"perpmesh/perpetual"
)

// DefaultLostOrderCountLimit 连续未找到多少次后判定订单丢失
const DefaultLostOrderCountLimit = 3

// Tracker 在途订单跟踪器
// 订单从提交开始跟踪，进入终态后停止跟踪；被判定丢失的订单
// 仍保留在 lostOrders 中接收成交，但不再查询状态
type Tracker struct {
	mu sync.RWMutex

	activeOrders map[string]*InFlightOrder // clientOrderID -> 订单
	lostOrders   map[string]*InFlightOrder

	// 连续"订单不存在"计数，收到正常更新后清零
	notFoundRecords     map[string]int
	lostOrderCountLimit int

	bus *event.EventBus
	log *logger.Logger
}

// NewTracker 创建订单跟踪器
func NewTracker(lostOrderCountLimit int, bus *event.EventBus, log *logger.Logger) *Tracker {
	if lostOrderCountLimit <= 0 {
		lostOrderCountLimit = DefaultLostOrderCountLimit
	}
	return &Tracker{
		activeOrders:        make(map[string]*InFlightOrder),
		lostOrders:          make(map[string]*InFlightOrder),
		notFoundRecords:     make(map[string]int),
		lostOrderCountLimit: lostOrderCountLimit,
		bus:                 bus,
		log:                 log,
	}
}

// StartTracking 开始跟踪订单
func (t *Tracker) StartTracking(order *InFlightOrder) {
	if order == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeOrders[order.ClientOrderID] = order
}

// StopTracking 停止跟踪订单
func (t *Tracker) StopTracking(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.activeOrders, clientOrderID)
	delete(t.notFoundRecords, clientOrderID)
}

// GetOrder 按客户端订单ID查询在途订单（含丢失订单）
func (t *Tracker) GetOrder(clientOrderID string) (*InFlightOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if o, ok := t.activeOrders[clientOrderID]; ok {
		return o, true
	}
	if o, ok := t.lostOrders[clientOrderID]; ok {
		return o, true
	}
	return nil, false
}

// FetchOrderByExchangeID 按交易所订单ID查询
// 尚未拿到交易所ID的订单无法匹配，直接跳过
func (t *Tracker) FetchOrderByExchangeID(exchangeOrderID string) (*InFlightOrder, bool) {
	if exchangeOrderID == "" {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, o := range t.activeOrders {
		if o.ExchangeOrderID == exchangeOrderID {
			return o, true
		}
	}
	for _, o := range t.lostOrders {
		if o.ExchangeOrderID == exchangeOrderID {
			return o, true
		}
	}
	return nil, false
}

// ActiveOrders 当前活跃订单快照
func (t *Tracker) ActiveOrders() []*InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	orders := make([]*InFlightOrder, 0, len(t.activeOrders))
	for _, o := range t.activeOrders {
		orders = append(orders, o)
	}
	return orders
}

// AllFillableOrders 可接收成交的订单：活跃订单加上丢失订单
// 丢失订单可能在交易所侧仍有成交发生
func (t *Tracker) AllFillableOrders() []*InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	orders := make([]*InFlightOrder, 0, len(t.activeOrders)+len(t.lostOrders))
	for _, o := range t.activeOrders {
		orders = append(orders, o)
	}
	for _, o := range t.lostOrders {
		orders = append(orders, o)
	}
	return orders
}

// AllUpdatableOrders 需要轮询状态的订单：仅活跃订单
func (t *Tracker) AllUpdatableOrders() []*InFlightOrder {
	return t.ActiveOrders()
}

// ProcessOrderUpdate 处理订单状态更新
// 未知订单静默丢弃（仅记 debug），终态订单停止跟踪并发出对应事件
func (t *Tracker) ProcessOrderUpdate(update *OrderUpdate) {
	if update == nil {
		return
	}

	t.mu.Lock()

	order, ok := t.lookupLocked(update.ClientOrderID, update.ExchangeOrderID)
	if !ok {
		t.mu.Unlock()
		if t.log != nil {
			t.log.Debug("收到未知订单的更新，忽略: client=%s exchange=%s state=%s",
				update.ClientOrderID, update.ExchangeOrderID, update.NewState)
		}
		return
	}

	// 正常更新意味着订单还在，清除未找到计数
	delete(t.notFoundRecords, order.ClientOrderID)

	if update.ExchangeOrderID != "" && order.ExchangeOrderID == "" {
		order.ExchangeOrderID = update.ExchangeOrderID
	}

	prevState := order.CurrentState
	order.CurrentState = update.NewState

	if update.NewState.IsTerminal() {
		delete(t.activeOrders, order.ClientOrderID)
	}

	t.mu.Unlock()

	t.emitOrderStateEvent(order, prevState, update)
}

// ProcessTradeUpdate 处理一笔成交
// 按成交ID去重；累计成交量达到下单量后订单转为 FILLED 并发出完成事件
func (t *Tracker) ProcessTradeUpdate(update *TradeUpdate) {
	if update == nil || update.IsNonEvent() {
		return
	}

	t.mu.Lock()

	order, ok := t.lookupLocked(update.ClientOrderID, update.ExchangeOrderID)
	if !ok {
		t.mu.Unlock()
		if t.log != nil {
			t.log.Debug("收到未知订单的成交，忽略: client=%s trade=%s",
				update.ClientOrderID, update.TradeID)
		}
		return
	}

	if order.hasTrade(update.TradeID) {
		t.mu.Unlock()
		return
	}
	// 交易所构造手续费时还不知道开平仓方向，在这里补上
	if update.Fee != nil && update.Fee.PositionAction == perpetual.PositionActionNil {
		update.Fee.PositionAction = order.PositionAction
	}
	order.recordTrade(update)

	filled := order.IsFilled()
	if filled {
		order.CurrentState = OrderStateFilled
		delete(t.activeOrders, order.ClientOrderID)
		delete(t.lostOrders, order.ClientOrderID)
		delete(t.notFoundRecords, order.ClientOrderID)
	}

	t.mu.Unlock()

	if t.log != nil {
		t.log.Info("📊 订单成交: %s %s %s 价格=%s 数量=%s",
			order.TradingPair, order.TradeType, order.ClientOrderID,
			update.FillPrice.String(), update.FillBaseAmount.String())
	}
	t.publish(event.EventTypeOrderFilled, map[string]interface{}{
		"client_order_id":   order.ClientOrderID,
		"exchange_order_id": order.ExchangeOrderID,
		"trading_pair":      order.TradingPair,
		"trade_id":          update.TradeID,
		"trade_type":        string(order.TradeType),
		"position_action":   string(order.PositionAction),
		"fill_price":        update.FillPrice.String(),
		"fill_base_amount":  update.FillBaseAmount.String(),
		"fill_quote_amount": update.FillQuoteAmount.String(),
		"timestamp":         update.FillTimestamp,
	})

	if filled {
		if t.log != nil {
			t.log.Info("✅ 订单完全成交: %s %s", order.TradingPair, order.ClientOrderID)
		}
		t.publish(event.EventTypeOrderCompleted, map[string]interface{}{
			"client_order_id":       order.ClientOrderID,
			"exchange_order_id":     order.ExchangeOrderID,
			"trading_pair":          order.TradingPair,
			"trade_type":            string(order.TradeType),
			"executed_amount_base":  order.ExecutedAmountBase.String(),
			"executed_amount_quote": order.ExecutedAmountQuote.String(),
		})
	}
}

// ProcessOrderNotFound 处理"交易所查不到该订单"
// 单次查不到可能只是撮合延迟，累计超过阈值才判定丢失。
// 丢失的订单转入 lostOrders 并标记为 FAILED，发出 order_lost 事件
func (t *Tracker) ProcessOrderNotFound(clientOrderID string) {
	t.mu.Lock()

	order, ok := t.activeOrders[clientOrderID]
	if !ok {
		t.mu.Unlock()
		return
	}

	t.notFoundRecords[clientOrderID]++
	count := t.notFoundRecords[clientOrderID]
	if count <= t.lostOrderCountLimit {
		t.mu.Unlock()
		if t.log != nil {
			t.log.Debug("订单暂未找到(%d/%d): %s", count, t.lostOrderCountLimit, clientOrderID)
		}
		return
	}

	delete(t.activeOrders, clientOrderID)
	delete(t.notFoundRecords, clientOrderID)
	order.CurrentState = OrderStateFailed
	t.lostOrders[clientOrderID] = order

	t.mu.Unlock()

	if t.log != nil {
		t.log.Warn("⚠️ 订单连续%d次未找到，判定丢失: %s %s",
			count, order.TradingPair, clientOrderID)
	}
	t.publish(event.EventTypeOrderLost, map[string]interface{}{
		"client_order_id":   clientOrderID,
		"exchange_order_id": order.ExchangeOrderID,
		"trading_pair":      order.TradingPair,
	})
}

// lookupLocked 先按客户端ID查，查不到再按交易所ID查。调用方持锁
func (t *Tracker) lookupLocked(clientOrderID, exchangeOrderID string) (*InFlightOrder, bool) {
	if clientOrderID != "" {
		if o, ok := t.activeOrders[clientOrderID]; ok {
			return o, true
		}
		if o, ok := t.lostOrders[clientOrderID]; ok {
			return o, true
		}
	}
	if exchangeOrderID != "" {
		for _, o := range t.activeOrders {
			if o.ExchangeOrderID == exchangeOrderID {
				return o, true
			}
		}
		for _, o := range t.lostOrders {
			if o.ExchangeOrderID == exchangeOrderID {
				return o, true
			}
		}
	}
	return nil, false
}

func (t *Tracker) emitOrderStateEvent(order *InFlightOrder, prevState OrderState, update *OrderUpdate) {
	data := map[string]interface{}{
		"client_order_id":   order.ClientOrderID,
		"exchange_order_id": order.ExchangeOrderID,
		"trading_pair":      order.TradingPair,
		"trade_type":        string(order.TradeType),
		"order_type":        string(order.OrderType),
		"timestamp":         update.UpdateTimestamp,
	}

	switch update.NewState {
	case OrderStateOpen:
		if prevState == OrderStatePendingCreate {
			if t.log != nil {
				t.log.Info("🚀 订单已创建: %s %s %s", order.TradingPair, order.TradeType, order.ClientOrderID)
			}
			t.publish(event.EventTypeOrderCreated, data)
		}
	case OrderStateCanceled:
		if t.log != nil {
			t.log.Info("🛑 订单已取消: %s %s", order.TradingPair, order.ClientOrderID)
		}
		t.publish(event.EventTypeOrderCanceled, data)
	case OrderStateFailed:
		if t.log != nil {
			t.log.Warn("❌ 订单失败: %s %s", order.TradingPair, order.ClientOrderID)
		}
		t.publish(event.EventTypeOrderFailed, data)
	case OrderStateFilled, OrderStateCompleted:
		if prevState != OrderStateFilled && prevState != OrderStateCompleted {
			if t.log != nil {
				t.log.Info("✅ 订单完成: %s %s", order.TradingPair, order.ClientOrderID)
			}
			t.publish(event.EventTypeOrderCompleted, data)
		}
	}
}

func (t *Tracker) publish(eventType event.EventType, data map[string]interface{}) {
	if t.bus == nil {
		return
	}
	t.bus.PublishType(eventType, data)
}
