package connector

import (
	"context"
	"sync"
	"time"

	"perpmesh/event"
	"perpmesh/exchange"
	"perpmesh/order"
)

// consumeUserStream 消费用户数据流
// 同一条消息可能同时携带成交和订单状态，先处理成交再处理状态，
// 保证订单进入终态前成交已经入账
func (c *PerpetualConnector) consumeUserStream(streamCh <-chan map[string]interface{}) {
	c.pm.SetWebSocketStatus(c.exchange.GetName(), "user", true)
	defer c.pm.SetWebSocketStatus(c.exchange.GetName(), "user", false)

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-streamCh:
			if !ok {
				c.log.Warn("⚠️ 用户数据流已关闭")
				c.bus.PublishType(event.EventTypeWebSocketDisconnected, map[string]interface{}{
					"exchange": c.exchange.GetName(),
				})
				return
			}
			c.handleStreamMessage(msg)
		}
	}
}

func (c *PerpetualConnector) handleStreamMessage(msg map[string]interface{}) {
	switch c.exchange.ClassifyUserStreamMessage(msg) {
	case exchange.StreamMessageOrderUpdate:
		// 成交在前：订单可能随本条消息进入终态并停止跟踪
		if trade, err := c.exchange.ParseTradeUpdateFromStream(msg); err == nil && !trade.IsNonEvent() {
			side := ""
			if o, ok := c.tracker.GetOrder(trade.ClientOrderID); ok {
				side = string(o.TradeType)
			}
			c.tracker.ProcessTradeUpdate(trade)
			c.pm.RecordTrade(c.exchange.GetName(), trade.TradingPair, side,
				trade.FillBaseAmount.InexactFloat64(), trade.FillQuoteAmount.InexactFloat64())
		}
		if update, err := c.exchange.ParseOrderUpdateFromStream(msg); err == nil {
			c.tracker.ProcessOrderUpdate(update)
		} else {
			c.log.Debug("解析订单流消息失败: %v", err)
		}

	case exchange.StreamMessagePositionUpdate:
		positions, err := c.exchange.ParsePositionsFromStream(msg)
		if err != nil {
			c.log.Debug("解析持仓流消息失败: %v", err)
			return
		}
		// 流消息携带持仓最新值，数量为零表示已平仓
		for _, pos := range positions {
			key := c.state.PositionKey(pos.TradingPair, pos.PositionSide)
			if pos.Amount.IsZero() {
				c.state.RemovePosition(key)
				c.pm.RemovePosition(c.exchange.GetName(), pos.TradingPair, string(pos.PositionSide))
				c.log.Info("📊 持仓已平: %s %s", pos.TradingPair, pos.PositionSide)
			} else {
				c.state.SetPosition(key, pos)
				c.pm.SetPosition(c.exchange.GetName(), pos.TradingPair, string(pos.PositionSide),
					pos.Amount.InexactFloat64(), pos.UnrealizedPnl.InexactFloat64())
			}
		}

	case exchange.StreamMessageBalanceUpdate:
		// 账户配置变化（杠杆等），下一轮轮询会同步

	default:
		c.log.Debug("忽略未知类型的流消息")
	}
}

// statusPollingLoop 订单与持仓轮询循环，由 Tick 按周期触发
// 顺序固定：先补成交，再对订单状态，最后对持仓，
// 保证轮询发现的终态不会先于它的成交入账
func (c *PerpetualConnector) statusPollingLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.pollNotifier:
		}

		start := time.Now()
		c.updateOrderFillsFromTrades(c.ctx)
		c.updateOrderStatuses(c.ctx)
		if err := c.updatePositions(c.ctx); err != nil {
			c.log.Warn("⚠️ 持仓对账失败: %v", err)
			c.pm.RecordPollError(c.exchange.GetName(), "position")
		}
		c.pm.RecordPoll(c.exchange.GetName(), "status", time.Since(start))
	}
}

// updateOrderFillsFromTrades 从成交历史补齐漏掉的成交
// 按交易对并发查询，单个交易对失败不影响其余交易对
func (c *PerpetualConnector) updateOrderFillsFromTrades(ctx context.Context) {
	fillable := c.tracker.AllFillableOrders()
	if len(fillable) == 0 {
		return
	}

	// 按交易所订单ID建索引，尚未拿到交易所ID的订单无法匹配成交，跳过
	pairsWithOrders := make(map[string]struct{})
	for _, o := range fillable {
		pairsWithOrders[o.TradingPair] = struct{}{}
	}

	var wg sync.WaitGroup
	for pair := range pairsWithOrders {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()

			trades, err := c.exchange.GetOrderTrades(ctx, pair)
			if err != nil {
				c.log.Warn("⚠️ 查询成交历史失败 %s: %v", pair, err)
				c.pm.RecordPollError(c.exchange.GetName(), "trades")
				return
			}

			for _, trade := range trades {
				if trade.IsNonEvent() {
					continue
				}
				// 只处理归属于被跟踪订单的成交，Tracker 内部会对成交ID去重
				if _, ok := c.tracker.FetchOrderByExchangeID(trade.ExchangeOrderID); !ok {
					continue
				}
				c.tracker.ProcessTradeUpdate(trade)
			}
		}(pair)
	}
	wg.Wait()
}

// updateOrderStatuses 轮询在途订单的状态
// 按订单并发查询，单个订单失败不影响其余订单
func (c *PerpetualConnector) updateOrderStatuses(ctx context.Context) {
	orders := c.tracker.AllUpdatableOrders()
	if len(orders) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func(clientOrderID, exchangeOrderID, tradingPair string) {
			defer wg.Done()

			result := c.exchange.GetOrderStatus(ctx, tradingPair, clientOrderID, exchangeOrderID)
			switch result.Tag {
			case exchange.StatusOK:
				c.tracker.ProcessOrderUpdate(result.Update)

			case exchange.StatusNotFound:
				// 单次查不到不代表订单没了，Tracker 计数后才判定丢失
				c.pm.RecordOrderNotFound(c.exchange.GetName(), tradingPair)
				c.tracker.ProcessOrderNotFound(clientOrderID)
				if o, ok := c.tracker.GetOrder(clientOrderID); ok && o.CurrentState == order.OrderStateFailed {
					c.pm.RecordOrderLost(c.exchange.GetName(), tradingPair)
				}

			case exchange.StatusTransientError:
				c.log.Warn("⚠️ 查询订单状态失败 %s: %v", clientOrderID, result.Err)
				c.pm.RecordPollError(c.exchange.GetName(), "order_status")
			}
		}(o.ClientOrderID, o.ExchangeOrderID, o.TradingPair)
	}
	wg.Wait()
}

// updatePositions 用交易所的持仓快照校正本地视图
// 快照里没有的本地持仓视为已平仓删除
func (c *PerpetualConnector) updatePositions(ctx context.Context) error {
	positions, err := c.exchange.GetPositions(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(positions))
	for _, pos := range positions {
		key := c.state.PositionKey(pos.TradingPair, pos.PositionSide)
		seen[key] = struct{}{}
		c.state.SetPosition(key, pos)
		c.pm.SetPosition(c.exchange.GetName(), pos.TradingPair, string(pos.PositionSide),
			pos.Amount.InexactFloat64(), pos.UnrealizedPnl.InexactFloat64())
	}

	for _, key := range c.state.PositionKeys() {
		if _, ok := seen[key]; ok {
			continue
		}
		pos := c.state.GetPositionByKey(key)
		c.state.RemovePosition(key)
		if pos != nil {
			c.pm.RemovePosition(c.exchange.GetName(), pos.TradingPair, string(pos.PositionSide))
			c.log.Info("📊 持仓已平: %s %s", pos.TradingPair, pos.PositionSide)
		}
	}

	return nil
}
