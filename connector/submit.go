package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpmesh/exchange"
	"perpmesh/order"
	"perpmesh/perpetual"
	"perpmesh/utils"
)

// PlaceOrder 提交订单，返回客户端订单ID
// 订单在发往交易所之前就开始跟踪，提交失败立即转为 FAILED
func (c *PerpetualConnector) PlaceOrder(
	ctx context.Context,
	tradingPair string,
	tradeType order.TradeType,
	orderType order.OrderType,
	action perpetual.PositionAction,
	price, amount decimal.Decimal,
) (string, error) {
	if action != perpetual.PositionActionOpen && action != perpetual.PositionActionClose {
		return "", fmt.Errorf("无效的开平仓动作: %s（必须为 OPEN 或 CLOSE）", action)
	}
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("无效的下单数量: %s", amount)
	}
	if orderType == order.OrderTypeLimit && price.Sign() <= 0 {
		return "", fmt.Errorf("无效的下单价格: %s", price)
	}

	clientOrderID := utils.GenerateOrderID(string(tradeType))
	now := float64(time.Now().UnixMilli()) / 1000.0

	inFlight := order.NewInFlightOrder(clientOrderID, tradingPair, tradeType, orderType, action, price, amount, now)
	c.tracker.StartTracking(inFlight)

	req := &exchange.OrderRequest{
		ClientOrderID:  clientOrderID,
		TradingPair:    tradingPair,
		TradeType:      tradeType,
		OrderType:      orderType,
		PositionAction: action,
		Price:          price,
		Amount:         amount,
		PositionSide:   c.positionSideFor(tradeType, action),
		ReduceOnly:     c.state.PositionMode() == perpetual.PositionModeOneway && action == perpetual.PositionActionClose,
	}

	start := time.Now()
	placed, err := c.submitWithGuards(ctx, tradingPair, func(callCtx context.Context) (*exchange.PlacedOrder, error) {
		return c.exchange.PlaceOrder(callCtx, req)
	})
	c.pm.RecordOrderDuration(c.exchange.GetName(), tradingPair, string(tradeType), time.Since(start))

	if err != nil {
		c.log.Error("❌ 下单失败 %s %s %s: %v", tradingPair, tradeType, clientOrderID, err)
		c.pm.RecordOrderFailure(c.exchange.GetName(), tradingPair, string(tradeType), "submit")
		c.tracker.ProcessOrderUpdate(&order.OrderUpdate{
			TradingPair:     tradingPair,
			UpdateTimestamp: float64(time.Now().UnixMilli()) / 1000.0,
			NewState:        order.OrderStateFailed,
			ClientOrderID:   clientOrderID,
		})
		return "", err
	}

	c.pm.RecordOrder(c.exchange.GetName(), tradingPair, string(tradeType), "submitted")
	c.tracker.ProcessOrderUpdate(&order.OrderUpdate{
		TradingPair:     tradingPair,
		UpdateTimestamp: placed.TransactTime,
		NewState:        order.OrderStateOpen,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: placed.ExchangeOrderID,
	})
	return clientOrderID, nil
}

// CancelOrder 取消订单
// 交易所侧已经不存在的订单交给丢失判定计数处理
func (c *PerpetualConnector) CancelOrder(ctx context.Context, clientOrderID string) error {
	inFlight, ok := c.tracker.GetOrder(clientOrderID)
	if !ok {
		return fmt.Errorf("未跟踪的订单: %s", clientOrderID)
	}
	if inFlight.IsDone() {
		return nil
	}

	_, err := c.submitWithGuards(ctx, inFlight.TradingPair, func(callCtx context.Context) (*exchange.PlacedOrder, error) {
		return nil, c.exchange.CancelOrder(callCtx, inFlight.TradingPair, clientOrderID)
	})

	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			c.pm.RecordOrderNotFound(c.exchange.GetName(), inFlight.TradingPair)
			c.tracker.ProcessOrderNotFound(clientOrderID)
			return nil
		}
		c.log.Warn("⚠️ 撤单失败 %s: %v", clientOrderID, err)
		return err
	}

	// 取消确认由用户数据流或状态轮询送达
	return nil
}

// submitWithGuards 下单与撤单共用的限流和分布式锁护栏
// 按交易对加锁，多实例部署时同一交易对的变更串行执行
func (c *PerpetualConnector) submitWithGuards(
	ctx context.Context,
	tradingPair string,
	call func(ctx context.Context) (*exchange.PlacedOrder, error),
) (*exchange.PlacedOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("等待限流配额失败: %w", err)
	}

	lockKey := "order:" + c.exchange.GetName() + ":" + tradingPair
	ttl := time.Duration(c.lockTTL * float64(time.Second))
	if err := c.dlock.Lock(ctx, lockKey, ttl); err != nil {
		return nil, fmt.Errorf("获取订单锁失败: %w", err)
	}
	defer func() {
		if err := c.dlock.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
			c.log.Debug("释放订单锁失败 %s: %v", lockKey, err)
		}
	}()

	return call(ctx)
}

// positionSideFor 推导下单的持仓方向
// 单向模式下不需要指定；双向模式下由交易方向和开平仓动作共同决定
func (c *PerpetualConnector) positionSideFor(tradeType order.TradeType, action perpetual.PositionAction) perpetual.PositionSide {
	if c.state.PositionMode() != perpetual.PositionModeHedge {
		return ""
	}
	if action == perpetual.PositionActionOpen {
		if tradeType == order.TradeTypeBuy {
			return perpetual.PositionSideLong
		}
		return perpetual.PositionSideShort
	}
	// 平仓方向与交易方向相反
	if tradeType == order.TradeTypeBuy {
		return perpetual.PositionSideShort
	}
	return perpetual.PositionSideLong
}
