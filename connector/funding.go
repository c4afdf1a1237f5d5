package connector

import (
	"context"
	"sync"
	"time"

	"perpmesh/event"
)

// seedFundingPayments 启动时记录各交易对已有的最近一次资金费结算
// 只建立去重水位，不发事件：启动之前发生的结算不算新结算
func (c *PerpetualConnector) seedFundingPayments(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pair := range c.pairs {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			c.pollFundingPayment(ctx, pair, false)
		}(pair)
	}
	wg.Wait()
}

// fundingPollingLoop 资金费轮询循环，由 Tick 按周期触发
func (c *PerpetualConnector) fundingPollingLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.fundingNotifier:
		}

		start := time.Now()
		var wg sync.WaitGroup
		for _, pair := range c.pairs {
			wg.Add(1)
			go func(pair string) {
				defer wg.Done()
				c.pollFundingPayment(c.ctx, pair, true)
				c.pollFundingInfo(c.ctx, pair)
			}(pair)
		}
		wg.Wait()
		c.pm.RecordPoll(c.exchange.GetName(), "funding", time.Since(start))
	}
}

// pollFundingPayment 查询单个交易对的最近一次资金费结算
// 单个交易对的失败只告警，不影响其余交易对
func (c *PerpetualConnector) pollFundingPayment(ctx context.Context, pair string, fireEventOnNew bool) {
	payment, err := c.exchange.GetLastFundingPayment(ctx, pair)
	if err != nil {
		c.log.Warn("⚠️ 查询资金费失败 %s: %v", pair, err)
		c.pm.RecordPollError(c.exchange.GetName(), "funding")
		return
	}
	if payment == nil {
		// 该交易对还没有任何结算记录
		return
	}

	c.fundingMu.Lock()
	last := c.lastFundingTimes[pair]
	isNew := payment.Timestamp > last
	if isNew {
		// 水位单调推进，重复轮询到同一次结算不会再判定为新
		c.lastFundingTimes[pair] = payment.Timestamp
	}
	c.fundingMu.Unlock()

	if !isNew || !fireEventOnNew {
		return
	}

	c.log.Info("💸 资金费结算: %s 金额=%s 费率=%s", pair, payment.Amount, payment.FundingRate)
	c.pm.RecordFundingPayment(c.exchange.GetName(), pair, payment.Amount.InexactFloat64())
	c.bus.PublishType(event.EventTypeFundingPaymentCompleted, map[string]interface{}{
		"exchange":     c.exchange.GetName(),
		"trading_pair": pair,
		"timestamp":    payment.Timestamp,
		"funding_rate": payment.FundingRate.String(),
		"amount":       payment.Amount.String(),
	})
}

// pollFundingInfo 刷新交易对的资金费率和标记价格
func (c *PerpetualConnector) pollFundingInfo(ctx context.Context, pair string) {
	info, err := c.exchange.GetFundingInfo(ctx, pair)
	if err != nil {
		c.log.Debug("查询资金费信息失败 %s: %v", pair, err)
		return
	}
	c.state.UpdateFundingInfo(info)
	c.pm.SetFundingRate(c.exchange.GetName(), pair, info.Rate.InexactFloat64())
}
