package connector

import (
	"context"
	"fmt"

	"perpmesh/event"
	"perpmesh/perpetual"
)

// SetPositionMode 切换持仓模式
// 已处于目标模式时直接跳过。逐个交易对切换，任何一个失败立即停止，
// 已切换的交易对回滚到原模式，并为每个交易对发布成功或失败事件
func (c *PerpetualConnector) SetPositionMode(ctx context.Context, mode perpetual.PositionMode) error {
	if mode != perpetual.PositionModeOneway && mode != perpetual.PositionModeHedge {
		return fmt.Errorf("无效的持仓模式: %s", mode)
	}

	// 交易所不支持的模式本地拒绝，不发任何网络请求
	supported := false
	for _, m := range c.exchange.SupportedPositionModes() {
		if m == mode {
			supported = true
			break
		}
	}
	if !supported {
		c.log.Error("❌ %s 不支持持仓模式 %s", c.exchange.GetName(), mode)
		for _, pair := range c.pairs {
			c.bus.PublishType(event.EventTypePositionModeChangeFailed, map[string]interface{}{
				"exchange":     c.exchange.GetName(),
				"trading_pair": pair,
				"mode":         string(mode),
				"reason":       fmt.Sprintf("交易所不支持持仓模式 %s", mode),
			})
		}
		return fmt.Errorf("%s 不支持持仓模式: %s", c.exchange.GetName(), mode)
	}

	current := c.state.PositionMode()
	if current == mode {
		c.log.Debug("持仓模式已是 %s，跳过切换", mode)
		return nil
	}

	for i, pair := range c.pairs {
		if err := c.exchange.SetPositionMode(ctx, pair, mode); err != nil {
			c.log.Error("❌ 切换持仓模式失败 %s -> %s: %v", pair, mode, err)

			// 回滚已切换的交易对，回滚失败只告警
			for _, done := range c.pairs[:i] {
				if rbErr := c.exchange.SetPositionMode(ctx, done, current); rbErr != nil {
					c.log.Warn("⚠️ 回滚持仓模式失败 %s -> %s: %v", done, current, rbErr)
				}
			}

			for _, p := range c.pairs {
				c.bus.PublishType(event.EventTypePositionModeChangeFailed, map[string]interface{}{
					"exchange":     c.exchange.GetName(),
					"trading_pair": p,
					"mode":         string(mode),
					"reason":       err.Error(),
				})
			}
			return fmt.Errorf("切换持仓模式失败: %w", err)
		}
	}

	c.state.SetPositionMode(mode)
	c.log.Info("🔒 持仓模式已切换为 %s", mode)
	for _, pair := range c.pairs {
		c.bus.PublishType(event.EventTypePositionModeChangeSucceeded, map[string]interface{}{
			"exchange":     c.exchange.GetName(),
			"trading_pair": pair,
			"mode":         string(mode),
		})
	}
	return nil
}

// SetLeverage 设置交易对的杠杆倍数，返回交易所实际接受的倍数
// 超过交易所允许的最大值时收敛到最大值继续设置，而不是直接拒绝
func (c *PerpetualConnector) SetLeverage(ctx context.Context, tradingPair string, leverage int) (int, error) {
	if leverage <= 0 {
		return 0, fmt.Errorf("无效的杠杆倍数: %d", leverage)
	}

	if maxLeverage, err := c.exchange.GetMaxLeverage(ctx, tradingPair); err == nil {
		if leverage > maxLeverage {
			c.log.Warn("⚠️ 杠杆 %d 超过 %s 允许的最大值 %d，已收敛", leverage, tradingPair, maxLeverage)
			leverage = maxLeverage
		}
	} else {
		c.log.Debug("查询最大杠杆失败 %s: %v", tradingPair, err)
	}

	accepted, err := c.exchange.SetLeverage(ctx, tradingPair, leverage)
	if err != nil {
		c.bus.PublishType(event.EventTypeLeverageUpdateFailed, map[string]interface{}{
			"exchange":     c.exchange.GetName(),
			"trading_pair": tradingPair,
			"leverage":     leverage,
			"reason":       err.Error(),
		})
		return 0, fmt.Errorf("设置杠杆失败 %s: %w", tradingPair, err)
	}

	c.state.SetLeverage(tradingPair, accepted)
	c.pm.SetLeverage(c.exchange.GetName(), tradingPair, accepted)
	c.log.Info("⚡ 杠杆已设置: %s %dx", tradingPair, accepted)
	c.bus.PublishType(event.EventTypeLeverageUpdated, map[string]interface{}{
		"exchange":     c.exchange.GetName(),
		"trading_pair": tradingPair,
		"leverage":     accepted,
	})
	return accepted, nil
}
