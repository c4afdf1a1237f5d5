package connector

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"perpmesh/config"
	"perpmesh/event"
	"perpmesh/exchange"
	"perpmesh/lock"
	"perpmesh/logger"
	"perpmesh/metrics"
	"perpmesh/order"
	"perpmesh/perpetual"
)

// PerpetualConnector 永续合约连接器
// 维护在途订单、持仓和资金费的本地视图，通过用户数据流和 REST 轮询
// 与交易所对账，并把生命周期变化以事件的形式发布出去
type PerpetualConnector struct {
	exchange exchange.IExchange
	tracker  *order.Tracker
	state    *perpetual.TradingState
	bus      *event.EventBus
	log      *logger.Logger
	pm       *metrics.PrometheusMetrics
	dlock    lock.DistributedLock
	limiter  *rate.Limiter

	pairs              []string
	leverageTargets    map[string]int
	positionModeTarget perpetual.PositionMode

	statusPollInterval  float64 // 秒
	fundingPollInterval float64 // 秒
	lockTTL             float64 // 秒

	// 时钟状态，只被 Tick 所在的单协程访问
	lastTimestamp float64

	// 容量为1的通知 channel：同一轮询周期内多次触发合并为一次
	pollNotifier    chan struct{}
	fundingNotifier chan struct{}

	// 资金费去重水位，按交易对记录最近一次已处理的结算时间
	fundingMu        sync.Mutex
	lastFundingTimes map[string]float64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewPerpetualConnector 创建永续合约连接器
func NewPerpetualConnector(
	cfg *config.Config,
	ex exchange.IExchange,
	bus *event.EventBus,
	dlock lock.DistributedLock,
	log *logger.Logger,
) *PerpetualConnector {
	tracker := order.NewTracker(cfg.Trading.LostOrderCountLimit, bus, log.Named("tracker"))

	mode := perpetual.PositionModeOneway
	if cfg.Trading.PositionMode == "HEDGE" {
		mode = perpetual.PositionModeHedge
	}

	return &PerpetualConnector{
		exchange:            ex,
		tracker:             tracker,
		state:               perpetual.NewTradingState(),
		bus:                 bus,
		log:                 log,
		pm:                  metrics.GetPrometheusMetrics(),
		dlock:               dlock,
		limiter:             rate.NewLimiter(rate.Limit(cfg.Trading.OrderRateLimit), cfg.Trading.OrderRateLimit),
		pairs:               cfg.Trading.Pairs,
		leverageTargets:     cfg.Trading.Leverage,
		positionModeTarget:  mode,
		statusPollInterval:  float64(cfg.Trading.StatusPollInterval),
		fundingPollInterval: float64(cfg.Trading.FundingFeePollInterval),
		lockTTL:             float64(cfg.DistributedLock.DefaultTTL),
		pollNotifier:        make(chan struct{}, 1),
		fundingNotifier:     make(chan struct{}, 1),
		lastFundingTimes:    make(map[string]float64),
	}
}

// Start 启动连接器
// 顺序：持仓模式与杠杆初始化、资金费水位初始化、用户数据流、轮询循环
func (c *PerpetualConnector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.log.Info("🚀 连接器启动中: %s", c.exchange.GetName())

	// 初始化持仓模式与杠杆，失败只告警不阻塞启动
	if err := c.SetPositionMode(c.ctx, c.positionModeTarget); err != nil {
		c.log.Warn("⚠️ 初始化持仓模式失败: %v", err)
	}
	for _, pair := range c.pairs {
		target := c.leverageTargets[pair]
		if target <= 0 {
			target = 1
		}
		if _, err := c.SetLeverage(c.ctx, pair, target); err != nil {
			c.log.Warn("⚠️ 初始化杠杆失败 %s: %v", pair, err)
		}
	}

	// 资金费水位初始化：记录已有结算但不发事件，启动前的历史不算新结算
	c.seedFundingPayments(c.ctx)

	// 首次持仓同步
	if err := c.updatePositions(c.ctx); err != nil {
		c.log.Warn("⚠️ 初始持仓同步失败: %v", err)
	}

	// 用户数据流
	streamCh, err := c.exchange.StartUserStream(c.ctx)
	if err != nil {
		c.log.Warn("⚠️ 用户数据流启动失败，仅依赖轮询对账: %v", err)
	} else {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.consumeUserStream(streamCh)
		}()
	}

	// 轮询循环
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.statusPollingLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.fundingPollingLoop()
	}()

	c.bus.PublishType(event.EventTypeSystemStart, map[string]interface{}{
		"exchange": c.exchange.GetName(),
		"pairs":    c.pairs,
	})
	c.log.Info("✅ 连接器已启动: %s，交易对: %v", c.exchange.GetName(), c.pairs)
	return nil
}

// Stop 停止连接器
func (c *PerpetualConnector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	c.cancel()
	c.exchange.StopUserStream()
	c.wg.Wait()

	c.bus.PublishType(event.EventTypeSystemStop, map[string]interface{}{
		"exchange": c.exchange.GetName(),
	})
	c.log.Info("🛑 连接器已停止: %s", c.exchange.GetName())
}

// Tick 时钟滴答，由外部时钟循环按固定节奏调用
// 轮询触发按整数时间桶判断：跨过桶边界才触发一次，同一桶内只触发一次
func (c *PerpetualConnector) Tick(timestamp float64) {
	if crossedInterval(c.lastTimestamp, timestamp, c.statusPollInterval) {
		select {
		case c.pollNotifier <- struct{}{}:
		default:
		}
	}
	if crossedInterval(c.lastTimestamp, timestamp, c.fundingPollInterval) {
		select {
		case c.fundingNotifier <- struct{}{}:
		default:
		}
	}
	c.lastTimestamp = timestamp
}

// crossedInterval 两个时间戳是否落在不同的 interval 桶里
func crossedInterval(last, now, interval float64) bool {
	if interval <= 0 {
		return false
	}
	return math.Floor(last/interval) < math.Floor(now/interval)
}

// TradingPairs 配置的交易对
func (c *PerpetualConnector) TradingPairs() []string {
	return c.pairs
}

// AccountPositions 当前持仓快照
func (c *PerpetualConnector) AccountPositions() map[string]*perpetual.Position {
	return c.state.AccountPositions()
}

// PositionMode 当前持仓模式
func (c *PerpetualConnector) PositionMode() perpetual.PositionMode {
	return c.state.PositionMode()
}

// GetLeverage 当前杠杆倍数
func (c *PerpetualConnector) GetLeverage(tradingPair string) int {
	return c.state.GetLeverage(tradingPair)
}

// GetFundingInfo 当前资金费信息
func (c *PerpetualConnector) GetFundingInfo(tradingPair string) *perpetual.FundingInfo {
	return c.state.GetFundingInfo(tradingPair)
}

// ActiveOrders 当前在途订单
func (c *PerpetualConnector) ActiveOrders() []*order.InFlightOrder {
	return c.tracker.ActiveOrders()
}

// GetOrder 按客户端订单ID查询在途订单
func (c *PerpetualConnector) GetOrder(clientOrderID string) (*order.InFlightOrder, bool) {
	return c.tracker.GetOrder(clientOrderID)
}
