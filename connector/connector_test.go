package connector

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"perpmesh/config"
	"perpmesh/event"
	"perpmesh/exchange"
	"perpmesh/lock"
	"perpmesh/logger"
	"perpmesh/order"
	"perpmesh/perpetual"
)

// fakeExchange 可脚本化的交易所实现
// 每个方法可以单独注入行为，未注入的方法返回无害的默认值
type fakeExchange struct {
	mu sync.Mutex

	placeOrderFn      func(req *exchange.OrderRequest) (*exchange.PlacedOrder, error)
	cancelOrderFn     func(tradingPair, clientOrderID string) error
	getOrderStatusFn  func(tradingPair, clientOrderID, exchangeOrderID string) *exchange.OrderStatusResult
	getOrderTradesFn  func(tradingPair string) ([]*order.TradeUpdate, error)
	getPositionsFn    func() ([]*perpetual.Position, error)
	setPositionModeFn func(tradingPair string, mode perpetual.PositionMode) error
	setLeverageFn     func(tradingPair string, leverage int) (int, error)
	maxLeverageFn     func(tradingPair string) (int, error)
	lastFundingFn     func(tradingPair string) (*perpetual.FundingPayment, error)
	fundingInfoFn     func(tradingPair string) (*perpetual.FundingInfo, error)
	supportedModesFn  func() []perpetual.PositionMode

	// 调用记录
	modeCalls []string
}

func (f *fakeExchange) GetName() string { return "fake" }

func (f *fakeExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.PlacedOrder, error) {
	if f.placeOrderFn != nil {
		return f.placeOrderFn(req)
	}
	return &exchange.PlacedOrder{ExchangeOrderID: "e-" + req.ClientOrderID, ClientOrderID: req.ClientOrderID, TransactTime: 1000}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, tradingPair, clientOrderID string) error {
	if f.cancelOrderFn != nil {
		return f.cancelOrderFn(tradingPair, clientOrderID)
	}
	return nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, tradingPair, clientOrderID, exchangeOrderID string) *exchange.OrderStatusResult {
	if f.getOrderStatusFn != nil {
		return f.getOrderStatusFn(tradingPair, clientOrderID, exchangeOrderID)
	}
	return &exchange.OrderStatusResult{Tag: exchange.StatusNotFound}
}

func (f *fakeExchange) GetOrderTrades(ctx context.Context, tradingPair string) ([]*order.TradeUpdate, error) {
	if f.getOrderTradesFn != nil {
		return f.getOrderTradesFn(tradingPair)
	}
	return nil, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]*perpetual.Position, error) {
	if f.getPositionsFn != nil {
		return f.getPositionsFn()
	}
	return nil, nil
}

func (f *fakeExchange) GetPositionMode(ctx context.Context) (perpetual.PositionMode, error) {
	return perpetual.PositionModeOneway, nil
}

func (f *fakeExchange) SupportedPositionModes() []perpetual.PositionMode {
	if f.supportedModesFn != nil {
		return f.supportedModesFn()
	}
	return []perpetual.PositionMode{perpetual.PositionModeOneway, perpetual.PositionModeHedge}
}

func (f *fakeExchange) SetPositionMode(ctx context.Context, tradingPair string, mode perpetual.PositionMode) error {
	f.mu.Lock()
	f.modeCalls = append(f.modeCalls, tradingPair+":"+string(mode))
	f.mu.Unlock()
	if f.setPositionModeFn != nil {
		return f.setPositionModeFn(tradingPair, mode)
	}
	return nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, tradingPair string, leverage int) (int, error) {
	if f.setLeverageFn != nil {
		return f.setLeverageFn(tradingPair, leverage)
	}
	return leverage, nil
}

func (f *fakeExchange) GetMaxLeverage(ctx context.Context, tradingPair string) (int, error) {
	if f.maxLeverageFn != nil {
		return f.maxLeverageFn(tradingPair)
	}
	return 100, nil
}

func (f *fakeExchange) GetLastFundingPayment(ctx context.Context, tradingPair string) (*perpetual.FundingPayment, error) {
	if f.lastFundingFn != nil {
		return f.lastFundingFn(tradingPair)
	}
	return nil, nil
}

func (f *fakeExchange) GetFundingInfo(ctx context.Context, tradingPair string) (*perpetual.FundingInfo, error) {
	if f.fundingInfoFn != nil {
		return f.fundingInfoFn(tradingPair)
	}
	return &perpetual.FundingInfo{TradingPair: tradingPair}, nil
}

func (f *fakeExchange) StartUserStream(ctx context.Context) (<-chan map[string]interface{}, error) {
	ch := make(chan map[string]interface{})
	close(ch)
	return ch, nil
}

func (f *fakeExchange) StopUserStream() {}

func (f *fakeExchange) ClassifyUserStreamMessage(msg map[string]interface{}) exchange.StreamMessageType {
	t, _ := msg["type"].(exchange.StreamMessageType)
	return t
}

func (f *fakeExchange) ParseOrderUpdateFromStream(msg map[string]interface{}) (*order.OrderUpdate, error) {
	if u, ok := msg["order"].(*order.OrderUpdate); ok {
		return u, nil
	}
	return nil, fmt.Errorf("无订单数据")
}

func (f *fakeExchange) ParseTradeUpdateFromStream(msg map[string]interface{}) (*order.TradeUpdate, error) {
	if u, ok := msg["trade"].(*order.TradeUpdate); ok {
		return u, nil
	}
	return nil, fmt.Errorf("无成交数据")
}

func (f *fakeExchange) ParsePositionsFromStream(msg map[string]interface{}) ([]*perpetual.Position, error) {
	if p, ok := msg["positions"].([]*perpetual.Position); ok {
		return p, nil
	}
	return nil, fmt.Errorf("无持仓数据")
}

func testConfig(pairs ...string) *config.Config {
	cfg := &config.Config{}
	cfg.Trading.Pairs = pairs
	cfg.Trading.PositionMode = "ONEWAY"
	cfg.Trading.StatusPollInterval = 10
	cfg.Trading.FundingFeePollInterval = 600
	cfg.Trading.LostOrderCountLimit = 3
	cfg.Trading.OrderRateLimit = 100
	cfg.DistributedLock.DefaultTTL = 5
	return cfg
}

func newTestConnector(fake *fakeExchange, pairs ...string) (*PerpetualConnector, *event.EventBus) {
	bus := event.NewEventBus(200, nil)
	log := logger.New(logger.ERROR)
	c := NewPerpetualConnector(testConfig(pairs...), fake, bus, lock.NewNopLock(), log)
	return c, bus
}

func drainEvents(bus *event.EventBus) []*event.Event {
	var events []*event.Event
	for {
		select {
		case evt := <-bus.Subscribe():
			events = append(events, evt)
		default:
			return events
		}
	}
}

func countEventType(events []*event.Event, want event.EventType) int {
	n := 0
	for _, evt := range events {
		if evt.Type == want {
			n++
		}
	}
	return n
}

func TestCrossedInterval(t *testing.T) {
	cases := []struct {
		last, now, interval float64
		want                bool
	}{
		{0, 5, 10, false},    // 同一个桶
		{5, 15, 10, true},    // 跨过桶边界
		{15, 18, 10, false},  // 新桶内再走不触发
		{9.9, 10.0, 10, true},
		{10.0, 19.9, 10, false},
		{0, 100, 0, false},   // 区间非法
	}
	for _, c := range cases {
		if got := crossedInterval(c.last, c.now, c.interval); got != c.want {
			t.Errorf("crossedInterval(%v, %v, %v) = %v，期望 %v", c.last, c.now, c.interval, got, c.want)
		}
	}
}

func TestTickNotifiesOncePerBucket(t *testing.T) {
	c, _ := newTestConnector(&fakeExchange{}, "BTC-USDT")

	// 同一个桶内多次滴答只触发一次
	c.Tick(5)
	c.Tick(12)
	c.Tick(13)
	c.Tick(19)

	select {
	case <-c.pollNotifier:
	default:
		t.Fatal("跨过桶边界应触发一次轮询")
	}
	select {
	case <-c.pollNotifier:
		t.Fatal("同一个桶内不应重复触发")
	default:
	}

	// 下一个桶再次触发
	c.Tick(21)
	select {
	case <-c.pollNotifier:
	default:
		t.Fatal("进入下一个桶应再次触发")
	}
}

func TestFundingSeedSilentAndDedup(t *testing.T) {
	settleTime := 100.0
	fake := &fakeExchange{
		lastFundingFn: func(pair string) (*perpetual.FundingPayment, error) {
			return &perpetual.FundingPayment{
				Timestamp:   settleTime,
				FundingRate: decimal.NewFromFloat(0.0001),
				Amount:      decimal.NewFromFloat(-1.25),
			}, nil
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT")
	ctx := context.Background()

	// 启动初始化只建立水位，不发事件
	c.seedFundingPayments(ctx)
	if events := drainEvents(bus); len(events) != 0 {
		t.Errorf("初始化不应发出资金费事件，实际 %d 条", len(events))
	}

	// 轮询到同一次结算不发事件
	c.pollFundingPayment(ctx, "BTC-USDT", true)
	if events := drainEvents(bus); len(events) != 0 {
		t.Errorf("重复结算不应发出事件，实际 %d 条", len(events))
	}

	// 新的结算发一次事件
	settleTime = 200.0
	c.pollFundingPayment(ctx, "BTC-USDT", true)
	events := drainEvents(bus)
	if countEventType(events, event.EventTypeFundingPaymentCompleted) != 1 {
		t.Fatalf("新结算应发出一次事件，实际事件 %v", events)
	}
	if ts := events[0].Data["timestamp"].(float64); ts != 200.0 {
		t.Errorf("事件应携带结算时间，实际 %v", ts)
	}

	// 再次轮询到同一次新结算不再发事件
	c.pollFundingPayment(ctx, "BTC-USDT", true)
	if events := drainEvents(bus); len(events) != 0 {
		t.Error("水位推进后重复结算不应再发事件")
	}
}

func TestFundingNoPaymentYet(t *testing.T) {
	fake := &fakeExchange{
		lastFundingFn: func(pair string) (*perpetual.FundingPayment, error) {
			return nil, nil
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT")

	c.pollFundingPayment(context.Background(), "BTC-USDT", true)
	if events := drainEvents(bus); len(events) != 0 {
		t.Error("没有结算记录时不应发出事件")
	}
}

func TestSetPositionModeRollback(t *testing.T) {
	fake := &fakeExchange{
		setPositionModeFn: func(pair string, mode perpetual.PositionMode) error {
			if pair == "ETH-USDT" && mode == perpetual.PositionModeHedge {
				return fmt.Errorf("交易所拒绝")
			}
			return nil
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT", "ETH-USDT", "SOL-USDT")

	err := c.SetPositionMode(context.Background(), perpetual.PositionModeHedge)
	if err == nil {
		t.Fatal("切换失败应返回错误")
	}
	if c.PositionMode() != perpetual.PositionModeOneway {
		t.Error("切换失败后模式不应变化")
	}

	// 调用序列：BTC 切换成功，ETH 失败，然后 BTC 回滚；SOL 不应被触碰
	fake.mu.Lock()
	calls := append([]string(nil), fake.modeCalls...)
	fake.mu.Unlock()
	wantCalls := []string{"BTC-USDT:HEDGE", "ETH-USDT:HEDGE", "BTC-USDT:ONEWAY"}
	if len(calls) != len(wantCalls) {
		t.Fatalf("调用序列错误: %v", calls)
	}
	for i, want := range wantCalls {
		if calls[i] != want {
			t.Errorf("第%d次调用应为 %s，实际 %s", i, want, calls[i])
		}
	}

	// 每个交易对都应收到失败事件
	events := drainEvents(bus)
	if n := countEventType(events, event.EventTypePositionModeChangeFailed); n != 3 {
		t.Errorf("应为全部3个交易对发出失败事件，实际 %d 条", n)
	}
	if countEventType(events, event.EventTypePositionModeChangeSucceeded) != 0 {
		t.Error("切换失败不应发出成功事件")
	}
}

func TestSetPositionModeSuccess(t *testing.T) {
	fake := &fakeExchange{}
	c, bus := newTestConnector(fake, "BTC-USDT", "ETH-USDT")

	if err := c.SetPositionMode(context.Background(), perpetual.PositionModeHedge); err != nil {
		t.Fatalf("切换失败: %v", err)
	}
	if c.PositionMode() != perpetual.PositionModeHedge {
		t.Error("切换成功后模式应更新")
	}
	events := drainEvents(bus)
	if n := countEventType(events, event.EventTypePositionModeChangeSucceeded); n != 2 {
		t.Errorf("应为每个交易对发出成功事件，实际 %d 条", n)
	}
}

func TestSetPositionModeSkipWhenUnchanged(t *testing.T) {
	fake := &fakeExchange{}
	c, _ := newTestConnector(fake, "BTC-USDT")

	if err := c.SetPositionMode(context.Background(), perpetual.PositionModeOneway); err != nil {
		t.Fatalf("设置当前模式不应报错: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.modeCalls) != 0 {
		t.Error("已处于目标模式时不应调用交易所")
	}
}

func TestSetPositionModeUnsupportedRejectedLocally(t *testing.T) {
	fake := &fakeExchange{
		supportedModesFn: func() []perpetual.PositionMode {
			return []perpetual.PositionMode{perpetual.PositionModeOneway}
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT", "ETH-USDT")

	if err := c.SetPositionMode(context.Background(), perpetual.PositionModeHedge); err == nil {
		t.Fatal("不支持的模式应报错")
	}
	fake.mu.Lock()
	calls := len(fake.modeCalls)
	fake.mu.Unlock()
	if calls != 0 {
		t.Errorf("本地拒绝不应发起任何交易所调用, 实际 %d 次", calls)
	}
	if got := c.state.PositionMode(); got != perpetual.PositionModeOneway {
		t.Errorf("模式不应改变, 实际 %s", got)
	}
	events := drainEvents(bus)
	if n := countEventType(events, event.EventTypePositionModeChangeFailed); n != 2 {
		t.Errorf("应为每个交易对发布失败事件, 期望 2 实际 %d", n)
	}
}

func TestSetLeverageClamp(t *testing.T) {
	var requested int
	fake := &fakeExchange{
		maxLeverageFn: func(pair string) (int, error) { return 20, nil },
		setLeverageFn: func(pair string, leverage int) (int, error) {
			requested = leverage
			return leverage, nil
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT")

	accepted, err := c.SetLeverage(context.Background(), "BTC-USDT", 50)
	if err != nil {
		t.Fatalf("设置杠杆失败: %v", err)
	}
	if requested != 20 || accepted != 20 {
		t.Errorf("超限杠杆应收敛到最大值20，实际请求 %d 接受 %d", requested, accepted)
	}
	if c.GetLeverage("BTC-USDT") != 20 {
		t.Errorf("本地杠杆视图应更新: %d", c.GetLeverage("BTC-USDT"))
	}
	events := drainEvents(bus)
	if countEventType(events, event.EventTypeLeverageUpdated) != 1 {
		t.Error("应发出杠杆更新事件")
	}
}

func TestSetLeverageFailure(t *testing.T) {
	fake := &fakeExchange{
		setLeverageFn: func(pair string, leverage int) (int, error) {
			return 0, fmt.Errorf("交易所拒绝")
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT")

	if _, err := c.SetLeverage(context.Background(), "BTC-USDT", 5); err == nil {
		t.Fatal("设置失败应返回错误")
	}
	if c.GetLeverage("BTC-USDT") != 1 {
		t.Error("设置失败时本地杠杆视图不应变化")
	}
	events := drainEvents(bus)
	if countEventType(events, event.EventTypeLeverageUpdateFailed) != 1 {
		t.Error("应发出杠杆更新失败事件")
	}

	if _, err := c.SetLeverage(context.Background(), "BTC-USDT", 0); err == nil {
		t.Error("非正杠杆应直接拒绝")
	}
}

func TestPlaceOrderSuccess(t *testing.T) {
	fake := &fakeExchange{}
	c, bus := newTestConnector(fake, "BTC-USDT")

	clientOrderID, err := c.PlaceOrder(context.Background(), "BTC-USDT",
		order.TradeTypeBuy, order.OrderTypeLimit, perpetual.PositionActionOpen,
		decimal.NewFromInt(50000), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}

	o, ok := c.GetOrder(clientOrderID)
	if !ok {
		t.Fatal("订单应在跟踪中")
	}
	if o.CurrentState != order.OrderStateOpen {
		t.Errorf("下单成功后状态应为 OPEN，实际 %s", o.CurrentState)
	}
	if o.ExchangeOrderID == "" {
		t.Error("下单成功后应记录交易所订单ID")
	}
	events := drainEvents(bus)
	if countEventType(events, event.EventTypeOrderCreated) != 1 {
		t.Error("应发出订单创建事件")
	}
}

func TestPlaceOrderFailure(t *testing.T) {
	fake := &fakeExchange{
		placeOrderFn: func(req *exchange.OrderRequest) (*exchange.PlacedOrder, error) {
			return nil, fmt.Errorf("余额不足")
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT")

	_, err := c.PlaceOrder(context.Background(), "BTC-USDT",
		order.TradeTypeBuy, order.OrderTypeLimit, perpetual.PositionActionOpen,
		decimal.NewFromInt(50000), decimal.NewFromInt(1))
	if err == nil {
		t.Fatal("下单失败应返回错误")
	}
	if len(c.ActiveOrders()) != 0 {
		t.Error("下单失败的订单不应继续跟踪")
	}
	events := drainEvents(bus)
	if countEventType(events, event.EventTypeOrderFailed) != 1 {
		t.Error("应发出订单失败事件")
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	c, _ := newTestConnector(&fakeExchange{}, "BTC-USDT")
	ctx := context.Background()

	if _, err := c.PlaceOrder(ctx, "BTC-USDT", order.TradeTypeBuy, order.OrderTypeLimit,
		perpetual.PositionActionNil, decimal.NewFromInt(50000), decimal.NewFromInt(1)); err == nil {
		t.Error("开平仓动作缺失应拒绝")
	}
	if _, err := c.PlaceOrder(ctx, "BTC-USDT", order.TradeTypeBuy, order.OrderTypeLimit,
		perpetual.PositionActionOpen, decimal.NewFromInt(50000), decimal.Zero); err == nil {
		t.Error("零数量应拒绝")
	}
	if _, err := c.PlaceOrder(ctx, "BTC-USDT", order.TradeTypeBuy, order.OrderTypeLimit,
		perpetual.PositionActionOpen, decimal.Zero, decimal.NewFromInt(1)); err == nil {
		t.Error("限价单零价格应拒绝")
	}
}

func TestPositionSideFor(t *testing.T) {
	c, _ := newTestConnector(&fakeExchange{}, "BTC-USDT")

	// 单向模式不指定持仓方向
	if side := c.positionSideFor(order.TradeTypeBuy, perpetual.PositionActionOpen); side != "" {
		t.Errorf("单向模式不应指定持仓方向: %s", side)
	}

	c.state.SetPositionMode(perpetual.PositionModeHedge)
	cases := []struct {
		tradeType order.TradeType
		action    perpetual.PositionAction
		want      perpetual.PositionSide
	}{
		{order.TradeTypeBuy, perpetual.PositionActionOpen, perpetual.PositionSideLong},
		{order.TradeTypeSell, perpetual.PositionActionOpen, perpetual.PositionSideShort},
		{order.TradeTypeBuy, perpetual.PositionActionClose, perpetual.PositionSideShort},
		{order.TradeTypeSell, perpetual.PositionActionClose, perpetual.PositionSideLong},
	}
	for _, ca := range cases {
		if got := c.positionSideFor(ca.tradeType, ca.action); got != ca.want {
			t.Errorf("positionSideFor(%s, %s) = %s，期望 %s", ca.tradeType, ca.action, got, ca.want)
		}
	}
}

func TestCancelOrderNotFoundCounts(t *testing.T) {
	fake := &fakeExchange{
		cancelOrderFn: func(pair, clientOrderID string) error {
			return exchange.ErrOrderNotFound
		},
	}
	c, _ := newTestConnector(fake, "BTC-USDT")

	clientOrderID, err := c.PlaceOrder(context.Background(), "BTC-USDT",
		order.TradeTypeBuy, order.OrderTypeLimit, perpetual.PositionActionOpen,
		decimal.NewFromInt(50000), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}

	// 交易所查不到订单时撤单不算失败，计入未找到计数
	if err := c.CancelOrder(context.Background(), clientOrderID); err != nil {
		t.Errorf("订单未找到的撤单不应报错: %v", err)
	}
	if len(c.ActiveOrders()) != 1 {
		t.Error("单次未找到不应判定丢失")
	}

	if err := c.CancelOrder(context.Background(), "unknown"); err == nil {
		t.Error("未跟踪的订单撤单应报错")
	}
}

func TestUpdateOrderStatusesLostDebounce(t *testing.T) {
	fake := &fakeExchange{
		getOrderStatusFn: func(pair, clientOrderID, exchangeOrderID string) *exchange.OrderStatusResult {
			return &exchange.OrderStatusResult{Tag: exchange.StatusNotFound}
		},
	}
	c, bus := newTestConnector(fake, "BTC-USDT")

	clientOrderID, err := c.PlaceOrder(context.Background(), "BTC-USDT",
		order.TradeTypeBuy, order.OrderTypeLimit, perpetual.PositionActionOpen,
		decimal.NewFromInt(50000), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	drainEvents(bus)

	// 阈值3：前3轮不丢失，第4轮判定丢失
	for i := 0; i < 3; i++ {
		c.updateOrderStatuses(context.Background())
	}
	if len(c.ActiveOrders()) != 1 {
		t.Fatal("未超过阈值不应判定丢失")
	}
	c.updateOrderStatuses(context.Background())
	if len(c.ActiveOrders()) != 0 {
		t.Fatal("超过阈值应判定丢失")
	}
	events := drainEvents(bus)
	if countEventType(events, event.EventTypeOrderLost) != 1 {
		t.Errorf("应发出订单丢失事件，实际 %v", events)
	}

	o, ok := c.GetOrder(clientOrderID)
	if !ok || o.CurrentState != order.OrderStateFailed {
		t.Error("丢失订单应保留并标记为 FAILED")
	}
}

func TestUpdateOrderFillsFromTrades(t *testing.T) {
	var exchangeOrderID string
	fake := &fakeExchange{}
	fake.getOrderTradesFn = func(pair string) ([]*order.TradeUpdate, error) {
		return []*order.TradeUpdate{
			{
				TradeID:         "t1",
				ExchangeOrderID: exchangeOrderID,
				TradingPair:     pair,
				FillPrice:       decimal.NewFromInt(50000),
				FillBaseAmount:  decimal.NewFromInt(1),
				FillQuoteAmount: decimal.NewFromInt(50000),
			},
			// 其他账户订单的成交，不应被处理
			{
				TradeID:         "t2",
				ExchangeOrderID: "someone-else",
				TradingPair:     pair,
				FillPrice:       decimal.NewFromInt(50000),
				FillBaseAmount:  decimal.NewFromInt(5),
				FillQuoteAmount: decimal.NewFromInt(250000),
			},
			// 哨兵成交
			{TradeID: "0", ExchangeOrderID: exchangeOrderID},
		}, nil
	}
	c, bus := newTestConnector(fake, "BTC-USDT")

	clientOrderID, err := c.PlaceOrder(context.Background(), "BTC-USDT",
		order.TradeTypeBuy, order.OrderTypeLimit, perpetual.PositionActionOpen,
		decimal.NewFromInt(50000), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	o, _ := c.GetOrder(clientOrderID)
	exchangeOrderID = o.ExchangeOrderID
	drainEvents(bus)

	c.updateOrderFillsFromTrades(context.Background())

	o, _ = c.GetOrder(clientOrderID)
	if !o.ExecutedAmountBase.Equal(decimal.NewFromInt(1)) {
		t.Errorf("只应入账归属本订单的真实成交，累计 %s", o.ExecutedAmountBase)
	}
	events := drainEvents(bus)
	if countEventType(events, event.EventTypeOrderFilled) != 1 {
		t.Errorf("应发出一次成交事件，实际 %v", events)
	}

	// 重复对账不重复入账
	c.updateOrderFillsFromTrades(context.Background())
	o, _ = c.GetOrder(clientOrderID)
	if !o.ExecutedAmountBase.Equal(decimal.NewFromInt(1)) {
		t.Errorf("重复对账应去重，累计 %s", o.ExecutedAmountBase)
	}
}

func TestUpdatePositionsSnapshot(t *testing.T) {
	snapshot := []*perpetual.Position{
		perpetual.NewPosition("BTC-USDT", perpetual.PositionSideLong,
			decimal.NewFromInt(1), decimal.NewFromInt(50000), decimal.NewFromInt(5), decimal.Zero),
	}
	fake := &fakeExchange{
		getPositionsFn: func() ([]*perpetual.Position, error) { return snapshot, nil },
	}
	c, _ := newTestConnector(fake, "BTC-USDT")

	if err := c.updatePositions(context.Background()); err != nil {
		t.Fatalf("持仓对账失败: %v", err)
	}
	positions := c.AccountPositions()
	if len(positions) != 1 {
		t.Fatalf("应有1个持仓，实际 %d", len(positions))
	}

	// 快照里消失的持仓应被删除
	snapshot = nil
	if err := c.updatePositions(context.Background()); err != nil {
		t.Fatalf("持仓对账失败: %v", err)
	}
	if len(c.AccountPositions()) != 0 {
		t.Error("快照里没有的持仓应被删除")
	}
}

func TestHandleStreamMessageFillBeforeTerminal(t *testing.T) {
	fake := &fakeExchange{}
	c, bus := newTestConnector(fake, "BTC-USDT")

	clientOrderID, err := c.PlaceOrder(context.Background(), "BTC-USDT",
		order.TradeTypeBuy, order.OrderTypeLimit, perpetual.PositionActionOpen,
		decimal.NewFromInt(50000), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	o, _ := c.GetOrder(clientOrderID)
	drainEvents(bus)

	// 一条消息同时携带成交和终态：成交必须先入账
	c.handleStreamMessage(map[string]interface{}{
		"type": exchange.StreamMessageOrderUpdate,
		"trade": &order.TradeUpdate{
			TradeID:         "t1",
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			TradingPair:     "BTC-USDT",
			FillPrice:       decimal.NewFromInt(50000),
			FillBaseAmount:  decimal.NewFromInt(1),
			FillQuoteAmount: decimal.NewFromInt(50000),
		},
		"order": &order.OrderUpdate{
			TradingPair:     "BTC-USDT",
			NewState:        order.OrderStateFilled,
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
		},
	})

	if len(c.ActiveOrders()) != 0 {
		t.Error("完全成交的订单应停止跟踪")
	}
	events := drainEvents(bus)
	filledIdx, completedIdx := -1, -1
	for i, evt := range events {
		switch evt.Type {
		case event.EventTypeOrderFilled:
			filledIdx = i
		case event.EventTypeOrderCompleted:
			if completedIdx < 0 {
				completedIdx = i
			}
		}
	}
	if filledIdx < 0 || completedIdx < 0 {
		t.Fatalf("应同时发出成交和完成事件，实际 %v", events)
	}
	if filledIdx > completedIdx {
		t.Error("成交事件应先于完成事件")
	}
	if !o.ExecutedAmountBase.Equal(decimal.NewFromInt(1)) {
		t.Errorf("终态前成交应已入账: %s", o.ExecutedAmountBase)
	}
}

func TestHandleStreamMessagePositions(t *testing.T) {
	c, _ := newTestConnector(&fakeExchange{}, "BTC-USDT")

	c.handleStreamMessage(map[string]interface{}{
		"type": exchange.StreamMessagePositionUpdate,
		"positions": []*perpetual.Position{
			perpetual.NewPosition("BTC-USDT", perpetual.PositionSideLong,
				decimal.NewFromInt(2), decimal.NewFromInt(50000), decimal.Zero, decimal.Zero),
		},
	})
	if len(c.AccountPositions()) != 1 {
		t.Fatal("流消息应写入持仓")
	}

	// 零数量表示已平仓
	c.handleStreamMessage(map[string]interface{}{
		"type": exchange.StreamMessagePositionUpdate,
		"positions": []*perpetual.Position{
			perpetual.NewPosition("BTC-USDT", perpetual.PositionSideLong,
				decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero),
		},
	})
	if len(c.AccountPositions()) != 0 {
		t.Error("零数量的流消息应删除持仓")
	}
}
