package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"perpmesh/database"
	"perpmesh/logger"
)

// EventCenter 事件中心
// 订阅事件总线，把事件落库，并把订单成交和资金费结算写入对应的业务表
type EventCenter struct {
	db       database.Database
	eventBus *EventBus
	log      *logger.Logger

	exchange   string
	retainDays int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	Exchange   string
	RetainDays int // 事件记录保留天数，0表示不清理
}

// NewEventCenter 创建事件中心
func NewEventCenter(db database.Database, eventBus *EventBus, config *EventCenterConfig, log *logger.Logger) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventCenter{
		db:         db,
		eventBus:   eventBus,
		log:        log,
		exchange:   config.Exchange,
		retainDays: config.RetainDays,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	ec.log.Info("🚀 启动事件中心...")

	ec.wg.Add(1)
	go ec.processEvents()

	if ec.retainDays > 0 {
		ec.wg.Add(1)
		go ec.cleanupTask()
	}

	ec.log.Info("✅ 事件中心已启动")
	return nil
}

// Stop 停止事件中心
func (ec *EventCenter) Stop() {
	ec.log.Info("🛑 停止事件中心...")
	ec.cancel()
	ec.wg.Wait()
	ec.log.Info("✅ 事件中心已停止")
}

// processEvents 处理事件
func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		ec.log.Warn("⚠️ 序列化事件详情失败: %v", err)
		dataJSON = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := &database.EventRecord{
		Type:      string(event.Type),
		Data:      string(dataJSON),
		CreatedAt: event.Timestamp,
	}
	if err := ec.db.SaveEvent(ctx, record); err != nil {
		ec.log.Error("❌ 保存事件失败: %v", err)
	}

	// 业务表写入
	switch event.Type {
	case EventTypeOrderCreated:
		ec.persistOrder(ctx, event)
	case EventTypeOrderFilled:
		ec.persistTrade(ctx, event)
	case EventTypeOrderCompleted, EventTypeOrderCanceled, EventTypeOrderFailed, EventTypeOrderLost:
		ec.persistOrderState(ctx, event)
	case EventTypeFundingPaymentCompleted:
		ec.persistFundingPayment(ctx, event)
	}
}

func (ec *EventCenter) persistOrder(ctx context.Context, event *Event) {
	record := &database.OrderRecord{
		Exchange:        ec.exchange,
		TradingPair:     extractString(event.Data, "trading_pair"),
		ClientOrderID:   extractString(event.Data, "client_order_id"),
		ExchangeOrderID: extractString(event.Data, "exchange_order_id"),
		TradeType:       extractString(event.Data, "trade_type"),
		OrderType:       extractString(event.Data, "order_type"),
		State:           "OPEN",
		CreatedAt:       event.Timestamp,
		UpdatedAt:       event.Timestamp,
	}
	if err := ec.db.SaveOrder(ctx, record); err != nil {
		ec.log.Error("❌ 保存订单记录失败: %v", err)
	}
}

func (ec *EventCenter) persistOrderState(ctx context.Context, event *Event) {
	state := orderStateForEvent(event.Type)
	clientOrderID := extractString(event.Data, "client_order_id")
	if clientOrderID == "" {
		return
	}
	if err := ec.db.UpdateOrderState(ctx, clientOrderID, state); err != nil {
		ec.log.Error("❌ 更新订单状态失败: %v", err)
	}
}

func (ec *EventCenter) persistTrade(ctx context.Context, event *Event) {
	record := &database.TradeRecord{
		Exchange:        ec.exchange,
		TradingPair:     extractString(event.Data, "trading_pair"),
		TradeID:         extractString(event.Data, "trade_id"),
		ClientOrderID:   extractString(event.Data, "client_order_id"),
		ExchangeOrderID: extractString(event.Data, "exchange_order_id"),
		FillPrice:       extractString(event.Data, "fill_price"),
		FillBaseAmount:  extractString(event.Data, "fill_base_amount"),
		FillQuoteAmount: extractString(event.Data, "fill_quote_amount"),
		FillTime:        extractFloat(event.Data, "timestamp"),
		CreatedAt:       event.Timestamp,
	}
	if err := ec.db.SaveTrade(ctx, record); err != nil {
		ec.log.Error("❌ 保存成交记录失败: %v", err)
	}
}

func (ec *EventCenter) persistFundingPayment(ctx context.Context, event *Event) {
	record := &database.FundingPaymentRecord{
		Exchange:    ec.exchange,
		TradingPair: extractString(event.Data, "trading_pair"),
		SettleTime:  extractFloat(event.Data, "timestamp"),
		FundingRate: extractString(event.Data, "funding_rate"),
		Amount:      extractString(event.Data, "amount"),
		CreatedAt:   event.Timestamp,
	}
	if err := ec.db.SaveFundingPayment(ctx, record); err != nil {
		ec.log.Error("❌ 保存资金费记录失败: %v", err)
	}
}

// cleanupTask 定期清理过期事件记录
func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().AddDate(0, 0, -ec.retainDays)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			deleted, err := ec.db.CleanupOldEvents(ctx, before)
			cancel()
			if err != nil {
				ec.log.Warn("⚠️ 清理事件记录失败: %v", err)
				continue
			}
			if deleted > 0 {
				ec.log.Info("🧹 已清理 %d 条过期事件记录", deleted)
			}
		}
	}
}

func orderStateForEvent(eventType EventType) string {
	switch eventType {
	case EventTypeOrderCompleted:
		return "FILLED"
	case EventTypeOrderCanceled:
		return "CANCELED"
	case EventTypeOrderFailed, EventTypeOrderLost:
		return "FAILED"
	}
	return ""
}

func extractString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	switch v := data[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func extractFloat(data map[string]interface{}, key string) float64 {
	if data == nil {
		return 0
	}
	f, _ := data[key].(float64)
	return f
}
