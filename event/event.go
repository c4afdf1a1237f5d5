package event

import (
	"time"

	"perpmesh/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeOrderCreated   EventType = "order_created"
	EventTypeOrderFilled    EventType = "order_filled"
	EventTypeOrderCompleted EventType = "order_completed"
	EventTypeOrderCanceled  EventType = "order_canceled"
	EventTypeOrderFailed    EventType = "order_failed"
	EventTypeOrderLost      EventType = "order_lost"

	EventTypeFundingPaymentCompleted EventType = "funding_payment_completed"

	EventTypePositionModeChangeSucceeded EventType = "position_mode_change_succeeded"
	EventTypePositionModeChangeFailed    EventType = "position_mode_change_failed"
	EventTypeLeverageUpdated             EventType = "leverage_updated"
	EventTypeLeverageUpdateFailed        EventType = "leverage_update_failed"

	EventTypeWebSocketDisconnected EventType = "websocket_disconnected"

	EventTypeSystemStart EventType = "system_start"
	EventTypeSystemStop  EventType = "system_stop"
)

// Event 事件结构
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
	log        *logger.Logger
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int, log *logger.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
		log:        log,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
		// 成功发布
	default:
		// Channel 满了，记录警告但不阻塞
		if eb.log != nil {
			eb.log.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
		}
	}
}

// PublishType 按类型发布事件（便捷方法）
func (eb *EventBus) PublishType(eventType EventType, data map[string]interface{}) {
	eb.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}
