package database

import (
	"context"
	"time"
)

// Database 数据库接口
type Database interface {
	// 订单记录
	SaveOrder(ctx context.Context, order *OrderRecord) error
	UpdateOrderState(ctx context.Context, clientOrderID, state string) error
	GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error)

	// 成交记录
	SaveTrade(ctx context.Context, trade *TradeRecord) error
	GetTrades(ctx context.Context, filter *TradeFilter) ([]*TradeRecord, error)

	// 资金费结算记录
	SaveFundingPayment(ctx context.Context, payment *FundingPaymentRecord) error
	GetFundingPayments(ctx context.Context, filter *FundingPaymentFilter) ([]*FundingPaymentRecord, error)

	// 事件记录
	SaveEvent(ctx context.Context, event *EventRecord) error
	CleanupOldEvents(ctx context.Context, before time.Time) (int64, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// OrderRecord 订单记录
type OrderRecord struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Exchange        string    `gorm:"index:idx_exchange_pair;size:50" json:"exchange"`
	TradingPair     string    `gorm:"index:idx_exchange_pair;size:50" json:"trading_pair"`
	ClientOrderID   string    `gorm:"uniqueIndex;size:100" json:"client_order_id"`
	ExchangeOrderID string    `gorm:"index;size:100" json:"exchange_order_id"`
	TradeType       string    `gorm:"size:10" json:"trade_type"` // BUY, SELL
	OrderType       string    `gorm:"size:20" json:"order_type"` // LIMIT, MARKET
	PositionAction  string    `gorm:"size:10" json:"position_action"`
	Price           string    `gorm:"size:50" json:"price"`
	Amount          string    `gorm:"size:50" json:"amount"`
	State           string    `gorm:"index;size:20" json:"state"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TradeRecord 成交记录
type TradeRecord struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Exchange        string    `gorm:"uniqueIndex:idx_exchange_trade;index:idx_exchange_pair_time;size:50" json:"exchange"`
	TradingPair     string    `gorm:"index:idx_exchange_pair_time;size:50" json:"trading_pair"`
	TradeID         string    `gorm:"uniqueIndex:idx_exchange_trade;size:100" json:"trade_id"`
	ClientOrderID   string    `gorm:"index;size:100" json:"client_order_id"`
	ExchangeOrderID string    `gorm:"size:100" json:"exchange_order_id"`
	FillPrice       string    `gorm:"size:50" json:"fill_price"`
	FillBaseAmount  string    `gorm:"size:50" json:"fill_base_amount"`
	FillQuoteAmount string    `gorm:"size:50" json:"fill_quote_amount"`
	Fee             string    `gorm:"size:50" json:"fee"`
	FeeToken        string    `gorm:"size:20" json:"fee_token"`
	FillTime        float64   `json:"fill_time"` // 秒
	CreatedAt       time.Time `gorm:"index:idx_exchange_pair_time" json:"created_at"`
}

// FundingPaymentRecord 资金费结算记录
type FundingPaymentRecord struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Exchange    string    `gorm:"uniqueIndex:idx_funding_settle;size:50" json:"exchange"`
	TradingPair string    `gorm:"uniqueIndex:idx_funding_settle;index;size:50" json:"trading_pair"`
	SettleTime  float64   `gorm:"uniqueIndex:idx_funding_settle" json:"settle_time"` // 秒
	FundingRate string    `gorm:"size:50" json:"funding_rate"`
	Amount      string    `gorm:"size:50" json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Data      string    `gorm:"type:text" json:"data"` // JSON
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// 过滤器

// OrderFilter 订单记录过滤器
type OrderFilter struct {
	Exchange    string
	TradingPair string
	State       string
	Limit       int
	Offset      int
}

// TradeFilter 成交记录过滤器
type TradeFilter struct {
	Exchange    string
	TradingPair string
	StartTime   *time.Time
	EndTime     *time.Time
	Limit       int
	Offset      int
}

// FundingPaymentFilter 资金费记录过滤器
type FundingPaymentFilter struct {
	Exchange    string
	TradingPair string
	Limit       int
	Offset      int
}
