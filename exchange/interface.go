package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"perpmesh/order"
	"perpmesh/perpetual"
)

// ErrOrderNotFound 交易所侧查不到该订单
var ErrOrderNotFound = errors.New("交易所未找到该订单")

// OrderRequest 下单请求
type OrderRequest struct {
	ClientOrderID  string
	TradingPair    string
	TradeType      order.TradeType
	OrderType      order.OrderType
	PositionAction perpetual.PositionAction
	Price          decimal.Decimal
	Amount         decimal.Decimal
	PositionSide   perpetual.PositionSide // 双向持仓模式下必填
	ReduceOnly     bool
}

// PlacedOrder 下单结果
type PlacedOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	TransactTime    float64 // 秒
}

// StatusTag 订单状态查询的结果类别
type StatusTag int

const (
	StatusOK StatusTag = iota
	StatusNotFound
	StatusTransientError
)

// OrderStatusResult 订单状态查询结果
// Tag 决定哪个字段有效：StatusOK 时 Update 有效，StatusTransientError 时 Err 有效
type OrderStatusResult struct {
	Tag    StatusTag
	Update *order.OrderUpdate
	Err    error
}

// StreamMessageType 用户数据流消息类别
type StreamMessageType int

const (
	StreamMessageUnknown StreamMessageType = iota
	StreamMessageOrderUpdate
	StreamMessagePositionUpdate
	StreamMessageBalanceUpdate
)

// IExchange 永续合约交易所接口
// REST 方法均接收 context；流解析方法为纯函数，不发网络请求
type IExchange interface {
	GetName() string

	// 订单
	PlaceOrder(ctx context.Context, req *OrderRequest) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, tradingPair, clientOrderID string) error
	GetOrderStatus(ctx context.Context, tradingPair, clientOrderID, exchangeOrderID string) *OrderStatusResult
	GetOrderTrades(ctx context.Context, tradingPair string) ([]*order.TradeUpdate, error)

	// 持仓与账户
	GetPositions(ctx context.Context) ([]*perpetual.Position, error)
	GetPositionMode(ctx context.Context) (perpetual.PositionMode, error)
	// SupportedPositionModes 返回交易所支持的持仓模式集合
	SupportedPositionModes() []perpetual.PositionMode
	// SetPositionMode 切换持仓模式
	// 账户级模式的交易所忽略 tradingPair，重复设置同一模式应当幂等成功
	SetPositionMode(ctx context.Context, tradingPair string, mode perpetual.PositionMode) error
	SetLeverage(ctx context.Context, tradingPair string, leverage int) (int, error)
	GetMaxLeverage(ctx context.Context, tradingPair string) (int, error)

	// 资金费
	// 查不到对应的资金费记录时返回 (nil, nil)
	GetLastFundingPayment(ctx context.Context, tradingPair string) (*perpetual.FundingPayment, error)
	GetFundingInfo(ctx context.Context, tradingPair string) (*perpetual.FundingInfo, error)

	// 用户数据流
	StartUserStream(ctx context.Context) (<-chan map[string]interface{}, error)
	StopUserStream()

	// 流消息解析：原始消息到领域对象的映射由各交易所自己实现
	ClassifyUserStreamMessage(msg map[string]interface{}) StreamMessageType
	ParseOrderUpdateFromStream(msg map[string]interface{}) (*order.OrderUpdate, error)
	ParseTradeUpdateFromStream(msg map[string]interface{}) (*order.TradeUpdate, error)
	ParsePositionsFromStream(msg map[string]interface{}) ([]*perpetual.Position, error)
}
