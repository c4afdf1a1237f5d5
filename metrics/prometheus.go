package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_order_total",
			Help: "Total number of orders placed",
		},
		[]string{"exchange", "trading_pair", "side", "status"},
	)

	orderFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_order_failure_total",
			Help: "Total number of failed order submissions",
		},
		[]string{"exchange", "trading_pair", "side", "reason"},
	)

	orderNotFoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_order_not_found_total",
			Help: "Total number of order-not-found responses from the exchange",
		},
		[]string{"exchange", "trading_pair"},
	)

	orderLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_order_lost_total",
			Help: "Total number of orders marked as lost",
		},
		[]string{"exchange", "trading_pair"},
	)

	orderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpmesh_order_duration_seconds",
			Help:    "Order submission duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"exchange", "trading_pair", "side"},
	)

	// 成交指标
	tradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_trade_volume_total",
			Help: "Total filled volume in base currency",
		},
		[]string{"exchange", "trading_pair", "side"},
	)

	tradeAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_trade_amount_total",
			Help: "Total filled amount in quote currency",
		},
		[]string{"exchange", "trading_pair", "side"},
	)

	tradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_trade_count_total",
			Help: "Total number of fills processed",
		},
		[]string{"exchange", "trading_pair", "side"},
	)

	// 持仓指标
	positionSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpmesh_position_size",
			Help: "Current position size in base currency (negative for short)",
		},
		[]string{"exchange", "trading_pair", "position_side"},
	)

	positionUnrealizedPnl = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpmesh_position_unrealized_pnl",
			Help: "Current unrealized profit and loss",
		},
		[]string{"exchange", "trading_pair", "position_side"},
	)

	leverageGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpmesh_leverage",
			Help: "Current leverage per trading pair",
		},
		[]string{"exchange", "trading_pair"},
	)

	// 资金费指标
	fundingPaymentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_funding_payment_count_total",
			Help: "Total number of funding payments recorded",
		},
		[]string{"exchange", "trading_pair"},
	)

	// 资金费有正负（支付为负、收取为正），不能用 Counter
	fundingPaymentAmount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpmesh_funding_payment_amount",
			Help: "Cumulative funding payment amount in quote currency, signed",
		},
		[]string{"exchange", "trading_pair"},
	)

	fundingRateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpmesh_funding_rate",
			Help: "Latest funding rate per trading pair",
		},
		[]string{"exchange", "trading_pair"},
	)

	// WebSocket 指标
	websocketStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpmesh_websocket_connected",
			Help: "WebSocket connection status (0=disconnected, 1=connected)",
		},
		[]string{"exchange", "stream_type"},
	)

	websocketReconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_websocket_reconnect_total",
			Help: "Total number of WebSocket reconnections",
		},
		[]string{"exchange", "stream_type"},
	)

	// 轮询指标
	pollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpmesh_poll_duration_seconds",
			Help:    "Polling pass duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"exchange", "poll_type"},
	)

	pollErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpmesh_poll_error_total",
			Help: "Total number of polling errors",
		},
		[]string{"exchange", "poll_type"},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

var (
	defaultMetrics *PrometheusMetrics
	once           sync.Once
)

// GetPrometheusMetrics 获取全局指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		defaultMetrics = &PrometheusMetrics{}
	})
	return defaultMetrics
}

// RecordOrder 记录订单提交
func (pm *PrometheusMetrics) RecordOrder(exchange, tradingPair, side, status string) {
	orderTotal.WithLabelValues(exchange, tradingPair, side, status).Inc()
}

// RecordOrderFailure 记录订单提交失败
func (pm *PrometheusMetrics) RecordOrderFailure(exchange, tradingPair, side, reason string) {
	orderFailureTotal.WithLabelValues(exchange, tradingPair, side, reason).Inc()
}

// RecordOrderNotFound 记录一次订单未找到
func (pm *PrometheusMetrics) RecordOrderNotFound(exchange, tradingPair string) {
	orderNotFoundTotal.WithLabelValues(exchange, tradingPair).Inc()
}

// RecordOrderLost 记录订单丢失
func (pm *PrometheusMetrics) RecordOrderLost(exchange, tradingPair string) {
	orderLostTotal.WithLabelValues(exchange, tradingPair).Inc()
}

// RecordOrderDuration 记录下单耗时
func (pm *PrometheusMetrics) RecordOrderDuration(exchange, tradingPair, side string, duration time.Duration) {
	orderDuration.WithLabelValues(exchange, tradingPair, side).Observe(duration.Seconds())
}

// RecordTrade 记录成交
func (pm *PrometheusMetrics) RecordTrade(exchange, tradingPair, side string, volume, amount float64) {
	tradeVolume.WithLabelValues(exchange, tradingPair, side).Add(volume)
	tradeAmount.WithLabelValues(exchange, tradingPair, side).Add(amount)
	tradeCount.WithLabelValues(exchange, tradingPair, side).Inc()
}

// SetPosition 设置持仓指标
func (pm *PrometheusMetrics) SetPosition(exchange, tradingPair, positionSide string, size, unrealizedPnl float64) {
	positionSize.WithLabelValues(exchange, tradingPair, positionSide).Set(size)
	positionUnrealizedPnl.WithLabelValues(exchange, tradingPair, positionSide).Set(unrealizedPnl)
}

// RemovePosition 持仓平掉后清除指标
func (pm *PrometheusMetrics) RemovePosition(exchange, tradingPair, positionSide string) {
	positionSize.DeleteLabelValues(exchange, tradingPair, positionSide)
	positionUnrealizedPnl.DeleteLabelValues(exchange, tradingPair, positionSide)
}

// SetLeverage 设置杠杆指标
func (pm *PrometheusMetrics) SetLeverage(exchange, tradingPair string, leverage int) {
	leverageGauge.WithLabelValues(exchange, tradingPair).Set(float64(leverage))
}

// RecordFundingPayment 记录资金费结算
func (pm *PrometheusMetrics) RecordFundingPayment(exchange, tradingPair string, amount float64) {
	fundingPaymentTotal.WithLabelValues(exchange, tradingPair).Inc()
	fundingPaymentAmount.WithLabelValues(exchange, tradingPair).Add(amount)
}

// SetFundingRate 设置资金费率指标
func (pm *PrometheusMetrics) SetFundingRate(exchange, tradingPair string, rate float64) {
	fundingRateGauge.WithLabelValues(exchange, tradingPair).Set(rate)
}

// SetWebSocketStatus 设置 WebSocket 连接状态
func (pm *PrometheusMetrics) SetWebSocketStatus(exchange, streamType string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	websocketStatus.WithLabelValues(exchange, streamType).Set(value)
}

// RecordWebSocketReconnect 记录 WebSocket 重连
func (pm *PrometheusMetrics) RecordWebSocketReconnect(exchange, streamType string) {
	websocketReconnectTotal.WithLabelValues(exchange, streamType).Inc()
}

// RecordPoll 记录一次轮询耗时
func (pm *PrometheusMetrics) RecordPoll(exchange, pollType string, duration time.Duration) {
	pollDuration.WithLabelValues(exchange, pollType).Observe(duration.Seconds())
}

// RecordPollError 记录轮询错误
func (pm *PrometheusMetrics) RecordPollError(exchange, pollType string) {
	pollErrorTotal.WithLabelValues(exchange, pollType).Inc()
}
