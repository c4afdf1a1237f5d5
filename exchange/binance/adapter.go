package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"perpmesh/exchange"
	"perpmesh/logger"
	"perpmesh/order"
	"perpmesh/perpetual"
)

// BinanceAdapter 币安U本位永续合约适配器
type BinanceAdapter struct {
	client     *futures.Client
	useTestnet bool
	log        *logger.Logger

	userStream *UserStreamManager

	// 交易对映射：BTC-USDT <-> BTCUSDT
	pairToSymbol map[string]string
	symbolToPair map[string]string
}

// NewBinanceAdapter 创建币安适配器
func NewBinanceAdapter(cfg map[string]string, tradingPairs []string, log *logger.Logger) (*BinanceAdapter, error) {
	apiKey := cfg["api_key"]
	secretKey := cfg["secret_key"]

	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("Binance API 配置不完整")
	}

	useTestnet := cfg["testnet"] == "true"
	// 必须在创建客户端之前设置
	futures.UseTestnet = useTestnet
	if useTestnet {
		log.Info("🌐 [Binance] 使用测试网模式")
	}

	client := futures.NewClient(apiKey, secretKey)

	// 同步服务器时间
	client.NewSetServerTimeService().Do(context.Background())

	adapter := &BinanceAdapter{
		client:       client,
		useTestnet:   useTestnet,
		log:          log,
		pairToSymbol: make(map[string]string, len(tradingPairs)),
		symbolToPair: make(map[string]string, len(tradingPairs)),
	}
	for _, pair := range tradingPairs {
		symbol := strings.ReplaceAll(pair, "-", "")
		adapter.pairToSymbol[pair] = symbol
		adapter.symbolToPair[symbol] = pair
	}

	adapter.userStream = NewUserStreamManager(client, useTestnet, log)

	return adapter, nil
}

// GetName 获取交易所名称
func (b *BinanceAdapter) GetName() string {
	return "Binance"
}

func (b *BinanceAdapter) toSymbol(tradingPair string) string {
	if symbol, ok := b.pairToSymbol[tradingPair]; ok {
		return symbol
	}
	return strings.ReplaceAll(tradingPair, "-", "")
}

func (b *BinanceAdapter) toTradingPair(symbol string) string {
	if pair, ok := b.symbolToPair[symbol]; ok {
		return pair
	}
	// 未配置的交易对按常见计价币种猜测
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}

// PlaceOrder 下单
func (b *BinanceAdapter) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.PlacedOrder, error) {
	if req.Price.Sign() <= 0 && req.OrderType == order.OrderTypeLimit {
		return nil, fmt.Errorf("无效的下单价格: %s（限价单价格必须大于0）", req.Price)
	}
	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("无效的下单数量: %s（数量必须大于0）", req.Amount)
	}

	symbol := b.toSymbol(req.TradingPair)

	orderType := futures.OrderTypeLimit
	if req.OrderType == order.OrderTypeMarket {
		orderType = futures.OrderTypeMarket
	}

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(req.TradeType)).
		Type(orderType).
		Quantity(req.Amount.String()).
		NewClientOrderID(req.ClientOrderID)

	if orderType == futures.OrderTypeLimit {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(req.Price.String())
	}

	// 双向持仓模式下必须携带持仓方向；单向模式下平仓单用 ReduceOnly
	if req.PositionSide == perpetual.PositionSideLong || req.PositionSide == perpetual.PositionSideShort {
		svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}

	return &exchange.PlacedOrder{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		TransactTime:    float64(resp.UpdateTime) / 1000.0,
	}, nil
}

// CancelOrder 取消订单
// 交易所侧查不到该订单时返回 exchange.ErrOrderNotFound
func (b *BinanceAdapter) CancelOrder(ctx context.Context, tradingPair, clientOrderID string) error {
	_, err := b.client.NewCancelOrderService().
		Symbol(b.toSymbol(tradingPair)).
		OrigClientOrderID(clientOrderID).
		Do(ctx)

	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "-2011") || strings.Contains(errStr, "Unknown order") {
			return exchange.ErrOrderNotFound
		}
		return err
	}

	b.log.Info("✅ [Binance] 取消订单成功: %s", clientOrderID)
	return nil
}

// GetOrderStatus 查询订单状态
// 错误按类别打标签：-2013 表示订单不存在，其余视为瞬时错误
func (b *BinanceAdapter) GetOrderStatus(ctx context.Context, tradingPair, clientOrderID, exchangeOrderID string) *exchange.OrderStatusResult {
	svc := b.client.NewGetOrderService().Symbol(b.toSymbol(tradingPair))
	if clientOrderID != "" {
		svc = svc.OrigClientOrderID(clientOrderID)
	} else if exchangeOrderID != "" {
		if oid, err := strconv.ParseInt(exchangeOrderID, 10, 64); err == nil {
			svc = svc.OrderID(oid)
		}
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "-2013") || strings.Contains(errStr, "Order does not exist") {
			return &exchange.OrderStatusResult{Tag: exchange.StatusNotFound}
		}
		return &exchange.OrderStatusResult{Tag: exchange.StatusTransientError, Err: err}
	}

	return &exchange.OrderStatusResult{
		Tag: exchange.StatusOK,
		Update: &order.OrderUpdate{
			TradingPair:     tradingPair,
			UpdateTimestamp: float64(resp.UpdateTime) / 1000.0,
			NewState:        mapOrderStatus(resp.Status),
			ClientOrderID:   resp.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		},
	}
}

// GetOrderTrades 查询交易对的成交记录
func (b *BinanceAdapter) GetOrderTrades(ctx context.Context, tradingPair string) ([]*order.TradeUpdate, error) {
	trades, err := b.client.NewListAccountTradeService().
		Symbol(b.toSymbol(tradingPair)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询成交记录失败: %w", err)
	}

	result := make([]*order.TradeUpdate, 0, len(trades))
	for _, t := range trades {
		result = append(result, tradeUpdateFromAccountTrade(t, tradingPair))
	}
	return result, nil
}

// tradeUpdateFromAccountTrade 把账户成交记录转换为领域成交对象
func tradeUpdateFromAccountTrade(t *futures.AccountTrade, tradingPair string) *order.TradeUpdate {
	return &order.TradeUpdate{
		TradeID:         strconv.FormatInt(t.ID, 10),
		ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
		TradingPair:     tradingPair,
		FillTimestamp:   float64(t.Time) / 1000.0,
		FillPrice:       mustDecimal(t.Price),
		FillBaseAmount:  mustDecimal(t.Quantity),
		FillQuoteAmount: mustDecimal(t.QuoteQuantity),
		Fee:             commissionFee(mustDecimal(t.Commission), t.CommissionAsset),
	}
}

// GetPositions 获取当前持仓（仅返回非零持仓）
func (b *BinanceAdapter) GetPositions(ctx context.Context) ([]*perpetual.Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}

	positions := make([]*perpetual.Position, 0)
	for _, pos := range risks {
		amount := mustDecimal(pos.PositionAmt)
		if amount.IsZero() {
			continue
		}

		leverage := mustDecimal(pos.Leverage)
		positions = append(positions, perpetual.NewPosition(
			b.toTradingPair(pos.Symbol),
			mapPositionSide(pos.PositionSide, amount),
			amount,
			mustDecimal(pos.EntryPrice),
			leverage,
			mustDecimal(pos.UnRealizedProfit),
		))
	}
	return positions, nil
}

// GetPositionMode 查询持仓模式
func (b *BinanceAdapter) GetPositionMode(ctx context.Context) (perpetual.PositionMode, error) {
	resp, err := b.client.NewGetPositionModeService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("查询持仓模式失败: %w", err)
	}
	if resp.DualSidePosition {
		return perpetual.PositionModeHedge, nil
	}
	return perpetual.PositionModeOneway, nil
}

// SupportedPositionModes 币安 U 本位合约两种模式都支持
func (b *BinanceAdapter) SupportedPositionModes() []perpetual.PositionMode {
	return []perpetual.PositionMode{perpetual.PositionModeOneway, perpetual.PositionModeHedge}
}

// SetPositionMode 切换持仓模式
// 币安的持仓模式是账户级的，tradingPair 参数被忽略
// -4059 表示已经处于目标模式，视为成功
func (b *BinanceAdapter) SetPositionMode(ctx context.Context, tradingPair string, mode perpetual.PositionMode) error {
	err := b.client.NewChangePositionModeService().
		DualSide(mode == perpetual.PositionModeHedge).
		Do(ctx)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "-4059") || strings.Contains(errStr, "No need to change position side") {
			return nil
		}
		return err
	}
	return nil
}

// SetLeverage 设置杠杆倍数，返回交易所实际接受的倍数
func (b *BinanceAdapter) SetLeverage(ctx context.Context, tradingPair string, leverage int) (int, error) {
	resp, err := b.client.NewChangeLeverageService().
		Symbol(b.toSymbol(tradingPair)).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("设置杠杆失败: %w", err)
	}
	return resp.Leverage, nil
}

// GetMaxLeverage 查询交易对允许的最大杠杆倍数
func (b *BinanceAdapter) GetMaxLeverage(ctx context.Context, tradingPair string) (int, error) {
	brackets, err := b.client.NewGetLeverageBracketService().
		Symbol(b.toSymbol(tradingPair)).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询杠杆分层失败: %w", err)
	}

	maxLeverage := 0
	for _, bracket := range brackets {
		for _, tier := range bracket.Brackets {
			if tier.InitialLeverage > maxLeverage {
				maxLeverage = tier.InitialLeverage
			}
		}
	}
	if maxLeverage == 0 {
		return 0, fmt.Errorf("未找到 %s 的杠杆分层信息", tradingPair)
	}
	return maxLeverage, nil
}

// GetLastFundingPayment 查询最近一次资金费结算
// 没有结算记录时返回 (nil, nil)
func (b *BinanceAdapter) GetLastFundingPayment(ctx context.Context, tradingPair string) (*perpetual.FundingPayment, error) {
	incomes, err := b.client.NewGetIncomeHistoryService().
		Symbol(b.toSymbol(tradingPair)).
		IncomeType("FUNDING_FEE").
		Limit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询资金费记录失败: %w", err)
	}
	if len(incomes) == 0 {
		return nil, nil
	}

	income := incomes[0]
	amount := mustDecimal(income.Income)

	// 收益流水里没有费率，从标记价格接口补齐
	rate := decimal.Zero
	if info, err := b.GetFundingInfo(ctx, tradingPair); err == nil && info != nil {
		rate = info.Rate
	}

	return &perpetual.FundingPayment{
		Timestamp:   float64(income.Time) / 1000.0,
		FundingRate: rate,
		Amount:      amount,
	}, nil
}

// GetFundingInfo 查询资金费信息（标记价格、指数价格、费率、下次结算时间）
func (b *BinanceAdapter) GetFundingInfo(ctx context.Context, tradingPair string) (*perpetual.FundingInfo, error) {
	list, err := b.client.NewPremiumIndexService().
		Symbol(b.toSymbol(tradingPair)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询资金费信息失败: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("未找到交易对 %s 的资金费信息", tradingPair)
	}

	p := list[0]
	return &perpetual.FundingInfo{
		TradingPair:     tradingPair,
		IndexPrice:      mustDecimal(p.IndexPrice),
		MarkPrice:       mustDecimal(p.MarkPrice),
		NextFundingTime: float64(p.NextFundingTime) / 1000.0,
		Rate:            mustDecimal(p.LastFundingRate),
	}, nil
}

// StartUserStream 启动用户数据流
func (b *BinanceAdapter) StartUserStream(ctx context.Context) (<-chan map[string]interface{}, error) {
	return b.userStream.Start(ctx)
}

// StopUserStream 停止用户数据流
func (b *BinanceAdapter) StopUserStream() {
	b.userStream.Stop()
}

// mapOrderStatus 币安订单状态到内部状态的映射
func mapOrderStatus(status futures.OrderStatusType) order.OrderState {
	switch status {
	case futures.OrderStatusTypeNew:
		return order.OrderStateOpen
	case futures.OrderStatusTypePartiallyFilled:
		return order.OrderStatePartiallyFilled
	case futures.OrderStatusTypeFilled:
		return order.OrderStateFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return order.OrderStateCanceled
	case futures.OrderStatusTypeRejected:
		return order.OrderStateFailed
	}
	return order.OrderStateOpen
}

// mapPositionSide 币安持仓方向到内部方向的映射
// 单向模式下交易所返回 BOTH，按数量符号归到多头或空头
func mapPositionSide(side string, amount decimal.Decimal) perpetual.PositionSide {
	switch side {
	case "LONG":
		return perpetual.PositionSideLong
	case "SHORT":
		return perpetual.PositionSideShort
	}
	if amount.Sign() < 0 {
		return perpetual.PositionSideShort
	}
	return perpetual.PositionSideLong
}

// commissionFee 把交易所返回的手续费包装为固定费用
// 开平仓方向此时未知，由订单跟踪器在关联订单后补全
func commissionFee(commission decimal.Decimal, asset string) *order.TradeFee {
	return order.NewPerpetualFee(order.TradeFeeSchema{}, perpetual.PositionActionNil, false,
		[]order.TokenAmount{{Token: asset, Amount: commission}})
}

// mustDecimal 解析交易所返回的数字字符串，解析失败时按零处理
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
