package factory

import (
	"fmt"

	"perpmesh/config"
	"perpmesh/exchange"
	"perpmesh/exchange/binance"
	"perpmesh/logger"
)

// New 创建交易所实例
// exchangeName 允许覆盖配置中的当前交易所，便于多交易所场景
func New(cfg *config.Config, exchangeName string, log *logger.Logger) (exchange.IExchange, error) {
	if exchangeName == "" {
		exchangeName = cfg.App.CurrentExchange
	}

	switch exchangeName {
	case "binance":
		exchangeCfg, exists := cfg.Exchanges["binance"]
		if !exists {
			return nil, fmt.Errorf("binance 配置不存在")
		}
		cfgMap := map[string]string{
			"api_key":    exchangeCfg.APIKey,
			"secret_key": exchangeCfg.SecretKey,
			"testnet":    fmt.Sprintf("%v", exchangeCfg.Testnet),
		}
		adapter, err := binance.NewBinanceAdapter(cfgMap, cfg.Trading.Pairs, log.Named("binance"))
		if err != nil {
			return nil, err
		}
		return adapter, nil

	default:
		return nil, fmt.Errorf("不支持的交易所: %s", exchangeName)
	}
}
