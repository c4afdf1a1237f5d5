package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig 单个交易所的接入配置
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Testnet   bool   `yaml:"testnet" json:"testnet"` // 是否使用测试网（默认 false）
}

// Config 永续合约连接器配置
type Config struct {
	// 应用配置
	App struct {
		CurrentExchange string `yaml:"current_exchange"` // 当前使用的交易所
	} `yaml:"app"`

	// 多交易所配置
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`

	Trading struct {
		Pairs        []string       `yaml:"pairs"`         // 交易对列表，如 ["BTC-USDT", "ETH-USDT"]
		PositionMode string         `yaml:"position_mode"` // ONEWAY 或 HEDGE，默认 ONEWAY
		Leverage     map[string]int `yaml:"leverage"`      // 各交易对的目标杠杆倍数，默认1

		StatusPollInterval     int `yaml:"status_poll_interval"`      // 订单状态轮询间隔（秒，默认10）
		FundingFeePollInterval int `yaml:"funding_fee_poll_interval"` // 资金费轮询间隔（秒，默认600）
		LostOrderCountLimit    int `yaml:"lost_order_count_limit"`    // 连续未找到多少次判定订单丢失（默认3）
		OrderRateLimit         int `yaml:"order_rate_limit"`          // 每秒下单/撤单上限（默认10）
	} `yaml:"trading"`

	System struct {
		LogLevel         string `yaml:"log_level"`
		LogDir           string `yaml:"log_dir"`            // 日志目录，为空表示只输出到控制台
		Timezone         string `yaml:"timezone"`           // 时区，如 "Asia/Shanghai"
		CancelOnExit     bool   `yaml:"cancel_on_exit"`     // 退出时撤销所有在途订单
		EventBufferSize  int    `yaml:"event_buffer_size"`  // 事件队列大小（默认1000）
		EventRetainDays  int    `yaml:"event_retain_days"`  // 事件记录保留天数（默认30，0表示不清理）
	} `yaml:"system"`

	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/perpmesh.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 分布式锁配置（多实例部署）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用分布式锁，默认false（单实例模式）
		Type       string `yaml:"type"`        // 锁类型: redis，默认 redis
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "perpmesh:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认5

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 监控配置
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"` // 监听地址，默认 ":9102"
	} `yaml:"metrics"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	// 验证交易所配置
	if c.App.CurrentExchange == "" {
		return fmt.Errorf("必须指定当前使用的交易所 (app.current_exchange)")
	}

	if len(c.Exchanges) == 0 {
		return fmt.Errorf("未配置任何交易所，请在 exchanges 中添加配置")
	}

	exchangeCfg, exists := c.Exchanges[c.App.CurrentExchange]
	if !exists {
		return fmt.Errorf("交易所 %s 的配置不存在", c.App.CurrentExchange)
	}

	if exchangeCfg.APIKey == "" || exchangeCfg.SecretKey == "" {
		return fmt.Errorf("交易所 %s 的 API 配置不完整", c.App.CurrentExchange)
	}

	// 验证交易对配置
	if len(c.Trading.Pairs) == 0 {
		return fmt.Errorf("未配置任何交易对 (trading.pairs)")
	}
	seen := make(map[string]struct{}, len(c.Trading.Pairs))
	for _, pair := range c.Trading.Pairs {
		if pair == "" {
			return fmt.Errorf("交易对不能为空")
		}
		if _, dup := seen[pair]; dup {
			return fmt.Errorf("交易对 %s 重复配置", pair)
		}
		seen[pair] = struct{}{}
	}

	switch c.Trading.PositionMode {
	case "":
		c.Trading.PositionMode = "ONEWAY"
	case "ONEWAY", "HEDGE":
	default:
		return fmt.Errorf("无效的持仓模式: %s（只支持 ONEWAY / HEDGE）", c.Trading.PositionMode)
	}

	for pair, leverage := range c.Trading.Leverage {
		if leverage <= 0 {
			return fmt.Errorf("交易对 %s 的杠杆倍数必须大于0", pair)
		}
	}

	// 数值默认
	if c.Trading.StatusPollInterval <= 0 {
		c.Trading.StatusPollInterval = 10 // 默认10秒
	}
	if c.Trading.FundingFeePollInterval <= 0 {
		c.Trading.FundingFeePollInterval = 600 // 默认10分钟
	}
	if c.Trading.LostOrderCountLimit <= 0 {
		c.Trading.LostOrderCountLimit = 3 // 默认3次
	}
	if c.Trading.OrderRateLimit <= 0 {
		c.Trading.OrderRateLimit = 10 // 默认每秒10次
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.EventBufferSize <= 0 {
		c.System.EventBufferSize = 1000
	}
	if c.System.EventRetainDays < 0 {
		c.System.EventRetainDays = 30
	}

	// 数据库默认
	if c.Database.Type == "" {
		c.Database.Type = "sqlite" // 默认 SQLite（单机模式）
	}
	if c.Database.DSN == "" {
		if c.Database.Type == "sqlite" {
			c.Database.DSN = "./data/perpmesh.db"
		}
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	// 分布式锁默认
	if c.DistributedLock.Type == "" {
		c.DistributedLock.Type = "redis"
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "perpmesh:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 5
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9102"
	}

	return nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %v", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %v", err)
	}

	return nil
}

// ChangedLeverage 对比两份杠杆配置，返回杠杆发生变化的交易对及其新值
// 只看新配置中出现的交易对，删除的交易对不在返回结果中
func ChangedLeverage(prev, next map[string]int) map[string]int {
	changed := make(map[string]int)
	for pair, lev := range next {
		if prev[pair] != lev {
			changed[pair] = lev
		}
	}
	return changed
}
