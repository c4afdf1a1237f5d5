package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpmesh/config"
	"perpmesh/connector"
	"perpmesh/database"
	"perpmesh/event"
	exchangefactory "perpmesh/exchange/factory"
	"perpmesh/lock"
	"perpmesh/logger"
	"perpmesh/metrics"
	"perpmesh/utils"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		os.Stderr.WriteString("加载配置失败: " + err.Error() + "\n")
		os.Exit(1)
	}

	// 日志
	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	var log *logger.Logger
	if cfg.System.LogDir != "" {
		log = logger.NewWithFile(logLevel, cfg.System.LogDir)
	} else {
		log = logger.New(logLevel)
	}
	defer log.Close()

	log.Info("🚀 PerpMesh 永续合约连接器启动...")
	log.Info("📦 版本号: %s", Version)

	// 时区
	if cfg.System.Timezone != "" {
		if err := utils.SetLocation(cfg.System.Timezone); err != nil {
			log.Warn("⚠️ 加载时区 %s 失败: %v，将使用默认时区 Asia/Shanghai", cfg.System.Timezone, err)
			utils.SetLocation("Asia/Shanghai")
		} else {
			log.Info("✅ 系统时区设置为: %s", cfg.System.Timezone)
		}
	}
	log.SetLocation(utils.GlobalLocation)

	log.Info("✅ 配置加载成功: 交易所=%s, 交易对=%v", cfg.App.CurrentExchange, cfg.Trading.Pairs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 事件总线
	log.Info("🔧 正在初始化事件总线...")
	eventBus := event.NewEventBus(cfg.System.EventBufferSize, log.Named("event"))

	// 数据库
	log.Info("🔧 正在初始化数据库 (%s)...", cfg.Database.Type)
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		log.Fatal("❌ 初始化数据库失败: %v", err)
	}
	defer db.Close()

	// 事件中心：事件落库与业务表写入
	eventCenter := event.NewEventCenter(db, eventBus, &event.EventCenterConfig{
		Exchange:   cfg.App.CurrentExchange,
		RetainDays: cfg.System.EventRetainDays,
	}, log.Named("center"))
	if err := eventCenter.Start(); err != nil {
		log.Fatal("❌ 启动事件中心失败: %v", err)
	}
	defer eventCenter.Stop()

	// 分布式锁
	log.Info("🔧 正在初始化分布式锁 (enabled=%v)...", cfg.DistributedLock.Enabled)
	dlock, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.DistributedLock.Enabled,
		Type:       cfg.DistributedLock.Type,
		Prefix:     cfg.DistributedLock.Prefix,
		DefaultTTL: time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.DistributedLock.Redis.Addr,
			Password: cfg.DistributedLock.Redis.Password,
			DB:       cfg.DistributedLock.Redis.DB,
			PoolSize: cfg.DistributedLock.Redis.PoolSize,
		},
	})
	if err != nil {
		log.Fatal("❌ 初始化分布式锁失败: %v", err)
	}
	defer dlock.Close()

	// 实例锁：同一交易所账户只允许一个连接器实例
	instanceKey := "instance:" + cfg.App.CurrentExchange
	instanceTTL := 30 * time.Second
	acquired, err := dlock.TryLock(ctx, instanceKey, instanceTTL)
	if err != nil {
		log.Fatal("❌ 获取实例锁失败: %v", err)
	}
	if !acquired {
		log.Fatal("❌ 已有实例在运行 (%s)，拒绝启动", cfg.App.CurrentExchange)
	}
	defer dlock.Unlock(context.Background(), instanceKey)
	go func() {
		ticker := time.NewTicker(instanceTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dlock.Extend(ctx, instanceKey, instanceTTL); err != nil {
					log.Warn("⚠️ 续期实例锁失败: %v", err)
				}
			}
		}
	}()

	// 指标服务
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, log.Named("metrics"))
		metricsServer.Start()
	}

	// 交易所
	log.Info("🔧 正在连接交易所 %s...", cfg.App.CurrentExchange)
	ex, err := exchangefactory.New(cfg, "", log)
	if err != nil {
		log.Fatal("❌ 创建交易所实例失败: %v", err)
	}

	// 连接器
	conn := connector.NewPerpetualConnector(cfg, ex, eventBus, dlock, log.Named("connector"))
	if err := conn.Start(ctx); err != nil {
		log.Fatal("❌ 启动连接器失败: %v", err)
	}

	// 配置热更新：日志级别和杠杆倍数
	if watcher, err := config.NewConfigWatcher(configPath); err == nil {
		if err := watcher.Start(ctx); err == nil {
			go func() {
				leverage := cfg.Trading.Leverage
				for newCfg := range watcher.Updates() {
					newLevel := logger.ParseLogLevel(newCfg.System.LogLevel)
					if newLevel != log.GetLevel() {
						log.SetLevel(newLevel)
						log.Info("✅ 日志级别已更新为: %s", newLevel)
					}
					for pair, lev := range config.ChangedLeverage(leverage, newCfg.Trading.Leverage) {
						if _, err := conn.SetLeverage(ctx, pair, lev); err != nil {
							log.Warn("⚠️ 热更新杠杆失败 %s: %v", pair, err)
						}
					}
					leverage = newCfg.Trading.Leverage
				}
			}()
		}
		defer watcher.Stop()
	} else {
		log.Warn("⚠️ 启动配置监控失败: %v", err)
	}

	// 时钟循环：每秒驱动一次连接器
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				conn.Tick(float64(now.UnixMilli()) / 1000.0)
			}
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("⏸️ 收到退出信号: %v，开始关闭...", sig)

	// 按需撤销在途订单
	if cfg.System.CancelOnExit {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, o := range conn.ActiveOrders() {
			if err := conn.CancelOrder(shutdownCtx, o.ClientOrderID); err != nil {
				log.Warn("⚠️ 退出撤单失败 %s: %v", o.ClientOrderID, err)
			}
		}
		shutdownCancel()
	}

	conn.Stop()
	cancel()

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Stop(stopCtx)
		stopCancel()
	}

	log.Info("✅ PerpMesh 已退出")
}
