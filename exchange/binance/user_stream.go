package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"perpmesh/logger"
	"perpmesh/metrics"
)

const (
	mainnetStreamURL = "wss://fstream.binance.com/ws/"
	testnetStreamURL = "wss://stream.binancefuture.com/ws/"

	// listenKey 有效期60分钟，每30分钟续期一次
	keepaliveInterval = 30 * time.Minute

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 60 * time.Second
)

// UserStreamManager 用户数据流管理器
// 负责 listenKey 的申请与续期、WebSocket 连接的维持与重连，
// 把原始消息投递到 channel，解析交给适配器
type UserStreamManager struct {
	client     *futures.Client
	useTestnet bool
	log        *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	listenKey string
	msgCh     chan map[string]interface{}
	cancel    context.CancelFunc
	running   bool
}

// NewUserStreamManager 创建用户数据流管理器
func NewUserStreamManager(client *futures.Client, useTestnet bool, log *logger.Logger) *UserStreamManager {
	return &UserStreamManager{
		client:     client,
		useTestnet: useTestnet,
		log:        log,
	}
}

// Start 启动用户数据流，返回原始消息 channel
func (m *UserStreamManager) Start(ctx context.Context) (<-chan map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return m.msgCh, nil
	}

	listenKey, err := m.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 listenKey 失败: %w", err)
	}
	m.listenKey = listenKey

	streamCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.msgCh = make(chan map[string]interface{}, 256)
	m.running = true

	go m.keepaliveLoop(streamCtx)
	go m.readLoop(streamCtx)

	m.log.Info("🚀 [Binance] 用户数据流已启动")
	return m.msgCh, nil
}

// Stop 停止用户数据流
func (m *UserStreamManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	if m.cancel != nil {
		m.cancel()
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.listenKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.client.NewCloseUserStreamService().ListenKey(m.listenKey).Do(ctx)
		cancel()
		m.listenKey = ""
	}

	m.log.Info("🛑 [Binance] 用户数据流已停止")
}

// keepaliveLoop 定期续期 listenKey
func (m *UserStreamManager) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			listenKey := m.listenKey
			m.mu.Unlock()
			if listenKey == "" {
				continue
			}

			err := m.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			if err != nil {
				m.log.Warn("⚠️ [Binance] listenKey 续期失败: %v，尝试重新申请", err)
				m.refreshListenKey(ctx)
			} else {
				m.log.Debug("listenKey 续期成功")
			}
		}
	}
}

// refreshListenKey 重新申请 listenKey，旧连接会在读循环中重连
func (m *UserStreamManager) refreshListenKey(ctx context.Context) {
	listenKey, err := m.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		m.log.Error("❌ [Binance] 重新申请 listenKey 失败: %v", err)
		return
	}

	m.mu.Lock()
	m.listenKey = listenKey
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
}

// readLoop 读取消息并在断开后按指数退避重连
func (m *UserStreamManager) readLoop(ctx context.Context) {
	defer close(m.msgCh)

	retry := 0
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := m.connect(ctx)
		if err != nil {
			delay := backoffDelay(retry)
			retry++
			m.log.Warn("⚠️ [Binance] WebSocket 连接失败: %v，%v 后重试", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		if !first {
			m.log.Info("✅ [Binance] WebSocket 已重连")
			metrics.GetPrometheusMetrics().RecordWebSocketReconnect("Binance", "user")
		}
		first = false
		retry = 0

		m.consume(ctx, conn)

		select {
		case <-ctx.Done():
			return
		default:
		}
		m.log.Warn("⚠️ [Binance] WebSocket 连接断开，准备重连")
	}
}

func (m *UserStreamManager) connect(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	listenKey := m.listenKey
	m.mu.Unlock()

	url := mainnetStreamURL
	if m.useTestnet {
		url = testnetStreamURL
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url+listenKey, nil)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return conn, nil
}

// consume 持续读取一条连接上的消息直到出错
func (m *UserStreamManager) consume(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Debug("无法解析的流消息: %v", err)
			continue
		}

		// listenKey 过期消息：触发换 key 重连
		if eventType, _ := msg["e"].(string); eventType == "listenKeyExpired" {
			m.log.Warn("⚠️ [Binance] listenKey 已过期，重新申请")
			m.refreshListenKey(ctx)
			return
		}

		select {
		case m.msgCh <- msg:
		case <-ctx.Done():
			return
		default:
			m.log.Warn("⚠️ [Binance] 用户数据流队列已满，丢弃消息")
		}
	}
}

// backoffDelay 指数退避延迟，从1秒起翻倍，封顶60秒
func backoffDelay(retry int) time.Duration {
	if retry > 6 {
		retry = 6
	}
	delay := reconnectBaseDelay * time.Duration(1<<uint(retry))
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}
