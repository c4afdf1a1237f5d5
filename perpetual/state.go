package perpetual

import (
	"sync"
)

// TradingState 永续合约交易状态
// 持仓集合、持仓模式、各交易对杠杆以及资金费信息的唯一事实来源
// 纯内存数据，不做任何 I/O，失败语义由调用方承担
type TradingState struct {
	mu           sync.RWMutex
	positionMode PositionMode
	positions    map[string]*Position
	leverage     map[string]int
	fundingInfo  map[string]*FundingInfo
}

// NewTradingState 创建交易状态
func NewTradingState() *TradingState {
	return &TradingState{
		positionMode: PositionModeOneway,
		positions:    make(map[string]*Position),
		leverage:     make(map[string]int),
		fundingInfo:  make(map[string]*FundingInfo),
	}
}

// PositionKey 计算持仓键
// 双向持仓模式下 LONG/SHORT 分别占一个键，单向模式下收敛为交易对本身
func (s *TradingState) PositionKey(tradingPair string, side PositionSide) string {
	s.mu.RLock()
	mode := s.positionMode
	s.mu.RUnlock()
	return PositionKeyForMode(tradingPair, side, mode)
}

// PositionKeyForMode 按指定模式计算持仓键
func PositionKeyForMode(tradingPair string, side PositionSide, mode PositionMode) string {
	if mode == PositionModeOneway {
		return tradingPair
	}
	return tradingPair + string(side)
}

// GetPosition 按交易对和方向查询持仓，不存在返回 nil
func (s *TradingState) GetPosition(tradingPair string, side PositionSide) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[PositionKeyForMode(tradingPair, side, s.positionMode)]
}

// GetPositionByKey 按持仓键查询持仓，不存在返回 nil
func (s *TradingState) GetPositionByKey(key string) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[key]
}

// SetPosition 写入持仓（覆盖同键旧值）
// 数量为 0 的持仓不允许存在：写入零数量等价于删除
func (s *TradingState) SetPosition(key string, position *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position == nil || position.Amount.IsZero() {
		delete(s.positions, key)
		return
	}
	s.positions[key] = position
}

// UpdatePosition 对已存在的持仓应用部分更新
// 更新后数量为 0 时删除该持仓；键不存在时不做任何事并返回 false
func (s *TradingState) UpdatePosition(key string, update PositionUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, exists := s.positions[key]
	if !exists {
		return false
	}
	position.Apply(update)
	if position.Amount.IsZero() {
		delete(s.positions, key)
	}
	return true
}

// RemovePosition 删除持仓，键不存在时为空操作
func (s *TradingState) RemovePosition(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, key)
}

// AccountPositions 返回全部持仓的快照（键 -> 持仓）
func (s *TradingState) AccountPositions() map[string]*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]*Position, len(s.positions))
	for key, position := range s.positions {
		snapshot[key] = position
	}
	return snapshot
}

// PositionKeys 返回全部持仓键
func (s *TradingState) PositionKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.positions))
	for key := range s.positions {
		keys = append(keys, key)
	}
	return keys
}

// SetPositionMode 设置持仓模式
func (s *TradingState) SetPositionMode(mode PositionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionMode = mode
}

// PositionMode 获取当前持仓模式
func (s *TradingState) PositionMode() PositionMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionMode
}

// SetLeverage 设置交易对杠杆
func (s *TradingState) SetLeverage(tradingPair string, leverage int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverage[tradingPair] = leverage
}

// GetLeverage 获取交易对杠杆，未设置时默认 1
func (s *TradingState) GetLeverage(tradingPair string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if leverage, exists := s.leverage[tradingPair]; exists {
		return leverage
	}
	return 1
}

// UpdateFundingInfo 更新交易对的资金费信息
func (s *TradingState) UpdateFundingInfo(info *FundingInfo) {
	if info == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundingInfo[info.TradingPair] = info
}

// GetFundingInfo 获取交易对的资金费信息，不存在返回 nil
func (s *TradingState) GetFundingInfo(tradingPair string) *FundingInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fundingInfo[tradingPair]
}
