package utils

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// 客户端订单ID前缀，用于在交易所侧识别本系统的订单
const orderIDPrefix = "pm"

var orderIDSeq uint64

// GenerateOrderID 生成客户端订单ID
// 格式: pm_<B|S>_<毫秒时间戳>_<序号>，时间戳加单调递增序号保证唯一
func GenerateOrderID(side string) string {
	sideChar := "B"
	if strings.EqualFold(side, "SELL") {
		sideChar = "S"
	}
	seq := atomic.AddUint64(&orderIDSeq, 1) % 10000
	return fmt.Sprintf("%s_%s_%d_%04d", orderIDPrefix, sideChar, time.Now().UnixMilli(), seq)
}

// ParseOrderID 解析客户端订单ID
// 返回方向（BUY/SELL）、生成时间戳（毫秒），非本系统格式返回 valid=false
func ParseOrderID(clientOrderID string) (side string, timestamp int64, valid bool) {
	parts := strings.Split(clientOrderID, "_")
	if len(parts) != 4 || parts[0] != orderIDPrefix {
		return "", 0, false
	}

	switch parts[1] {
	case "B":
		side = "BUY"
	case "S":
		side = "SELL"
	default:
		return "", 0, false
	}

	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || ts <= 0 {
		return "", 0, false
	}

	return side, ts, true
}

// IsOwnOrderID 是否为本系统生成的客户端订单ID
func IsOwnOrderID(clientOrderID string) bool {
	_, _, valid := ParseOrderID(clientOrderID)
	return valid
}
