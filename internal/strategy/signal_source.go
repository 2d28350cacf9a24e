package strategy

import (
	"crypto-exec-engine/internal/model"
)

// SignalSource 策略评估入口
// 实现必须是收盘价序列的纯函数：不做网络 I/O，不保留跨调用状态
// 返回 nil 表示本轮无信号；错误由控制器吸收为 "跳过本轮"，绝不致命
type SignalSource interface {
	Evaluate(closes model.MultiIntervalCloses) (*model.Signal, error)
}
