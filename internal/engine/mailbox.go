package engine

import (
	"sync"

	"crypto-exec-engine/internal/model"
)

// TickMailbox 每个 Symbol 一个槽位的行情邮箱
// 新行情覆盖未消费的旧行情 (最新值语义)：过期可接受，重复无害
// PriceFeed 只写入，控制器只在步骤之间读取，二者从不共享可变结构
type TickMailbox struct {
	mu    sync.Mutex
	slots map[string]model.PriceTick
	ready chan struct{}
}

// NewTickMailbox 初始化邮箱
func NewTickMailbox() *TickMailbox {
	return &TickMailbox{
		slots: make(map[string]model.PriceTick),
		ready: make(chan struct{}, 1),
	}
}

// Put 存入最新行情，返回是否覆盖了一条未消费的旧行情
func (mb *TickMailbox) Put(tick model.PriceTick) bool {
	mb.mu.Lock()
	_, superseded := mb.slots[tick.Symbol]
	mb.slots[tick.Symbol] = tick
	mb.mu.Unlock()

	// 信号合并: 已有待处理信号时无需再发
	select {
	case mb.ready <- struct{}{}:
	default:
	}
	return superseded
}

// Take 取走指定 Symbol 的最新行情
func (mb *TickMailbox) Take(symbol string) (model.PriceTick, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	tick, ok := mb.slots[symbol]
	if ok {
		delete(mb.slots, symbol)
	}
	return tick, ok
}

// Drop 丢弃指定 Symbol 的未消费行情并吸收其待处理信号
func (mb *TickMailbox) Drop(symbol string) {
	mb.mu.Lock()
	delete(mb.slots, symbol)
	empty := len(mb.slots) == 0
	mb.mu.Unlock()

	if empty {
		select {
		case <-mb.ready:
		default:
		}
	}
}

// Ready 有新行情可取时可读
func (mb *TickMailbox) Ready() <-chan struct{} {
	return mb.ready
}
