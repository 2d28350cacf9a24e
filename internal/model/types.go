package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction 定义了信号或持仓的方向
type Direction string

const (
	DirLong  Direction = "long"  // 多
	DirShort Direction = "short" // 空
	DirFlat  Direction = "flat"  // 空仓 (无操作)
)

func (d Direction) String() string {
	return string(d)
}

// EntrySide 返回开仓 (或加仓) 所用的订单方向
func (d Direction) EntrySide() OrderSide {
	if d == DirShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide 返回平仓所用的订单方向
func (d Direction) ExitSide() OrderSide {
	if d == DirShort {
		return SideBuy
	}
	return SideSell
}

// OrderSide 订单买卖方向 (交易所语义)
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// OrderStatus 订单生命周期状态
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusConfirmed       OrderStatus = "CONFIRMED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusTimedOut        OrderStatus = "TIMED_OUT"
)

// Terminal 判断状态对调用方是否为终态
// PartiallyFilled 只作过程汇报，不是终态
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// OrderRequest 定义了一次下单请求
// 提交后不再修改，修正视为一笔新请求 (新的 ClientOrderID)
type OrderRequest struct {
	ClientOrderID string // 调用方生成的幂等键，永不复用
	Symbol        string
	Side          OrderSide
	Quantity      float64
	Type          OrderType
	LimitPrice    float64 // 仅限价单使用
	ReduceOnly    bool    // 平仓单必须置位，防止反向开仓
}

// NewClientOrderID 生成交易所可接受的幂等键 (32 位十六进制)
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OrderState 记录一笔在途订单的可变状态
// 在途期间由 OMS 独占，终态后以快照形式交还控制器
type OrderState struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          OrderStatus
	FilledQuantity  float64
	AvgFillPrice    float64
	Attempts        int
	LastError       error
}

// Position 当前持仓聚合，首次成交时创建，数量归零时销毁
// 只允许控制器在 OMS 确认终态后修改
type Position struct {
	Symbol          string
	Direction       Direction
	NetQuantity     float64
	AvgEntryPrice   float64
	AddCount        int
	LastAddPrice    float64 // 上一次加仓的成交价 (首仓时等于均价)
	PeakPrice       float64 // 开仓以来最有利的成交价，跟踪止盈的基准
	TakeProfitLevel float64
	StopLossLevel   float64
	OpenedAt        time.Time
}

// TrackPeak 用最新价格推进峰值 (做多取最高，做空取最低)
func (p *Position) TrackPeak(price float64) {
	if p.PeakPrice == 0 {
		p.PeakPrice = price
		return
	}
	if p.Direction == DirShort {
		if price < p.PeakPrice {
			p.PeakPrice = price
		}
		return
	}
	if price > p.PeakPrice {
		p.PeakPrice = price
	}
}

// IsOpen 判断是否仍有净持仓
func (p *Position) IsOpen() bool {
	return p != nil && p.NetQuantity > 0
}

// Merge 按数量加权均价合并一笔加仓成交
func (p *Position) Merge(price, qty float64) {
	total := p.NetQuantity + qty
	if total <= 0 {
		return
	}
	p.AvgEntryPrice = (p.AvgEntryPrice*p.NetQuantity + price*qty) / total
	p.NetQuantity = total
	p.AddCount++
	p.LastAddPrice = price
}

// Clone 返回持仓的只读副本，供 Status 查询使用
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// PriceTick 最小粒度的价格快照，只有每个 Symbol 最新的一条有决策意义
type PriceTick struct {
	Symbol     string
	Price      float64
	ObservedAt time.Time
}

// KLine 代表聚合后的 K 线数据
type KLine struct {
	Symbol    string
	Interval  string // 周期，例如 "1m", "15m", "1h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	EndTime   time.Time
}

// Signal 策略层产出的方向性建议，由控制器消费一次
type Signal struct {
	Symbol      string
	GeneratedAt time.Time
	Direction   Direction
	SizeHint    float64 // 相对基础仓位的倍数
	Reason      string
}

// EngineState 控制器当前所处阶段，一个交易会话只有一个实例
type EngineState string

const (
	StateIdle       EngineState = "IDLE"
	StateSignaling  EngineState = "SIGNALING"
	StateOrdering   EngineState = "ORDERING"
	StateMonitoring EngineState = "MONITORING"
	StateClosing    EngineState = "CLOSING"
	StateFaulted    EngineState = "FAULTED"
	StateStopped    EngineState = "STOPPED"
)

// MultiIntervalCloses 各周期对齐后的收盘价序列 (旧 -> 新)
type MultiIntervalCloses map[string][]float64
