// Package rms 负责开仓后的风控决策：加仓、止盈、止损
//
// 决策函数是纯函数：读取持仓与最新价格，返回动作，绝不做 I/O，
// 也绝不修改 Position —— 持仓的唯一写入方是控制器。
package rms

import (
	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"
)

// ActionType 风控决策类型
type ActionType string

const (
	ActionHold       ActionType = "HOLD"
	ActionAdd        ActionType = "ADD"
	ActionTakeProfit ActionType = "TAKE_PROFIT"
	ActionStopLoss   ActionType = "STOP_LOSS"
)

// Action 一次风控决策
type Action struct {
	Type     ActionType
	Quantity float64
	Price    float64 // 触发决策的价格 (仅供日志)
	Reason   string
}

// RiskManager 风控管理器 (RMS)，调用之间无状态
type RiskManager struct {
	cfg service.RiskConfig
}

// NewRiskManager 初始化 RMS
func NewRiskManager(cfg service.RiskConfig) *RiskManager {
	return &RiskManager{cfg: cfg}
}

// Levels 根据均价计算止盈/止损价位
func (r *RiskManager) Levels(avgEntry float64, dir model.Direction) (takeProfit, stopLoss float64) {
	if dir == model.DirShort {
		return avgEntry * (1 - r.cfg.TakeProfitPct), avgEntry * (1 + r.cfg.StopLossPct)
	}
	return avgEntry * (1 + r.cfg.TakeProfitPct), avgEntry * (1 - r.cfg.StopLossPct)
}

// OnTick 对最新价格做一次决策；优先级 止损 > 止盈 > 加仓 > 持有
// 同一价格重复输入产生同样的决策 (幂等)，行情重复无害
func (r *RiskManager) OnTick(tick model.PriceTick, pos model.Position) Action {
	if !pos.IsOpen() || tick.Symbol != pos.Symbol {
		return Action{Type: ActionHold}
	}

	price := tick.Price

	// 1. 止损无条件优先，覆盖加仓逻辑
	if crossedAgainst(price, pos.StopLossLevel, pos.Direction) {
		return Action{
			Type:     ActionStopLoss,
			Quantity: pos.NetQuantity,
			Price:    price,
			Reason:   "stop loss level crossed",
		}
	}

	// 2. 止盈: 按配置比例平仓 (默认全平)
	// 配置了跟踪回撤时，越过止盈线只是武装跟踪，触发条件变为峰值回撤
	if tp := r.takeProfit(price, pos); tp != nil {
		return *tp
	}

	// 3. 加仓: 相对上次加仓价 (首仓为均价) 的有利波动达到阈值
	// 每层数量按 AddMultipliers 递进
	if pos.AddCount < r.cfg.MaxAdds {
		ref := pos.LastAddPrice
		if ref == 0 {
			ref = pos.AvgEntryPrice
		}
		if ref > 0 && favorableMove(price, ref, pos.Direction) >= r.cfg.AddThreshold {
			return Action{
				Type:     ActionAdd,
				Quantity: r.cfg.BaseQuantity * addMultiplier(r.cfg.AddMultipliers, pos.AddCount),
				Price:    price,
				Reason:   "favorable move beyond add threshold",
			}
		}
	}

	return Action{Type: ActionHold}
}

// takeProfit 判定止盈触发，返回 nil 表示未触发
func (r *RiskManager) takeProfit(price float64, pos model.Position) *Action {
	if r.cfg.TrailingOffsetPct > 0 {
		// 峰值尚未越过止盈线，跟踪未武装
		if !crossedFavorably(pos.PeakPrice, pos.TakeProfitLevel, pos.Direction) {
			return nil
		}
		if !retreatedFromPeak(price, pos.PeakPrice, r.cfg.TrailingOffsetPct, pos.Direction) {
			return nil
		}
		return &Action{
			Type:     ActionTakeProfit,
			Quantity: r.takeProfitQuantity(pos),
			Price:    price,
			Reason:   "trailing retreat from peak",
		}
	}

	if !crossedFavorably(price, pos.TakeProfitLevel, pos.Direction) {
		return nil
	}
	return &Action{
		Type:     ActionTakeProfit,
		Quantity: r.takeProfitQuantity(pos),
		Price:    price,
		Reason:   "take profit level crossed",
	}
}

func (r *RiskManager) takeProfitQuantity(pos model.Position) float64 {
	qty := pos.NetQuantity * r.cfg.TakeProfitFraction
	if qty > pos.NetQuantity {
		qty = pos.NetQuantity
	}
	return qty
}

// addMultiplier 第 n 次加仓 (0 起) 的数量倍数，超出配置长度时沿用末层
func addMultiplier(ms []float64, n int) float64 {
	if len(ms) == 0 {
		return 1
	}
	if n >= len(ms) {
		return ms[len(ms)-1]
	}
	return ms[n]
}

// Execute 把非 Hold 决策翻译成订单请求，由控制器转交 OMS
// RMS 自身绝不直接调用 OMS，保持对 Position 的单写者纪律
func (r *RiskManager) Execute(action Action, pos model.Position) (model.OrderRequest, bool) {
	if action.Type == ActionHold || action.Quantity <= 0 {
		return model.OrderRequest{}, false
	}

	req := model.OrderRequest{
		ClientOrderID: model.NewClientOrderID(),
		Symbol:        pos.Symbol,
		Quantity:      action.Quantity,
		Type:          model.TypeMarket,
	}

	switch action.Type {
	case ActionAdd:
		req.Side = pos.Direction.EntrySide()
	case ActionTakeProfit, ActionStopLoss:
		req.Side = pos.Direction.ExitSide()
		req.ReduceOnly = true
	default:
		return model.OrderRequest{}, false
	}
	return req, true
}

// CloseAll 构造一次全量平仓决策 (停止请求等外部原因)
func (r *RiskManager) CloseAll(pos model.Position, reason string) Action {
	return Action{
		Type:     ActionStopLoss,
		Quantity: pos.NetQuantity,
		Reason:   reason,
	}
}

// favorableMove 返回相对 ref 的有利波动比例 (不利时为负)
func favorableMove(price, ref float64, dir model.Direction) float64 {
	move := (price - ref) / ref
	if dir == model.DirShort {
		return -move
	}
	return move
}

func crossedFavorably(price, level float64, dir model.Direction) bool {
	if level <= 0 {
		return false
	}
	if dir == model.DirShort {
		return price <= level
	}
	return price >= level
}

func crossedAgainst(price, level float64, dir model.Direction) bool {
	if level <= 0 {
		return false
	}
	if dir == model.DirShort {
		return price >= level
	}
	return price <= level
}

// retreatedFromPeak 判断价格是否从峰值回撤超过 offset 比例
func retreatedFromPeak(price, peak, offset float64, dir model.Direction) bool {
	if peak <= 0 {
		return false
	}
	if dir == model.DirShort {
		return price >= peak*(1+offset)
	}
	return price <= peak*(1-offset)
}
