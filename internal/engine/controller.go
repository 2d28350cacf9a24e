// Package engine 实现执行控制器：串联信号评估、订单管理与风控监控的状态机
//
// 并发纪律：状态机只在单一 run goroutine 内推进，控制器是 Position 与
// EngineState 的唯一写入方。PriceFeed 只通过行情邮箱通信，OMS 只通过
// 返回的快照通信，因此这些结构不需要跨 goroutine 加锁共享。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crypto-exec-engine/internal/api"
	"crypto-exec-engine/internal/metrics"
	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/oms"
	"crypto-exec-engine/internal/rms"
	"crypto-exec-engine/internal/service"
	"crypto-exec-engine/internal/strategy"
	"crypto-exec-engine/internal/warehouse"

	"go.uber.org/zap"
)

// ErrAlreadyRunning 会话已启动时 Start 返回，不改变任何状态
var ErrAlreadyRunning = errors.New("engine session already running")

// 部分成交后小于该值的剩余量视为已平
const quantityEpsilon = 1e-9

// Status 控制器对外的一致性快照
type Status struct {
	State     model.EngineState
	Position  *model.Position
	LastError error
}

// Controller 执行控制器
type Controller struct {
	cfg     service.InstanceConfig
	source  strategy.SignalSource
	history warehouse.CloseSource
	feed    api.PriceFeed
	orders  *oms.OrderManager
	risk    *rms.RiskManager
	logger  *zap.Logger

	mu      sync.Mutex // 保护快照字段 (state/pos/lastErr) 的读取
	state   model.EngineState
	pos     *model.Position
	lastErr error

	running  atomic.Bool
	stopping atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	mailbox      *TickMailbox
	pending      *model.Signal // Signaling 产出、待 Ordering 消费的信号
	pendingQty   float64
	pendingClose rms.Action // Monitoring 产出、待 Closing 消费的平仓决策
}

// NewController 组装一个交易会话的控制器
func NewController(
	cfg service.InstanceConfig,
	source strategy.SignalSource,
	history warehouse.CloseSource,
	feed api.PriceFeed,
	orders *oms.OrderManager,
	risk *rms.RiskManager,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		cfg:     cfg,
		source:  source,
		history: history,
		feed:    feed,
		orders:  orders,
		risk:    risk,
		logger:  logger.With(zap.String("component", "engine"), zap.String("Symbol", cfg.Symbol)),
		state:   model.StateIdle,
		mailbox: NewTickMailbox(),
	}
}

// Start 启动交易会话
// 会话已在运行时返回 ErrAlreadyRunning，绝不启动第二个状态机
func (c *Controller) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.setState(model.StateIdle)

	go c.run()
	c.logger.Info("engine session started", zap.Duration("PollInterval", c.cfg.PollInterval))
	return nil
}

// Stop 协作式停止并等待状态机退出
// 在途 OMS 调用允许完成 (硬杀会留下状态不明的订单)；持仓未平时先强制平仓
func (c *Controller) Stop() {
	if !c.running.Load() {
		return
	}
	if c.stopping.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
	<-c.doneCh
}

// Status 返回当前状态的一致性快照，绝不暴露可变引用，也不阻塞控制循环
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Position: c.pos.Clone(), LastError: c.lastErr}
}

// State 当前状态机阶段
func (c *Controller) State() model.EngineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run 状态机主循环，整个会话只有这一个执行流推进决策动作
func (c *Controller) run() {
	defer close(c.doneCh)

	trigger := time.NewTicker(c.cfg.PollInterval)
	defer trigger.Stop()

	for {
		// 停止请求只在步骤之间处理，绝不打断在途订单
		// 已故障的会话不再强制平仓: 平仓失败只允许尝试一次，
		// 反复重发失败的平仓单会造成敞口不一致
		if c.stopping.Load() {
			switch {
			case c.State() == model.StateFaulted:
			case !c.position().IsOpen():
				c.setState(model.StateStopped)
				c.logger.Info("engine session stopped")
				return
			case c.State() != model.StateClosing:
				c.pendingClose = c.risk.CloseAll(*c.position(), "stop requested")
				c.setState(model.StateClosing)
			}
		}

		switch c.State() {
		case model.StateIdle:
			select {
			case <-c.stopCh:
			case <-trigger.C:
				c.setState(model.StateSignaling)
			}
		case model.StateSignaling:
			c.signalStep()
		case model.StateOrdering:
			c.openStep()
		case model.StateMonitoring:
			c.monitorStep()
		case model.StateClosing:
			c.closeStep()
		case model.StateFaulted, model.StateStopped:
			return
		}
	}
}

// signalStep 拉取多周期收盘价并评估策略
// 数据层/策略层的任何错误都吸收为 "跳过本轮"，绝不致命
func (c *Controller) signalStep() {
	// 数据层查询挂死不能拖住控制循环: 一轮评估的预算就是一个轮询周期
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollInterval)
	defer cancel()

	closes, err := c.history.FetchMultiIntervalCloses(ctx, c.cfg.Symbol, c.cfg.Intervals, c.cfg.Window)
	if err != nil {
		c.logger.Warn("failed to fetch closes, cycle skipped", zap.Error(err))
		c.setState(model.StateIdle)
		return
	}

	sig, err := c.source.Evaluate(closes)
	if err != nil {
		c.logger.Warn("signal source error, cycle skipped", zap.Error(err))
		c.setState(model.StateIdle)
		return
	}
	if sig == nil || sig.Direction == model.DirFlat {
		c.setState(model.StateIdle)
		return
	}

	// 仓位约束: 每个 Symbol 最多一个持仓
	if c.position().IsOpen() {
		c.logger.Warn("signal ignored, position already open")
		c.setState(model.StateMonitoring)
		return
	}

	qty := sig.SizeHint * c.cfg.Risk.BaseQuantity
	if qty < c.cfg.Risk.MinOrderQuantity || qty <= 0 ||
		(c.cfg.Risk.MaxPositionSize > 0 && qty > c.cfg.Risk.MaxPositionSize) {
		// 超出配置边界属于策略违规: 跳过本轮，不算故障
		c.logger.Warn("order size out of configured bounds, cycle skipped", zap.Float64("Quantity", qty))
		c.setState(model.StateIdle)
		return
	}

	metrics.SignalsGenerated.WithLabelValues(sig.Symbol, sig.Direction.String()).Inc()
	c.logger.Info("!!! NEW TRADING SIGNAL !!!",
		zap.String("Direction", sig.Direction.String()),
		zap.Float64("Quantity", qty),
		zap.String("Reason", sig.Reason))

	c.pending = sig
	c.pendingQty = qty
	c.setState(model.StateOrdering)
}

// openStep 将信号转为开仓订单并等待终态
func (c *Controller) openStep() {
	sig := c.pending
	c.pending = nil
	if sig == nil {
		c.setState(model.StateIdle)
		return
	}

	req := model.OrderRequest{
		ClientOrderID: model.NewClientOrderID(),
		Symbol:        sig.Symbol,
		Side:          sig.Direction.EntrySide(),
		Quantity:      c.pendingQty,
		Type:          model.TypeMarket,
	}
	st := c.orders.PlaceAndConfirm(context.Background(), req, c.cfg.OMS.Timeout, c.cfg.OMS.MaxAttempts)

	switch st.Status {
	case model.StatusFilled:
		tp, sl := c.risk.Levels(st.AvgFillPrice, sig.Direction)
		c.setPosition(&model.Position{
			Symbol:          sig.Symbol,
			Direction:       sig.Direction,
			NetQuantity:     st.FilledQuantity,
			AvgEntryPrice:   st.AvgFillPrice,
			LastAddPrice:    st.AvgFillPrice,
			PeakPrice:       st.AvgFillPrice,
			TakeProfitLevel: tp,
			StopLossLevel:   sl,
			OpenedAt:        time.Now(),
		})
		c.subscribeFeed()
		c.logger.Info("position opened",
			zap.Float64("Quantity", st.FilledQuantity),
			zap.Float64("AvgEntryPrice", st.AvgFillPrice),
			zap.Float64("TakeProfitLevel", tp),
			zap.Float64("StopLossLevel", sl))
		c.setState(model.StateMonitoring)
	default:
		if api.IsAuth(st.LastError) {
			c.fault(st.LastError)
			return
		}
		// 开仓失败不产生持仓，回到 Idle 等待下一轮
		c.logger.Warn("entry order not filled",
			zap.String("Status", string(st.Status)), zap.Error(st.LastError))
		c.setState(model.StateIdle)
	}
}

// monitorStep 消费一条最新行情并执行风控决策
func (c *Controller) monitorStep() {
	select {
	case <-c.stopCh:
		return // 强制平仓在循环顶部处理
	case <-c.mailbox.Ready():
	}

	tick, ok := c.mailbox.Take(c.cfg.Symbol)
	if !ok {
		return
	}

	if !c.position().IsOpen() {
		c.setState(model.StateIdle)
		return
	}

	// 峰值价格由控制器推进 (单写者纪律)，风控决策只读取
	c.mu.Lock()
	c.pos.TrackPeak(tick.Price)
	pos := *c.pos
	c.mu.Unlock()

	action := c.risk.OnTick(tick, pos)
	switch action.Type {
	case rms.ActionAdd:
		c.setState(model.StateOrdering)
		c.addStep(action)
		if c.State() == model.StateOrdering {
			c.setState(model.StateMonitoring)
		}
	case rms.ActionTakeProfit, rms.ActionStopLoss:
		c.logger.Info("risk action triggers close",
			zap.String("Action", string(action.Type)),
			zap.Float64("Price", action.Price),
			zap.String("Reason", action.Reason))
		c.pendingClose = action
		c.setState(model.StateClosing)
	}
}

// addStep 执行一次加仓；失败的加仓直接跳过，不自动重试
// 下一个有利行情可以再次触发
func (c *Controller) addStep(action rms.Action) {
	pos := c.position()
	req, ok := c.risk.Execute(action, *pos)
	if !ok {
		return
	}

	st := c.orders.PlaceAndConfirm(context.Background(), req, c.cfg.OMS.Timeout, c.cfg.OMS.MaxAttempts)
	switch st.Status {
	case model.StatusFilled:
		c.mu.Lock()
		c.pos.Merge(st.AvgFillPrice, st.FilledQuantity)
		tp, sl := c.risk.Levels(c.pos.AvgEntryPrice, c.pos.Direction)
		c.pos.TakeProfitLevel = tp
		c.pos.StopLossLevel = sl
		merged := *c.pos
		c.mu.Unlock()

		c.logger.Info("add filled, position merged",
			zap.Float64("NetQuantity", merged.NetQuantity),
			zap.Float64("AvgEntryPrice", merged.AvgEntryPrice),
			zap.Int("AddCount", merged.AddCount))
	default:
		if api.IsAuth(st.LastError) {
			c.fault(st.LastError)
			return
		}
		c.logger.Warn("add order failed, skipped",
			zap.String("Status", string(st.Status)), zap.Error(st.LastError))
	}
}

// closeStep 执行平仓；失败的平仓是运维可见故障，绝不自动重试
// (反复失败的平仓会造成敞口不一致，需要人工介入)
func (c *Controller) closeStep() {
	pos := c.position()
	if !pos.IsOpen() {
		c.finishClose()
		return
	}

	action := c.pendingClose
	c.pendingClose = rms.Action{}
	if action.Quantity <= 0 {
		action = c.risk.CloseAll(*pos, "close requested")
	}

	req, ok := c.risk.Execute(action, *pos)
	if !ok {
		c.fault(fmt.Errorf("cannot build close order for %s", pos.Symbol))
		return
	}

	st := c.orders.PlaceAndConfirm(context.Background(), req, c.cfg.OMS.Timeout, c.cfg.OMS.MaxAttempts)
	if st.Status != model.StatusFilled {
		err := st.LastError
		if err == nil {
			err = fmt.Errorf("terminal status %s", st.Status)
		}
		c.fault(fmt.Errorf("close order %s failed: %w", req.ClientOrderID, err))
		return
	}

	remaining := pos.NetQuantity - st.FilledQuantity
	if remaining > quantityEpsilon {
		// 部分止盈: 保留剩余仓位继续监控
		c.mu.Lock()
		c.pos.NetQuantity = remaining
		c.mu.Unlock()
		c.logger.Info("partial close filled", zap.Float64("Remaining", remaining))
		c.setState(model.StateMonitoring)
		return
	}
	c.finishClose()
}

// finishClose 持仓归零: 退订行情，回到 Idle
func (c *Controller) finishClose() {
	c.feed.Unsubscribe(c.cfg.Symbol)
	c.setPosition(nil)
	c.logger.Info("position closed")
	c.setState(model.StateIdle)
}

// subscribeFeed 订阅行情并启动泵 goroutine
// 泵只写入邮箱，绝不触碰持仓；通道关闭 (退订) 时自行退出
func (c *Controller) subscribeFeed() {
	// 上一个持仓遗留的行情对新持仓没有决策意义，开仓前清空
	c.mailbox.Drop(c.cfg.Symbol)

	ch, err := c.feed.Subscribe(c.cfg.Symbol)
	if err != nil {
		// 行情层故障不致命: 没有新行情就没有新决策
		c.logger.Warn("price feed subscribe failed", zap.Error(err))
		return
	}
	go func() {
		for tick := range ch {
			if c.mailbox.Put(tick) {
				metrics.TicksDropped.WithLabelValues(tick.Symbol).Inc()
			}
		}
	}()
}

// fault 进入 Faulted 终态，保留持仓与错误供 Status 查询
func (c *Controller) fault(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Error("engine faulted, manual intervention required", zap.Error(err))
	c.setState(model.StateFaulted)
}

func (c *Controller) position() *model.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *Controller) setPosition(p *model.Position) {
	c.mu.Lock()
	c.pos = p
	c.mu.Unlock()
}

var stateCodes = map[model.EngineState]float64{
	model.StateIdle:       0,
	model.StateSignaling:  1,
	model.StateOrdering:   2,
	model.StateMonitoring: 3,
	model.StateClosing:    4,
	model.StateFaulted:    5,
	model.StateStopped:    6,
}

func (c *Controller) setState(s model.EngineState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.Debug("state transition",
			zap.String("From", string(prev)), zap.String("To", string(s)))
	}
	metrics.EngineState.WithLabelValues(c.cfg.Symbol).Set(stateCodes[s])
}
