// Package oms 负责把一笔期望交易变成交易所确认的订单
//
// 核心安全规则：提交结果不明确时 (超时/未知响应)，重试前必须先按
// ClientOrderID 查单，确认上一次提交真的没有生效，绝不盲目重发。
package oms

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"crypto-exec-engine/internal/api"
	"crypto-exec-engine/internal/metrics"
	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"

	"go.uber.org/zap"
)

// OrderManager 订单管理器 (OMS)
// 不持有 Position，只在订单在途期间独占 OrderState
type OrderManager struct {
	conn   api.Connector
	cfg    service.OMSConfig
	logger *zap.Logger
}

// NewOrderManager 初始化 OMS
func NewOrderManager(conn api.Connector, cfg service.OMSConfig, logger *zap.Logger) *OrderManager {
	return &OrderManager{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "oms")),
	}
}

// PlaceAndConfirm 提交订单并等待终态，错误一律折叠进返回的 OrderState
// 终态只有 Filled / Rejected / Cancelled / TimedOut；由控制器解释其含义
func (m *OrderManager) PlaceAndConfirm(ctx context.Context, req model.OrderRequest, timeout time.Duration, maxAttempts int) model.OrderState {
	st := m.placeAndConfirm(ctx, req, timeout, maxAttempts)

	metrics.OrdersTerminal.WithLabelValues(req.Symbol, string(st.Status)).Inc()
	m.logger.Info("order reached terminal status",
		zap.String("ClientOrderID", req.ClientOrderID),
		zap.String("Status", string(st.Status)),
		zap.Float64("FilledQty", st.FilledQuantity),
		zap.Float64("AvgPx", st.AvgFillPrice),
		zap.Int("Attempts", st.Attempts),
		zap.Error(st.LastError))
	return st
}

func (m *OrderManager) placeAndConfirm(ctx context.Context, req model.OrderRequest, timeout time.Duration, maxAttempts int) model.OrderState {
	st := model.OrderState{ClientOrderID: req.ClientOrderID, Status: model.StatusCreated}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	submitted := false
	for attempt := 1; attempt <= maxAttempts && !submitted; attempt++ {
		if attempt > 1 && !m.backoff(ctx, attempt-1) {
			st.Status = model.StatusTimedOut
			return st
		}
		st.Attempts = attempt

		metrics.OrdersSubmitted.WithLabelValues(req.Symbol, string(req.Side)).Inc()
		res, err := m.conn.SubmitOrder(ctx, req)

		if err == nil {
			switch res.Outcome {
			case api.SubmitAccepted:
				st.ExchangeOrderID = res.ExchangeOrderID
				st.Status = model.StatusSubmitted
				submitted = true
				continue
			case api.SubmitRejected:
				st.Status = model.StatusRejected
				st.LastError = fmt.Errorf("order rejected: %s", res.Reason)
				return st
			}
		}

		st.LastError = err
		if api.IsAuth(err) {
			// 凭证错误没有重试的意义
			st.Status = model.StatusRejected
			return st
		}

		m.logger.Warn("submit outcome ambiguous, reconciling before retry",
			zap.String("ClientOrderID", req.ClientOrderID),
			zap.Int("Attempt", attempt),
			zap.Error(err))

		switch outcome, prev := m.reconcile(ctx, req); outcome {
		case reconcileFound:
			// 上一次提交其实已经生效，按已提交处理
			st.ExchangeOrderID = prev.ExchangeOrderID
			st.Status = model.StatusSubmitted
			submitted = true
		case reconcileAbsent:
			// 确认不存在，允许重发同一个 ClientOrderID
		default:
			// 无法确认存在与否，宁可超时也不重发
			st.Status = model.StatusTimedOut
			return st
		}
	}

	if !submitted {
		st.Status = model.StatusTimedOut
		return st
	}
	return m.confirm(ctx, req, st)
}

type reconcileOutcome int

const (
	reconcileFound reconcileOutcome = iota
	reconcileAbsent
	reconcileUnknown
)

// reconcile 查单直到得到明确答案：存在 / 确认不存在 / 无法确认
func (m *OrderManager) reconcile(ctx context.Context, req model.OrderRequest) (reconcileOutcome, model.OrderState) {
	for {
		prev, err := m.conn.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
		switch {
		case err == nil:
			return reconcileFound, prev
		case api.IsNotFound(err):
			return reconcileAbsent, model.OrderState{}
		case !api.IsTransient(err):
			return reconcileUnknown, model.OrderState{}
		}

		select {
		case <-ctx.Done():
			return reconcileUnknown, model.OrderState{}
		case <-time.After(m.cfg.ConfirmInterval):
		}
	}
}

// confirm 轮询成交确认，部分成交只做过程汇报
func (m *OrderManager) confirm(ctx context.Context, req model.OrderRequest, st model.OrderState) model.OrderState {
	ticker := time.NewTicker(m.cfg.ConfirmInterval)
	defer ticker.Stop()

	for {
		q, err := m.conn.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
		if err == nil {
			if q.ExchangeOrderID != "" {
				st.ExchangeOrderID = q.ExchangeOrderID
			}
			st.FilledQuantity = q.FilledQuantity
			st.AvgFillPrice = q.AvgFillPrice

			switch q.Status {
			case model.StatusFilled, model.StatusRejected, model.StatusCancelled:
				st.Status = q.Status
				return st
			case model.StatusPartiallyFilled:
				if st.Status != model.StatusPartiallyFilled {
					m.logger.Info("order partially filled",
						zap.String("ClientOrderID", req.ClientOrderID),
						zap.Float64("FilledQty", q.FilledQuantity))
				}
				st.Status = model.StatusPartiallyFilled
			default:
				if st.Status == model.StatusSubmitted {
					st.Status = model.StatusConfirmed
				}
			}
		} else if !api.IsTransient(err) {
			// 查询遇到不可重试错误：留给超时终判
			st.LastError = err
		}

		select {
		case <-ctx.Done():
			// 超时的订单可能已经成交，终判前最后查一次
			return m.finalCheck(req, st)
		case <-ticker.C:
		}
	}
}

// finalCheck 父 ctx 已超时，用独立的短 ctx 做最后一次查单
func (m *OrderManager) finalCheck(req model.OrderRequest, st model.OrderState) model.OrderState {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	q, err := m.conn.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
	if err == nil && q.Status == model.StatusFilled {
		st.ExchangeOrderID = q.ExchangeOrderID
		st.FilledQuantity = q.FilledQuantity
		st.AvgFillPrice = q.AvgFillPrice
		st.Status = model.StatusFilled
		return st
	}

	if st.LastError == nil {
		st.LastError = context.DeadlineExceeded
	}
	st.Status = model.StatusTimedOut
	return st
}

// backoff 指数退避加抖动，ctx 取消时返回 false
func (m *OrderManager) backoff(ctx context.Context, n int) bool {
	d := m.cfg.BackoffBase << n
	if d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(d + jitter):
		return true
	}
}
