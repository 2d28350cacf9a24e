package oms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto-exec-engine/internal/api"
	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedConnector 按调用次数回放脚本化的交易所响应
type scriptedConnector struct {
	mu       sync.Mutex
	submits  []model.OrderRequest
	queries  int
	submitFn func(call int, req model.OrderRequest) (api.SubmitResult, error)
	queryFn  func(call int, clientOrderID string) (model.OrderState, error)
}

func (c *scriptedConnector) SubmitOrder(_ context.Context, req model.OrderRequest) (api.SubmitResult, error) {
	c.mu.Lock()
	c.submits = append(c.submits, req)
	call := len(c.submits)
	c.mu.Unlock()
	return c.submitFn(call, req)
}

func (c *scriptedConnector) QueryOrder(_ context.Context, _, clientOrderID string) (model.OrderState, error) {
	c.mu.Lock()
	c.queries++
	call := c.queries
	c.mu.Unlock()
	return c.queryFn(call, clientOrderID)
}

func (c *scriptedConnector) FetchKlines(context.Context, string, string, int) ([]model.KLine, error) {
	return nil, nil
}

func (c *scriptedConnector) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submits)
}

func newTestManager(conn api.Connector) *OrderManager {
	return NewOrderManager(conn, service.OMSConfig{
		BackoffBase:     time.Millisecond,
		BackoffCap:      2 * time.Millisecond,
		ConfirmInterval: time.Millisecond,
	}, zap.NewNop())
}

func testRequest() model.OrderRequest {
	return model.OrderRequest{
		ClientOrderID: model.NewClientOrderID(),
		Symbol:        "BTC-USDT",
		Side:          model.SideBuy,
		Quantity:      1,
		Type:          model.TypeMarket,
	}
}

func filled(clOrdID string, qty, px float64) model.OrderState {
	return model.OrderState{
		ClientOrderID:   clOrdID,
		ExchangeOrderID: "ex-1",
		Status:          model.StatusFilled,
		FilledQuantity:  qty,
		AvgFillPrice:    px,
	}
}

func TestPlaceAndConfirm_FilledFirstAttempt(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAccepted, ExchangeOrderID: "ex-1"}, nil
		},
		queryFn: func(_ int, clOrdID string) (model.OrderState, error) {
			return filled(clOrdID, 1, 50000), nil
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), time.Second, 3)

	assert.Equal(t, model.StatusFilled, st.Status)
	assert.Equal(t, 1.0, st.FilledQuantity)
	assert.Equal(t, 50000.0, st.AvgFillPrice)
	assert.Equal(t, 1, conn.submitCount())
}

// 提交超时但订单其实已经生效：查单发现后绝不重发
func TestPlaceAndConfirm_AmbiguousFoundNeverResubmits(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAmbiguous}, &api.Error{Class: api.ClassTransient, Message: "timeout"}
		},
		queryFn: func(_ int, clOrdID string) (model.OrderState, error) {
			return filled(clOrdID, 1, 50000), nil
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), time.Second, 3)

	assert.Equal(t, model.StatusFilled, st.Status)
	assert.Equal(t, 1, conn.submitCount(), "a filled order must never be submitted twice")
}

// 查单确认上次提交不存在后才允许重发，且重发复用同一个 ClientOrderID
func TestPlaceAndConfirm_AbsentAllowsRetryWithSameID(t *testing.T) {
	conn := &scriptedConnector{}
	conn.submitFn = func(call int, _ model.OrderRequest) (api.SubmitResult, error) {
		if call == 1 {
			return api.SubmitResult{Outcome: api.SubmitAmbiguous}, &api.Error{Class: api.ClassTransient, Message: "timeout"}
		}
		return api.SubmitResult{Outcome: api.SubmitAccepted, ExchangeOrderID: "ex-2"}, nil
	}
	firstQuery := true
	conn.queryFn = func(_ int, clOrdID string) (model.OrderState, error) {
		if firstQuery {
			firstQuery = false
			return model.OrderState{}, &api.Error{Class: api.ClassNotFound, Message: "order not found"}
		}
		return filled(clOrdID, 1, 50000), nil
	}

	req := testRequest()
	st := newTestManager(conn).PlaceAndConfirm(context.Background(), req, time.Second, 3)

	assert.Equal(t, model.StatusFilled, st.Status)
	require.Equal(t, 2, conn.submitCount())
	assert.Equal(t, req.ClientOrderID, conn.submits[0].ClientOrderID)
	assert.Equal(t, req.ClientOrderID, conn.submits[1].ClientOrderID)
}

// 查单无法给出明确答案时宁可超时也不重发
func TestPlaceAndConfirm_UnknownNeverResubmits(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAmbiguous}, &api.Error{Class: api.ClassTransient, Message: "timeout"}
		},
		queryFn: func(_ int, _ string) (model.OrderState, error) {
			return model.OrderState{}, &api.Error{Class: api.ClassFatal, Message: "unexpected payload"}
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), time.Second, 3)

	assert.Equal(t, model.StatusTimedOut, st.Status)
	assert.Equal(t, 1, conn.submitCount())
}

func TestPlaceAndConfirm_Rejected(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitRejected, Reason: "insufficient balance"}, nil
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), time.Second, 3)

	assert.Equal(t, model.StatusRejected, st.Status)
	assert.ErrorContains(t, st.LastError, "insufficient balance")
	assert.Equal(t, 1, conn.submitCount(), "an explicit rejection must not be retried")
}

func TestPlaceAndConfirm_AuthErrorIsFatal(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAmbiguous}, &api.Error{Class: api.ClassAuth, Code: "50111", Message: "invalid api key"}
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), time.Second, 3)

	assert.Equal(t, model.StatusRejected, st.Status)
	assert.True(t, api.IsAuth(st.LastError))
	assert.Equal(t, 1, conn.submitCount(), "auth errors must not be retried")
}

func TestPlaceAndConfirm_MaxAttemptsExhausted(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAmbiguous}, &api.Error{Class: api.ClassTransient, Message: "timeout"}
		},
		queryFn: func(_ int, _ string) (model.OrderState, error) {
			return model.OrderState{}, &api.Error{Class: api.ClassNotFound, Message: "order not found"}
		},
	}

	req := testRequest()
	st := newTestManager(conn).PlaceAndConfirm(context.Background(), req, time.Second, 3)

	assert.Equal(t, model.StatusTimedOut, st.Status)
	require.Equal(t, 3, conn.submitCount())
	for _, s := range conn.submits {
		assert.Equal(t, req.ClientOrderID, s.ClientOrderID)
	}
}

// 确认窗口内未成交，但终判前的最后一次查单发现已成交
func TestPlaceAndConfirm_FinalCheckCatchesLateFill(t *testing.T) {
	started := time.Now()
	timeout := 50 * time.Millisecond
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAccepted, ExchangeOrderID: "ex-1"}, nil
		},
		queryFn: func(_ int, clOrdID string) (model.OrderState, error) {
			if time.Since(started) < timeout {
				return model.OrderState{ClientOrderID: clOrdID, Status: model.StatusConfirmed}, nil
			}
			return filled(clOrdID, 1, 50000), nil
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), timeout, 3)

	assert.Equal(t, model.StatusFilled, st.Status)
	assert.Equal(t, 1, conn.submitCount())
}

func TestPlaceAndConfirm_TimedOutWhenNeverFills(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAccepted, ExchangeOrderID: "ex-1"}, nil
		},
		queryFn: func(_ int, clOrdID string) (model.OrderState, error) {
			return model.OrderState{ClientOrderID: clOrdID, Status: model.StatusConfirmed}, nil
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), 30*time.Millisecond, 3)

	assert.Equal(t, model.StatusTimedOut, st.Status)
	assert.True(t, errors.Is(st.LastError, context.DeadlineExceeded))
}

func TestPlaceAndConfirm_CancelledIsTerminal(t *testing.T) {
	conn := &scriptedConnector{
		submitFn: func(_ int, _ model.OrderRequest) (api.SubmitResult, error) {
			return api.SubmitResult{Outcome: api.SubmitAccepted, ExchangeOrderID: "ex-1"}, nil
		},
		queryFn: func(_ int, clOrdID string) (model.OrderState, error) {
			return model.OrderState{ClientOrderID: clOrdID, Status: model.StatusCancelled}, nil
		},
	}

	st := newTestManager(conn).PlaceAndConfirm(context.Background(), testRequest(), time.Second, 3)

	assert.Equal(t, model.StatusCancelled, st.Status)
}
