package api

import (
	"context"

	"crypto-exec-engine/internal/model"
)

// SubmitOutcome 下单调用的三值结果
type SubmitOutcome int

const (
	// SubmitAccepted 交易所已受理订单
	SubmitAccepted SubmitOutcome = iota
	// SubmitRejected 交易所明确拒绝，订单不存在
	SubmitRejected
	// SubmitAmbiguous 结果不明 (超时/未知响应)，订单可能已经生效
	// 调用方重试前必须先按 ClientOrderID 查单确认
	SubmitAmbiguous
)

// SubmitResult 下单调用的返回
type SubmitResult struct {
	Outcome         SubmitOutcome
	ExchangeOrderID string
	Reason          string // 拒绝原因 (Outcome 为 Rejected 时有效)
}

// Connector 交易所连接器，视为不可靠的远端服务
type Connector interface {
	// SubmitOrder 提交订单；网络类失败返回 Outcome=SubmitAmbiguous 并附带分类错误
	SubmitOrder(ctx context.Context, req model.OrderRequest) (SubmitResult, error)

	// QueryOrder 按 ClientOrderID 查询订单状态
	// 订单不存在时返回 ClassNotFound 错误
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (model.OrderState, error)

	// FetchKlines 拉取历史 K 线，按时间升序返回
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error)
}

// PriceFeed 推送式价格源，断线重连对调用方透明
// 数据缺口视为 "没有新信息"，不是错误
type PriceFeed interface {
	Subscribe(symbol string) (<-chan model.PriceTick, error)
	Unsubscribe(symbol string)
}
