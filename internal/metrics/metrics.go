// Package metrics 暴露引擎的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersSubmitted 按 Symbol/方向统计的下单次数 (含重试)
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_submitted_total",
		Help: "Order submissions sent to the exchange, including retries.",
	}, []string{"symbol", "side"})

	// OrdersTerminal 按终态统计的订单结果
	OrdersTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_terminal_total",
		Help: "Orders that reached a terminal status.",
	}, []string{"symbol", "status"})

	// SignalsGenerated 策略产出的可执行信号数
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_total",
		Help: "Actionable signals produced by the strategy.",
	}, []string{"symbol", "direction"})

	// TicksDropped 因消费不及时被丢弃的行情数 (最新值语义下无害)
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ticks_dropped_total",
		Help: "Price ticks dropped because a newer tick superseded them.",
	}, []string{"symbol"})

	// EngineState 控制器当前状态编码
	EngineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_state",
		Help: "Controller state: 0=idle 1=signaling 2=ordering 3=monitoring 4=closing 5=faulted 6=stopped.",
	}, []string{"symbol"})
)

// Handler 返回 /metrics 处理器，由 cmd 挂载
func Handler() http.Handler {
	return promhttp.Handler()
}
