package strategy

import (
	"fmt"
	"time"

	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"
	"crypto-exec-engine/pkg/ta"
)

// MACDTrend 多周期趋势做多策略
// 入场条件 (全部满足时发出 Long 信号):
//  1. 趋势周期 (默认 1h) MACD 线在零轴之上
//  2. 入场周期 (默认 15m) 收盘价出现连跌两根后反弹的回调形态
//  3. 入场周期快 EMA 在慢 EMA 之上
type MACDTrend struct {
	symbol string
	cfg    service.StrategyConfig
}

// NewMACDTrend 初始化策略
func NewMACDTrend(symbol string, cfg service.StrategyConfig) *MACDTrend {
	return &MACDTrend{symbol: symbol, cfg: cfg}
}

// Evaluate 对多周期收盘价做一次纯函数评估
func (s *MACDTrend) Evaluate(closes model.MultiIntervalCloses) (*model.Signal, error) {
	trend, ok := closes[s.cfg.TrendInterval]
	if !ok {
		return nil, fmt.Errorf("missing %s closes", s.cfg.TrendInterval)
	}
	entry, ok := closes[s.cfg.SignalInterval]
	if !ok {
		return nil, fmt.Errorf("missing %s closes", s.cfg.SignalInterval)
	}

	// 1. 趋势过滤: MACD > 0
	macd, err := ta.MACDLine(trend, s.cfg.MACDFast, s.cfg.MACDSlow, s.cfg.MACDSignal)
	if err != nil {
		return nil, err
	}
	if ta.Last(macd) <= 0 {
		return nil, nil
	}

	// 2. 回调形态: c[-4] > c[-3] > c[-2] 且 c[-2] < c[-1]
	n := len(entry)
	if n < 4 {
		return nil, fmt.Errorf("pattern requires at least 4 closes, got %d", n)
	}
	pullback := entry[n-4] > entry[n-3] && entry[n-3] > entry[n-2] && entry[n-2] < entry[n-1]
	if !pullback {
		return nil, nil
	}

	// 3. 短周期动量确认: 快 EMA > 慢 EMA
	fast, err := ta.EMA(entry, s.cfg.FastEMA)
	if err != nil {
		return nil, err
	}
	slow, err := ta.EMA(entry, s.cfg.SlowEMA)
	if err != nil {
		return nil, err
	}
	if ta.Last(fast) <= ta.Last(slow) {
		return nil, nil
	}

	return &model.Signal{
		Symbol:      s.symbol,
		GeneratedAt: time.Now(),
		Direction:   model.DirLong,
		SizeHint:    1.0,
		Reason: fmt.Sprintf("%s MACD > 0, %s pullback + EMA%d > EMA%d",
			s.cfg.TrendInterval, s.cfg.SignalInterval, s.cfg.FastEMA, s.cfg.SlowEMA),
	}, nil
}
