// Package ta 在 go-talib 之上提供带长度校验的指标计算
package ta

import (
	"fmt"

	"github.com/markcheno/go-talib"
)

// MACDLine 计算 MACD 线 (快慢 EMA 之差)
// 序列长度不足时返回错误，由调用方决定是否跳过本轮
func MACDLine(closes []float64, fast, slow, signal int) ([]float64, error) {
	need := slow + signal
	if len(closes) < need {
		return nil, fmt.Errorf("macd requires at least %d closes, got %d", need, len(closes))
	}
	macd, _, _ := talib.Macd(closes, fast, slow, signal)
	return macd, nil
}

// EMA 计算指数移动平均序列
func EMA(closes []float64, period int) ([]float64, error) {
	if len(closes) < period {
		return nil, fmt.Errorf("ema requires at least %d closes, got %d", period, len(closes))
	}
	return talib.Ema(closes, period), nil
}

// Last 取序列最新值，空序列返回 0
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
