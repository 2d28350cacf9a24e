package strategy

import (
	"testing"

	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStrategyConfig() service.StrategyConfig {
	return service.StrategyConfig{
		TrendInterval:  "1h",
		SignalInterval: "15m",
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
		FastEMA:        4,
		SlowEMA:        16,
	}
}

// rising 生成单调上升的收盘价序列 (MACD 线必为正)
func rising(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// falling 生成单调下降的收盘价序列
func falling(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - float64(i)*step
	}
	return out
}

// pullbackEntry 上升趋势末端接连跌两根后反弹: ... 110, 109, 108, 109
func pullbackEntry() []float64 {
	closes := rising(21, 90, 1) // 90..110
	return append(closes, 109, 108, 109)
}

func TestEvaluate_LongSignal(t *testing.T) {
	s := NewMACDTrend("BTC-USDT", testStrategyConfig())

	sig, err := s.Evaluate(model.MultiIntervalCloses{
		"1h":  rising(60, 100, 1),
		"15m": pullbackEntry(),
	})
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "BTC-USDT", sig.Symbol)
	assert.Equal(t, model.DirLong, sig.Direction)
	assert.Equal(t, 1.0, sig.SizeHint)
	assert.NotEmpty(t, sig.Reason)
}

func TestEvaluate_NoSignalWhenTrendIsDown(t *testing.T) {
	s := NewMACDTrend("BTC-USDT", testStrategyConfig())

	sig, err := s.Evaluate(model.MultiIntervalCloses{
		"1h":  falling(60, 200, 1),
		"15m": pullbackEntry(),
	})
	require.NoError(t, err)
	assert.Nil(t, sig, "MACD below zero must veto the entry")
}

func TestEvaluate_NoSignalWithoutPullback(t *testing.T) {
	s := NewMACDTrend("BTC-USDT", testStrategyConfig())

	sig, err := s.Evaluate(model.MultiIntervalCloses{
		"1h":  rising(60, 100, 1),
		"15m": rising(24, 90, 1), // 无回调形态
	})
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestEvaluate_MissingIntervalIsError(t *testing.T) {
	s := NewMACDTrend("BTC-USDT", testStrategyConfig())

	_, err := s.Evaluate(model.MultiIntervalCloses{
		"15m": pullbackEntry(),
	})
	assert.Error(t, err)
}

func TestEvaluate_ShortWindowIsError(t *testing.T) {
	s := NewMACDTrend("BTC-USDT", testStrategyConfig())

	_, err := s.Evaluate(model.MultiIntervalCloses{
		"1h":  rising(10, 100, 1), // 不足 slow+signal
		"15m": pullbackEntry(),
	})
	assert.Error(t, err)
}
