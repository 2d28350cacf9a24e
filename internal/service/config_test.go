package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
Exchange:
  Name: okx
  APIKey: "key"
  SecretKey: "secret"
  Passphrase: "phrase"
  WSURL: "wss://ws.okx.com:8443/ws/v5/public"
  RESTURL: "https://www.okx.com"

Database:
  DSN: "host=localhost dbname=engine"

Metrics:
  Addr: ":9090"

Instances:
  btc-swap:
    Symbol: "BTC-USDT"
    Risk:
      BaseQuantity: 0.01
      AddThreshold: 0.005
      MaxAdds: 3
      TakeProfitPct: 0.02
      StopLossPct: 0.01
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testConfigYAML), 0o644))

	cfg := LoadConfig(dir)

	assert.Equal(t, "okx", cfg.Exchange.Name)
	assert.Equal(t, "key", cfg.Exchange.APIKey)
	assert.Equal(t, "host=localhost dbname=engine", cfg.Database.DSN)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	instance, ok := cfg.Instances["btc-swap"]
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT", instance.Symbol)
	assert.Equal(t, 0.01, instance.Risk.BaseQuantity)
	assert.Equal(t, 3, instance.Risk.MaxAdds)
}

func TestApplyDefaults(t *testing.T) {
	ic := InstanceConfig{Symbol: "BTC-USDT"}
	ic.ApplyDefaults()

	assert.Equal(t, 100, ic.Window)
	assert.Equal(t, time.Minute, ic.PollInterval)
	assert.Equal(t, []string{"15m", "1h"}, ic.Intervals)
	assert.Equal(t, 1.0, ic.Risk.TakeProfitFraction)
	assert.Equal(t, 30*time.Second, ic.OMS.Timeout)
	assert.Equal(t, 3, ic.OMS.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, ic.OMS.BackoffBase)
	assert.Equal(t, "1h", ic.Strategy.TrendInterval)
	assert.Equal(t, "15m", ic.Strategy.SignalInterval)
	assert.Equal(t, 12, ic.Strategy.MACDFast)
	assert.Equal(t, 26, ic.Strategy.MACDSlow)
	assert.Equal(t, 9, ic.Strategy.MACDSignal)
}

// Symbol 写法归一化: 交易所侧与行情键一律大写加连字符
func TestApplyDefaults_NormalizesSymbol(t *testing.T) {
	for in, want := range map[string]string{
		"btc_usdt": "BTC-USDT",
		"btc-usdt": "BTC-USDT",
		"BTC-USDT": "BTC-USDT",
	} {
		ic := InstanceConfig{Symbol: in}
		ic.ApplyDefaults()
		assert.Equal(t, want, ic.Symbol, in)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	ic := InstanceConfig{
		Symbol:       "BTC-USDT",
		Window:       50,
		PollInterval: 10 * time.Second,
		Risk:         RiskConfig{TakeProfitFraction: 0.5},
	}
	ic.ApplyDefaults()

	assert.Equal(t, 50, ic.Window)
	assert.Equal(t, 10*time.Second, ic.PollInterval)
	assert.Equal(t, 0.5, ic.Risk.TakeProfitFraction)
}

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"4H":  4 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseIntervalDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "m", "0m", "5x", "-1m"} {
		_, err := ParseIntervalDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatInterval(t *testing.T) {
	assert.Equal(t, "1m", FormatInterval(time.Minute))
	assert.Equal(t, "15m", FormatInterval(15*time.Minute))
	assert.Equal(t, "1h", FormatInterval(time.Hour))
	assert.Equal(t, "30s", FormatInterval(30*time.Second))
}
