// internal/service/config.go
package service

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name       string
	APIKey     string
	SecretKey  string
	Passphrase string // Okx 独有
	WSURL      string
	RESTURL    string
}

// DatabaseConfig K 线仓库的连接信息
type DatabaseConfig struct {
	DSN string
}

// MetricsConfig 指标服务监听地址，留空则不启动
type MetricsConfig struct {
	Addr string
}

// RiskConfig 定义了风控策略参数 (全部可配置，不写死数值)
type RiskConfig struct {
	BaseQuantity       float64   // 基础下单数量 (币本位)
	MinOrderQuantity   float64   // 低于此数量视为违规，跳过本轮
	MaxPositionSize    float64   // 持仓数量上限
	AddThreshold       float64   // 相对均价/上次加仓价的有利波动比例，达到后允许加仓
	MaxAdds            int       // 最大加仓次数
	AddMultipliers     []float64 // 逐层加仓数量倍数，第 n 次加仓取第 n 项 (超出取末项，空则恒为 1)
	TakeProfitPct      float64   // 止盈距离 (相对均价比例)
	StopLossPct        float64   // 止损距离 (相对均价比例)
	TakeProfitFraction float64   // 止盈平仓比例，默认 1.0 全平
	TrailingOffsetPct  float64   // 跟踪止盈回撤比例，> 0 时止盈改为峰值回撤触发
}

// OMSConfig 订单管理器参数
type OMSConfig struct {
	Timeout         time.Duration // 单笔订单从提交到确认的总时限
	MaxAttempts     int           // 提交重试上限
	BackoffBase     time.Duration // 指数退避基础间隔
	BackoffCap      time.Duration // 退避上限
	ConfirmInterval time.Duration // 成交确认轮询间隔
}

// StrategyConfig 定义了策略启动参数
type StrategyConfig struct {
	Name           string
	TrendInterval  string // 趋势过滤周期，例如 "1h"
	SignalInterval string // 入场形态周期，例如 "15m"
	MACDFast       int
	MACDSlow       int
	MACDSignal     int
	FastEMA        int
	SlowEMA        int
}

// InstanceConfig 单个交易实例的完整参数
type InstanceConfig struct {
	Symbol       string
	Intervals    []string // 信号评估所需的全部 K 线周期
	Window       int      // 每个周期的收盘价窗口长度
	PollInterval time.Duration
	Risk         RiskConfig
	OMS          OMSConfig
	Strategy     StrategyConfig
}

// Config 进程级配置
type Config struct {
	Exchange  ExchangeConfig            `mapstructure:"Exchange"`
	Database  DatabaseConfig            `mapstructure:"Database"`
	Metrics   MetricsConfig             `mapstructure:"Metrics"`
	Instances map[string]InstanceConfig `mapstructure:"Instances"`
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// LoadConfig 读取并解析配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigName("config") // 文件名是 config
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	for name, instance := range GlobalConfig.Instances {
		instance.ApplyDefaults()
		GlobalConfig.Instances[name] = instance
	}

	return &GlobalConfig
}

// ApplyDefaults 填充实例配置中省略的字段，并归一化 Symbol 写法
// (交易所侧统一使用大写加连字符，配置写 btc_usdt 也能对上行情)
func (ic *InstanceConfig) ApplyDefaults() {
	ic.Symbol = strings.ToUpper(strings.ReplaceAll(ic.Symbol, "_", "-"))
	if ic.Window == 0 {
		ic.Window = 100
	}
	if ic.PollInterval == 0 {
		ic.PollInterval = time.Minute
	}
	if len(ic.Intervals) == 0 {
		ic.Intervals = []string{"15m", "1h"}
	}
	if ic.Risk.TakeProfitFraction == 0 {
		ic.Risk.TakeProfitFraction = 1.0 // 默认全平
	}
	if ic.OMS.Timeout == 0 {
		ic.OMS.Timeout = 30 * time.Second
	}
	if ic.OMS.MaxAttempts == 0 {
		ic.OMS.MaxAttempts = 3
	}
	if ic.OMS.BackoffBase == 0 {
		ic.OMS.BackoffBase = 500 * time.Millisecond
	}
	if ic.OMS.BackoffCap == 0 {
		ic.OMS.BackoffCap = 5 * time.Second
	}
	if ic.OMS.ConfirmInterval == 0 {
		ic.OMS.ConfirmInterval = time.Second
	}
	if ic.Strategy.TrendInterval == "" {
		ic.Strategy.TrendInterval = "1h"
	}
	if ic.Strategy.SignalInterval == "" {
		ic.Strategy.SignalInterval = "15m"
	}
	if ic.Strategy.MACDFast == 0 {
		ic.Strategy.MACDFast = 12
	}
	if ic.Strategy.MACDSlow == 0 {
		ic.Strategy.MACDSlow = 26
	}
	if ic.Strategy.MACDSignal == 0 {
		ic.Strategy.MACDSignal = 9
	}
	if ic.Strategy.FastEMA == 0 {
		ic.Strategy.FastEMA = 4
	}
	if ic.Strategy.SlowEMA == 0 {
		ic.Strategy.SlowEMA = 16
	}
}
