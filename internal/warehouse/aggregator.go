package warehouse

import (
	"context"
	"time"

	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"

	"go.uber.org/zap"
)

// BarSink 聚合完成的 K 线的落库目标
type BarSink interface {
	UpsertBar(ctx context.Context, bar model.KLine) error
}

// Aggregator 将实时行情聚合为多周期 K 线并写入仓库
// 独立于控制循环运行，保证 Monitoring 期间仓库数据持续更新
type Aggregator struct {
	sink      BarSink
	symbol    string
	intervals map[string]time.Duration
	current   map[string]*model.KLine // 正在构建的各周期 K 线
	logger    *zap.Logger
}

// NewAggregator 初始化聚合器，周期字符串如 "1m", "15m", "1h"
func NewAggregator(sink BarSink, symbol string, intervals []string, logger *zap.Logger) (*Aggregator, error) {
	durations := make(map[string]time.Duration, len(intervals))
	for _, s := range intervals {
		d, err := service.ParseIntervalDuration(s)
		if err != nil {
			return nil, err
		}
		durations[s] = d
	}
	return &Aggregator{
		sink:      sink,
		symbol:    symbol,
		intervals: durations,
		current:   make(map[string]*model.KLine, len(intervals)),
		logger:    logger.With(zap.String("component", "aggregator"), zap.String("Symbol", symbol)),
	}, nil
}

// Run 消费行情直到通道关闭
func (a *Aggregator) Run(ticks <-chan model.PriceTick) {
	a.logger.Info("kline aggregator started")
	for tick := range ticks {
		if tick.Symbol != a.symbol {
			continue
		}
		for interval, dur := range a.intervals {
			a.process(interval, dur, tick)
		}
	}
	a.logger.Info("kline aggregator stopped")
}

// process 将一条行情折叠进对应周期的当前 K 线
func (a *Aggregator) process(interval string, dur time.Duration, tick model.PriceTick) {
	start := tick.ObservedAt.Truncate(dur)

	cur, ok := a.current[interval]
	if !ok {
		// 第一条行情，开启首根 K 线
		a.current[interval] = newBar(a.symbol, interval, tick.Price, tick.Price, start, dur)
		return
	}

	if start.After(cur.StartTime) {
		// 当前 K 线完成，落库后以上一根收盘价开启新 K 线
		a.flush(*cur)
		a.current[interval] = newBar(a.symbol, interval, cur.Close, tick.Price, start, dur)
		cur = a.current[interval]
	}

	cur.Close = tick.Price
	if tick.Price > cur.High {
		cur.High = tick.Price
	}
	if tick.Price < cur.Low {
		cur.Low = tick.Price
	}
}

func (a *Aggregator) flush(bar model.KLine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.sink.UpsertBar(ctx, bar); err != nil {
		a.logger.Warn("failed to persist completed bar",
			zap.String("Interval", bar.Interval),
			zap.Time("StartTime", bar.StartTime),
			zap.Error(err))
	}
}

func newBar(symbol, interval string, open, price float64, start time.Time, dur time.Duration) *model.KLine {
	return &model.KLine{
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      price,
		Low:       price,
		Close:     price,
		StartTime: start,
		EndTime:   start.Add(dur).Add(-time.Millisecond),
	}
}
