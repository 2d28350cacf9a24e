package api

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"crypto-exec-engine/internal/metrics"
	"crypto-exec-engine/internal/model"
	"crypto-exec-engine/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// okxWsEnvelope Okx V5 公共频道的通用响应结构
type okxWsEnvelope struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data  json.RawMessage `json:"data"`
	Event string          `json:"event"`
}

// okxWsTicker tickers 频道数据
type okxWsTicker struct {
	LastPrice string `json:"last"`
	Timestamp string `json:"ts"`
	InstID    string `json:"instId"`
}

// OkxPriceFeed 基于 Okx 公共 WebSocket 的 PriceFeed 实现
// 独立于控制循环运行，断线后自动重连并重新订阅
type OkxPriceFeed struct {
	wsURL  string
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]chan model.PriceTick   // symbol -> 订阅者通道
	taps   map[string][]chan model.PriceTick // symbol -> 旁路通道，供 K 线聚合消费
	stopCh chan struct{}
}

// NewOkxPriceFeed 初始化价格源
func NewOkxPriceFeed(wsURL string, logger *zap.Logger) *OkxPriceFeed {
	return &OkxPriceFeed{
		wsURL:  wsURL,
		logger: logger.With(zap.String("feed", "okx-ws")),
		subs:   make(map[string]chan model.PriceTick),
		taps:   make(map[string][]chan model.PriceTick),
		stopCh: make(chan struct{}),
	}
}

// Start 启动连接与读循环，读循环出错后等待重连
func (f *OkxPriceFeed) Start() {
	go func() {
		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			if err := f.connect(); err != nil {
				f.logger.Error("ws connect failed, retrying", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}

			f.readLoop()

			// 读循环退出说明连接已断，稍后重连
			f.logger.Warn("ws disconnected, reconnecting...")
			time.Sleep(5 * time.Second)
		}
	}()
}

// Stop 关闭价格源
func (f *OkxPriceFeed) Stop() {
	close(f.stopCh)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

// Subscribe 注册一个 Symbol 的行情订阅并返回只读通道
func (f *OkxPriceFeed) Subscribe(symbol string) (<-chan model.PriceTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.subs[symbol]; ok {
		return ch, nil
	}

	ch := make(chan model.PriceTick, 64)
	f.subs[symbol] = ch

	if f.conn != nil {
		if err := f.writeSubscribe("subscribe", symbol); err != nil {
			// 发送失败不致命，重连时会补发全部订阅
			f.logger.Warn("ws subscribe write failed", zap.String("Symbol", symbol), zap.Error(err))
		}
	}
	return ch, nil
}

// Unsubscribe 取消订阅并关闭订阅者通道
func (f *OkxPriceFeed) Unsubscribe(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subs[symbol]
	if !ok {
		return
	}
	delete(f.subs, symbol)
	close(ch)

	if f.conn != nil {
		if err := f.writeSubscribe("unsubscribe", symbol); err != nil {
			f.logger.Warn("ws unsubscribe write failed", zap.String("Symbol", symbol), zap.Error(err))
		}
	}
}

// Tap 注册一条指定 Symbol 的旁路行情通道 (不受 Subscribe/Unsubscribe 影响)
// 每个消费者独享一条通道，多实例之间互不争抢
func (f *OkxPriceFeed) Tap(symbol string) <-chan model.PriceTick {
	ch := make(chan model.PriceTick, 256)
	f.mu.Lock()
	f.taps[symbol] = append(f.taps[symbol], ch)
	f.mu.Unlock()
	return ch
}

func (f *OkxPriceFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	symbols := make([]string, 0, len(f.subs))
	for s := range f.subs {
		symbols = append(symbols, s)
	}
	f.mu.Unlock()

	// 重连后补发全部订阅
	for _, s := range symbols {
		f.mu.Lock()
		err := f.writeSubscribe("subscribe", s)
		f.mu.Unlock()
		if err != nil {
			conn.Close()
			return err
		}
	}

	f.logger.Info("ws connected", zap.String("URL", f.wsURL), zap.Strings("Symbols", symbols))
	return nil
}

// writeSubscribe 调用方必须持有 f.mu
func (f *OkxPriceFeed) writeSubscribe(op, symbol string) error {
	msg := map[string]interface{}{
		"op": op,
		"args": []map[string]string{
			{"channel": "tickers", "instId": InstID(symbol)},
		},
	}
	return f.conn.WriteJSON(msg)
}

func (f *OkxPriceFeed) readLoop() {
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				f.logger.Error("ws read error", zap.Error(err))
			}
			conn.Close()
			return
		}

		var envelope okxWsEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}
		if envelope.Event != "" || envelope.Arg.Channel != "tickers" || len(envelope.Data) == 0 {
			continue // 忽略订阅确认等事件
		}

		var tickers []okxWsTicker
		if err := json.Unmarshal(envelope.Data, &tickers); err != nil || len(tickers) == 0 {
			continue
		}
		latest := tickers[0] // 仅处理最新快照

		price, err := service.StringToFloat(latest.LastPrice)
		if err != nil {
			continue
		}
		ts, _ := service.StringToInt64(latest.Timestamp)

		f.dispatch(model.PriceTick{
			Symbol:     symbolFromInstID(envelope.Arg.InstID),
			Price:      price,
			ObservedAt: time.UnixMilli(ts),
		})
	}
}

// dispatch 将 tick 分发给订阅者与旁路通道，满时丢弃 (最新值语义)
// 发送必须在持锁期间完成: Unsubscribe 在同一把锁下关闭订阅者通道，
// 锁外发送会与关闭竞争导致 panic。非阻塞发送不会在锁内停留
func (f *OkxPriceFeed) dispatch(tick model.PriceTick) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.subs[tick.Symbol]; ok {
		select {
		case ch <- tick:
		default:
			metrics.TicksDropped.WithLabelValues(tick.Symbol).Inc()
		}
	}

	for _, tap := range f.taps[tick.Symbol] {
		select {
		case tap <- tick:
		default:
		}
	}
}

// symbolFromInstID 去掉 -SWAP 后缀还原内部 Symbol
func symbolFromInstID(instID string) string {
	return strings.TrimSuffix(instID, "-SWAP")
}
