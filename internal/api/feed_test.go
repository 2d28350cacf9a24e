package api

import (
	"sync"
	"testing"
	"time"

	"crypto-exec-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func feedTick(symbol string, price float64) model.PriceTick {
	return model.PriceTick{Symbol: symbol, Price: price, ObservedAt: time.Now()}
}

// 分发与退订并发进行时绝不向已关闭的通道发送
func TestFeed_DispatchConcurrentWithUnsubscribe(t *testing.T) {
	f := NewOkxPriceFeed("ws://unused", zap.NewNop())

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					f.dispatch(feedTick("BTC-USDT", 100))
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		ch, err := f.Subscribe("BTC-USDT")
		require.NoError(t, err)
		select {
		case <-ch:
		default:
		}
		f.Unsubscribe("BTC-USDT")
	}

	close(done)
	wg.Wait()
}

func TestFeed_SubscribeDeliversTicks(t *testing.T) {
	f := NewOkxPriceFeed("ws://unused", zap.NewNop())

	ch, err := f.Subscribe("BTC-USDT")
	require.NoError(t, err)

	f.dispatch(feedTick("BTC-USDT", 100))
	f.dispatch(feedTick("ETH-USDT", 10)) // 无人订阅，丢弃

	select {
	case tick := <-ch:
		assert.Equal(t, 100.0, tick.Price)
	default:
		t.Fatal("expected a tick on the subscriber channel")
	}
	select {
	case tick := <-ch:
		t.Fatalf("unexpected tick for %s", tick.Symbol)
	default:
	}
}

// 每个旁路消费者独享一条按 Symbol 过滤的通道，多实例之间互不争抢
func TestFeed_TapsAreIndependentPerConsumer(t *testing.T) {
	f := NewOkxPriceFeed("ws://unused", zap.NewNop())

	btcTap := f.Tap("BTC-USDT")
	ethTap := f.Tap("ETH-USDT")

	f.dispatch(feedTick("BTC-USDT", 100))
	f.dispatch(feedTick("BTC-USDT", 101))
	f.dispatch(feedTick("ETH-USDT", 10))

	assert.Len(t, btcTap, 2, "every tick of the symbol reaches its tap")
	assert.Len(t, ethTap, 1)

	tick := <-btcTap
	assert.Equal(t, 100.0, tick.Price)
}

// 旁路通道不受控制器退订影响
func TestFeed_TapSurvivesUnsubscribe(t *testing.T) {
	f := NewOkxPriceFeed("ws://unused", zap.NewNop())

	tap := f.Tap("BTC-USDT")
	_, err := f.Subscribe("BTC-USDT")
	require.NoError(t, err)
	f.Unsubscribe("BTC-USDT")

	f.dispatch(feedTick("BTC-USDT", 100))
	assert.Len(t, tap, 1)
}
