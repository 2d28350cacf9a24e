package engine

import (
	"testing"
	"time"

	"crypto-exec-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mbTick(symbol string, price float64) model.PriceTick {
	return model.PriceTick{Symbol: symbol, Price: price, ObservedAt: time.Now()}
}

func TestMailbox_LatestWins(t *testing.T) {
	mb := NewTickMailbox()

	assert.False(t, mb.Put(mbTick("BTC-USDT", 100)))
	assert.True(t, mb.Put(mbTick("BTC-USDT", 101)), "second put supersedes the unconsumed tick")

	tick, ok := mb.Take("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, 101.0, tick.Price)

	_, ok = mb.Take("BTC-USDT")
	assert.False(t, ok, "take removes the slot")
}

func TestMailbox_SlotsAreIndependentPerSymbol(t *testing.T) {
	mb := NewTickMailbox()

	assert.False(t, mb.Put(mbTick("BTC-USDT", 100)))
	assert.False(t, mb.Put(mbTick("ETH-USDT", 10)), "different symbols never supersede each other")

	btc, ok := mb.Take("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, btc.Price)

	eth, ok := mb.Take("ETH-USDT")
	require.True(t, ok)
	assert.Equal(t, 10.0, eth.Price)
}

func TestMailbox_DropClearsSlotAndSignal(t *testing.T) {
	mb := NewTickMailbox()

	mb.Put(mbTick("BTC-USDT", 100))
	mb.Drop("BTC-USDT")

	_, ok := mb.Take("BTC-USDT")
	assert.False(t, ok, "dropped tick must not be consumable")

	select {
	case <-mb.Ready():
		t.Fatal("drop must absorb the pending ready signal")
	default:
	}
}

func TestMailbox_ReadyCoalesces(t *testing.T) {
	mb := NewTickMailbox()

	mb.Put(mbTick("BTC-USDT", 100))
	mb.Put(mbTick("BTC-USDT", 101))
	mb.Put(mbTick("BTC-USDT", 102))

	select {
	case <-mb.Ready():
	default:
		t.Fatal("expected a ready signal")
	}

	// 多次 Put 只合并出一个待处理信号
	select {
	case <-mb.Ready():
		t.Fatal("ready signals must coalesce")
	default:
	}
}
