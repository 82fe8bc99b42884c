package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := NewBus()

	var received []*Event
	bus.Subscribe(TradeExecuted, func(e *Event) {
		received = append(received, e)
	})

	bus.Emit(TradeExecuted, "trading", map[string]interface{}{"ticker": "AAPL"})
	bus.Emit(TradeRejected, "trading", map[string]interface{}{"ticker": "MSFT"})

	require.Len(t, received, 1)
	assert.Equal(t, TradeExecuted, received[0].Type)
	assert.Equal(t, "trading", received[0].Module)
	assert.Equal(t, "AAPL", received[0].Data["ticker"])
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestBus_MultipleHandlers(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(CycleCompleted, func(_ *Event) { count++ })
	bus.Subscribe(CycleCompleted, func(_ *Event) { count++ })

	bus.Emit(CycleCompleted, "trading", nil)
	assert.Equal(t, 2, count)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	unsubscribe := bus.Subscribe(PriceUpdated, func(_ *Event) { count++ })
	assert.Equal(t, 1, bus.SubscriberCount(PriceUpdated))

	bus.Emit(PriceUpdated, "pricing", nil)
	unsubscribe()
	bus.Emit(PriceUpdated, "pricing", nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount(PriceUpdated))

	// Double unsubscribe is harmless
	unsubscribe()
}

func TestBus_ConcurrentEmit(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(PriceUpdated, func(_ *Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(PriceUpdated, "pricing", nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, count)
}

func TestManager_EmitTyped(t *testing.T) {
	bus := NewBus()
	manager := NewManager(bus, zerolog.Nop())

	var received *Event
	bus.Subscribe(TradeExecuted, func(e *Event) { received = e })

	manager.EmitTyped(TradeExecuted, "trading", &TradeExecutedData{
		Ticker:   "AAPL",
		Side:     "buy",
		Quantity: 5,
		Price:    150.25,
		OrderID:  "ORD-1",
	})

	require.NotNil(t, received)
	assert.Equal(t, "AAPL", received.Data["ticker"])
	assert.Equal(t, "buy", received.Data["side"])
	assert.InDelta(t, 5.0, received.Data["quantity"], 1e-9)
	assert.InDelta(t, 150.25, received.Data["price"], 1e-9)
}

func TestManager_EmitError(t *testing.T) {
	bus := NewBus()
	manager := NewManager(bus, zerolog.Nop())

	var received *Event
	bus.Subscribe(ErrorOccurred, func(e *Event) { received = e })

	manager.EmitError("trading", assert.AnError, map[string]interface{}{"ticker": "AAPL"})

	require.NotNil(t, received)
	assert.Equal(t, assert.AnError.Error(), received.Data["error"])
}
