package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishWakesSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("orders")
	defer cancelA()
	b, cancelB := h.Subscribe("orders")
	defer cancelB()
	other, cancelOther := h.Subscribe("emails")
	defer cancelOther()

	h.Publish("orders")

	assert.True(t, Wait(context.Background(), a, time.Second))
	assert.True(t, Wait(context.Background(), b, time.Second))
	assert.False(t, Wait(context.Background(), other, 10*time.Millisecond))
}

func TestSubscribeAfterPublishWaitsForNext(t *testing.T) {
	h := NewHub()
	h.Publish("orders")

	ch, cancel := h.Subscribe("orders")
	defer cancel()
	assert.False(t, Wait(context.Background(), ch, 10*time.Millisecond))

	h.Publish("orders")
	assert.True(t, Wait(context.Background(), ch, time.Second))
}

func TestPublishAll(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("a")
	defer cancelA()
	b, cancelB := h.Subscribe("b")
	defer cancelB()
	h.PublishAll()
	assert.True(t, Wait(context.Background(), a, time.Second))
	assert.True(t, Wait(context.Background(), b, time.Second))
	assert.Zero(t, h.Pending())
}

func TestCancelDropsIdleQueues(t *testing.T) {
	h := NewHub()
	for i := 0; i < 100; i++ {
		_, cancel := h.Subscribe(fmt.Sprintf("never-enqueued-%d", i))
		cancel()
	}
	assert.Zero(t, h.Pending())
}

func TestCancelKeepsOtherWaiters(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("orders")
	_, cancelB := h.Subscribe("orders")

	cancelB()
	cancelB() // idempotent
	assert.Equal(t, 1, h.Pending())

	h.Publish("orders")
	assert.True(t, Wait(context.Background(), a, time.Second))
	cancelA()
	assert.Zero(t, h.Pending())
}

func TestCancelAfterPublishLeavesNewSubscription(t *testing.T) {
	h := NewHub()
	_, stale := h.Subscribe("orders")
	h.Publish("orders")

	fresh, cancel := h.Subscribe("orders")
	defer cancel()
	stale()
	assert.Equal(t, 1, h.Pending())

	h.Publish("orders")
	assert.True(t, Wait(context.Background(), fresh, time.Second))
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, unsubscribe := NewHub().Subscribe("q")
	defer unsubscribe()
	start := time.Now()
	assert.False(t, Wait(ctx, ch, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConcurrentPublishers(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, cancel := h.Subscribe("q")
			defer cancel()
			Wait(context.Background(), ch, 20*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			h.Publish("q")
		}()
	}
	wg.Wait()
	assert.Zero(t, h.Pending())
}
