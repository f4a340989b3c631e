package events

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (c *captureBroadcaster) BroadcastEvent(eventType string, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func (c *captureBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestEventBus_PublishAndBroadcast(t *testing.T) {
	bus := NewEventBus(slog.Default())
	broadcaster := &captureBroadcaster{}
	bus.SetSSEBroadcaster(broadcaster)

	require.NoError(t, bus.Start())
	defer bus.Stop()

	bus.Publish(Event{
		Type:     EventRetryScheduled,
		Source:   "controller",
		Data:     map[string]interface{}{"request_id": "req-1", "attempt": 2},
		Priority: PriorityHigh,
	})

	assert.Eventually(t, func() bool {
		return broadcaster.count() == 1
	}, time.Second, 10*time.Millisecond)

	stats := bus.GetStats()
	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.EventsByType[EventRetryScheduled])
}

func TestEventBus_DropsWhenStopped(t *testing.T) {
	bus := NewEventBus(slog.Default())

	// 未启动时发布事件应被丢弃且不panic
	bus.Publish(Event{Type: EventSystemError})

	stats := bus.GetStats()
	assert.Equal(t, int64(0), stats.TotalEvents)
}

func TestEventBus_RateLimiting(t *testing.T) {
	bus := NewEventBus(slog.Default())
	broadcaster := &captureBroadcaster{}
	bus.SetSSEBroadcaster(broadcaster)

	require.NoError(t, bus.Start())
	defer bus.Stop()

	// 请求事件有100ms频率限制，连续发布只有首个被广播
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventRequestStarted, Source: "handler"})
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, broadcaster.count())

	stats := bus.GetStats()
	assert.Equal(t, int64(5), stats.TotalEvents)
	assert.Equal(t, int64(5), stats.ProcessedEvents)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := &rateLimiter{limit: 50 * time.Millisecond}

	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow())
}
