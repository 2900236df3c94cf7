package bus

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()

	var got atomic.Int32
	var payload atomic.Value
	b.Subscribe(TopicCronRun, func(e Event) {
		got.Add(1)
		payload.Store(e.Data)
		assert.Equal(t, "cron", e.Source)
	})
	b.Subscribe(TopicCronRun, func(Event) { got.Add(1) })
	b.Subscribe(TopicHeartbeatReport, func(Event) { t.Error("wrong topic delivered") })

	b.Publish(TopicCronRun, "job-1", "cron")
	b.Wait()

	assert.Equal(t, int32(2), got.Load())
	assert.Equal(t, "job-1", payload.Load())
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	var calls atomic.Int32
	id := b.Subscribe(TopicConfigReloaded, func(Event) { calls.Add(1) })
	require.Equal(t, 1, b.CountSubscribers(TopicConfigReloaded))

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	assert.Equal(t, 0, b.CountSubscribers(TopicConfigReloaded))
	assert.Empty(t, b.Topics())

	b.Publish(TopicConfigReloaded, nil, "reload")
	b.Wait()
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New()

	var ok atomic.Bool
	b.Subscribe(TopicChannelMessage, func(Event) { panic("boom") })
	b.Subscribe(TopicChannelMessage, func(Event) { ok.Store(true) })

	b.Publish(TopicChannelMessage, nil, "test")
	b.Wait()
	assert.True(t, ok.Load())
}
