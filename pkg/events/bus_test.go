package events

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishMonotonicIDs(t *testing.T) {
	bus := NewBus(100)

	var lastSeq int64
	lastStamp := ""
	for i := 0; i < 50; i++ {
		evt := bus.Publish(EventLog, "", map[string]any{"i": i})
		assert.Greater(t, evt.Seq, lastSeq)
		assert.GreaterOrEqual(t, evt.Timestamp, lastStamp)
		lastSeq = evt.Seq
		lastStamp = evt.Timestamp
	}
}

func TestBus_WildcardReceivesAllInOrder(t *testing.T) {
	bus := NewBus(100)

	var got []string
	bus.Subscribe(func(evt Event) error {
		got = append(got, evt.Type)
		return nil
	})

	bus.Publish(EventTaskStart, "t1", nil)
	bus.Publish(EventCodeAnalyzing, "t1", nil)
	bus.Publish(EventTaskComplete, "t2", nil)

	assert.Equal(t, []string{EventTaskStart, EventCodeAnalyzing, EventTaskComplete}, got)
}

func TestBus_TypeAndTaskFilters(t *testing.T) {
	bus := NewBus(100)

	var byType, byTask int
	bus.Subscribe(func(Event) error { byType++; return nil }, FilterTypes(EventTaskError))
	bus.Subscribe(func(Event) error { byTask++; return nil }, FilterTask("t1"))

	bus.Publish(EventTaskError, "t1", nil)
	bus.Publish(EventTaskError, "t2", nil)
	bus.Publish(EventLog, "t1", nil)

	assert.Equal(t, 2, byType)
	assert.Equal(t, 2, byTask)
}

func TestBus_FailingSubscriberRemoved(t *testing.T) {
	bus := NewBus(100)

	var healthy int
	bus.Subscribe(func(Event) error { return errors.New("sink broken") })
	bus.Subscribe(func(Event) error { healthy++; return nil })

	bus.Publish(EventLog, "", nil)
	bus.Publish(EventLog, "", nil)

	// The healthy subscriber kept receiving; history kept both events.
	assert.Equal(t, 2, healthy)
	assert.Equal(t, 2, bus.HistorySize())
}

func TestBus_RingEvictionAndSince(t *testing.T) {
	bus := NewBus(10)

	var first Event
	for i := 0; i < 25; i++ {
		evt := bus.Publish(EventLog, "", map[string]any{"i": i})
		if i == 0 {
			first = evt
		}
	}

	assert.Equal(t, 10, bus.HistorySize())

	// Cursor older than the oldest retained event reports loss.
	evts, lost := bus.Since(first.Seq)
	assert.True(t, lost)
	assert.Len(t, evts, 10)

	// Cursor at the newest retained event sees nothing and no loss.
	evts, lost = bus.Since(evts[len(evts)-1].Seq)
	assert.False(t, lost)
	assert.Empty(t, evts)
}

func TestBus_SinceIDCursor(t *testing.T) {
	bus := NewBus(100)

	e1 := bus.Publish(EventTaskStart, "t1", nil)
	e2 := bus.Publish(EventTaskComplete, "t1", nil)

	evts, lost := bus.SinceID(e1.ID)
	require.Len(t, evts, 1)
	assert.False(t, lost)
	assert.Equal(t, e2.ID, evts[0].ID)

	// An unparseable cursor replays everything retained.
	evts, _ = bus.SinceID("garbage")
	assert.Len(t, evts, 2)
}

func TestBus_IDFormat(t *testing.T) {
	bus := NewBus(10)
	evt := bus.Publish(EventLog, "", nil)
	assert.Regexp(t, fmt.Sprintf("^evt_%d_\\d+$", evt.Seq), evt.ID)
}

func TestBus_ShutdownDrainsSubscribers(t *testing.T) {
	bus := NewBus(10)

	var delivered int
	bus.Subscribe(func(Event) error { delivered++; return nil })

	bus.Shutdown()
	evt := bus.Publish(EventLog, "", nil)

	assert.Equal(t, 0, delivered)
	assert.Empty(t, evt.ID)
}
