package events

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxHistory is the default bounded ring size.
const DefaultMaxHistory = 1000

// Handler receives one event. A non-nil error removes the subscriber;
// other subscribers still receive the event and history is unaffected.
type Handler func(Event) error

type subscription struct {
	id      string
	types   map[string]bool // empty = wildcard
	taskID  string          // empty = all tasks
	handler Handler
}

func (s *subscription) matches(e Event) bool {
	if len(s.types) > 0 && !s.types[e.Type] {
		return false
	}
	if s.taskID != "" && s.taskID != e.TaskID {
		return false
	}
	return true
}

// Bus is the typed in-process pub-sub with bounded history.
type Bus struct {
	mu         sync.Mutex
	seq        int64
	lastStamp  time.Time
	history    []Event
	maxHistory int
	subs       map[string]*subscription
	nextSubID  int
	closed     bool
}

// NewBus creates an event bus retaining at most maxHistory events.
// maxHistory <= 0 selects DefaultMaxHistory.
func NewBus(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Bus{
		maxHistory: maxHistory,
		history:    make([]Event, 0, maxHistory),
		subs:       make(map[string]*subscription),
	}
}

// SubscribeOption narrows what a subscriber receives.
type SubscribeOption func(*subscription)

// FilterTypes limits delivery to the given event types.
func FilterTypes(types ...string) SubscribeOption {
	return func(s *subscription) {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
}

// FilterTask limits delivery to events for one task.
func FilterTask(taskID string) SubscribeOption {
	return func(s *subscription) { s.taskID = taskID }
}

// Subscribe registers a handler and returns its subscription id. With no
// options the subscription is wildcard and receives every event in
// publication order.
func (b *Bus) Subscribe(handler Handler, opts ...SubscribeOption) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{
		id:      fmt.Sprintf("sub_%d", b.nextSubID),
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	b.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish creates an event, appends it to history, and fans it out
// synchronously to all matching subscribers. Returns the created event.
func (b *Bus) Publish(eventType, taskID string, data map[string]any) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}
	}

	b.seq++
	now := time.Now()
	// Timestamps are non-decreasing even if the clock steps backwards.
	if now.Before(b.lastStamp) {
		now = b.lastStamp
	}
	b.lastStamp = now

	evt := Event{
		ID:        fmt.Sprintf("evt_%d_%d", b.seq, now.UnixMilli()),
		Seq:       b.seq,
		Type:      eventType,
		Timestamp: now.Format(time.RFC3339Nano),
		TaskID:    taskID,
		Data:      data,
	}

	b.history = append(b.history, evt)
	if len(b.history) > b.maxHistory {
		// Drop the oldest block in one cut; since-cursors older than the
		// new head report lost events.
		drop := len(b.history) - b.maxHistory
		b.history = append(b.history[:0], b.history[drop:]...)
	}

	// Snapshot subscribers so handlers run without the bus lock.
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(evt) {
			matching = append(matching, sub)
		}
	}
	b.mu.Unlock()

	var failed []string
	for _, sub := range matching {
		if err := sub.handler(evt); err != nil {
			slog.Warn("Removing failing event subscriber",
				"subscription_id", sub.id, "event_type", eventType, "error", err)
			failed = append(failed, sub.id)
		}
	}
	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}

	return evt
}

// Since returns a copy of all retained events with Seq greater than the
// cursor. lost is true when the cursor predates the oldest retained event,
// meaning the client missed events that were evicted from history.
// A zero cursor replays the full retained history (lost is reported if
// eviction has already happened).
func (b *Bus) Since(cursor int64) (evts []Event, lost bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) > 0 && cursor < b.history[0].Seq-1 {
		lost = true
	}
	for _, evt := range b.history {
		if evt.Seq > cursor {
			evts = append(evts, evt)
		}
	}
	return evts, lost
}

// SinceID is Since with a wire-format event id ("evt_<n>_<unixms>") as the
// cursor. An unparseable id replays from the beginning.
func (b *Bus) SinceID(id string) ([]Event, bool) {
	return b.Since(parseSeq(id))
}

// HistorySize returns the number of retained events.
func (b *Bus) HistorySize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// Shutdown drops all subscribers and rejects further publishes.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]*subscription)
}

func parseSeq(id string) int64 {
	parts := strings.Split(id, "_")
	if len(parts) < 2 || parts[0] != "evt" {
		return 0
	}
	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
