// Package progress broadcasts pipeline status events to any number of
// subscribers without letting a slow consumer stall the pipeline.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
)

const (
	// DefaultQueueSize bounds each subscriber's event queue.
	DefaultQueueSize = 100

	// historyLimit bounds the replayable event buffer.
	historyLimit = 1000
)

// Bus fans progress events out to subscribers. Emit never blocks: a
// subscriber whose queue is full misses the event. Events are also kept in a
// bounded history buffer so late-attaching clients can catch up.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]chan model.ProgressEvent
	nextID    int
	queueSize int

	history []model.ProgressEvent
	dropped int64
}

// NewBus creates a bus with the given per-subscriber queue size.
// queueSize <= 0 uses DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[int]chan model.ProgressEvent),
		queueSize: queueSize,
	}
}

// Emit publishes an event to all subscribers and the history buffer.
// The timestamp is stamped here so all consumers see the same ordering key.
func (b *Bus) Emit(stage, message string, details map[string]any) {
	event := model.ProgressEvent{
		Stage:     stage,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Queue full. Drop this event for this subscriber rather than
			// block the pipeline or evict older queued events.
			b.dropped++
			zap.L().Debug("progress event dropped",
				zap.Int("subscriber", id),
				zap.String("stage", stage),
			)
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe function. The channel is closed on unsubscribe; subscribers
// must not close it themselves.
func (b *Bus) Subscribe() (<-chan model.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, cancel := b.subscribeLocked()
	return ch, cancel
}

// SubscribeWithReplay atomically snapshots the buffered history and registers
// a subscriber. An event is either in the snapshot or delivered on the
// channel, never both, so clients replaying the snapshot see each event once.
func (b *Bus) SubscribeWithReplay() ([]model.ProgressEvent, <-chan model.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := make([]model.ProgressEvent, len(b.history))
	copy(history, b.history)
	ch, cancel := b.subscribeLocked()
	return history, ch, cancel
}

func (b *Bus) subscribeLocked() (chan model.ProgressEvent, func()) {
	id := b.nextID
	b.nextID++
	ch := make(chan model.ProgressEvent, b.queueSize)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Events returns a snapshot copy of the buffered history.
func (b *Bus) Events() []model.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ProgressEvent, len(b.history))
	copy(out, b.history)
	return out
}

// Clear empties the history buffer. Active subscriptions are unaffected.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
