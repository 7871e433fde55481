// Package monitor contains the per-broadcast chat workers, their channel
// supervisors, and the event queue connecting them to the dispatcher.
package monitor

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tvlabs/streamwatch/telemetry"
)

// EventType discriminates events flowing through the queue.
type EventType string

const (
	EventChat      EventType = "chat"
	EventHeartbeat EventType = "heartbeat"
	EventEnded     EventType = "ended"
	EventError     EventType = "error"
	EventLog       EventType = "log"
)

// Event is one item on the queue. Chat events carry author/text; heartbeat
// events carry the broadcast title; error and log events carry a message.
type Event struct {
	Type      EventType
	Channel   string
	VideoID   string
	Title     string
	URL       string
	Author    string
	MessageID string
	Text      string
	Timestamp time.Time
}

// queue overflow warnings are rate-limited to one per interval
const dropWarnInterval = 5 * time.Second

// Queue is the bounded many-producer/single-consumer event channel. On
// overflow the newest event is dropped with a counted, rate-limited warning;
// producers never block.
type Queue struct {
	ch       chan Event
	dropped  atomic.Int64
	lastWarn atomic.Int64
}

// NewQueue builds a queue with the given capacity.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 65536
	}
	return &Queue{ch: make(chan Event, size)}
}

// Publish offers an event without blocking. Returns false when the event was
// dropped because the queue is full.
func (q *Queue) Publish(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}
	n := q.dropped.Add(1)
	telemetry.IncCounter(telemetry.EventsDropped)
	now := time.Now().UnixNano()
	last := q.lastWarn.Load()
	if now-last >= int64(dropWarnInterval) && q.lastWarn.CompareAndSwap(last, now) {
		slog.Warn("event queue full, dropping events",
			slog.Int64("dropped_total", n),
			slog.String("video_id", ev.VideoID))
	}
	return false
}

// Events exposes the consumer side of the queue.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Dropped reports how many events have been discarded so far.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
