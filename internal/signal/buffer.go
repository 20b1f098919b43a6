package signal

import (
	"sync"
	"time"

	"github.com/asengupta/trading-engine/internal/observ"
)

// Direction of a classified alert.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// Alert is a classified market event published by an alert producer
// (news monitor, scanner) and drained at the start of each cycle.
type Alert struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Headline   string    `json:"headline,omitempty"`
	At         time.Time `json:"at"`
}

// Buffer is a bounded FIFO of alerts. Publish never blocks: when the buffer
// is full the oldest alert is dropped and a counter incremented. Producers
// run on their own schedule and must not stall on a slow consumer.
type Buffer struct {
	mu      sync.Mutex
	items   []Alert
	max     int
	dropped int64
}

func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 256
	}
	return &Buffer{max: max}
}

func (b *Buffer) Publish(a Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.max {
		b.items = b.items[1:]
		b.dropped++
		observ.IncCounter("alert_buffer_dropped_total", nil)
	}
	b.items = append(b.items, a)
}

// Drain returns all buffered alerts and empties the buffer.
func (b *Buffer) Drain() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped reports how many alerts were discarded to make room.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
