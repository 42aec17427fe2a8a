package events

import (
	"sync"
	"time"

	"xtp-bridge/pkg/logger"
)

// Queue is the FIFO of engine notifications. Pushing never blocks; a warning
// is logged once the backlog crosses the high-water mark and backpressure
// stays flagged until a drain brings it under half of that.
type Queue struct {
	mu        sync.Mutex
	items     []Notification
	head      int
	seq       uint64
	highWater int
	pressured bool
	bus       *Bus
	log       *logger.Entry
}

// NewQueue creates a queue. A non-nil bus receives every pushed notification
// on EventNotification.
func NewQueue(highWater int, bus *Bus) *Queue {
	if highWater <= 0 {
		highWater = 10000
	}
	return &Queue{
		highWater: highWater,
		bus:       bus,
		log:       logger.GetLogger().WithComponent("notify_queue"),
	}
}

// Push appends n and stamps its sequence number and time.
func (q *Queue) Push(n Notification) Notification {
	q.mu.Lock()
	n, depth, warn := q.pushLocked(n)
	q.mu.Unlock()

	if warn {
		q.log.WithField("depth", depth).Warn("notification backlog above high-water mark; engine is draining slowly")
	}
	if q.bus != nil && n.Kind != KindBatchEnd {
		q.bus.Publish(EventNotification, n)
	}
	return n
}

func (q *Queue) pushLocked(n Notification) (Notification, int, bool) {
	q.seq++
	n.Seq = q.seq
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	q.items = append(q.items, n)
	depth := len(q.items) - q.head
	warn := false
	if depth >= q.highWater && !q.pressured {
		q.pressured = true
		warn = true
	}
	return n, depth, warn
}

// MarkBatchEnd appends the batch sentinel.
func (q *Queue) MarkBatchEnd() {
	q.Push(Notification{Kind: KindBatchEnd})
}

// Next pops the oldest entry, sentinels included.
func (q *Queue) Next() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return Notification{}, false
	}
	n := q.items[q.head]
	q.items[q.head] = Notification{}
	q.head++
	q.compactLocked()
	return n, true
}

// DrainBatch appends the batch sentinel and pops everything up to it. The
// result always ends with that sentinel; older sentinels left by
// MarkBatchEnd are dropped. Pushes after the call belong to the next batch.
func (q *Queue) DrainBatch() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(Notification{Kind: KindBatchEnd})

	out := make([]Notification, 0, len(q.items)-q.head)
	for q.head < len(q.items) {
		n := q.items[q.head]
		q.items[q.head] = Notification{}
		q.head++
		if n.Kind != KindBatchEnd || q.head == len(q.items) {
			out = append(out, n)
		}
	}
	q.compactLocked()
	return out
}

// Drain is DrainBatch without the trailing sentinel.
func (q *Queue) Drain() []Notification {
	out := q.DrainBatch()
	return out[:len(out)-1]
}

func (q *Queue) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	if q.pressured && len(q.items)-q.head < q.highWater/2 {
		q.pressured = false
	}
}

// Len is the number of queued entries, sentinels included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Backpressure reports whether the backlog is above the high-water mark.
func (q *Queue) Backpressure() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pressured
}
