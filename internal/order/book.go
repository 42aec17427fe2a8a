package order

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"xtp-bridge/internal/exception"
)

type entry struct {
	order         Order
	execs         *ExecWindow
	cancelPending bool
}

// Book is the order table. Each method holds the lock for one map update.
type Book struct {
	mu         sync.RWMutex
	orders     map[string]*entry
	byVenue    map[string]string
	windowSize int
}

// NewBook creates an empty book whose orders keep windowSize execution keys.
func NewBook(windowSize int) *Book {
	return &Book{
		orders:     make(map[string]*entry),
		byVenue:    make(map[string]string),
		windowSize: windowSize,
	}
}

// Add inserts a new order.
func (b *Book) Add(o Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[o.LocalID]; ok {
		return fmt.Errorf("add order %s: duplicate local id", o.LocalID)
	}
	b.orders[o.LocalID] = &entry{order: o, execs: NewExecWindow(b.windowSize)}
	if o.VenueID != "" {
		b.byVenue[o.VenueID] = o.LocalID
	}
	return nil
}

// Remove deletes an order and its venue index entry.
func (b *Book) Remove(localID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(localID)
}

func (b *Book) removeLocked(localID string) {
	e, ok := b.orders[localID]
	if !ok {
		return
	}
	if e.order.VenueID != "" {
		delete(b.byVenue, e.order.VenueID)
	}
	delete(b.orders, localID)
}

// Get returns a copy of the order.
func (b *Book) Get(localID string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.orders[localID]
	if !ok {
		return Order{}, false
	}
	return e.order, true
}

// LocalID resolves a venue id.
func (b *Book) LocalID(venueID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byVenue[venueID]
	return id, ok
}

// Mutation is applied to an order under the book lock. The window holds the
// order's recent execution keys.
type Mutation func(o *Order, execs *ExecWindow) error

// Update applies fn to the order and returns its state before and after.
// When fn fails the order keeps whatever fn already changed; callers set
// only fields that must survive the failure.
func (b *Book) Update(localID string, fn Mutation) (before, after Order, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.orders[localID]
	if !ok {
		return Order{}, Order{}, fmt.Errorf("order %s: %w", localID, exception.ErrOrderUnknown)
	}
	before = e.order
	err = fn(&e.order, e.execs)
	if e.order.VenueID != before.VenueID && e.order.VenueID != "" {
		b.byVenue[e.order.VenueID] = localID
	}
	return before, e.order, err
}

// MarkCancelPending records a cancel requested before the venue id is known.
func (b *Book) MarkCancelPending(localID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.orders[localID]; ok {
		e.cancelPending = true
	}
}

// TakeCancelPending clears and returns the pending cancel flag.
func (b *Book) TakeCancelPending(localID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.orders[localID]
	if !ok || !e.cancelPending {
		return false
	}
	e.cancelPending = false
	return true
}

// Snapshot returns every order sorted by creation time.
func (b *Book) Snapshot() []Order {
	b.mu.RLock()
	out := make([]Order, 0, len(b.orders))
	for _, e := range b.orders {
		out = append(out, e.order)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Open returns orders that are not terminal.
func (b *Book) Open() []Order {
	var out []Order
	for _, o := range b.Snapshot() {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// Prune drops terminal orders closed before cutoff together with their
// execution windows, returning their local ids.
func (b *Book) Prune(cutoff time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, e := range b.orders {
		if e.order.Status.Terminal() && !e.order.ClosedAt.IsZero() && e.order.ClosedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		b.removeLocked(id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of orders held.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}
