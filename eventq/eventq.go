// Package eventq delivers callbacks at a future simulation cycle. It backs
// the asynchronous IO events (interrupts, DMA completions, timers) that
// devices inject into the simulated timeline.
package eventq

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-logr/logr"
)

// Capacity is the default number of events that may be pending at once.
const Capacity = 32

// ErrPoolExhausted is the panic value when every slot is pending.
var ErrPoolExhausted = errors.New("event pool exhausted")

// Callback is invoked once the simulation reaches the event's target cycle.
type Callback func(arg any)

type slot struct {
	cb     Callback
	arg    any
	target uint64
	seq    uint64
	live   bool
}

// Queue is a fixed-capacity pool of pending events. Slots are addressed by
// index and recycled through a free list, so a pending slot is never handed
// out twice.
type Queue struct {
	slots  []slot
	free   []int
	seq    uint64
	logger logr.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the pool size. It panics unless n is positive.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n <= 0 {
			panic(fmt.Sprintf("eventq: capacity must be positive, got %d", n))
		}
		q.slots = make([]slot, n)
	}
}

// WithLogger sets the logger deliveries are reported to.
func WithLogger(logger logr.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		slots:  make([]slot, Capacity),
		logger: logr.Discard(),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.free = make([]int, 0, len(q.slots))
	for i := len(q.slots) - 1; i >= 0; i-- {
		q.free = append(q.free, i)
	}
	return q
}

// Capacity returns the pool size.
func (q *Queue) Capacity() int {
	return len(q.slots)
}

// Pending returns the number of events not yet delivered.
func (q *Queue) Pending() int {
	return len(q.slots) - len(q.free)
}

// Schedule arranges for cb(arg) to run at cycle now+delay. A target past the
// end of the cycle counter saturates, so such an event never fires. It
// panics with ErrPoolExhausted if no slot is free.
func (q *Queue) Schedule(cb Callback, arg any, delay, now uint64) {
	if len(q.free) == 0 {
		panic(fmt.Errorf("%w: %d events pending", ErrPoolExhausted, len(q.slots)))
	}

	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]

	target := uint64(math.MaxUint64)
	if delay <= math.MaxUint64-now {
		target = now + delay
	}

	q.seq++
	q.slots[idx] = slot{
		cb:     cb,
		arg:    arg,
		target: target,
		seq:    q.seq,
		live:   true,
	}
}

// Tick delivers every event whose target is at or before now and returns how
// many fired. Each slot is released before its callback runs. Events
// scheduled by a callback are delivered on a later Tick at the earliest. A
// callback may call Tick; events it delivers are not delivered again.
func (q *Queue) Tick(now uint64) int {
	type dueSlot struct {
		idx int
		seq uint64
	}

	var due []dueSlot
	for i, s := range q.slots {
		if s.live && s.target <= now {
			due = append(due, dueSlot{idx: i, seq: s.seq})
		}
	}

	fired := 0
	for _, d := range due {
		idx := d.idx
		s := q.slots[idx]
		if !s.live || s.seq != d.seq {
			// Delivered by a nested Tick, and possibly reused since.
			continue
		}
		q.slots[idx] = slot{}
		q.free = append(q.free, idx)

		q.logger.V(1).Info("Delivering event",
			"slot", idx, "target", s.target, "cycle", now)

		fired++
		s.cb(s.arg)
	}

	return fired
}
