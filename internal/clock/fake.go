package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time only moves when Advance is called,
// and due callbacks run synchronously inside Advance in deadline order.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// NewFake returns a Fake set to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Fake) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires every due callback.
// Callbacks may schedule new timers; those fire too if they fall within
// the new time.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeWaiter
		live := c.waiters[:0]
		for _, w := range c.waiters {
			if w.stopped || w.fired {
				continue
			}
			if !w.deadline.After(target) {
				due = append(due, w)
			}
			live = append(live, w)
		}
		c.waiters = live
		if len(due) == 0 {
			c.current = target
			c.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
		next := due[0]
		next.fired = true
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.mu.Unlock()
		next.callback()
	}
}
