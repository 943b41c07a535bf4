package presence

import (
	"slices"
	"sync"
)

// Counter is the receiving side of a presence channel. It trusts only the
// latest roster it has seen and starts from zero after every reconnect.
type Counter struct {
	mu        sync.Mutex
	count     int
	observers []func(int)
}

// Apply rebuilds the distinct set from ev's roster and publishes its size.
func (c *Counter) Apply(ev Event) int {
	n := Distinct(ev.Roster)
	c.publish(n)
	return n
}

// Reset drops the count to zero until the next roster arrives.
func (c *Counter) Reset() {
	c.publish(0)
}

func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// OnChange registers fn to be called with each new count.
func (c *Counter) OnChange(fn func(int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Counter) publish(n int) {
	c.mu.Lock()
	changed := c.count != n
	c.count = n
	observers := slices.Clone(c.observers)
	c.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range observers {
		fn(n)
	}
}
