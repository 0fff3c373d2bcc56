// Package genclock provides a process-local monotonic counter used to tag
// engine operations for log correlation. Adapted from a distributed
// logical clock down to the single-process case the engine actually
// needs: Set, Seed and Pull each draw one tick and include it in the log
// lines they emit themselves, so a reader can reconstruct which of those
// lines belong to the same call. Lines logged by the recomputation walk
// and the index backfill do not carry the tick.
package genclock

import "sync"

// Counter hands out a strictly increasing sequence of operation ids.
type Counter struct {
	mu   sync.Mutex
	time uint64
}

// New returns a Counter starting at zero.
func New() *Counter {
	return &Counter{}
}

// Next advances and returns the next operation id.
func (c *Counter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time++
	return c.time
}
