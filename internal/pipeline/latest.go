package pipeline

import "sync"

// Latest holds the most recent Result. It has a single writer, the
// processing path, and any number of readers. A stored Result must not be
// mutated afterwards.
type Latest struct {
	mu  sync.RWMutex
	r   Result
	seq uint64
}

// Store publishes r.
func (l *Latest) Store(r Result) {
	l.mu.Lock()
	l.r = r
	l.seq++
	l.mu.Unlock()
}

// Load returns the latest Result and false if nothing was stored yet.
func (l *Latest) Load() (Result, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.r, l.seq > 0
}

// Seq returns the number of stores so far.
func (l *Latest) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
