// Package health tracks the state of the monitor's components
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Component names
const (
	ComponentAudio = "audio_source"
	ComponentUSB   = "usb_device"
)

// SinkComponent names the health entry of an event sink.
func SinkComponent(sink string) string { return "sink:" + sink }

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded, unhealthy
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical,omitempty"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports a component's current health.
type Probe func() (healthy bool, message string)

// Checker tracks health of system components. A failing critical
// component makes the whole status unhealthy; any other failure only
// degrades it.
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	critical   map[string]bool
	probes     map[string]Probe
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		critical:   make(map[string]bool),
		probes:     make(map[string]Probe),
	}
}

// MarkCritical flags components whose failure makes the monitor unhealthy
func (c *Checker) MarkCritical(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range names {
		c.critical[name] = true
		if check, ok := c.components[name]; ok {
			check.Critical = true
			c.components[name] = check
		}
	}
}

// SetComponent updates a component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Critical:  c.critical[name],
		Message:   message,
		LastCheck: time.Now(),
	}
}

// Register adds a probe evaluated by Refresh and Run
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	c.probes[name] = p
	c.mu.Unlock()
}

// Refresh evaluates every registered probe once
func (c *Checker) Refresh() {
	c.mu.RLock()
	names := make([]string, 0, len(c.probes))
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		names = append(names, name)
		probes[name] = p
	}
	c.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		healthy, msg := probes[name]()
		c.SetComponent(name, healthy, msg)
	}
}

// Run refreshes the probes every interval until ctx is cancelled
// (blocking, use goroutine).
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "ok"
	for _, check := range c.components {
		if check.Healthy {
			continue
		}
		if check.Critical {
			status = "unhealthy"
			break
		}
		status = "degraded"
	}

	// Copy components map
	components := make(map[string]Check)
	for k, v := range c.components {
		components[k] = v
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}

// IsHealthy returns true if all components are healthy
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, check := range c.components {
		if !check.Healthy {
			return false
		}
	}
	return true
}

// ProgressProbe is healthy while counter keeps advancing between probes.
// The first evaluation only records a baseline.
func ProgressProbe(counter func() uint64, what string) Probe {
	var mu sync.Mutex
	var last uint64
	started := false

	return func() (bool, string) {
		mu.Lock()
		defer mu.Unlock()

		n := counter()
		if !started {
			started = true
			last = n
			return true, "starting"
		}
		if n == last {
			return false, fmt.Sprintf("no %s since last check", what)
		}
		delta := n - last
		last = n
		return true, fmt.Sprintf("%d %s since last check", delta, what)
	}
}

// DeliveryProbe is unhealthy when a sink failed since the last probe and
// delivered nothing.
func DeliveryProbe(counts func() (delivered, failed uint64)) Probe {
	var mu sync.Mutex
	var lastDelivered, lastFailed uint64

	return func() (bool, string) {
		mu.Lock()
		defer mu.Unlock()

		delivered, failed := counts()
		newDelivered := delivered - lastDelivered
		newFailed := failed - lastFailed
		lastDelivered, lastFailed = delivered, failed

		if newFailed > 0 && newDelivered == 0 {
			return false, fmt.Sprintf("%d failed deliveries", newFailed)
		}
		return true, fmt.Sprintf("%d delivered, %d failed", delivered, failed)
	}
}
