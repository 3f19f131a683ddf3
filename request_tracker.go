// request_tracker.go: request tracking and graceful draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RequestTracker counts in-flight requests per server so a stopping server
// can wait for them, and cancel them when waiting takes too long.
type RequestTracker struct {
	activeRequests map[string]*atomic.Int64
	mu             sync.RWMutex

	cancels   map[string]map[uint64]context.CancelFunc
	nextID    atomic.Uint64
	contextMu sync.Mutex

	metrics MetricsCollector
}

// NewRequestTracker creates a request tracker. A nil collector disables metrics.
func NewRequestTracker(collector MetricsCollector) *RequestTracker {
	if collector == nil {
		collector = NewNoOpMetricsCollector()
	}
	return &RequestTracker{
		activeRequests: make(map[string]*atomic.Int64),
		cancels:        make(map[string]map[uint64]context.CancelFunc),
		metrics:        collector,
	}
}

// StartRequest registers a request for server and returns a context that
// ForceCancel can cancel. The returned function must be called when the
// request ends.
func (rt *RequestTracker) StartRequest(ctx context.Context, server string) (context.Context, func()) {
	counter := rt.counter(server)
	active := counter.Add(1)
	rt.metrics.SetGauge(MetricServerActiveRequests, nil, float64(active))

	reqCtx, cancel := context.WithCancel(ctx)
	id := rt.nextID.Add(1)

	rt.contextMu.Lock()
	if rt.cancels[server] == nil {
		rt.cancels[server] = make(map[uint64]context.CancelFunc)
	}
	rt.cancels[server][id] = cancel
	rt.contextMu.Unlock()

	var once sync.Once
	return reqCtx, func() {
		once.Do(func() {
			rt.contextMu.Lock()
			delete(rt.cancels[server], id)
			rt.contextMu.Unlock()
			cancel()

			remaining := counter.Add(-1)
			rt.metrics.SetGauge(MetricServerActiveRequests, nil, float64(remaining))
		})
	}
}

func (rt *RequestTracker) counter(server string) *atomic.Int64 {
	rt.mu.RLock()
	counter, exists := rt.activeRequests[server]
	rt.mu.RUnlock()
	if exists {
		return counter
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// Double-check after acquiring write lock
	if counter, exists = rt.activeRequests[server]; !exists {
		counter = &atomic.Int64{}
		rt.activeRequests[server] = counter
	}
	return counter
}

// GetActiveRequestCount returns the number of active requests for a server
func (rt *RequestTracker) GetActiveRequestCount(server string) int64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if counter, exists := rt.activeRequests[server]; exists {
		return counter.Load()
	}
	return 0
}

// WaitForDrain waits for all active requests of a server to complete.
// Returns true if all requests completed within timeout, false if timeout occurred
func (rt *RequestTracker) WaitForDrain(server string, timeout time.Duration) bool {
	if rt.GetActiveRequestCount(server) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return rt.GetActiveRequestCount(server) == 0
		case <-ticker.C:
			if rt.GetActiveRequestCount(server) == 0 {
				return true
			}
		}
	}
}

// ForceCancel cancels every active request of a server and returns how many
// were cancelled. Use it only after graceful draining failed.
func (rt *RequestTracker) ForceCancel(server string) int {
	rt.contextMu.Lock()
	cancels := rt.cancels[server]
	rt.cancels[server] = nil
	rt.contextMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// DrainOptions configures graceful draining behavior
type DrainOptions struct {
	// Maximum time to wait for active requests to complete
	DrainTimeout time.Duration

	// Whether to forcefully cancel remaining requests after timeout
	ForceCancelAfterTimeout bool
}

// GracefulDrain waits for in-flight requests and optionally cancels the rest.
func (rt *RequestTracker) GracefulDrain(server string, options DrainOptions) error {
	start := time.Now()
	if options.DrainTimeout == 0 {
		options.DrainTimeout = 30 * time.Second
	}

	if rt.WaitForDrain(server, options.DrainTimeout) {
		return nil
	}

	remaining := rt.GetActiveRequestCount(server)
	drainErr := &DrainTimeoutError{
		Server:            server,
		RemainingRequests: remaining,
		DrainDuration:     time.Since(start),
	}
	if options.ForceCancelAfterTimeout && remaining > 0 {
		drainErr.CanceledRequests = rt.ForceCancel(server)
	}
	return drainErr
}

// DrainTimeoutError indicates that graceful draining timed out
type DrainTimeoutError struct {
	Server            string
	RemainingRequests int64
	CanceledRequests  int
	DrainDuration     time.Duration
}

func (e *DrainTimeoutError) Error() string {
	if e.CanceledRequests > 0 {
		return fmt.Sprintf("drain timeout for server %s: %d requests canceled after %v (forced)",
			e.Server, e.CanceledRequests, e.DrainDuration)
	}
	return fmt.Sprintf("drain timeout for server %s: %d requests still active after %v",
		e.Server, e.RemainingRequests, e.DrainDuration)
}
