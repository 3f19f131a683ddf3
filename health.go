// health.go: Endpoint probing and periodic health monitoring
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ProbeFunc checks one endpoint once.
type ProbeFunc func(ctx context.Context) HealthStatus

// ProbeEndpoint dials endpoint, asks it for its health and closes the
// connection again. Unreachable endpoints are reported offline.
func ProbeEndpoint(ctx context.Context, endpoint Endpoint, dialTimeout time.Duration) HealthStatus {
	start := time.Now()
	status := HealthStatus{Status: StatusUnknown, LastCheck: timecache.CachedTime()}

	switch endpoint.Transport {
	case TransportUnix:
		client, err := DialUnix(ctx, endpoint, UnixClientOptions{DialTimeout: dialTimeout, MaxIdle: 1})
		if err != nil {
			return offlineStatus(status, err, start)
		}
		defer func() { _ = client.Close() }()

		info, err := client.Info(ctx)
		if err != nil {
			status.Status = StatusUnhealthy
			status.Message = err.Error()
			break
		}
		status.Status = StatusHealthy
		status.Message = "Service is healthy"
		status.Metadata = map[string]string{"name": info.Name, "version": info.Version}

	case TransportGRPC:
		client, err := DialGRPC(ctx, endpoint, GRPCClientOptions{DialTimeout: dialTimeout})
		if err != nil {
			return offlineStatus(status, err, start)
		}
		defer func() { _ = client.Close() }()

		serving, err := client.Health(ctx)
		switch {
		case err != nil:
			status.Status = StatusUnhealthy
			status.Message = err.Error()
		case serving == healthpb.HealthCheckResponse_SERVING:
			status.Status = StatusHealthy
			status.Message = "Service is healthy"
		default:
			status.Status = StatusUnhealthy
			status.Message = fmt.Sprintf("service reports %s", serving)
		}

	default:
		status.Message = fmt.Sprintf("transport %q cannot be probed", endpoint.Transport)
	}

	status.ResponseTime = time.Since(start)
	return status
}

func offlineStatus(status HealthStatus, err error, start time.Time) HealthStatus {
	status.Status = StatusOffline
	status.Message = err.Error()
	status.ResponseTime = time.Since(start)
	return status
}

// HealthCheckConfig configures a HealthChecker.
type HealthCheckConfig struct {
	Interval     time.Duration
	Timeout      time.Duration
	FailureLimit int
}

// DefaultHealthCheckConfig returns the stock probing schedule.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:     10 * time.Second,
		Timeout:      2 * time.Second,
		FailureLimit: 3,
	}
}

// HealthChecker probes an endpoint periodically and tracks consecutive failures.
//
// Usage example:
//
//	checker := NewHealthChecker("calculator", func(ctx context.Context) HealthStatus {
//	    return ProbeEndpoint(ctx, endpoint, time.Second)
//	}, DefaultHealthCheckConfig(), metrics)
//	checker.Start()
//	defer checker.Stop()
type HealthChecker struct {
	name    string
	probe   ProbeFunc
	config  HealthCheckConfig
	metrics MetricsCollector

	consecutiveFailures atomic.Int64
	lastCheck           atomic.Int64
	last                atomic.Pointer[HealthStatus]
	running             atomic.Bool

	onChange func(HealthStatus)

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHealthChecker creates a stopped checker. metrics may be nil.
func NewHealthChecker(name string, probe ProbeFunc, config HealthCheckConfig, metrics MetricsCollector) *HealthChecker {
	defaults := DefaultHealthCheckConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.FailureLimit <= 0 {
		config.FailureLimit = defaults.FailureLimit
	}
	if metrics == nil {
		metrics = NewNoOpMetricsCollector()
	}
	return &HealthChecker{name: name, probe: probe, config: config, metrics: metrics}
}

// OnChange registers fn to run when the reported status changes. Call it before Start.
func (hc *HealthChecker) OnChange(fn func(HealthStatus)) {
	hc.onChange = fn
}

// Check probes once. Once FailureLimit consecutive probes fail the
// status is reported as offline.
func (hc *HealthChecker) Check() HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), hc.config.Timeout)
	defer cancel()

	status := hc.probe(ctx)
	hc.lastCheck.Store(timecache.CachedTimeNano())

	if status.Status != StatusHealthy {
		if hc.consecutiveFailures.Add(1) >= int64(hc.config.FailureLimit) {
			status.Status = StatusOffline
			status.Message = "Exceeded consecutive failure limit"
		}
	} else {
		hc.consecutiveFailures.Store(0)
	}
	status.LastCheck = timecache.CachedTime()

	hc.metrics.IncrementCounter(MetricHealthChecks, map[string]string{"status": status.Status.String()}, 1)

	previous := hc.last.Swap(&status)
	if hc.onChange != nil && (previous == nil || previous.Status != status.Status) {
		hc.onChange(status)
	}
	return status
}

// Last returns the most recent status, or an unknown status before the first check.
func (hc *HealthChecker) Last() HealthStatus {
	if s := hc.last.Load(); s != nil {
		return *s
	}
	return HealthStatus{Status: StatusUnknown}
}

// Start begins periodic checking. It is idempotent.
func (hc *HealthChecker) Start() {
	if hc.running.CompareAndSwap(false, true) {
		hc.stopChan = make(chan struct{})
		hc.doneChan = make(chan struct{})
		go hc.run()
	}
}

// Stop halts checking and waits for an in-flight probe.
func (hc *HealthChecker) Stop() {
	if hc.running.CompareAndSwap(true, false) {
		close(hc.stopChan)
		<-hc.doneChan
	}
}

// IsRunning reports whether periodic checks are active.
func (hc *HealthChecker) IsRunning() bool {
	return hc.running.Load()
}

// GetLastCheck returns the timestamp of the last check.
func (hc *HealthChecker) GetLastCheck() time.Time {
	timestamp := hc.lastCheck.Load()
	if timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(0, timestamp)
}

// GetConsecutiveFailures returns the current failure streak.
func (hc *HealthChecker) GetConsecutiveFailures() int64 {
	return hc.consecutiveFailures.Load()
}

func (hc *HealthChecker) run() {
	defer close(hc.doneChan)

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	hc.Check()
	for {
		select {
		case <-ticker.C:
			hc.Check()
		case <-hc.stopChan:
			return
		}
	}
}
