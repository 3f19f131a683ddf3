// server.go: Transport-independent core shared by the calculator servers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"golang.org/x/time/rate"
)

var (
	errRateLimited  = stderrors.New("rate limit exceeded")
	errShuttingDown = stderrors.New("service is shutting down")
)

// ServiceServer is a running calculator endpoint.
type ServiceServer interface {
	// Start begins accepting connections and returns once the endpoint is ready.
	Start(ctx context.Context) error

	// Stop drains in-flight calls, closes every connection and releases
	// the endpoint. Connected clients observe the service as dead.
	Stop(ctx context.Context) error

	// Endpoint returns the address clients dial.
	Endpoint() string

	// Transport returns the wire protocol served.
	Transport() TransportType

	// Stats returns a snapshot of the server counters.
	Stats() ServeStats
}

// ServerOptions configures a calculator server.
type ServerOptions struct {
	Name        string
	Version     string
	Description string

	// Calculator serves the calls. Nil means ArithmeticService.
	Calculator Calculator

	RateLimit      RateLimitConfig
	MaxConnections int
	DrainTimeout   time.Duration

	// Logger accepts a Logger, *slog.Logger or nil.
	Logger  any
	Metrics MetricsCollector
}

// ServerOptionsFromConfig maps a ServiceConfig onto ServerOptions.
func ServerOptionsFromConfig(cfg ServiceConfig, logger any, metrics MetricsCollector) ServerOptions {
	return ServerOptions{
		Name:           cfg.Name,
		Version:        cfg.Version,
		Description:    cfg.Description,
		RateLimit:      cfg.RateLimit,
		MaxConnections: cfg.MaxConnections,
		DrainTimeout:   cfg.DrainTimeout,
		Logger:         logger,
		Metrics:        metrics,
	}
}

// ServeStats tracks server activity.
type ServeStats struct {
	StartTime         time.Time `json:"start_time"`
	ConnectionsTotal  int64     `json:"connections_total"`
	ActiveConnections int64     `json:"active_connections"`
	RequestsHandled   int64     `json:"requests_handled"`
	RequestsRejected  int64     `json:"requests_rejected"`
	LastRequestTime   time.Time `json:"last_request_time"`
}

type serveCounters struct {
	startTime         atomic.Int64
	connectionsTotal  atomic.Int64
	activeConnections atomic.Int64
	requestsHandled   atomic.Int64
	requestsRejected  atomic.Int64
	lastRequest       atomic.Int64
}

func (s *serveCounters) snapshot() ServeStats {
	stats := ServeStats{
		ConnectionsTotal:  s.connectionsTotal.Load(),
		ActiveConnections: s.activeConnections.Load(),
		RequestsHandled:   s.requestsHandled.Load(),
		RequestsRejected:  s.requestsRejected.Load(),
	}
	if ns := s.startTime.Load(); ns != 0 {
		stats.StartTime = time.Unix(0, ns)
	}
	if ns := s.lastRequest.Load(); ns != 0 {
		stats.LastRequestTime = time.Unix(0, ns)
	}
	return stats
}

// callDispatcher applies rate limiting, request tracking and metrics around
// the Calculator. Both transports route every call through it.
type callDispatcher struct {
	name       string
	info       ServiceInfo
	calculator Calculator
	limiter    *rate.Limiter
	tracker    *RequestTracker
	metrics    MetricsCollector
	logger     Logger
	transport  TransportType

	draining atomic.Bool
	counters serveCounters
}

func newCallDispatcher(opts ServerOptions, transport TransportType) *callDispatcher {
	if opts.Calculator == nil {
		opts.Calculator = NewArithmeticService()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoOpMetricsCollector()
	}
	if opts.Name == "" {
		opts.Name = "calculator"
	}

	var limiter *rate.Limiter
	if opts.RateLimit.RequestsPerSecond > 0 {
		burst := opts.RateLimit.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit.RequestsPerSecond) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit.RequestsPerSecond), burst)
	}

	capabilities := make([]string, 0, len(Operations()))
	for _, op := range Operations() {
		capabilities = append(capabilities, op.String())
	}

	d := &callDispatcher{
		name: opts.Name,
		info: ServiceInfo{
			Name:         opts.Name,
			Version:      opts.Version,
			Description:  opts.Description,
			Capabilities: capabilities,
		},
		calculator: opts.Calculator,
		limiter:    limiter,
		tracker:    NewRequestTracker(opts.Metrics),
		metrics:    opts.Metrics,
		logger:     NewLogger(opts.Logger).With("component", "server", "transport", string(transport)),
		transport:  transport,
	}
	return d
}

func (d *callDispatcher) markStarted() {
	d.draining.Store(false)
	d.counters.startTime.Store(timecache.CachedTimeNano())
}

// dispatch runs one call. Rejections are returned as the sentinels
// errRateLimited and errShuttingDown or as an unknown operation error.
func (d *callDispatcher) dispatch(ctx context.Context, req OperationRequest) (OperationResult, error) {
	if d.draining.Load() {
		d.reject(req.Operation, "shutting_down")
		return OperationResult{}, errShuttingDown
	}
	if d.limiter != nil && !d.limiter.Allow() {
		d.reject(req.Operation, "rate_limited")
		d.metrics.IncrementCounter(MetricServerRateLimited, map[string]string{"transport": string(d.transport)}, 1)
		return OperationResult{}, errRateLimited
	}

	callCtx, done := d.tracker.StartRequest(ctx, d.name)
	defer done()

	start := time.Now()
	result, err := Apply(callCtx, d.calculator, req)
	elapsed := time.Since(start)

	d.counters.requestsHandled.Add(1)
	d.counters.lastRequest.Store(timecache.CachedTimeNano())

	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.IncrementCounter(MetricServerRequests, map[string]string{"operation": req.Operation.String(), "status": status}, 1)
	d.metrics.RecordHistogram(MetricServerRequestDuration, map[string]string{"operation": req.Operation.String()}, elapsed.Seconds())

	d.logger.Debug("Call served",
		"operation", req.Operation.String(),
		"a", req.A,
		"b", req.B,
		"value", result.Value,
		"duration", elapsed,
		"error", err)
	return result, err
}

func (d *callDispatcher) reject(op Operation, status string) {
	d.counters.requestsRejected.Add(1)
	d.metrics.IncrementCounter(MetricServerRequests, map[string]string{"operation": op.String(), "status": status}, 1)
}

// drain stops accepting calls and waits for the in-flight ones.
func (d *callDispatcher) drain(timeout time.Duration) error {
	d.draining.Store(true)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	err := d.tracker.GracefulDrain(d.name, DrainOptions{DrainTimeout: timeout, ForceCancelAfterTimeout: true})
	if err != nil {
		d.logger.Warn("Drain incomplete", "error", err)
	}
	return err
}
