// connector.go: Client-side binding lifecycle and call surface
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

const (
	// DefaultCallTimeout bounds every Invoke unless configured otherwise.
	DefaultCallTimeout = 5 * time.Second

	// DefaultConnectTimeout bounds the asynchronous connect phase of a bind.
	DefaultConnectTimeout = 10 * time.Second

	inboxSize = 32
)

// StateObserver is notified of every lifecycle transition. Observers run on
// the connector's event loop and must return quickly.
type StateObserver func(change StateChange)

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	// ServiceID is the identifier resolved on every bind.
	ServiceID string

	// CallTimeout bounds each Invoke. Zero means DefaultCallTimeout,
	// a negative value disables the timeout.
	CallTimeout time.Duration

	// ConnectTimeout bounds the connect phase. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Logger accepts a Logger, *slog.Logger or nil.
	Logger any

	// Metrics receives connector metrics. Nil disables them.
	Metrics MetricsCollector
}

// Connector owns the binding lifecycle of one client and mediates every call
// to the calculator service.
//
// All state lives on a single event-loop goroutine. Bind and unbind requests,
// registry callbacks and handle acquisitions are messages on its inbox, so
// the {state, handle} pair is never observed half-updated. Remote calls run
// on the caller's goroutine and never block the loop.
//
// Example:
//
//	conn := NewConnector(registry, ConnectorOptions{ServiceID: DefaultServiceID})
//	defer conn.Close()
//
//	if err := conn.Bind(ctx); err != nil {
//	    return err
//	}
//	result, err := conn.Invoke(ctx, OperationRequest{Operation: OpAdd, A: 3, B: 4})
type Connector struct {
	registry       ServiceRegistry
	logger         Logger
	metrics        MetricsCollector
	connectTimeout time.Duration

	serviceID   atomic.Pointer[string]
	callTimeout atomic.Int64

	inbox     chan connectorEvent
	done      chan struct{}
	closeOnce sync.Once

	snapshot atomic.Pointer[connectorSnapshot]

	// Owned by the event loop.
	state      ConnectionState
	handle     *ServiceHandle
	endpoint   Endpoint
	generation uint64
	cancelBind context.CancelFunc
	observers  []StateObserver

	// deathBeforeConnect holds a death notice that reached the loop while
	// Binding, ahead of the connected callback for the same generation.
	deathBeforeConnect error
}

// connectorSnapshot is the read-only view published after every transition.
type connectorSnapshot struct {
	state     ConnectionState
	endpoint  Endpoint
	lastErr   error
	changedAt time.Time
	changed   chan struct{}
}

// NewConnector creates a Connector in the Unbound state and starts its event loop.
func NewConnector(registry ServiceRegistry, opts ConnectorOptions) *Connector {
	if opts.ServiceID == "" {
		opts.ServiceID = DefaultServiceID
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoOpMetricsCollector()
	}

	c := &Connector{
		registry:       registry,
		logger:         NewLogger(opts.Logger).With("component", "connector"),
		metrics:        opts.Metrics,
		connectTimeout: opts.ConnectTimeout,
		inbox:          make(chan connectorEvent, inboxSize),
		done:           make(chan struct{}),
		state:          StateUnbound,
	}
	c.SetServiceID(opts.ServiceID)
	c.SetCallTimeout(opts.CallTimeout)
	c.snapshot.Store(&connectorSnapshot{
		state:     StateUnbound,
		changedAt: timecache.CachedTime(),
		changed:   make(chan struct{}),
	})
	c.metrics.SetGauge(MetricConnectorState, nil, float64(StateUnbound))

	go c.run()
	return c
}

// State returns the current lifecycle state.
func (c *Connector) State() ConnectionState {
	return c.snapshot.Load().state
}

// Endpoint returns the endpoint of the current or last bind attempt.
func (c *Connector) Endpoint() Endpoint {
	return c.snapshot.Load().endpoint
}

// LastError returns the error that caused the most recent transition, if any.
func (c *Connector) LastError() error {
	return c.snapshot.Load().lastErr
}

// ServiceID returns the identifier used by the next bind.
func (c *Connector) ServiceID() string {
	return *c.serviceID.Load()
}

// SetServiceID changes the identifier used by subsequent binds.
func (c *Connector) SetServiceID(serviceID string) {
	c.serviceID.Store(&serviceID)
}

// CallTimeout returns the per-call timeout; zero or less means none.
func (c *Connector) CallTimeout() time.Duration {
	return time.Duration(c.callTimeout.Load())
}

// SetCallTimeout changes the per-call timeout. A value <= 0 disables it.
func (c *Connector) SetCallTimeout(timeout time.Duration) {
	c.callTimeout.Store(int64(timeout))
}

// AddObserver registers fn for every future transition.
func (c *Connector) AddObserver(fn StateObserver) error {
	if fn == nil {
		return nil
	}
	return c.send(&addObserverEvent{fn: fn, done: make(chan struct{})})
}

// RequestBind starts binding to the configured service.
//
// It is accepted only from Unbound or Failed. Resolution happens before
// RequestBind returns: a missing or ambiguous service moves the connector to
// Failed and the resolution error is returned. Otherwise the connection is
// started and its outcome is delivered asynchronously; use AwaitState or
// Bind to wait for it.
func (c *Connector) RequestBind(ctx context.Context) error {
	begin := &beginBindEvent{done: make(chan struct{})}
	if err := c.send(begin); err != nil {
		return err
	}
	if begin.err != nil {
		c.logger.Warn("Bind rejected", "state", begin.state.String())
		return begin.err
	}

	gen := begin.generation
	serviceID := begin.serviceID

	candidates, err := c.registry.Resolve(ctx, serviceID)
	switch {
	case err != nil:
		err = NewRegistryError("service resolution failed", err)
	case len(candidates) == 0:
		err = NewServiceNotFoundError(serviceID)
	case len(candidates) > 1:
		err = NewServiceAmbiguousError(serviceID, candidates)
	}
	if err != nil {
		c.logger.Error("Could not resolve service", "service_id", serviceID, "error", err)
		_ = c.send(&bindFailedEvent{generation: gen, err: err, reason: "resolution failed", done: make(chan struct{})})
		return err
	}

	endpoint := candidates[0]
	c.logger.Debug("Binding to service", "service_id", serviceID, "endpoint", endpoint.String())
	_ = c.send(&resolvedEvent{generation: gen, endpoint: endpoint, done: make(chan struct{})})

	listener := &bindListener{connector: c, generation: gen}
	if err := c.registry.Connect(begin.bindCtx, endpoint, listener); err != nil {
		connectErr := NewConnectError(endpoint, err)
		_ = c.send(&bindFailedEvent{generation: gen, err: connectErr, reason: "connect failed", done: make(chan struct{})})
		return connectErr
	}
	return nil
}

// Bind requests a bind and waits until the connector is Bound or Failed.
func (c *Connector) Bind(ctx context.Context) error {
	if err := c.RequestBind(ctx); err != nil {
		return err
	}
	state, err := c.AwaitState(ctx, StateBound, StateFailed, StateUnbound)
	if err != nil {
		return err
	}
	switch state {
	case StateBound:
		return nil
	case StateFailed:
		if last := c.LastError(); last != nil {
			return last
		}
		return NewConnectError(c.Endpoint(), errRemoteDied)
	default:
		// Unbound here means the bind was cancelled or the service died right away.
		if last := c.LastError(); last != nil {
			return NewConnectError(c.Endpoint(), last)
		}
		return NewNotBoundError(state)
	}
}

// RequestUnbind releases the current binding.
//
// From Bound the handle is released and the registry tears the connection
// down. From Binding the pending connect is cancelled. In both cases the
// connector ends Unbound and true is returned. From Unbound or Failed
// nothing happens and false is returned; this is not an error.
func (c *Connector) RequestUnbind() (bool, error) {
	ev := &unbindEvent{done: make(chan struct{})}
	if err := c.send(ev); err != nil {
		return false, err
	}
	if !ev.changed {
		c.logger.Info("Unbind ignored, service already unbound", "state", ev.state.String())
		return false, nil
	}
	if ev.handle != nil {
		if err := c.registry.Disconnect(ev.handle); err != nil {
			c.logger.Warn("Registry disconnect failed", "handle", ev.handle.ID(), "error", err)
		}
	}
	return true, nil
}

// Invoke forwards req to the bound service and waits for the result.
//
// When the connector is not Bound it fails with a NotBound error without
// contacting the service. A transport failure during the call returns a
// RemoteCall error and forces the connector to Unbound. A call exceeding the
// call timeout returns a CallTimeout error and leaves the state unchanged.
func (c *Connector) Invoke(ctx context.Context, req OperationRequest) (OperationResult, error) {
	if !req.Operation.Valid() {
		return OperationResult{}, NewUnknownOperationError(req.Operation.String())
	}

	acq := &acquireEvent{done: make(chan struct{})}
	if err := c.send(acq); err != nil {
		return OperationResult{}, err
	}
	if acq.handle == nil {
		c.recordInvoke(req.Operation, "not_bound", 0)
		return OperationResult{}, NewNotBoundError(acq.state)
	}

	callCtx := ctx
	if timeout := c.CallTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := acq.handle.call(callCtx, req)
	elapsed := time.Since(start)

	if err == nil {
		c.recordInvoke(req.Operation, "success", elapsed)
		return result, nil
	}

	switch {
	case isLinkFailure(err) && acq.handle.droppedByOwner():
		// Unbound locally while the call was running; the service is fine.
		c.recordInvoke(req.Operation, "not_bound", elapsed)
		return OperationResult{}, NewNotBoundError(c.State())

	case isLinkFailure(err):
		c.recordInvoke(req.Operation, "remote_error", elapsed)
		c.logger.Error("Remote call failed, dropping binding",
			"operation", req.Operation.String(), "handle", acq.handle.ID(), "error", err)
		_ = c.send(&callDiedEvent{generation: acq.generation, handle: acq.handle, err: err, done: make(chan struct{})})
		return OperationResult{}, NewRemoteCallError(req.Operation, err)

	case stderrors.Is(err, context.DeadlineExceeded):
		c.recordInvoke(req.Operation, "timeout", elapsed)
		return OperationResult{}, NewCallTimeoutError(req.Operation, err)

	default:
		c.recordInvoke(req.Operation, "rejected", elapsed)
		return OperationResult{}, err
	}
}

// Add invokes the add operation.
func (c *Connector) Add(ctx context.Context, a, b int32) (int32, error) {
	res, err := c.Invoke(ctx, OperationRequest{Operation: OpAdd, A: a, B: b})
	return res.Value, err
}

// Subtract invokes the subtract operation.
func (c *Connector) Subtract(ctx context.Context, a, b int32) (int32, error) {
	res, err := c.Invoke(ctx, OperationRequest{Operation: OpSubtract, A: a, B: b})
	return res.Value, err
}

// Multiply invokes the multiply operation.
func (c *Connector) Multiply(ctx context.Context, a, b int32) (int32, error) {
	res, err := c.Invoke(ctx, OperationRequest{Operation: OpMultiply, A: a, B: b})
	return res.Value, err
}

// AwaitState blocks until the connector is in one of states, ctx ends, or
// the connector is closed. It returns the state it observed last.
func (c *Connector) AwaitState(ctx context.Context, states ...ConnectionState) (ConnectionState, error) {
	for {
		snap := c.snapshot.Load()
		for _, s := range states {
			if snap.state == s {
				return snap.state, nil
			}
		}
		select {
		case <-snap.changed:
		case <-ctx.Done():
			return snap.state, ctx.Err()
		case <-c.done:
			return c.State(), NewConnectorClosedError()
		}
	}
}

// Close unbinds if needed and stops the event loop. It is idempotent.
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ev := &closeEvent{done: make(chan struct{})}
		if sendErr := c.send(ev); sendErr != nil {
			return
		}
		<-c.done
		if ev.handle != nil {
			err = c.registry.Disconnect(ev.handle)
		}
	})
	return err
}

func (c *Connector) recordInvoke(op Operation, outcome string, elapsed time.Duration) {
	labels := map[string]string{"operation": op.String(), "outcome": outcome}
	c.metrics.IncrementCounter(MetricConnectorInvocations, labels, 1)
	if elapsed > 0 {
		c.metrics.RecordHistogram(MetricConnectorInvokeDuration, map[string]string{"operation": op.String()}, elapsed.Seconds())
	}
}

// send posts ev to the loop and waits until it has been handled.
func (c *Connector) send(ev connectorEvent) error {
	select {
	case c.inbox <- ev:
	case <-c.done:
		return NewConnectorClosedError()
	}
	select {
	case <-ev.handled():
		return nil
	case <-c.done:
		// The loop may have handled ev right before exiting.
		select {
		case <-ev.handled():
			return nil
		default:
			return NewConnectorClosedError()
		}
	}
}

// post delivers a registry callback without waiting for it to be handled.
func (c *Connector) post(ev connectorEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connector) run() {
	defer close(c.done)
	for ev := range c.inbox {
		if stop := ev.apply(c); stop {
			return
		}
	}
}

// transition moves the loop-owned state and publishes a new snapshot.
func (c *Connector) transition(to ConnectionState, reason string, err error) {
	from := c.state
	c.state = to

	now := timecache.CachedTime()
	old := c.snapshot.Load()
	c.snapshot.Store(&connectorSnapshot{
		state:     to,
		endpoint:  c.endpoint,
		lastErr:   err,
		changedAt: now,
		changed:   make(chan struct{}),
	})
	close(old.changed)

	c.metrics.IncrementCounter(MetricConnectorTransitions, map[string]string{"from": from.String(), "to": to.String()}, 1)
	c.metrics.SetGauge(MetricConnectorState, nil, float64(to))

	switch {
	case to == StateBound:
		c.logger.Info("Service Bound", "endpoint", c.endpoint.String(), "handle", c.handle.ID())
	case to == StateFailed:
		c.logger.Error("Service binding failed", "reason", reason, "error", err)
	case from == StateBound && to == StateUnbound:
		c.logger.Info("Service Unbound", "reason", reason)
	default:
		c.logger.Debug("Connector state changed", "from", from.String(), "to", to.String(), "reason", reason)
	}

	change := StateChange{From: from, To: to, Reason: reason, Err: err, At: now}
	for _, observer := range c.observers {
		observer(change)
	}
}

// dropHandle clears the handle and releases it off the loop.
func (c *Connector) dropHandle() {
	handle := c.handle
	c.handle = nil
	if handle == nil {
		return
	}
	go func() {
		if err := c.registry.Disconnect(handle); err != nil {
			c.logger.Warn("Releasing dead handle failed", "handle", handle.ID(), "error", err)
		}
	}()
}

func (c *Connector) releaseStale(handle *ServiceHandle) {
	if handle == nil {
		return
	}
	c.logger.Debug("Releasing stale handle", "handle", handle.ID())
	go func() { _ = c.registry.Disconnect(handle) }()
}

// bindListener routes registry callbacks for one bind generation into the inbox.
type bindListener struct {
	connector  *Connector
	generation uint64
}

func (l *bindListener) OnServiceConnected(handle *ServiceHandle) {
	if !l.connector.post(&connectedEvent{generation: l.generation, handle: handle, done: make(chan struct{})}) {
		// Connector already closed: nobody will own this handle.
		_ = l.connector.registry.Disconnect(handle)
	}
}

func (l *bindListener) OnServiceDisconnected(endpoint Endpoint, cause error) {
	l.connector.post(&disconnectedEvent{generation: l.generation, endpoint: endpoint, cause: cause, done: make(chan struct{})})
}

func (l *bindListener) OnBindFailed(endpoint Endpoint, err error) {
	l.connector.post(&bindFailedEvent{
		generation: l.generation,
		err:        NewConnectError(endpoint, err),
		reason:     "connect failed",
		done:       make(chan struct{}),
	})
}
