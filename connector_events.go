// connector_events.go: Messages processed by the connector event loop
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"fmt"
)

// connectorEvent is one message on the connector inbox. apply runs on the
// event loop and returns true when the loop must stop.
type connectorEvent interface {
	apply(c *Connector) (stop bool)
	handled() <-chan struct{}
}

// stopBindTimer releases the context of a pending bind.
func (c *Connector) stopBindTimer() {
	if c.cancelBind != nil {
		c.cancelBind()
		c.cancelBind = nil
	}
}

func (c *Connector) isCurrent(generation uint64) bool {
	return generation == c.generation
}

type beginBindEvent struct {
	done chan struct{}

	err        error
	state      ConnectionState
	generation uint64
	serviceID  string
	bindCtx    context.Context
}

func (e *beginBindEvent) handled() <-chan struct{} { return e.done }

func (e *beginBindEvent) apply(c *Connector) bool {
	defer close(e.done)
	e.state = c.state
	if !c.state.CanBind() {
		e.err = NewBindInProgressError(c.state)
		return false
	}

	c.generation++
	c.stopBindTimer()
	c.deathBeforeConnect = nil
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	c.cancelBind = cancel
	c.endpoint = Endpoint{}

	// A registry that never calls back still ends the bind at the deadline.
	generation := c.generation
	context.AfterFunc(ctx, func() {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.post(&bindFailedEvent{generation: generation, timedOut: true, reason: "connect timed out", done: make(chan struct{})})
		}
	})

	e.generation = c.generation
	e.serviceID = c.ServiceID()
	e.bindCtx = ctx
	c.transition(StateBinding, "bind requested", nil)
	return false
}

type resolvedEvent struct {
	done       chan struct{}
	generation uint64
	endpoint   Endpoint
}

func (e *resolvedEvent) handled() <-chan struct{} { return e.done }

func (e *resolvedEvent) apply(c *Connector) bool {
	defer close(e.done)
	if c.isCurrent(e.generation) && c.state == StateBinding {
		c.endpoint = e.endpoint
	}
	return false
}

type bindFailedEvent struct {
	done       chan struct{}
	generation uint64
	err        error
	reason     string
	timedOut   bool
}

func (e *bindFailedEvent) handled() <-chan struct{} { return e.done }

func (e *bindFailedEvent) apply(c *Connector) bool {
	defer close(e.done)
	if !c.isCurrent(e.generation) || c.state != StateBinding {
		c.logger.Debug("Ignoring stale bind failure", "generation", e.generation, "error", e.err)
		return false
	}
	if e.timedOut {
		e.err = NewConnectError(c.endpoint, fmt.Errorf("no connection within %s: %w", c.connectTimeout, context.DeadlineExceeded))
	}
	c.stopBindTimer()
	c.transition(StateFailed, e.reason, e.err)
	return false
}

type connectedEvent struct {
	done       chan struct{}
	generation uint64
	handle     *ServiceHandle
}

func (e *connectedEvent) handled() <-chan struct{} { return e.done }

func (e *connectedEvent) apply(c *Connector) bool {
	defer close(e.done)
	if !c.isCurrent(e.generation) || c.state != StateBinding || e.handle == nil {
		c.releaseStale(e.handle)
		return false
	}
	c.stopBindTimer()
	c.endpoint = e.handle.Endpoint()
	if cause := c.deathBeforeConnect; cause != nil {
		c.deathBeforeConnect = nil
		c.logger.Warn("Service died before the bind completed", "endpoint", c.endpoint.String(), "cause", cause)
		c.releaseStale(e.handle)
		c.generation++
		c.transition(StateUnbound, "service disconnected while binding", cause)
		return false
	}
	c.handle = e.handle
	c.transition(StateBound, "service connected", nil)
	return false
}

type disconnectedEvent struct {
	done       chan struct{}
	generation uint64
	endpoint   Endpoint
	cause      error
}

func (e *disconnectedEvent) handled() <-chan struct{} { return e.done }

func (e *disconnectedEvent) apply(c *Connector) bool {
	defer close(e.done)
	if !c.isCurrent(e.generation) {
		return false
	}
	if c.state == StateBinding {
		// The watch can fire before the connected callback is delivered.
		c.deathBeforeConnect = e.cause
		if c.deathBeforeConnect == nil {
			c.deathBeforeConnect = errRemoteDied
		}
		return false
	}
	if c.state != StateBound {
		return false
	}
	c.logger.Warn("Service Disconnected", "endpoint", e.endpoint.String(), "cause", e.cause)
	c.dropHandle()
	c.generation++
	c.transition(StateUnbound, "service disconnected", e.cause)
	return false
}

type unbindEvent struct {
	done chan struct{}

	changed bool
	state   ConnectionState
	handle  *ServiceHandle
}

func (e *unbindEvent) handled() <-chan struct{} { return e.done }

func (e *unbindEvent) apply(c *Connector) bool {
	defer close(e.done)
	e.state = c.state
	switch c.state {
	case StateBound:
		e.handle = c.handle
		e.handle.markDropped()
		c.handle = nil
		c.generation++
		e.changed = true
		c.transition(StateUnbound, "unbind requested", nil)
	case StateBinding:
		c.stopBindTimer()
		c.generation++
		e.changed = true
		c.transition(StateUnbound, "bind cancelled", nil)
	}
	return false
}

type acquireEvent struct {
	done chan struct{}

	state      ConnectionState
	handle     *ServiceHandle
	generation uint64
}

func (e *acquireEvent) handled() <-chan struct{} { return e.done }

func (e *acquireEvent) apply(c *Connector) bool {
	defer close(e.done)
	e.state = c.state
	if c.state == StateBound && c.handle != nil {
		e.handle = c.handle
		e.generation = c.generation
	}
	return false
}

type callDiedEvent struct {
	done       chan struct{}
	generation uint64
	handle     *ServiceHandle
	err        error
}

func (e *callDiedEvent) handled() <-chan struct{} { return e.done }

func (e *callDiedEvent) apply(c *Connector) bool {
	defer close(e.done)
	// A disconnect or unbind may already have replaced the handle.
	if c.handle == nil || c.handle != e.handle {
		return false
	}
	c.dropHandle()
	c.generation++
	c.transition(StateUnbound, "remote call failed", e.err)
	return false
}

type addObserverEvent struct {
	done chan struct{}
	fn   StateObserver
}

func (e *addObserverEvent) handled() <-chan struct{} { return e.done }

func (e *addObserverEvent) apply(c *Connector) bool {
	defer close(e.done)
	c.observers = append(c.observers, e.fn)
	return false
}

type closeEvent struct {
	done   chan struct{}
	handle *ServiceHandle
}

func (e *closeEvent) handled() <-chan struct{} { return e.done }

func (e *closeEvent) apply(c *Connector) bool {
	defer close(e.done)
	c.stopBindTimer()
	c.generation++
	if c.state == StateBound || c.state == StateBinding {
		e.handle = c.handle
		e.handle.markDropped()
		c.handle = nil
		c.transition(StateUnbound, "connector closed", nil)
	}
	return true
}
