// handle.go: Opaque capability for one live service connection
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

var errHandleReleased = stderrors.New("service handle released")

// serviceConn is what a transport hands to a ServiceHandle.
type serviceConn interface {
	Calculator
	Close() error
}

// linkFailure marks errors caused by the connection itself, as opposed to the
// remote side rejecting a call. The connector treats it as remote death.
type linkFailure struct {
	err error
}

func (l *linkFailure) Error() string { return fmt.Sprintf("link failure: %v", l.err) }
func (l *linkFailure) Unwrap() error { return l.err }

func newLinkFailure(err error) error {
	if err == nil {
		return nil
	}
	var existing *linkFailure
	if stderrors.As(err, &existing) {
		return err
	}
	return &linkFailure{err: err}
}

func isLinkFailure(err error) bool {
	var lf *linkFailure
	return stderrors.As(err, &lf)
}

// ServiceHandle is an opaque, process-local reference to a live connection.
//
// Handles are created by a ServiceRegistry and delivered once, through the
// connected callback, to the Connector that asked for them. They cannot be
// copied across processes and become unusable after release.
type ServiceHandle struct {
	id       string
	endpoint Endpoint
	conn     serviceConn
	boundAt  time.Time

	released atomic.Bool
	// dropped is set when the owning connector let go of the handle on
	// request, as opposed to losing it to remote death.
	dropped atomic.Bool
	// stopWatch ends the registry's death watch for this handle.
	stopWatch context.CancelFunc
}

func newServiceHandle(endpoint Endpoint, conn serviceConn, stopWatch context.CancelFunc) *ServiceHandle {
	return &ServiceHandle{
		id:        uuid.NewString(),
		endpoint:  endpoint,
		conn:      conn,
		boundAt:   timecache.CachedTime(),
		stopWatch: stopWatch,
	}
}

// ID uniquely identifies this bind cycle's handle.
func (h *ServiceHandle) ID() string { return h.id }

// Endpoint returns the endpoint the handle is connected to.
func (h *ServiceHandle) Endpoint() Endpoint { return h.endpoint }

// BoundAt returns when the connection was established.
func (h *ServiceHandle) BoundAt() time.Time { return h.boundAt }

// Released reports whether the handle has been released.
func (h *ServiceHandle) Released() bool { return h.released.Load() }

func (h *ServiceHandle) markDropped() {
	if h != nil {
		h.dropped.Store(true)
	}
}

func (h *ServiceHandle) droppedByOwner() bool { return h.dropped.Load() }

func (h *ServiceHandle) call(ctx context.Context, req OperationRequest) (OperationResult, error) {
	if h.released.Load() {
		return OperationResult{}, newLinkFailure(errHandleReleased)
	}
	return Apply(ctx, h.conn, req)
}

// release closes the connection exactly once.
func (h *ServiceHandle) release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if h.stopWatch != nil {
		h.stopWatch()
	}
	return h.conn.Close()
}
