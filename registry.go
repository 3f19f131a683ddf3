// registry.go: Service registry contract and the in-process registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var errRemoteDied = stderrors.New("remote service died")

// ConnectionListener receives the asynchronous outcome of ServiceRegistry.Connect.
//
// For every Connect call exactly one of OnServiceConnected or OnBindFailed is
// delivered. OnServiceDisconnected may follow a successful connection when the
// remote side goes away. Callbacks arrive on registry goroutines.
type ConnectionListener interface {
	OnServiceConnected(handle *ServiceHandle)
	OnServiceDisconnected(endpoint Endpoint, cause error)
	OnBindFailed(endpoint Endpoint, err error)
}

// ServiceRegistry resolves identifiers to endpoints and establishes connections.
type ServiceRegistry interface {
	// Resolve returns every endpoint answering to serviceID. An empty slice is
	// not an error; deciding what zero or many candidates mean is up to the caller.
	Resolve(ctx context.Context, serviceID string) ([]Endpoint, error)

	// Connect starts connecting to endpoint and returns without waiting for
	// the connection. A non-nil error means no callback will be delivered.
	Connect(ctx context.Context, endpoint Endpoint, listener ConnectionListener) error

	// Disconnect releases the handle and tears down its connection.
	Disconnect(handle *ServiceHandle) error
}

// matchesIdentifier reports whether a service named name that declares
// actions answers to serviceID.
func matchesIdentifier(name string, actions []string, serviceID string) bool {
	if serviceID == "" {
		return false
	}
	if name == serviceID {
		return true
	}
	for _, action := range actions {
		if action == serviceID {
			return true
		}
	}
	return false
}

// LocalService describes a calculator published in-process.
type LocalService struct {
	Name       string
	Version    string
	Actions    []string
	Exported   bool
	Calculator Calculator
}

type localService struct {
	def      LocalService
	endpoint Endpoint
	calls    atomic.Int64
	conns    map[*localConn]ConnectionListener
}

// LocalRegistry is a ServiceRegistry for services living in the same process.
//
// It is the registry used by tests and embedded setups: services are
// published with Publish and Kill simulates remote death of every live
// connection to an endpoint.
type LocalRegistry struct {
	mu       sync.Mutex
	services map[string]*localService
	seq      atomic.Int64
	logger   Logger
}

// NewLocalRegistry creates an empty in-process registry.
func NewLocalRegistry(logger any) *LocalRegistry {
	return &LocalRegistry{
		services: make(map[string]*localService),
		logger:   NewLogger(logger),
	}
}

// Publish makes a service resolvable and returns its endpoint.
func (r *LocalRegistry) Publish(svc LocalService) Endpoint {
	if svc.Calculator == nil {
		svc.Calculator = NewArithmeticService()
	}
	endpoint := Endpoint{
		ServiceName: svc.Name,
		Version:     svc.Version,
		Transport:   TransportInProc,
		Address:     fmt.Sprintf("%s#%d", svc.Name, r.seq.Add(1)),
	}

	r.mu.Lock()
	r.services[endpoint.Address] = &localService{
		def:      svc,
		endpoint: endpoint,
		conns:    make(map[*localConn]ConnectionListener),
	}
	r.mu.Unlock()

	r.logger.Debug("Local service published", "endpoint", endpoint.String(), "actions", svc.Actions)
	return endpoint
}

// Unpublish removes a service. Live connections are killed.
func (r *LocalRegistry) Unpublish(endpoint Endpoint) {
	r.Kill(endpoint)
	r.mu.Lock()
	delete(r.services, endpoint.Address)
	r.mu.Unlock()
}

// Kill simulates remote death: every live connection to endpoint breaks and
// its listener receives OnServiceDisconnected. It returns how many
// connections were killed.
func (r *LocalRegistry) Kill(endpoint Endpoint) int {
	r.mu.Lock()
	svc, ok := r.services[endpoint.Address]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	victims := svc.conns
	svc.conns = make(map[*localConn]ConnectionListener)
	r.mu.Unlock()

	for conn, listener := range victims {
		conn.dead.Store(true)
		listener.OnServiceDisconnected(endpoint, errRemoteDied)
	}
	if len(victims) > 0 {
		r.logger.Info("Local service killed", "endpoint", endpoint.String(), "connections", len(victims))
	}
	return len(victims)
}

// Crash breaks every live connection to endpoint without notifying the
// listeners, as when a remote dies before the death is reported. Clients
// find out on their next call. It returns how many connections broke.
func (r *LocalRegistry) Crash(endpoint Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[endpoint.Address]
	if !ok {
		return 0
	}
	for conn := range svc.conns {
		conn.dead.Store(true)
	}
	n := len(svc.conns)
	svc.conns = make(map[*localConn]ConnectionListener)
	return n
}

// CallCount returns how many calls reached the service behind endpoint.
func (r *LocalRegistry) CallCount(endpoint Endpoint) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[endpoint.Address]; ok {
		return svc.calls.Load()
	}
	return 0
}

// ConnectionCount returns the number of live connections to endpoint.
func (r *LocalRegistry) ConnectionCount(endpoint Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[endpoint.Address]; ok {
		return len(svc.conns)
	}
	return 0
}

// Resolve implements ServiceRegistry.
func (r *LocalRegistry) Resolve(ctx context.Context, serviceID string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var endpoints []Endpoint
	for _, svc := range r.services {
		if svc.def.Exported && matchesIdentifier(svc.def.Name, svc.def.Actions, serviceID) {
			endpoints = append(endpoints, svc.endpoint)
		}
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Address < endpoints[j].Address })
	return endpoints, nil
}

// Connect implements ServiceRegistry.
func (r *LocalRegistry) Connect(ctx context.Context, endpoint Endpoint, listener ConnectionListener) error {
	if listener == nil {
		return NewRegistryError("connection listener is required", nil)
	}

	go func() {
		if err := ctx.Err(); err != nil {
			listener.OnBindFailed(endpoint, err)
			return
		}

		r.mu.Lock()
		svc, ok := r.services[endpoint.Address]
		if !ok {
			r.mu.Unlock()
			listener.OnBindFailed(endpoint, NewConnectError(endpoint, errRemoteDied))
			return
		}
		conn := &localConn{svc: svc}
		conn.onClose = func() { r.forget(endpoint, conn) }
		svc.conns[conn] = listener
		r.mu.Unlock()

		listener.OnServiceConnected(newServiceHandle(endpoint, conn, nil))
	}()
	return nil
}

// Disconnect implements ServiceRegistry.
func (r *LocalRegistry) Disconnect(handle *ServiceHandle) error {
	if handle == nil {
		return nil
	}
	return handle.release()
}

func (r *LocalRegistry) forget(endpoint Endpoint, conn *localConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[endpoint.Address]; ok {
		delete(svc.conns, conn)
	}
}

// localConn forwards calls to an in-process Calculator.
type localConn struct {
	svc     *localService
	dead    atomic.Bool
	onClose func()
	closed  atomic.Bool
}

func (c *localConn) do(ctx context.Context, fn func(context.Context, int32, int32) (int32, error), a, b int32) (int32, error) {
	if c.dead.Load() || c.closed.Load() {
		return 0, newLinkFailure(errRemoteDied)
	}
	c.svc.calls.Add(1)
	value, err := fn(ctx, a, b)
	// A connection that died or was closed while the call was running does
	// not deliver a result.
	if c.dead.Load() || c.closed.Load() {
		return 0, newLinkFailure(errRemoteDied)
	}
	return value, err
}

func (c *localConn) Add(ctx context.Context, a, b int32) (int32, error) {
	return c.do(ctx, c.svc.def.Calculator.Add, a, b)
}

func (c *localConn) Subtract(ctx context.Context, a, b int32) (int32, error) {
	return c.do(ctx, c.svc.def.Calculator.Subtract, a, b)
}

func (c *localConn) Multiply(ctx context.Context, a, b int32) (int32, error) {
	return c.do(ctx, c.svc.def.Calculator.Multiply, a, b)
}

func (c *localConn) Close() error {
	if c.closed.CompareAndSwap(false, true) && c.onClose != nil {
		c.onClose()
	}
	return nil
}
