// connector_test.go: Binding lifecycle and call surface of the Connector
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedRegistry delays every connect until gate is closed.
type gatedRegistry struct {
	*LocalRegistry
	gate     chan struct{}
	openOnce sync.Once
	mu       sync.Mutex
	connects int
	released int
}

func newGatedRegistry(t *testing.T) *gatedRegistry {
	g := &gatedRegistry{LocalRegistry: NewLocalRegistry(nil), gate: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gatedRegistry) open() { g.openOnce.Do(func() { close(g.gate) }) }

func (g *gatedRegistry) Connect(ctx context.Context, endpoint Endpoint, listener ConnectionListener) error {
	g.mu.Lock()
	g.connects++
	g.mu.Unlock()
	go func() {
		<-g.gate
		_ = g.LocalRegistry.Connect(context.Background(), endpoint, listener)
	}()
	return nil
}

func (g *gatedRegistry) Disconnect(handle *ServiceHandle) error {
	g.mu.Lock()
	g.released++
	g.mu.Unlock()
	return g.LocalRegistry.Disconnect(handle)
}

func (g *gatedRegistry) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

func (g *gatedRegistry) releaseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

func TestConnectorBindAndAdd(t *testing.T) {
	registry := NewLocalRegistry(nil)
	endpoint := publishCalculator(registry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})

	require.NoError(t, c.Bind(context.Background()))
	assert.Equal(t, StateBound, c.State())
	assert.Equal(t, endpoint, c.Endpoint())

	sum, err := c.Add(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(7), sum)
	assert.Equal(t, StateBound, c.State())

	product, err := c.Multiply(context.Background(), -2, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(-10), product)

	diff, err := c.Subtract(context.Background(), 2, 9)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), diff)
	assert.Equal(t, int64(3), registry.CallCount(endpoint))
}

func TestConnectorArithmetic(t *testing.T) {
	registry := NewLocalRegistry(nil)
	publishCalculator(registry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))

	checkArithmetic(t, c)
}

func TestConnectorInvokeWithoutBind(t *testing.T) {
	registry := NewLocalRegistry(nil)
	endpoint := publishCalculator(registry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})

	_, err := c.Add(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, IsNotBoundError(err))
	assert.Equal(t, StateUnbound, c.State())
	assert.Zero(t, registry.CallCount(endpoint))
}

func TestConnectorInvokeWhileFailed(t *testing.T) {
	c := newTestConnector(t, NewLocalRegistry(nil), ConnectorOptions{})

	err := c.Bind(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())

	_, err = c.Multiply(context.Background(), 2, 2)
	assert.True(t, IsNotBoundError(err))
}

func TestConnectorInvokeWhileBinding(t *testing.T) {
	registry := newGatedRegistry(t)
	endpoint := publishCalculator(registry.LocalRegistry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})

	require.NoError(t, c.RequestBind(context.Background()))
	assert.Equal(t, StateBinding, c.State())

	_, err := c.Add(context.Background(), 1, 1)
	assert.True(t, IsNotBoundError(err))
	assert.Zero(t, registry.CallCount(endpoint))

	registry.open()
	awaitState(t, c, StateBound, 2*time.Second)
}

func TestConnectorResolutionFailures(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		c := newTestConnector(t, NewLocalRegistry(nil), ConnectorOptions{})
		err := c.RequestBind(context.Background())
		require.Error(t, err)
		assert.True(t, IsResolutionError(err))
		assert.True(t, HasErrorCode(err, ErrCodeServiceNotFound))
		assert.Equal(t, StateFailed, c.State())
		assert.True(t, HasErrorCode(c.LastError(), ErrCodeServiceNotFound))
	})

	t.Run("ambiguous", func(t *testing.T) {
		registry := NewLocalRegistry(nil)
		publishCalculator(registry, nil)
		publishCalculator(registry, nil)
		c := newTestConnector(t, registry, ConnectorOptions{})

		err := c.Bind(context.Background())
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeServiceAmbiguous))
		assert.Equal(t, StateFailed, c.State())
	})

	t.Run("not exported", func(t *testing.T) {
		registry := NewLocalRegistry(nil)
		registry.Publish(LocalService{Name: "calculator", Actions: []string{DefaultServiceID}, Exported: false})
		c := newTestConnector(t, registry, ConnectorOptions{})

		err := c.Bind(context.Background())
		assert.True(t, HasErrorCode(err, ErrCodeServiceNotFound))
	})

	t.Run("rebind after failure", func(t *testing.T) {
		registry := NewLocalRegistry(nil)
		c := newTestConnector(t, registry, ConnectorOptions{})
		require.Error(t, c.Bind(context.Background()))

		publishCalculator(registry, nil)
		require.NoError(t, c.Bind(context.Background()))
		assert.Equal(t, StateBound, c.State())
	})
}

func TestConnectorBindByName(t *testing.T) {
	registry := NewLocalRegistry(nil)
	publishCalculator(registry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{ServiceID: "calculator"})

	require.NoError(t, c.Bind(context.Background()))
}

func TestConnectorSecondBindRejectedWhileBinding(t *testing.T) {
	registry := newGatedRegistry(t)
	endpoint := publishCalculator(registry.LocalRegistry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})

	require.NoError(t, c.RequestBind(context.Background()))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.RequestBind(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeBindInProgress))
	}
	assert.Equal(t, StateBinding, c.State())

	registry.open()
	awaitState(t, c, StateBound, 2*time.Second)
	assert.Equal(t, 1, registry.connectCount())
	assert.Equal(t, 1, registry.ConnectionCount(endpoint))

	err := c.RequestBind(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeBindInProgress), "bind from Bound must be rejected")
}

func TestConnectorUnbind(t *testing.T) {
	registry := NewLocalRegistry(nil)
	endpoint := publishCalculator(registry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))
	require.Equal(t, 1, registry.ConnectionCount(endpoint))

	changed, err := c.RequestUnbind()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateUnbound, c.State())
	assert.Equal(t, 0, registry.ConnectionCount(endpoint))

	_, err = c.Add(context.Background(), 1, 1)
	assert.True(t, IsNotBoundError(err))
}

func TestConnectorUnbindIsIdempotent(t *testing.T) {
	logger := NewTestLogger()
	c := newTestConnector(t, NewLocalRegistry(nil), ConnectorOptions{Logger: logger})

	for i := 0; i < 3; i++ {
		changed, err := c.RequestUnbind()
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, StateUnbound, c.State())
	}
	assert.True(t, logger.HasMessage("INFO", "Unbind ignored, service already unbound"))
}

func TestConnectorUnbindCancelsPendingBind(t *testing.T) {
	registry := newGatedRegistry(t)
	endpoint := publishCalculator(registry.LocalRegistry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})

	require.NoError(t, c.RequestBind(context.Background()))
	changed, err := c.RequestUnbind()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateUnbound, c.State())

	// The late connection belongs to a cancelled bind and is released.
	registry.open()
	assert.Eventually(t, func() bool { return registry.releaseCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, registry.ConnectionCount(endpoint))
	assert.Equal(t, StateUnbound, c.State())
}

func TestConnectorUnbindDuringInFlightCall(t *testing.T) {
	registry := NewLocalRegistry(nil)
	calc := newBlockingCalculator()
	endpoint := publishCalculator(registry, calc)
	metrics := NewDefaultMetricsCollector()
	c := newTestConnector(t, registry, ConnectorOptions{CallTimeout: -1, Metrics: metrics})
	require.NoError(t, c.Bind(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.Add(context.Background(), 1, 2)
		done <- err
	}()
	<-calc.entered

	changed, err := c.RequestUnbind()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateUnbound, c.State())
	assert.Equal(t, 0, registry.ConnectionCount(endpoint))

	close(calc.release)
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsNotBoundError(err), "a local unbind is not a remote failure: %v", err)
		assert.False(t, IsRemoteCallError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call never returned")
	}
	assert.Equal(t, StateUnbound, c.State())
	assert.Equal(t, int64(0), metrics.Counter(MetricConnectorInvocations, map[string]string{"operation": "add", "outcome": "remote_error"}))
}

func TestConnectorRemoteDeathNotification(t *testing.T) {
	registry := NewLocalRegistry(nil)
	endpoint := publishCalculator(registry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))

	assert.Equal(t, 1, registry.Kill(endpoint))
	awaitState(t, c, StateUnbound, 2*time.Second)

	_, err := c.Add(context.Background(), 1, 1)
	assert.True(t, IsNotBoundError(err))

	// Re-binding recovers.
	require.NoError(t, c.Bind(context.Background()))
	sum, err := c.Add(context.Background(), 20, 22)
	require.NoError(t, err)
	assert.Equal(t, int32(42), sum)
}

// deathFirstListener delivers a death notice ahead of the connected
// callback, the order a transport watch is allowed to produce.
type deathFirstListener struct {
	ConnectionListener
}

func (l deathFirstListener) OnServiceConnected(handle *ServiceHandle) {
	l.ConnectionListener.OnServiceDisconnected(handle.Endpoint(), errRemoteDied)
	l.ConnectionListener.OnServiceConnected(handle)
}

type deathFirstRegistry struct {
	*LocalRegistry
}

func (r deathFirstRegistry) Connect(ctx context.Context, endpoint Endpoint, listener ConnectionListener) error {
	return r.LocalRegistry.Connect(ctx, endpoint, deathFirstListener{listener})
}

func TestConnectorRemoteDeathBeforeConnected(t *testing.T) {
	local := NewLocalRegistry(nil)
	endpoint := publishCalculator(local, nil)
	c := newTestConnector(t, deathFirstRegistry{local}, ConnectorOptions{})

	var seen []ConnectionState
	var mu sync.Mutex
	require.NoError(t, c.AddObserver(func(change StateChange) {
		mu.Lock()
		seen = append(seen, change.To)
		mu.Unlock()
	}))

	err := c.Bind(context.Background())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeConnectFailed))
	assert.ErrorIs(t, err, errRemoteDied)
	assert.Equal(t, StateUnbound, c.State())

	_, err = c.Add(context.Background(), 1, 2)
	assert.True(t, IsNotBoundError(err))

	// The dead handle is released rather than kept.
	assert.Eventually(t, func() bool { return local.ConnectionCount(endpoint) == 0 },
		2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []ConnectionState{StateBinding, StateUnbound}, seen)
	mu.Unlock()
}

func TestConnectorRemoteDeathDuringCall(t *testing.T) {
	registry := NewLocalRegistry(nil)
	endpoint := publishCalculator(registry, nil)
	metrics := NewDefaultMetricsCollector()
	c := newTestConnector(t, registry, ConnectorOptions{Metrics: metrics})
	require.NoError(t, c.Bind(context.Background()))

	assert.Equal(t, 1, registry.Crash(endpoint))
	assert.Equal(t, StateBound, c.State(), "a silent crash is only noticed by the next call")

	_, err := c.Add(context.Background(), 3, 4)
	require.Error(t, err)
	assert.True(t, IsRemoteCallError(err))
	assert.Equal(t, StateUnbound, c.State())

	_, err = c.Add(context.Background(), 3, 4)
	assert.True(t, IsNotBoundError(err))

	assert.Equal(t, int64(1), metrics.Counter(MetricConnectorInvocations, map[string]string{"operation": "add", "outcome": "remote_error"}))
	assert.Equal(t, int64(1), metrics.Counter(MetricConnectorInvocations, map[string]string{"operation": "add", "outcome": "not_bound"}))
}

func TestConnectorCallTimeout(t *testing.T) {
	registry := NewLocalRegistry(nil)
	calc := newBlockingCalculator()
	defer close(calc.release)
	publishCalculator(registry, calc)
	c := newTestConnector(t, registry, ConnectorOptions{CallTimeout: 50 * time.Millisecond})
	require.NoError(t, c.Bind(context.Background()))

	_, err := c.Add(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeCallTimeout))
	assert.Equal(t, StateBound, c.State())

	c.SetCallTimeout(time.Second)
	assert.Equal(t, time.Second, c.CallTimeout())
}

func TestConnectorConnectTimeout(t *testing.T) {
	registry := newGatedRegistry(t)
	publishCalculator(registry.LocalRegistry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{ConnectTimeout: 50 * time.Millisecond})

	err := c.Bind(context.Background())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeConnectFailed))
	assert.Equal(t, StateFailed, c.State())
}

func TestConnectorObserversSeeEveryTransition(t *testing.T) {
	registry := NewLocalRegistry(nil)
	publishCalculator(registry, nil)
	c := newTestConnector(t, registry, ConnectorOptions{})

	var mu sync.Mutex
	var seen []ConnectionState
	require.NoError(t, c.AddObserver(func(change StateChange) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, change.To)
	}))

	require.NoError(t, c.Bind(context.Background()))
	_, err := c.RequestUnbind()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateBinding, StateBound, StateUnbound}, seen)
}

func TestConnectorServiceIDChangeAppliesToNextBind(t *testing.T) {
	registry := NewLocalRegistry(nil)
	publishCalculator(registry, nil)
	registry.Publish(LocalService{Name: "other", Actions: []string{"com.example.OTHER"}, Exported: true})
	c := newTestConnector(t, registry, ConnectorOptions{})

	c.SetServiceID("com.example.OTHER")
	require.NoError(t, c.Bind(context.Background()))
	assert.Equal(t, "other", c.Endpoint().ServiceName)
}

func TestConnectorClose(t *testing.T) {
	registry := NewLocalRegistry(nil)
	endpoint := publishCalculator(registry, nil)
	c := NewConnector(registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, registry.ConnectionCount(endpoint))

	_, err := c.Add(context.Background(), 1, 1)
	assert.True(t, HasErrorCode(err, ErrCodeConnectorClosed))
	err = c.RequestBind(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeConnectorClosed))
}

func TestConnectorMetrics(t *testing.T) {
	registry := NewLocalRegistry(nil)
	publishCalculator(registry, nil)
	metrics := NewDefaultMetricsCollector()
	c := newTestConnector(t, registry, ConnectorOptions{Metrics: metrics})

	require.NoError(t, c.Bind(context.Background()))
	_, err := c.Add(context.Background(), 1, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.Counter(MetricConnectorInvocations, map[string]string{"operation": "add", "outcome": "success"}))
	assert.Equal(t, int64(1), metrics.Counter(MetricConnectorTransitions, map[string]string{"from": "binding", "to": "bound"}))
	assert.Equal(t, float64(StateBound), metrics.Gauge(MetricConnectorState, nil))
}
