// testing_helpers_test.go: Shared helpers for transport and connector tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// createShortSocketPath returns a socket path under /tmp. Temp dirs from
// t.TempDir can exceed the 104 byte sun_path limit on macOS.
func createShortSocketPath(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("/tmp", "sb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "calc.sock")
}

// testService is a running server plus the manifest directory it publishes into.
type testService struct {
	host        *ServiceHost
	manifestDir string
}

func (s *testService) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.host.Stop(ctx))
}

// startTestService runs a calculator on transport and publishes its manifest.
func startTestService(t *testing.T, transport TransportType, mutate func(*ServiceConfig)) *testService {
	t.Helper()

	cfg := DefaultServiceConfig()
	cfg.Transport = transport
	cfg.Endpoint = createShortSocketPath(t)
	cfg.ManifestDir = t.TempDir()
	cfg.DrainTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	host, err := NewServiceHost(cfg, nil, NewTestLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))

	svc := &testService{host: host, manifestDir: cfg.ManifestDir}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = host.Stop(ctx)
	})
	return svc
}

// newTestManifestRegistry creates a registry scanning dirs.
func newTestManifestRegistry(t *testing.T, dirs ...string) *ManifestRegistry {
	t.Helper()
	registry, err := NewManifestRegistry(ManifestRegistryOptions{
		Scanner:     ScannerConfig{SearchPaths: dirs},
		DialTimeout: time.Second,
		Logger:      NewTestLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})
	return registry
}

// newTestConnector creates a connector closed at test end.
func newTestConnector(t *testing.T, registry ServiceRegistry, opts ConnectorOptions) *Connector {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = NewTestLogger()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	c := NewConnector(registry, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// awaitState fails the test unless c reaches want within timeout.
func awaitState(t *testing.T, c *Connector, want ConnectionState, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	got, err := c.AwaitState(ctx, want)
	require.NoError(t, err, "connector stuck in %s, wanted %s", got, want)
}

// publishCalculator publishes an exported calculator under the default identifier.
func publishCalculator(r *LocalRegistry, calc Calculator) Endpoint {
	return r.Publish(LocalService{
		Name:       "calculator",
		Version:    "1.0.0",
		Actions:    []string{DefaultServiceID},
		Exported:   true,
		Calculator: calc,
	})
}

// blockingCalculator parks every call until release is closed.
type blockingCalculator struct {
	ArithmeticService
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingCalculator() *blockingCalculator {
	return &blockingCalculator{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingCalculator) Add(ctx context.Context, x, y int32) (int32, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return x + y, nil
}

// recordingListener captures ConnectionListener callbacks.
type recordingListener struct {
	connected    chan *ServiceHandle
	disconnected chan error
	failed       chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected:    make(chan *ServiceHandle, 4),
		disconnected: make(chan error, 4),
		failed:       make(chan error, 4),
	}
}

func (l *recordingListener) OnServiceConnected(handle *ServiceHandle) { l.connected <- handle }
func (l *recordingListener) OnServiceDisconnected(_ Endpoint, cause error) {
	l.disconnected <- cause
}
func (l *recordingListener) OnBindFailed(_ Endpoint, err error) { l.failed <- err }
