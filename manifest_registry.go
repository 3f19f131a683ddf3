// manifest_registry.go: ServiceRegistry backed by manifests on disk
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"
)

var errRegistryClosed = stderrors.New("registry is closed")

// ManifestRegistryOptions configures a ManifestRegistry.
type ManifestRegistryOptions struct {
	Scanner     ScannerConfig
	AutoCreate  bool
	DialTimeout time.Duration
	Logger      any
	Metrics     MetricsCollector
}

// RegistryOptionsFromConfig maps a RegistryConfig onto registry options.
func RegistryOptionsFromConfig(cfg RegistryConfig, logger any, metrics MetricsCollector) ManifestRegistryOptions {
	return ManifestRegistryOptions{
		Scanner:     cfg.Scanner,
		AutoCreate:  cfg.AutoCreate,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
		Metrics:     metrics,
	}
}

// ManifestRegistry resolves identifiers by scanning service manifests and
// connects over the transport each manifest declares.
//
// Every Resolve rescans the search paths, so services that come and go are
// picked up without a restart. With AutoCreate on, an unreachable endpoint
// whose manifest has an exec section is started and waited for.
type ManifestRegistry struct {
	scanner     *ManifestScanner
	autoCreate  bool
	dialTimeout time.Duration
	logger      Logger
	metrics     MetricsCollector

	mu        sync.Mutex
	manifests map[string]*ServiceManifest // by endpoint address
	processes map[string]*ProcessManager  // by endpoint address
	closed    bool
	wg        sync.WaitGroup
}

// NewManifestRegistry creates a registry over the configured search paths.
func NewManifestRegistry(opts ManifestRegistryOptions) (*ManifestRegistry, error) {
	if err := validateStruct(opts.Scanner); err != nil {
		return nil, NewRegistryError("invalid scanner configuration", err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoOpMetricsCollector()
	}
	logger := NewLogger(opts.Logger).With("component", "manifest_registry")

	return &ManifestRegistry{
		scanner:     NewManifestScanner(opts.Scanner, logger),
		autoCreate:  opts.AutoCreate,
		dialTimeout: opts.DialTimeout,
		logger:      logger,
		metrics:     opts.Metrics,
		manifests:   make(map[string]*ServiceManifest),
		processes:   make(map[string]*ProcessManager),
	}, nil
}

// Resolve implements ServiceRegistry.
func (r *ManifestRegistry) Resolve(ctx context.Context, serviceID string) ([]Endpoint, error) {
	matches, err := r.scanner.Find(ctx, serviceID)
	if err != nil {
		r.recordResolution("error")
		return nil, NewRegistryError("manifest scan failed", err)
	}

	endpoints := make([]Endpoint, 0, len(matches))
	r.mu.Lock()
	for _, m := range matches {
		r.manifests[m.Endpoint] = m
		endpoints = append(endpoints, m.ToEndpoint())
	}
	r.mu.Unlock()

	switch len(endpoints) {
	case 0:
		r.recordResolution("missing")
	case 1:
		r.recordResolution("found")
	default:
		r.recordResolution("ambiguous")
	}
	r.logger.Debug("Resolved service", "service_id", serviceID, "candidates", len(endpoints))
	return endpoints, nil
}

func (r *ManifestRegistry) recordResolution(result string) {
	r.metrics.IncrementCounter(MetricRegistryResolutions, map[string]string{"result": result}, 1)
}

// Connect implements ServiceRegistry.
func (r *ManifestRegistry) Connect(ctx context.Context, endpoint Endpoint, listener ConnectionListener) error {
	if listener == nil {
		return NewRegistryError("connection listener is required", nil)
	}
	if endpoint.Transport != TransportUnix && endpoint.Transport != TransportGRPC {
		return NewRegistryError(fmt.Sprintf("unsupported transport %q", endpoint.Transport), nil)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return NewRegistryError("cannot connect", errRegistryClosed)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		handle, err := r.connect(ctx, endpoint, listener)
		if err != nil {
			r.logger.Warn("Connect failed", "endpoint", endpoint.String(), "error", err)
			listener.OnBindFailed(endpoint, err)
			return
		}
		listener.OnServiceConnected(handle)
	}()
	return nil
}

func (r *ManifestRegistry) connect(ctx context.Context, endpoint Endpoint, listener ConnectionListener) (*ServiceHandle, error) {
	handle, err := r.dial(ctx, endpoint, listener)
	if err == nil || !isLinkFailure(err) || !r.autoCreate {
		return handle, err
	}

	manifest := r.manifestFor(endpoint)
	if manifest == nil || manifest.Exec == nil {
		return nil, err
	}
	if startErr := r.startService(ctx, endpoint, manifest); startErr != nil {
		return nil, startErr
	}
	return r.dial(ctx, endpoint, listener)
}

// dial opens the call connection and its death watch.
func (r *ManifestRegistry) dial(ctx context.Context, endpoint Endpoint, listener ConnectionListener) (*ServiceHandle, error) {
	onDeath := func(cause error) {
		r.logger.Info("Service died", "endpoint", endpoint.String(), "cause", cause)
		listener.OnServiceDisconnected(endpoint, cause)
	}

	switch endpoint.Transport {
	case TransportGRPC:
		client, err := DialGRPC(ctx, endpoint, GRPCClientOptions{DialTimeout: r.dialTimeout, Logger: r.logger})
		if err != nil {
			return nil, err
		}
		stop, err := client.watch(onDeath)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return newServiceHandle(endpoint, client, stop), nil

	default:
		client, err := DialUnix(ctx, endpoint, UnixClientOptions{DialTimeout: r.dialTimeout, Logger: r.logger})
		if err != nil {
			return nil, err
		}
		stop, err := watchUnix(ctx, endpoint, r.dialTimeout, onDeath)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return newServiceHandle(endpoint, client, stop), nil
	}
}

func (r *ManifestRegistry) manifestFor(endpoint Endpoint) *ServiceManifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.manifests[endpoint.Address]; ok {
		return m
	}
	if endpoint.ManifestPath == "" {
		return nil
	}
	m, err := LoadManifest(endpoint.ManifestPath)
	if err != nil {
		return nil
	}
	return m
}

// startService launches the manifest's exec command and waits until the
// endpoint answers, the process exits, or start_timeout passes.
func (r *ManifestRegistry) startService(ctx context.Context, endpoint Endpoint, manifest *ServiceManifest) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return NewRegistryError("cannot start service", errRegistryClosed)
	}
	pm, ok := r.processes[endpoint.Address]
	if !ok {
		pm = NewProcessManager(*manifest.Exec, r.logger)
		r.processes[endpoint.Address] = pm
	}
	r.mu.Unlock()

	if err := pm.Start(); err != nil {
		return err
	}

	timeout := manifest.Exec.StartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		probeCtx, probeCancel := context.WithTimeout(waitCtx, r.dialTimeout)
		status := ProbeEndpoint(probeCtx, endpoint, r.dialTimeout)
		probeCancel()
		if status.Status == StatusHealthy {
			pm.MarkRunning()
			r.logger.Info("Service started on demand", "endpoint", endpoint.String(), "pid", pm.GetProcessInfo().PID)
			return nil
		}

		select {
		case <-pm.Exited():
			info := pm.GetProcessInfo()
			return NewProcessStartError(manifest.Exec.Path, fmt.Errorf("process exited before serving: %s", info.ExitError))
		case <-waitCtx.Done():
			return NewProcessStartError(manifest.Exec.Path, fmt.Errorf("service not ready after %s: %w", timeout, waitCtx.Err()))
		case <-ticker.C:
		}
	}
}

// Disconnect implements ServiceRegistry.
func (r *ManifestRegistry) Disconnect(handle *ServiceHandle) error {
	if handle == nil {
		return nil
	}
	return handle.release()
}

// Probe reports the health of endpoint.
func (r *ManifestRegistry) Probe(ctx context.Context, endpoint Endpoint) HealthStatus {
	status := ProbeEndpoint(ctx, endpoint, r.dialTimeout)
	r.metrics.IncrementCounter(MetricHealthChecks, map[string]string{"status": status.Status.String()}, 1)
	return status
}

// Processes returns the state of every process started on demand.
func (r *ManifestRegistry) Processes() map[string]ProcessInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ProcessInfo, len(r.processes))
	for address, pm := range r.processes {
		out[address] = pm.GetProcessInfo()
	}
	return out
}

// Close waits for pending connects and stops every started process.
func (r *ManifestRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	processes := make([]*ProcessManager, 0, len(r.processes))
	for _, pm := range r.processes {
		processes = append(processes, pm)
	}
	r.mu.Unlock()

	r.wg.Wait()

	var errs []error
	for _, pm := range processes {
		if err := pm.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
