// service_host.go: Runs a calculator server and publishes its manifest
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
)

// ServiceHost owns a calculator server for the lifetime of a service
// process: it starts the configured transport and, when a manifest
// directory is set, writes the manifest clients resolve it by. Stop
// removes the manifest before the server goes away.
type ServiceHost struct {
	config  ServiceConfig
	server  ServiceServer
	logger  Logger
	metrics MetricsCollector

	mu           sync.Mutex
	manifestPath string
	running      bool
}

// NewServiceHost validates cfg and builds the server for its transport.
// calculator may be nil for the stock arithmetic service.
func NewServiceHost(cfg ServiceConfig, calculator Calculator, logger any, metrics MetricsCollector) (*ServiceHost, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := NewLogger(logger).With("component", "service_host", "service", cfg.Name)

	opts := ServerOptionsFromConfig(cfg, log, metrics)
	opts.Calculator = calculator

	var server ServiceServer
	switch cfg.Transport {
	case TransportGRPC:
		server = NewGRPCServer(cfg.Endpoint, opts)
	default:
		server = NewUnixServer(cfg.Endpoint, opts)
	}

	return &ServiceHost{config: cfg, server: server, logger: log, metrics: metrics}, nil
}

// Server returns the underlying server.
func (h *ServiceHost) Server() ServiceServer { return h.server }

// ManifestPath returns where the manifest was written, or "" when unpublished.
func (h *ServiceHost) ManifestPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifestPath
}

// Start starts the server and publishes the manifest.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return NewServerError("service host is already running", nil)
	}

	if err := h.server.Start(ctx); err != nil {
		return err
	}

	if h.config.ManifestDir != "" {
		manifest := h.config.Manifest()
		manifest.Endpoint = h.server.Endpoint()
		path := h.config.ManifestPath()
		if err := WriteManifest(path, manifest); err != nil {
			_ = h.server.Stop(ctx)
			return err
		}
		h.manifestPath = path
		h.logger.Info("Service manifest published", "path", path, "actions", manifest.Actions)
	}

	h.running = true
	return nil
}

// Stop unpublishes the manifest and stops the server.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil
	}
	h.running = false

	var errs []error
	if h.manifestPath != "" {
		if err := os.Remove(h.manifestPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		h.manifestPath = ""
	}
	if err := h.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// Run starts the host, blocks until ctx is done and then stops it using
// a fresh context bounded by the drain timeout.
func (h *ServiceHost) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	timeout := h.config.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout*2)
	defer cancel()
	return h.Stop(stopCtx)
}
