// metrics_server.go: HTTP exposition of Prometheus metrics
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves a PrometheusMetricsCollector on /metrics.
type MetricsServer struct {
	address   string
	collector *PrometheusMetricsCollector
	logger    Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewMetricsServer creates a server for address (host:port).
func NewMetricsServer(address string, collector *PrometheusMetricsCollector, logger any) *MetricsServer {
	return &MetricsServer{
		address:   address,
		collector: collector,
		logger:    NewLogger(logger).With("component", "metrics_server"),
	}
}

// Start listens and serves in the background.
func (s *MetricsServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return NewServerError("metrics server already running", nil)
	}
	if s.collector == nil {
		return NewServerError("metrics registry not provided", nil)
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return NewServerError("failed to listen for metrics", err).WithContext("address", s.address)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	s.listener = listener
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}(s.server)

	s.logger.Info("Metrics server started", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
