// Package servicebind binds a client to a calculator service running in
// another process and forwards integer arithmetic to it.
//
// A Connector owns the binding lifecycle of one client. Binding resolves a
// service identifier through a ServiceRegistry, connects to the single
// matching endpoint and hands out its ServiceHandle to every call until the
// service is unbound or dies. Calls made while not bound fail fast with a
// NotBound error and never reach the service.
//
// Key Features:
//   - Explicit lifecycle: Unbound, Binding, Bound and Failed
//   - Manifest based discovery with optional on-demand service start
//   - Unix socket (newline-delimited JSON) and gRPC transports
//   - Remote death detection through a per-binding watch connection
//   - Per-call timeouts, server side rate limiting and graceful draining
//   - Structured errors, pluggable logging and Prometheus metrics
//   - Hot reload of client settings from the configuration file
//
// Basic Usage:
//
//	registry, err := servicebind.NewManifestRegistry(servicebind.ManifestRegistryOptions{
//		Scanner: servicebind.ScannerConfig{SearchPaths: []string{"/run/servicebind"}},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	conn := servicebind.NewConnector(registry, servicebind.ConnectorOptions{})
//	defer conn.Close()
//
//	if err := conn.Bind(ctx); err != nil {
//		log.Fatal(err)
//	}
//	sum, err := conn.Add(ctx, 3, 4) // 7
//
// Serving:
// A ServiceHost starts a calculator on the configured transport and
// publishes its manifest so that registries can resolve it. Stopping the
// host removes the manifest and closes every connection, which bound
// clients observe as remote death.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package servicebind
