// grpc_transport_test.go: End-to-end tests over gRPC
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

func grpcEndpoint(svc *testService) Endpoint {
	return Endpoint{ServiceName: "calculator", Transport: TransportGRPC, Address: svc.host.Server().Endpoint()}
}

func TestGRPCTargetHelpers(t *testing.T) {
	assert.Equal(t, "unix:///tmp/c.sock", grpcTarget("/tmp/c.sock"))
	assert.Equal(t, "unix:///tmp/c.sock", grpcTarget("unix:///tmp/c.sock"))
	assert.Equal(t, "/tmp/c.sock", grpcSocketPath("unix:///tmp/c.sock"))
	assert.Equal(t, "/tmp/c.sock", grpcSocketPath("unix:/tmp/c.sock"))
	assert.Equal(t, "/servicebind.Calculator/Multiply", grpcFullMethod(OpMultiply))
}

func TestInt32Field(t *testing.T) {
	in, err := structpb.NewStruct(map[string]interface{}{"a": 12, "b": 1.5, "c": "x"})
	require.NoError(t, err)

	v, err := int32Field(in, "a")
	require.NoError(t, err)
	assert.Equal(t, int32(12), v)

	_, err = int32Field(in, "b")
	assert.Error(t, err)
	_, err = int32Field(in, "c")
	assert.Error(t, err)
	_, err = int32Field(in, "missing")
	assert.Error(t, err)
}

func TestGRPCClientArithmetic(t *testing.T) {
	svc := startTestService(t, TransportGRPC, nil)

	client, err := DialGRPC(context.Background(), grpcEndpoint(svc), GRPCClientOptions{DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	checkArithmetic(t, client)

	serving, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, serving)
}

func TestGRPCClientDialFailure(t *testing.T) {
	_, err := DialGRPC(context.Background(), Endpoint{Transport: TransportGRPC, Address: createShortSocketPath(t)}, GRPCClientOptions{DialTimeout: 300 * time.Millisecond})
	assert.Error(t, err)
}

func TestGRPCConnectorEndToEnd(t *testing.T) {
	svc := startTestService(t, TransportGRPC, nil)
	registry := newTestManifestRegistry(t, svc.manifestDir)
	c := newTestConnector(t, registry, ConnectorOptions{})

	require.NoError(t, c.Bind(context.Background()))
	assert.Equal(t, TransportGRPC, c.Endpoint().Transport)

	sum, err := c.Add(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(7), sum)

	product, err := c.Multiply(context.Background(), -2, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(-10), product)
	assert.Equal(t, StateBound, c.State())
}

func TestGRPCConnectorRateLimited(t *testing.T) {
	svc := startTestService(t, TransportGRPC, func(cfg *ServiceConfig) {
		cfg.RateLimit = RateLimitConfig{RequestsPerSecond: 0.5, Burst: 1}
	})
	registry := newTestManifestRegistry(t, svc.manifestDir)
	c := newTestConnector(t, registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))

	_, err := c.Subtract(context.Background(), 5, 1)
	require.NoError(t, err)
	_, err = c.Subtract(context.Background(), 5, 1)
	assert.True(t, HasErrorCode(err, ErrCodeRateLimited))
	assert.Equal(t, StateBound, c.State())
}

func TestGRPCConnectorServiceStopUnbinds(t *testing.T) {
	svc := startTestService(t, TransportGRPC, nil)
	registry := newTestManifestRegistry(t, svc.manifestDir)
	c := newTestConnector(t, registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))

	svc.stop(t)
	awaitState(t, c, StateUnbound, 5*time.Second)

	_, err := c.Add(context.Background(), 1, 1)
	assert.True(t, IsNotBoundError(err))
}
