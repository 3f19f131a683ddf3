// unix_transport_test.go: End-to-end tests over Unix domain sockets
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unixEndpoint(svc *testService) Endpoint {
	return Endpoint{ServiceName: "calculator", Transport: TransportUnix, Address: svc.host.Server().Endpoint()}
}

func TestUnixClientArithmetic(t *testing.T) {
	svc := startTestService(t, TransportUnix, nil)

	client, err := DialUnix(context.Background(), unixEndpoint(svc), UnixClientOptions{DialTimeout: time.Second})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	checkArithmetic(t, client)

	info, err := client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "calculator", info.Name)
	assert.Equal(t, "1.0.0", info.Version)
	assert.ElementsMatch(t, []string{"add", "subtract", "multiply"}, info.Capabilities)

	stats := svc.host.Server().Stats()
	assert.Positive(t, stats.RequestsHandled)
	assert.False(t, stats.StartTime.IsZero())
}

func TestUnixClientDialFailure(t *testing.T) {
	_, err := DialUnix(context.Background(), Endpoint{Transport: TransportUnix, Address: createShortSocketPath(t)}, UnixClientOptions{DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, isLinkFailure(err))
}

func TestUnixClientMalformedResponse(t *testing.T) {
	path := createShortSocketPath(t)
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 1024)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("{not json\n"))
		time.Sleep(100 * time.Millisecond)
	}()

	_, err = DialUnix(context.Background(), Endpoint{Transport: TransportUnix, Address: path}, UnixClientOptions{DialTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeProtocol))
}

func TestUnixConnectorEndToEnd(t *testing.T) {
	svc := startTestService(t, TransportUnix, nil)
	registry := newTestManifestRegistry(t, svc.manifestDir)
	c := newTestConnector(t, registry, ConnectorOptions{})

	require.NoError(t, c.Bind(context.Background()))
	assert.Equal(t, TransportUnix, c.Endpoint().Transport)

	sum, err := c.Add(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(7), sum)
	assert.Equal(t, StateBound, c.State())

	product, err := c.Multiply(context.Background(), -2, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(-10), product)

	checkArithmetic(t, c)

	changed, err := c.RequestUnbind()
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = c.Add(context.Background(), 1, 1)
	assert.True(t, IsNotBoundError(err))
}

func TestUnixConnectorRateLimited(t *testing.T) {
	svc := startTestService(t, TransportUnix, func(cfg *ServiceConfig) {
		cfg.RateLimit = RateLimitConfig{RequestsPerSecond: 0.5, Burst: 1}
	})
	registry := newTestManifestRegistry(t, svc.manifestDir)
	c := newTestConnector(t, registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))

	_, err := c.Add(context.Background(), 1, 1)
	require.NoError(t, err)

	_, err = c.Add(context.Background(), 1, 1)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeRateLimited))
	assert.Equal(t, StateBound, c.State(), "a rejected call is not remote death")
	assert.Equal(t, int64(1), svc.host.Server().Stats().RequestsRejected)
}

func TestUnixConnectorServiceStopUnbinds(t *testing.T) {
	svc := startTestService(t, TransportUnix, nil)
	registry := newTestManifestRegistry(t, svc.manifestDir)
	c := newTestConnector(t, registry, ConnectorOptions{})
	require.NoError(t, c.Bind(context.Background()))

	svc.stop(t)

	// The watch connection usually reports the death first; a call racing
	// it sees the broken link instead.
	_, err := c.Add(context.Background(), 1, 1)
	require.Error(t, err)
	assert.True(t, IsRemoteCallError(err) || IsNotBoundError(err), "unexpected error: %v", err)
	awaitState(t, c, StateUnbound, 5*time.Second)

	_, err = c.Add(context.Background(), 1, 1)
	assert.True(t, IsNotBoundError(err))

	// The manifest went away with the service.
	err = c.Bind(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeServiceNotFound))
}

func TestUnixServerRejectsSecondStart(t *testing.T) {
	svc := startTestService(t, TransportUnix, nil)
	err := svc.host.Server().Start(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeServerError))
}
