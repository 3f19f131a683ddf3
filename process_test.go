// process_test.go: Starting and stopping service processes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func TestProcessManagerStartStop(t *testing.T) {
	pm := NewProcessManager(ExecConfig{Path: lookPath(t, "sleep"), Args: []string{"30"}}, NewTestLogger())
	assert.Equal(t, ProcessStopped, pm.GetProcessInfo().Status)
	assert.False(t, pm.IsAlive())

	require.NoError(t, pm.Start())
	require.NoError(t, pm.Start(), "starting a running process is a no-op")

	info := pm.GetProcessInfo()
	assert.Positive(t, info.PID)
	assert.Equal(t, ProcessStarting, info.Status)
	assert.True(t, pm.IsAlive())

	pm.MarkRunning()
	assert.Equal(t, "running", pm.GetProcessInfo().Status.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pm.Stop(ctx))
	assert.Equal(t, ProcessStopped, pm.GetProcessInfo().Status)
	assert.False(t, pm.IsAlive())
	require.NoError(t, pm.Stop(ctx))
}

func TestProcessManagerObservesExit(t *testing.T) {
	pm := NewProcessManager(ExecConfig{Path: lookPath(t, "false")}, nil)
	require.NoError(t, pm.Start())

	select {
	case <-pm.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process exit not observed")
	}
	info := pm.GetProcessInfo()
	assert.Equal(t, ProcessExited, info.Status)
	assert.NotEmpty(t, info.ExitError)
}

func TestProcessManagerStartFailure(t *testing.T) {
	pm := NewProcessManager(ExecConfig{Path: "/nonexistent/calculator-service"}, nil)
	err := pm.Start()
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeProcessStart))
}

func TestManifestRegistryAutoCreateFailure(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, ServiceManifest{
		Name: "calculator", Version: "1.0.0", Actions: []string{DefaultServiceID},
		Exported: true, Transport: TransportUnix, Endpoint: createShortSocketPath(t),
		Exec: &ExecConfig{Path: lookPath(t, "false"), StartTimeout: 2 * time.Second},
	})

	registry, err := NewManifestRegistry(ManifestRegistryOptions{
		Scanner:     ScannerConfig{SearchPaths: []string{dir}},
		AutoCreate:  true,
		DialTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = registry.Close(context.Background()) }()

	c := newTestConnector(t, registry, ConnectorOptions{ConnectTimeout: 5 * time.Second})
	err = c.Bind(context.Background())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeProcessStart))
	assert.Equal(t, StateFailed, c.State())
	assert.Len(t, registry.Processes(), 1)
}
