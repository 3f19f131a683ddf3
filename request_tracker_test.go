// request_tracker_test.go: In-flight request tracking and draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTrackerCounts(t *testing.T) {
	metrics := NewDefaultMetricsCollector()
	rt := NewRequestTracker(metrics)

	_, done1 := rt.StartRequest(context.Background(), "calculator")
	_, done2 := rt.StartRequest(context.Background(), "calculator")
	assert.Equal(t, int64(2), rt.GetActiveRequestCount("calculator"))
	assert.Equal(t, int64(0), rt.GetActiveRequestCount("other"))
	assert.Equal(t, 2.0, metrics.Gauge(MetricServerActiveRequests, nil))

	done1()
	done1()
	assert.Equal(t, int64(1), rt.GetActiveRequestCount("calculator"))
	done2()
	assert.True(t, rt.WaitForDrain("calculator", 10*time.Millisecond))
}

func TestRequestTrackerGracefulDrain(t *testing.T) {
	rt := NewRequestTracker(nil)
	_, done := rt.StartRequest(context.Background(), "calculator")

	go func() {
		time.Sleep(30 * time.Millisecond)
		done()
	}()
	require.NoError(t, rt.GracefulDrain("calculator", DrainOptions{DrainTimeout: 2 * time.Second}))
}

func TestRequestTrackerForceCancel(t *testing.T) {
	rt := NewRequestTracker(nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		ctx, done := rt.StartRequest(context.Background(), "calculator")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			done()
		}()
	}

	err := rt.GracefulDrain("calculator", DrainOptions{DrainTimeout: 20 * time.Millisecond, ForceCancelAfterTimeout: true})
	var drainErr *DrainTimeoutError
	require.True(t, stderrors.As(err, &drainErr))
	assert.Equal(t, 3, drainErr.CanceledRequests)
	assert.Contains(t, drainErr.Error(), "forced")

	wg.Wait()
	assert.Equal(t, int64(0), rt.GetActiveRequestCount("calculator"))
}
