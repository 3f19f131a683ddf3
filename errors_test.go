// errors_test.go: Structured error codes and classification helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolutionErrors(t *testing.T) {
	notFound := NewServiceNotFoundError(DefaultServiceID)
	assert.Equal(t, errors.ErrorCode(ErrCodeServiceNotFound), notFound.ErrorCode())
	assert.Equal(t, DefaultServiceID, notFound.Context["service_id"])
	assert.True(t, IsResolutionError(notFound))

	candidates := []Endpoint{
		{ServiceName: "a", Transport: TransportUnix, Address: "/tmp/a.sock"},
		{ServiceName: "b", Transport: TransportGRPC, Address: "unix:///tmp/b.sock"},
	}
	ambiguous := NewServiceAmbiguousError(DefaultServiceID, candidates)
	assert.Equal(t, 2, ambiguous.Context["candidates"])
	assert.Equal(t, []string{"a@unix:///tmp/a.sock", "b@grpc://unix:///tmp/b.sock"}, ambiguous.Context["endpoints"])
	assert.True(t, IsResolutionError(ambiguous))

	assert.False(t, IsResolutionError(NewRegistryError("scan failed", nil)))
}

func TestConnectorErrors(t *testing.T) {
	notBound := NewNotBoundError(StateFailed)
	assert.True(t, IsNotBoundError(notBound))
	assert.Equal(t, "failed", notBound.Context["state"])
	assert.Equal(t, "warning", notBound.Severity)
	assert.Equal(t, "Service not bound. Please bind the service first.", notBound.UserMessage())

	cause := stderrors.New("socket gone")
	remote := NewRemoteCallError(OpAdd, cause)
	assert.True(t, IsRemoteCallError(remote))
	assert.True(t, remote.IsRetryable())
	assert.Equal(t, cause, remote.Cause)
	assert.Equal(t, "add", remote.Context["operation"])

	connect := NewConnectError(Endpoint{ServiceName: "calculator"}, cause)
	assert.True(t, connect.IsRetryable())
	assert.False(t, NewUnknownOperationError("divide").IsRetryable())
}

func TestHasErrorCodeFollowsCauses(t *testing.T) {
	inner := NewServiceNotFoundError("x")
	outer := NewRegistryError("resolution failed", inner)

	assert.True(t, HasErrorCode(outer, ErrCodeRegistryError))
	assert.True(t, HasErrorCode(outer, ErrCodeServiceNotFound))
	assert.False(t, HasErrorCode(outer, ErrCodeNotBound))

	wrapped := fmt.Errorf("bind: %w", NewNotBoundError(StateUnbound))
	assert.True(t, IsNotBoundError(wrapped))

	assert.False(t, HasErrorCode(nil, ErrCodeNotBound))
	assert.False(t, HasErrorCode(context.Canceled, ErrCodeNotBound))
}

func TestLinkFailureClassification(t *testing.T) {
	assert.Nil(t, newLinkFailure(nil))

	err := newLinkFailure(errRemoteDied)
	require.True(t, isLinkFailure(err))
	assert.ErrorIs(t, err, errRemoteDied)
	assert.Same(t, err, newLinkFailure(err), "already classified failures are not wrapped twice")

	assert.True(t, isLinkFailure(fmt.Errorf("call: %w", err)))
	assert.False(t, isLinkFailure(context.DeadlineExceeded))
	assert.False(t, isLinkFailure(NewRateLimitError(OpAdd)))
}
