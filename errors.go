// errors.go: structured error definitions for the service binding system
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for the servicebind system
const (
	// Resolution errors (1100-1199)
	ErrCodeServiceNotFound  = "RESOLVE_1101"
	ErrCodeServiceAmbiguous = "RESOLVE_1102"
	ErrCodeRegistryError    = "RESOLVE_1103"

	// Connector lifecycle errors (1200-1299)
	ErrCodeNotBound        = "CONNECTOR_1201"
	ErrCodeBindInProgress  = "CONNECTOR_1202"
	ErrCodeConnectorClosed = "CONNECTOR_1203"
	ErrCodeConnectFailed   = "CONNECTOR_1204"

	// Remote call errors (1300-1399)
	ErrCodeRemoteCall     = "RPC_1301"
	ErrCodeCallTimeout    = "RPC_1302"
	ErrCodeRemoteRejected = "RPC_1303"
	ErrCodeProtocol       = "RPC_1304"
	ErrCodeRateLimited    = "RPC_1305"

	// Input errors (1400-1499)
	ErrCodeInvalidInput     = "INPUT_1401"
	ErrCodeUnknownOperation = "INPUT_1402"

	// Configuration errors (1500-1599)
	ErrCodeConfigParse      = "CONFIG_1501"
	ErrCodeConfigValidation = "CONFIG_1502"
	ErrCodeConfigWatcher    = "CONFIG_1503"
	ErrCodeConfigNotFound   = "CONFIG_1504"

	// Manifest errors (1600-1699)
	ErrCodeManifestParse      = "MANIFEST_1601"
	ErrCodeManifestValidation = "MANIFEST_1602"

	// Process errors (1700-1799)
	ErrCodeProcessStart = "PROCESS_1701"
	ErrCodeServerError  = "PROCESS_1702"
)

// Resolution error constructors

func NewServiceNotFoundError(serviceID string) *errors.Error {
	return errors.New(ErrCodeServiceNotFound, "No service matches identifier").
		WithUserMessage("The requested service is not installed or not exported").
		WithContext("service_id", serviceID).
		WithContext("candidates", 0).
		WithSeverity("error")
}

func NewServiceAmbiguousError(serviceID string, candidates []Endpoint) *errors.Error {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.String())
	}
	return errors.New(ErrCodeServiceAmbiguous, "Multiple services match identifier").
		WithUserMessage("More than one service answers to this identifier").
		WithContext("service_id", serviceID).
		WithContext("candidates", len(candidates)).
		WithContext("endpoints", names).
		WithSeverity("error")
}

func NewRegistryError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeRegistryError, message).
			WithUserMessage("The service registry could not complete the request").
			WithSeverity("error")
	}
	return errors.New(ErrCodeRegistryError, message).
		WithUserMessage("The service registry could not complete the request").
		WithSeverity("error")
}

// Connector error constructors

func NewNotBoundError(state ConnectionState) *errors.Error {
	return errors.New(ErrCodeNotBound, "Service is not bound").
		WithUserMessage("Service not bound. Please bind the service first.").
		WithContext("state", state.String()).
		WithSeverity("warning")
}

func NewBindInProgressError(state ConnectionState) *errors.Error {
	return errors.New(ErrCodeBindInProgress, "Bind rejected in current state").
		WithUserMessage("The service is already bound or a bind is in progress").
		WithContext("state", state.String()).
		WithSeverity("warning")
}

func NewConnectorClosedError() *errors.Error {
	return errors.New(ErrCodeConnectorClosed, "Connector is closed").
		WithUserMessage("The connector has been shut down").
		WithSeverity("error")
}

func NewConnectError(endpoint Endpoint, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConnectFailed, "Failed to connect to service").
		WithUserMessage("Service connection failed").
		WithContext("endpoint", endpoint.String()).
		WithSeverity("error").
		AsRetryable()
}

// Remote call error constructors

func NewRemoteCallError(operation Operation, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRemoteCall, "Remote service became unreachable").
		WithUserMessage("Error in operation: the service is no longer reachable").
		WithContext("operation", operation.String()).
		WithSeverity("error").
		AsRetryable()
}

func NewCallTimeoutError(operation Operation, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeCallTimeout, "Remote call timed out").
		WithUserMessage("The service did not answer in time").
		WithContext("operation", operation.String()).
		WithSeverity("warning").
		AsRetryable()
}

func NewRemoteRejectedError(operation Operation, message string) *errors.Error {
	return errors.New(ErrCodeRemoteRejected, "Remote service rejected the call").
		WithUserMessage("The service refused the operation").
		WithContext("operation", operation.String()).
		WithContext("remote_error", message).
		WithSeverity("error")
}

func NewProtocolError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeProtocol, message).
			WithUserMessage("Malformed message exchanged with the service").
			WithSeverity("error")
	}
	return errors.New(ErrCodeProtocol, message).
		WithUserMessage("Malformed message exchanged with the service").
		WithSeverity("error")
}

func NewRateLimitError(operation Operation) *errors.Error {
	return errors.New(ErrCodeRateLimited, "Call rate limit exceeded").
		WithUserMessage("The service is busy, try again shortly").
		WithContext("operation", operation.String()).
		WithSeverity("warning").
		AsRetryable()
}

// Input error constructors

func NewInvalidInputError(field, value string) *errors.Error {
	return errors.New(ErrCodeInvalidInput, "Operand is not a valid integer").
		WithUserMessage("Please enter valid integers").
		WithContext("field", field).
		WithContext("value", value).
		WithSeverity("info")
}

func NewUnknownOperationError(name string) *errors.Error {
	return errors.New(ErrCodeUnknownOperation, "Unknown operation").
		WithUserMessage("Supported operations are add, subtract and multiply").
		WithContext("operation", name).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParse, "Failed to parse configuration").
		WithUserMessage("The configuration file could not be parsed").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidation, message).
			WithUserMessage("Configuration validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidation, message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigWatcher, message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigWatcher, message).
		WithSeverity("error")
}

func NewConfigNotFoundError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file does not exist or cannot be read").
		WithContext("path", path).
		WithSeverity("error")
}

// Manifest error constructors

func NewManifestParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeManifestParse, "Failed to parse service manifest").
		WithContext("path", path).
		WithSeverity("warning")
}

func NewManifestValidationError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeManifestValidation, "Invalid service manifest").
		WithContext("path", path).
		WithSeverity("warning")
}

// Process error constructors

func NewProcessStartError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeProcessStart, "Failed to start service process").
		WithUserMessage("The service could not be started on demand").
		WithContext("executable", path).
		WithSeverity("error")
}

func NewServerError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeServerError, message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeServerError, message).
		WithSeverity("error")
}

// HasErrorCode reports whether err, or any error it wraps, is a structured
// error carrying the given code.
func HasErrorCode(err error, code string) bool {
	var structured *errors.Error
	for err != nil {
		if stderrors.As(err, &structured) {
			if structured.ErrorCode() == errors.ErrorCode(code) {
				return true
			}
			err = structured.Cause
			continue
		}
		return false
	}
	return false
}

// IsResolutionError reports whether err is a missing or ambiguous service error.
func IsResolutionError(err error) bool {
	return HasErrorCode(err, ErrCodeServiceNotFound) || HasErrorCode(err, ErrCodeServiceAmbiguous)
}

// IsNotBoundError reports whether err was raised because the connector was not bound.
func IsNotBoundError(err error) bool {
	return HasErrorCode(err, ErrCodeNotBound)
}

// IsRemoteCallError reports whether err signals remote death during a call.
func IsRemoteCallError(err error) bool {
	return HasErrorCode(err, ErrCodeRemoteCall)
}
