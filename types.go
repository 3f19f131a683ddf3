// types.go: Common data types shared by the connector, registries and servers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"fmt"
	"strings"
	"time"
)

// Operation identifies one of the calculator operations.
type Operation int32

const (
	OpAdd Operation = iota + 1
	OpSubtract
	OpMultiply
)

// String returns the wire name of the operation.
func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpSubtract:
		return "subtract"
	case OpMultiply:
		return "multiply"
	default:
		return "unknown"
	}
}

// Symbol returns the arithmetic symbol used when rendering an operation.
func (o Operation) Symbol() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSubtract:
		return "-"
	case OpMultiply:
		return "*"
	default:
		return "?"
	}
}

// Title returns the human readable operation name.
func (o Operation) Title() string {
	switch o {
	case OpAdd:
		return "Addition"
	case OpSubtract:
		return "Subtraction"
	case OpMultiply:
		return "Multiplication"
	default:
		return "Unknown"
	}
}

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	return o >= OpAdd && o <= OpMultiply
}

// Operations lists every supported operation in display order.
func Operations() []Operation {
	return []Operation{OpAdd, OpSubtract, OpMultiply}
}

// ParseOperation accepts the wire names plus the short forms "sub" and "mul".
func ParseOperation(name string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "add", "+":
		return OpAdd, nil
	case "subtract", "sub", "-":
		return OpSubtract, nil
	case "multiply", "mul", "*":
		return OpMultiply, nil
	default:
		return 0, NewUnknownOperationError(name)
	}
}

// OperationRequest is one call to the calculator service.
type OperationRequest struct {
	Operation Operation `json:"operation"`
	A         int32     `json:"a"`
	B         int32     `json:"b"`
}

// String renders the request as "a + b".
func (r OperationRequest) String() string {
	return fmt.Sprintf("%d %s %d", r.A, r.Operation.Symbol(), r.B)
}

// OperationResult is the successful outcome of an OperationRequest.
type OperationResult struct {
	Operation Operation `json:"operation"`
	Value     int32     `json:"value"`
}

// ConnectionState is the binding lifecycle state of a Connector.
//
//	Unbound --RequestBind--> Binding --connected--> Bound
//	Binding --resolution or connect failure--> Failed
//	Bound   --RequestUnbind or disconnected--> Unbound
//	Failed  --RequestBind--> Binding
type ConnectionState int32

const (
	StateUnbound ConnectionState = iota
	StateBinding
	StateBound
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanBind reports whether a bind may start from this state.
func (s ConnectionState) CanBind() bool {
	return s == StateUnbound || s == StateFailed
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	From   ConnectionState
	To     ConnectionState
	Reason string
	Err    error
	At     time.Time
}

// TransportType names the wire protocol an endpoint speaks.
type TransportType string

const (
	TransportUnix   TransportType = "unix"
	TransportGRPC   TransportType = "grpc"
	TransportInProc TransportType = "inproc"
)

// Endpoint is one concrete, connectable service instance.
type Endpoint struct {
	ServiceName  string        `json:"service_name"`
	Version      string        `json:"version,omitempty"`
	Transport    TransportType `json:"transport"`
	Address      string        `json:"address"`
	ManifestPath string        `json:"manifest_path,omitempty"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s://%s", e.ServiceName, e.Transport, e.Address)
}

// ServiceStatus is the probed health of an endpoint.
type ServiceStatus int

const (
	StatusUnknown ServiceStatus = iota
	StatusHealthy
	StatusUnhealthy
	StatusOffline
)

func (s ServiceStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// HealthStatus is the result of probing an endpoint.
type HealthStatus struct {
	Status       ServiceStatus     `json:"status"`
	Message      string            `json:"message,omitempty"`
	LastCheck    time.Time         `json:"last_check"`
	ResponseTime time.Duration     `json:"response_time"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ServiceInfo is what a running service reports about itself.
type ServiceInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}
