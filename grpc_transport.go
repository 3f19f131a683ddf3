// grpc_transport.go: gRPC client transport for calculator services
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const grpcMaxMessageSize = 4 * 1024 * 1024

// GRPCClientOptions configures a gRPC client.
type GRPCClientOptions struct {
	DialTimeout time.Duration
	Logger      any
}

// GRPCClient is a Calculator backed by a gRPC connection.
//
// Unavailable status codes are reported as link failures. DeadlineExceeded
// maps onto context.DeadlineExceeded and ResourceExhausted onto a
// RateLimitError.
type GRPCClient struct {
	endpoint Endpoint
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   Logger
	closed   atomic.Bool
}

// DialGRPC connects to a gRPC endpoint and verifies the calculator reports SERVING.
func DialGRPC(ctx context.Context, endpoint Endpoint, opts GRPCClientOptions) (*GRPCClient, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	logger := NewLogger(opts.Logger).With("component", "grpc_client", "target", grpcTarget(endpoint.Address))

	conn, err := grpc.NewClient(grpcTarget(endpoint.Address),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(grpcMaxMessageSize),
			grpc.MaxCallSendMsgSize(grpcMaxMessageSize),
		),
	)
	if err != nil {
		return nil, NewConnectError(endpoint, fmt.Errorf("failed to create gRPC client: %w", err))
	}

	client := &GRPCClient{
		endpoint: endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   logger,
	}

	checkCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	resp, err := client.health.Check(checkCtx, &healthpb.HealthCheckRequest{Service: CalculatorServiceName})
	if err != nil {
		_ = conn.Close()
		return nil, client.mapError(ctx, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		_ = conn.Close()
		return nil, newLinkFailure(fmt.Errorf("service reports %s", resp.GetStatus()))
	}

	logger.Info("gRPC connection established", "service", endpoint.ServiceName)
	return client, nil
}

// Add implements Calculator.
func (c *GRPCClient) Add(ctx context.Context, a, b int32) (int32, error) {
	return c.call(ctx, OpAdd, a, b)
}

// Subtract implements Calculator.
func (c *GRPCClient) Subtract(ctx context.Context, a, b int32) (int32, error) {
	return c.call(ctx, OpSubtract, a, b)
}

// Multiply implements Calculator.
func (c *GRPCClient) Multiply(ctx context.Context, a, b int32) (int32, error) {
	return c.call(ctx, OpMultiply, a, b)
}

// Health reports the server's status for the calculator service.
func (c *GRPCClient) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: CalculatorServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, c.mapError(ctx, err)
	}
	return resp.GetStatus(), nil
}

// Close closes the underlying connection.
func (c *GRPCClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *GRPCClient) call(ctx context.Context, op Operation, a, b int32) (int32, error) {
	if c.closed.Load() {
		return 0, newLinkFailure(errPoolClosed)
	}
	in, err := structpb.NewStruct(map[string]interface{}{"a": a, "b": b})
	if err != nil {
		return 0, NewProtocolError("failed to encode call", err)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", uuid.NewString())
	out := new(wrapperspb.Int32Value)
	if err := c.conn.Invoke(ctx, grpcFullMethod(op), in, out); err != nil {
		return 0, c.mapCallError(ctx, op, err)
	}
	return out.GetValue(), nil
}

func (c *GRPCClient) mapCallError(ctx context.Context, op Operation, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return c.mapError(ctx, err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return NewRateLimitError(op)
	case codes.Unimplemented:
		return NewUnknownOperationError(op.String())
	case codes.InvalidArgument, codes.FailedPrecondition:
		return NewRemoteRejectedError(op, st.Message())
	default:
		return c.mapError(ctx, err)
	}
}

// mapError handles the status codes shared by every RPC.
func (c *GRPCClient) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return newLinkFailure(err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.Unavailable:
		return newLinkFailure(fmt.Errorf("service unavailable: %s", st.Message()))
	default:
		return NewProtocolError(fmt.Sprintf("gRPC error [%s]: %s", st.Code(), st.Message()), err)
	}
}

// watch follows the health stream of the calculator service. onDeath is
// called once when the service stops serving or the stream breaks,
// unless the returned cancel func was called first.
func (c *GRPCClient) watch(onDeath func(error)) (context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.health.Watch(ctx, &healthpb.HealthCheckRequest{Service: CalculatorServiceName})
	if err != nil {
		cancel()
		return nil, c.mapError(ctx, err)
	}

	go func() {
		for {
			resp, err := stream.Recv()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				onDeath(newLinkFailure(fmt.Errorf("health stream closed: %w", err)))
				return
			}
			switch resp.GetStatus() {
			case healthpb.HealthCheckResponse_SERVING:
				continue
			case healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
				onDeath(newLinkFailure(stderrors.New("service no longer registered")))
			default:
				onDeath(newLinkFailure(fmt.Errorf("service reports %s", resp.GetStatus())))
			}
			return
		}
	}()
	return cancel, nil
}
