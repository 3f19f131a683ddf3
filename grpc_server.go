// grpc_server.go: Calculator server over gRPC on a Unix socket
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// CalculatorServiceName is the gRPC service name, also used for health checks.
const CalculatorServiceName = "servicebind.Calculator"

var grpcMethodNames = map[Operation]string{
	OpAdd:      "Add",
	OpSubtract: "Subtract",
	OpMultiply: "Multiply",
}

func grpcFullMethod(op Operation) string {
	return "/" + CalculatorServiceName + "/" + grpcMethodNames[op]
}

// calculatorServiceDesc describes the service without generated stubs.
// Requests are Structs {"a": n, "b": n}; responses are Int32Values.
var calculatorServiceDesc = grpc.ServiceDesc{
	ServiceName: CalculatorServiceName,
	HandlerType: (*grpcCalculatorHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: grpcMethodNames[OpAdd], Handler: calculatorMethod(OpAdd)},
		{MethodName: grpcMethodNames[OpSubtract], Handler: calculatorMethod(OpSubtract)},
		{MethodName: grpcMethodNames[OpMultiply], Handler: calculatorMethod(OpMultiply)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "servicebind/calculator.proto",
}

type grpcCalculatorHandler interface {
	serve(ctx context.Context, op Operation, in *structpb.Struct) (*wrapperspb.Int32Value, error)
}

func calculatorMethod(op Operation) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(grpcCalculatorHandler).serve(ctx, op, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcFullMethod(op)}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer serves the calculator over gRPC, with the standard health
// service, on a Unix domain socket.
type GRPCServer struct {
	socketPath   string
	dispatcher   *callDispatcher
	logger       Logger
	drainTimeout time.Duration

	mu       sync.Mutex
	server   *grpc.Server
	health   *health.Server
	running  bool
	serveErr chan error
}

// NewGRPCServer creates a gRPC server for address, a socket path or a unix:// target.
func NewGRPCServer(address string, opts ServerOptions) *GRPCServer {
	d := newCallDispatcher(opts, TransportGRPC)
	return &GRPCServer{
		socketPath:   grpcSocketPath(address),
		dispatcher:   d,
		logger:       d.logger,
		drainTimeout: opts.DrainTimeout,
	}
}

// Endpoint implements ServiceServer.
func (s *GRPCServer) Endpoint() string { return grpcTarget(s.socketPath) }

// Transport implements ServiceServer.
func (s *GRPCServer) Transport() TransportType { return TransportGRPC }

// Stats implements ServiceServer.
func (s *GRPCServer) Stats() ServeStats { return s.dispatcher.counters.snapshot() }

// Start implements ServiceServer.
func (s *GRPCServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return NewServerError("gRPC server is already running", nil)
	}
	if err := os.RemoveAll(s.socketPath); err != nil {
		return NewServerError("failed to remove existing socket", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return NewServerError("failed to create gRPC listener", err).WithContext("socket_path", s.socketPath)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.logger.Warn("Failed to set socket permissions", "error", err)
	}

	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(s.countingInterceptor),
	)
	server.RegisterService(&calculatorServiceDesc, s)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(CalculatorServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	s.server = server
	s.health = healthServer
	s.running = true
	s.serveErr = make(chan error, 1)
	s.dispatcher.markStarted()

	go func() {
		s.serveErr <- server.Serve(listener)
	}()

	s.logger.Info("gRPC server started", "target", s.Endpoint(), "service", s.dispatcher.name)
	return nil
}

// Stop implements ServiceServer. Health watchers see NOT_SERVING first,
// then in-flight calls drain and the server stops.
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server, healthServer := s.server, s.health
	s.mu.Unlock()

	s.logger.Info("Shutting down gRPC server", "target", s.Endpoint())
	healthServer.Shutdown()

	timeout := s.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	_ = s.dispatcher.drain(timeout)

	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
		stopErr = ctx.Err()
	case <-time.After(timeout + time.Second):
		// Open health watch streams keep GracefulStop waiting.
		server.Stop()
	}

	if err := <-s.serveErr; err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
		s.logger.Warn("gRPC serve returned an error", "error", err)
	}
	if err := os.RemoveAll(s.socketPath); err != nil {
		s.logger.Warn("Failed to remove socket file", "error", err)
	}
	s.logger.Info("gRPC server stopped")
	return stopErr
}

// countingInterceptor counts each unary call as a connection; gRPC
// multiplexes calls over one transport so there is nothing better to count.
func (s *GRPCServer) countingInterceptor(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	s.dispatcher.counters.connectionsTotal.Add(1)
	s.dispatcher.counters.activeConnections.Add(1)
	defer s.dispatcher.counters.activeConnections.Add(-1)
	return handler(ctx, req)
}

func (s *GRPCServer) serve(ctx context.Context, op Operation, in *structpb.Struct) (*wrapperspb.Int32Value, error) {
	a, err := int32Field(in, "a")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	b, err := int32Field(in, "b")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.dispatcher.dispatch(ctx, OperationRequest{Operation: op, A: a, B: b})
	switch {
	case err == nil:
		return wrapperspb.Int32(result.Value), nil
	case stderrors.Is(err, errRateLimited):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case stderrors.Is(err, errShuttingDown):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
}

func int32Field(in *structpb.Struct, name string) (int32, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("missing operand %q", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("operand %q is not a number", name)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("operand %q is not a 32-bit integer: %v", name, f)
	}
	return int32(f), nil
}

// grpcTarget turns a socket path into a gRPC dial target.
func grpcTarget(address string) string {
	if strings.HasPrefix(address, "unix:") {
		return address
	}
	return "unix://" + address
}

// grpcSocketPath strips the unix scheme from a target.
func grpcSocketPath(address string) string {
	switch {
	case strings.HasPrefix(address, "unix://"):
		return strings.TrimPrefix(address, "unix://")
	case strings.HasPrefix(address, "unix:"):
		return strings.TrimPrefix(address, "unix:")
	default:
		return address
	}
}
