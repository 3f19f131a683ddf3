// unix_server.go: Calculator server over Unix domain sockets
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

const maxMessageSize = 64 * 1024

// UnixServer serves the calculator as newline-delimited JSON on a Unix socket.
//
// Example usage:
//
//	server := NewUnixServer("/tmp/calculator.sock", ServerOptions{Name: "calculator", Version: "1.0.0"})
//	if err := server.Start(ctx); err != nil {
//	    return err
//	}
//	defer server.Stop(context.Background())
type UnixServer struct {
	socketPath   string
	dispatcher   *callDispatcher
	logger       Logger
	drainTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	slots    chan struct{}
	wg       sync.WaitGroup
}

// NewUnixServer creates a server that will listen on socketPath.
func NewUnixServer(socketPath string, opts ServerOptions) *UnixServer {
	d := newCallDispatcher(opts, TransportUnix)
	s := &UnixServer{
		socketPath:   socketPath,
		dispatcher:   d,
		logger:       d.logger,
		drainTimeout: opts.DrainTimeout,
		conns:        make(map[net.Conn]struct{}),
	}
	if opts.MaxConnections > 0 {
		s.slots = make(chan struct{}, opts.MaxConnections)
	}
	return s
}

// Endpoint implements ServiceServer.
func (s *UnixServer) Endpoint() string { return s.socketPath }

// Transport implements ServiceServer.
func (s *UnixServer) Transport() TransportType { return TransportUnix }

// Stats implements ServiceServer.
func (s *UnixServer) Stats() ServeStats { return s.dispatcher.counters.snapshot() }

// Start implements ServiceServer.
func (s *UnixServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return NewServerError("unix server is already running", nil)
	}

	// A stale socket from a crashed process would make Listen fail.
	if err := os.RemoveAll(s.socketPath); err != nil {
		return NewServerError("failed to remove existing socket", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return NewServerError("failed to create Unix socket listener", err).WithContext("socket_path", s.socketPath)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		s.logger.Warn("Failed to set socket permissions", "error", err)
	}

	s.listener = listener
	s.running = true
	s.dispatcher.markStarted()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Info("Unix socket server started", "socket_path", s.socketPath, "service", s.dispatcher.name)
	return nil
}

// Stop implements ServiceServer.
func (s *UnixServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	s.mu.Unlock()

	s.logger.Info("Shutting down Unix socket server", "socket_path", s.socketPath)

	if err := listener.Close(); err != nil {
		s.logger.Debug("Failed to close listener", "error", err)
	}

	timeout := s.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	_ = s.dispatcher.drain(timeout)

	s.closeConnections()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
		s.logger.Info("Unix socket server stopped")
	case <-ctx.Done():
		s.logger.Warn("Unix socket server stop timeout exceeded")
		stopErr = ctx.Err()
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		s.logger.Warn("Failed to remove socket file", "error", err)
	}
	return stopErr
}

func (s *UnixServer) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Failed to close connection", "error", err)
		}
	}
}

func (s *UnixServer) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			default:
				s.logger.Warn("Connection limit reached, refusing connection")
				_ = conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			_ = conn.Close()
			s.releaseSlot()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.dispatcher.counters.connectionsTotal.Add(1)
		s.dispatcher.counters.activeConnections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *UnixServer) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *UnixServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.dispatcher.counters.activeConnections.Add(-1)
		s.releaseSlot()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)
	writer := bufio.NewWriter(conn)
	encoder := json.NewEncoder(writer)

	for scanner.Scan() {
		response := s.processMessage(scanner.Bytes())
		if err := encoder.Encode(response); err != nil {
			s.logger.Debug("Failed to write response", "request_id", response.RequestID, "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			s.logger.Debug("Failed to flush response", "request_id", response.RequestID, "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
		s.logger.Debug("Connection error", "error", err)
	}
}

func (s *UnixServer) processMessage(data []byte) *UnixResponse {
	var msg UnixMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return &UnixResponse{Type: "error", Code: ResponseCodeBadRequest, Error: "invalid request format"}
	}

	response := &UnixResponse{Type: msg.Type, RequestID: msg.RequestID}
	switch msg.Type {
	case MessagePing:
		response.Success = true

	case MessageInfo:
		response.Success = true
		response.Data, _ = json.Marshal(s.dispatcher.info)

	case MessageWatch:
		// The answer confirms the watch; the connection then just stays open.
		response.Success = true

	case MessageCall:
		s.handleCall(msg, response)

	default:
		response.Code = ResponseCodeBadRequest
		response.Error = fmt.Sprintf("unsupported message type: %s", msg.Type)
	}
	return response
}

func (s *UnixServer) handleCall(msg UnixMessage, response *UnixResponse) {
	var payload callPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		response.Code = ResponseCodeBadRequest
		response.Error = "invalid call payload"
		return
	}
	op, err := ParseOperation(payload.Operation)
	if err != nil {
		response.Code = ResponseCodeUnknownOperation
		response.Error = fmt.Sprintf("unknown operation: %s", payload.Operation)
		return
	}

	ctx := context.Background()
	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.Timeout)*time.Millisecond)
		defer cancel()
	}

	result, err := s.dispatcher.dispatch(ctx, OperationRequest{Operation: op, A: payload.A, B: payload.B})
	switch {
	case err == nil:
		response.Success = true
		response.Data, _ = json.Marshal(valuePayload{Value: result.Value})
	case stderrors.Is(err, errRateLimited):
		response.Code = ResponseCodeRateLimited
		response.Error = err.Error()
	case stderrors.Is(err, errShuttingDown):
		response.Code = ResponseCodeShuttingDown
		response.Error = err.Error()
	default:
		response.Code = ResponseCodeCallFailed
		response.Error = err.Error()
	}
}
