// unix_transport.go: Unix Domain Socket client transport
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var errPoolClosed = stderrors.New("connection pool is closed")

// UnixClientOptions configures a Unix socket client.
type UnixClientOptions struct {
	DialTimeout time.Duration
	// MaxIdle bounds the number of pooled idle connections.
	MaxIdle int
	Logger  any
}

// UnixClient is a Calculator backed by a pool of Unix socket connections.
//
// Connection problems (dial failures, EOF, resets, a server shutting down)
// are reported as link failures, which a Connector treats as remote death.
// A call that runs past its context deadline returns
// context.DeadlineExceeded and its connection is discarded.
type UnixClient struct {
	endpoint Endpoint
	pool     *unixConnPool
	logger   Logger
}

// unixStream is one pooled connection with its persistent decoder.
type unixStream struct {
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
}

func newUnixStream(conn net.Conn) *unixStream {
	return &unixStream{conn: conn, encoder: json.NewEncoder(conn), decoder: json.NewDecoder(conn)}
}

type unixConnPool struct {
	socketPath  string
	dialTimeout time.Duration
	idle        chan *unixStream
	closed      atomic.Bool
	mu          sync.Mutex
}

// DialUnix connects to a Unix socket endpoint and verifies it answers a ping.
func DialUnix(ctx context.Context, endpoint Endpoint, opts UnixClientOptions) (*UnixClient, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 4
	}

	client := &UnixClient{
		endpoint: endpoint,
		pool: &unixConnPool{
			socketPath:  endpoint.Address,
			dialTimeout: opts.DialTimeout,
			idle:        make(chan *unixStream, opts.MaxIdle),
		},
		logger: NewLogger(opts.Logger).With("component", "unix_client", "socket_path", endpoint.Address),
	}

	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Add implements Calculator.
func (c *UnixClient) Add(ctx context.Context, a, b int32) (int32, error) {
	return c.call(ctx, OpAdd, a, b)
}

// Subtract implements Calculator.
func (c *UnixClient) Subtract(ctx context.Context, a, b int32) (int32, error) {
	return c.call(ctx, OpSubtract, a, b)
}

// Multiply implements Calculator.
func (c *UnixClient) Multiply(ctx context.Context, a, b int32) (int32, error) {
	return c.call(ctx, OpMultiply, a, b)
}

// Ping checks that the server answers.
func (c *UnixClient) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, UnixMessage{Type: MessagePing})
	return err
}

// Info asks the server to describe itself.
func (c *UnixClient) Info(ctx context.Context) (ServiceInfo, error) {
	var info ServiceInfo
	resp, err := c.roundTrip(ctx, UnixMessage{Type: MessageInfo})
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return info, NewProtocolError("invalid info payload", err)
	}
	return info, nil
}

// Close releases every pooled connection.
func (c *UnixClient) Close() error {
	return c.pool.close()
}

func (c *UnixClient) call(ctx context.Context, op Operation, a, b int32) (int32, error) {
	data, err := json.Marshal(callPayload{Operation: op.String(), A: a, B: b})
	if err != nil {
		return 0, NewProtocolError("failed to encode call", err)
	}
	msg := UnixMessage{Type: MessageCall, Data: data}
	if deadline, ok := ctx.Deadline(); ok {
		msg.Timeout = time.Until(deadline).Milliseconds()
	}

	resp, err := c.roundTrip(ctx, msg)
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, c.rejection(op, resp)
	}

	var value valuePayload
	if err := json.Unmarshal(resp.Data, &value); err != nil {
		return 0, NewProtocolError("invalid call result", err)
	}
	return value.Value, nil
}

func (c *UnixClient) rejection(op Operation, resp *UnixResponse) error {
	switch resp.Code {
	case ResponseCodeRateLimited:
		return NewRateLimitError(op)
	case ResponseCodeShuttingDown:
		return newLinkFailure(errShuttingDown)
	case ResponseCodeUnknownOperation:
		return NewUnknownOperationError(op.String())
	default:
		return NewRemoteRejectedError(op, resp.Error)
	}
}

// roundTrip sends msg on a pooled connection and reads the matching response.
func (c *UnixClient) roundTrip(ctx context.Context, msg UnixMessage) (*UnixResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := c.pool.get(ctx)
	if err != nil {
		return nil, err
	}

	msg.RequestID = uuid.NewString()
	resp, err := exchange(ctx, stream, msg)
	if err != nil {
		_ = stream.conn.Close()
		return nil, err
	}
	c.pool.put(stream)

	if resp.Type == MessagePing || resp.Type == MessageInfo {
		if !resp.Success {
			return nil, NewProtocolError(fmt.Sprintf("%s request failed: %s", resp.Type, resp.Error), nil)
		}
	}
	return resp, nil
}

// exchange writes msg and reads one response, mapping I/O errors onto
// context errors, link failures or protocol errors.
func exchange(ctx context.Context, stream *unixStream, msg UnixMessage) (*UnixResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.conn.SetDeadline(deadline); err != nil {
			return nil, newLinkFailure(err)
		}
	} else {
		_ = stream.conn.SetDeadline(time.Time{})
	}
	// Cancellation without a deadline unblocks the read by expiring it.
	stop := context.AfterFunc(ctx, func() {
		_ = stream.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := stream.encoder.Encode(msg); err != nil {
		return nil, classifyIOError(ctx, err)
	}

	var resp UnixResponse
	if err := stream.decoder.Decode(&resp); err != nil {
		return nil, classifyIOError(ctx, err)
	}
	if resp.RequestID != msg.RequestID {
		return nil, NewProtocolError(fmt.Sprintf("response request ID mismatch: expected %s, got %s", msg.RequestID, resp.RequestID), nil)
	}
	return &resp, nil
}

func classifyIOError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	if stderrors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	var syntaxErr *json.SyntaxError
	if stderrors.As(err, &syntaxErr) {
		return NewProtocolError("malformed response", err)
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return newLinkFailure(fmt.Errorf("connection closed by remote: %w", err))
	}
	return newLinkFailure(err)
}

func (p *unixConnPool) get(ctx context.Context) (*unixStream, error) {
	if p.closed.Load() {
		return nil, newLinkFailure(errPoolClosed)
	}
	select {
	case stream, ok := <-p.idle:
		if !ok {
			return nil, newLinkFailure(errPoolClosed)
		}
		return stream, nil
	default:
	}

	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", p.socketPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newLinkFailure(fmt.Errorf("failed to dial Unix socket %s: %w", p.socketPath, err))
	}
	return newUnixStream(conn), nil
}

func (p *unixConnPool) put(stream *unixStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		_ = stream.conn.Close()
		return
	}
	select {
	case p.idle <- stream:
	default:
		// Pool is full, close the connection
		_ = stream.conn.Close()
	}
}

func (p *unixConnPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.idle)
	for stream := range p.idle {
		_ = stream.conn.Close()
	}
	return nil
}

// watchUnix opens the dedicated watch connection for endpoint. onDeath is
// called once if the server goes away before cancel is called.
func watchUnix(ctx context.Context, endpoint Endpoint, dialTimeout time.Duration, onDeath func(error)) (context.CancelFunc, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", endpoint.Address)
	if err != nil {
		return nil, newLinkFailure(err)
	}
	stream := newUnixStream(conn)

	msg := UnixMessage{Type: MessageWatch, RequestID: uuid.NewString()}
	resp, err := exchange(ctx, stream, msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !resp.Success {
		_ = conn.Close()
		return nil, NewProtocolError("watch rejected: "+resp.Error, nil)
	}
	_ = conn.SetDeadline(time.Time{})

	var cancelled atomic.Bool
	go func() {
		var ignored UnixResponse
		for {
			if err := stream.decoder.Decode(&ignored); err != nil {
				if !cancelled.Load() {
					onDeath(classifyIOError(context.Background(), err))
				}
				return
			}
		}
	}()

	return func() {
		if cancelled.CompareAndSwap(false, true) {
			_ = conn.Close()
		}
	}, nil
}
