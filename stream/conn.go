// Package stream runs a jsonrpc.Peer over a byte stream such as a socket,
// a pipe or a child process's stdio.
//
// Conn owns the peer: every call into it is serialized by the connection,
// which lets a read loop and any number of callers share one peer.
// Handlers run on the read loop, so a handler may Notify on its own
// connection but cannot Call or Batch on it.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mnehpets/rpcpeer/jsonrpc"
)

var (
	// ErrBatchOpen is returned by Call while the peer has a batch scope open.
	ErrBatchOpen = errors.New("stream: cannot wait for a reply inside a batch")

	// ErrInHandler is returned by Call and Batch when ctx belongs to a handler
	// still running on the same connection. The read loop is blocked in that
	// handler, so no reply could be read until it returns.
	ErrInHandler = errors.New("stream: connection is busy running this handler")
)

type handlerKey struct{}

// handlerScope marks the context of one Handle call on a Conn.
type handlerScope struct {
	conn *Conn
	done atomic.Bool
}

// Conn connects a Peer to a stream.
type Conn struct {
	rwc   io.ReadWriteCloser
	peer  *jsonrpc.Peer
	codec Codec
	log   zerolog.Logger

	mu      sync.Mutex // guards peer
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Option configures a Conn.
type Option func(*Conn)

// WithCodec sets the framing. The default is JSONCodec.
func WithCodec(codec Codec) Option {
	return func(c *Conn) { c.codec = codec }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// NewConn creates a Conn. The peer must not be used except through it.
func NewConn(rwc io.ReadWriteCloser, peer *jsonrpc.Peer, opts ...Option) *Conn {
	c := &Conn{
		rwc:   rwc,
		peer:  peer,
		codec: JSONCodec{},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve reads frames until the stream ends, handing each to the peer and
// writing back its reply. Errors received from the remote peer are never
// written back. It returns nil when the stream is closed.
// ctx is passed to handlers; Close stops a blocked read.
func (c *Conn) Serve(ctx context.Context) error {
	frames := c.codec.NewReader(c.rwc)
	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		scope := &handlerScope{conn: c}
		c.mu.Lock()
		reply, err := c.peer.Handle(context.WithValue(ctx, handlerKey{}, scope), frame)
		c.mu.Unlock()
		scope.done.Store(true)
		if err != nil {
			c.log.Error().Err(err).Msg("dropping frame")
			continue
		}
		if reply = jsonrpc.Outgoing(reply); reply != nil {
			if err := c.Send(reply); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Send writes one message.
func (c *Conn) Send(m jsonrpc.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.codec.Encode(c.rwc, m); err != nil {
		c.log.Warn().Err(err).Stringer("message", m).Msg("write failed")
		return err
	}
	return nil
}

// inHandler reports whether ctx belongs to a handler running on c.
func (c *Conn) inHandler(ctx context.Context) bool {
	scope, ok := ctx.Value(handlerKey{}).(*handlerScope)
	return ok && scope.conn == c && !scope.done.Load()
}

// Notify validates and sends a notification right away. It does not wait
// for the read loop, so handlers can use it to report progress.
func (c *Conn) Notify(method string, params interface{}) error {
	n, err := c.peer.BuildNotification(method, params)
	if err != nil {
		return err
	}
	return c.Send(n)
}

// Call sends a request and waits for its reply. If ctx ends first, the
// request is abandoned and a late reply is dropped by the peer.
//
// A *jsonrpc.JSONRPCError is returned when the remote peer answers with an error.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    *jsonrpc.JSONRPCError
	}
	done := make(chan outcome, 1)

	if c.inHandler(ctx) {
		return nil, ErrInHandler
	}
	c.mu.Lock()
	if c.peer.Batching() {
		c.mu.Unlock()
		return nil, ErrBatchOpen
	}
	req, err := c.peer.Request(method, params,
		func(result interface{}) { done <- outcome{result: result} },
		func(rpcErr *jsonrpc.JSONRPCError) { done <- outcome{err: rpcErr} },
	)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.Send(req); err != nil {
		c.abandon(req.ID)
		return nil, err
	}

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return o.result, nil
	case <-ctx.Done():
		c.abandon(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Conn) abandon(id jsonrpc.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer.Abandon(id, nil)
}

// Batch runs fn inside a batch scope of the peer and sends everything it
// buffered as one batch. fn must use the peer only through the arguments
// it is given.
//
// If fn fails or panics nothing is sent and the requests it created are
// abandoned.
func (c *Conn) Batch(ctx context.Context, fn func(p *jsonrpc.Peer) error) error {
	if c.inHandler(ctx) {
		return ErrInHandler
	}
	batch, err := c.collect(fn)
	if err != nil || batch == nil {
		return err
	}
	return c.Send(batch)
}

func (c *Conn) collect(fn func(p *jsonrpc.Peer) error) (batch jsonrpc.Message, err error) {
	c.mu.Lock()
	completed := false
	defer func() {
		batch = c.peer.CollectBatch()
		if !completed || err != nil {
			c.dropLocked(batch)
			batch = nil
		}
		c.mu.Unlock()
	}()
	err = c.peer.Batch(func() error { return fn(c.peer) })
	completed = true
	return nil, err
}

// dropLocked abandons the requests of a batch that will not be sent.
func (c *Conn) dropLocked(m jsonrpc.Message) {
	b, _ := m.(jsonrpc.Batch)
	for _, msg := range b {
		if req, ok := msg.(*jsonrpc.Request); ok {
			c.peer.Abandon(req.ID, nil)
		}
	}
	if len(b) > 0 {
		c.log.Debug().Int("size", len(b)).Msg("batch dropped")
	}
}

// Close closes the stream. A blocked Serve returns nil.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rwc.Close()
}
