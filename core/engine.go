// Package core is the transport: it accepts TCP connections, feeds their
// bytes through a pipeline.Pipeline and writes the responses back.
package core

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/pipeline"
	"github.com/searchktools/h1server/core/pools"
)

// Config configures an Engine. Zero fields take the package defaults.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout bounds the wait for the first byte of the next request on
	// a kept-alive connection.
	IdleTimeout time.Duration

	// Workers bounds the number of connections served at once. Each open
	// connection holds one worker until it closes.
	Workers   int
	QueueSize int

	ReadBufferSize int
	Limits         http.Limits

	// ConnRate limits new connections per second from one client address.
	// Zero disables the limit.
	ConnRate  float64
	ConnBurst int
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.ConnRate > 0 && c.ConnBurst <= 0 {
		c.ConnBurst = max(1, int(c.ConnRate))
	}
	return c
}

// ConnObserver is told about every connection the engine serves.
type ConnObserver interface {
	ConnOpened()
	ConnClosed()
}

type nopConnObserver struct{}

func (nopConnObserver) ConnOpened() {}
func (nopConnObserver) ConnClosed() {}

// Connection states
const (
	stateIdle int32 = iota
	stateActive
)

// Connection represents an active connection
type Connection struct {
	id     uint64
	nc     net.Conn
	remote string
	state  atomic.Int32
	log    zerolog.Logger
}

func (c *Connection) touch(state int32) { c.state.Store(state) }

type clientLimiter struct {
	lim  *rate.Limiter
	seen atomic.Int64
}

// Engine serves HTTP/1.1 over net.Listener. Each connection runs on a
// worker from a work-stealing pool; when the pool is full new connections
// are answered 503 and closed.
type Engine struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	observer ConnObserver
	log      zerolog.Logger

	workers  *pools.WorkerPool
	bytePool *pools.BytePool

	connections *xsync.MapOf[uint64, *Connection]
	limiters    *xsync.MapOf[string, *clientLimiter]
	nextID      atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	closing  atomic.Bool
	done     chan struct{}
	// base is cancelled only by a forced shutdown; requests still in flight
	// then see a cancelled context.
	base   context.Context
	cancel context.CancelFunc

	accepted     atomic.Uint64
	rejectedBusy atomic.Uint64
	rejectedRate atomic.Uint64
}

// NewEngine creates a new engine instance. observer may be nil.
func NewEngine(cfg Config, p *pipeline.Pipeline, observer ConnObserver, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = nopConnObserver{}
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		pipeline:    p,
		observer:    observer,
		log:         logger.With().Str("component", "engine").Logger(),
		workers:     pools.NewWorkerPool(cfg.Workers, cfg.QueueSize),
		bytePool:    pools.NewBytePool(),
		connections: xsync.NewMapOf[uint64, *Connection](),
		limiters:    xsync.NewMapOf[string, *clientLimiter](),
		done:        make(chan struct{}),
		base:        base,
		cancel:      cancel,
	}
	e.log.Debug().
		Int("workers", e.workers.Stats().NumWorkers).
		Int("queue", cfg.QueueSize).
		Dur("idle_timeout", cfg.IdleTimeout).
		Msg("Engine initialized")
	return e
}

// Run listens on addr and serves until Shutdown.
func (e *Engine) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return e.Serve(ln)
}

// Addr returns the listener address, or nil before Serve.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Serve accepts connections on ln until Shutdown, then returns
// ErrServerClosed. ln is closed on return.
func (e *Engine) Serve(ln net.Listener) error {
	e.mu.Lock()
	if e.closing.Load() {
		e.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	if e.listener != nil {
		e.mu.Unlock()
		return ErrAlreadyServing
	}
	e.listener = ln
	e.mu.Unlock()
	defer ln.Close()

	e.log.Info().Str("addr", ln.Addr().String()).Msg("Listening")
	go e.sweepLimiters()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if e.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				e.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Accept error")
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		e.accept(nc)
	}
}

func (e *Engine) accept(nc net.Conn) {
	e.accepted.Add(1)
	remote := nc.RemoteAddr().String()

	if !e.allow(remote) {
		e.rejectedRate.Add(1)
		e.log.Debug().Str("remote", remote).Msg("Connection rate exceeded")
		out := e.pipeline.Refuse(http.StatusTooManyRequests)
		out.Response.Header.Set("Retry-After", "1")
		e.refuse(nc, out)
		return
	}

	if err := tuneConn(nc, e.cfg.IdleTimeout); err != nil {
		e.log.Debug().Err(err).Str("remote", remote).Msg("Socket options not applied")
	}

	c := &Connection{
		id:     e.nextID.Add(1),
		nc:     nc,
		remote: remote,
	}
	c.log = e.log.With().Uint64("conn", c.id).Str("remote", remote).Logger()
	c.touch(stateIdle)

	e.connections.Store(c.id, c)
	e.observer.ConnOpened()
	if !e.workers.Submit(func() { e.serveConn(c) }) {
		e.rejectedBusy.Add(1)
		e.connections.Delete(c.id)
		e.observer.ConnClosed()
		c.log.Warn().Msg("Worker pool full, refusing connection")
		e.refuse(nc, e.pipeline.Refuse(http.StatusServiceUnavailable))
	}
}

// allow applies the per-client connection rate.
func (e *Engine) allow(remote string) bool {
	if e.cfg.ConnRate <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	cl, _ := e.limiters.LoadOrCompute(host, func() *clientLimiter {
		return &clientLimiter{lim: rate.NewLimiter(rate.Limit(e.cfg.ConnRate), e.cfg.ConnBurst)}
	})
	cl.seen.Store(time.Now().UnixNano())
	return cl.lim.Allow()
}

func (e *Engine) refuse(nc net.Conn, out pipeline.Outcome) {
	_ = nc.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	_, _ = http.WriteResponse(nc, out.Response, out.Options)
	nc.Close()
}

// serveConn runs the request loop of one connection. Pipelined requests are
// answered in order from the bytes already buffered before the next read.
func (e *Engine) serveConn(c *Connection) {
	parser := http.NewParser(e.cfg.Limits)
	buf := e.bytePool.Get(e.cfg.ReadBufferSize)[:0]
	defer func() {
		parser.Reset()
		e.bytePool.Put(buf)
		e.closeConnection(c)
	}()

	continued := false
	for {
		if len(buf) > 0 {
			out := e.pipeline.Serve(e.base, parser, buf)
			if out.NeedMore() {
				if head := parser.Head(); head != nil && !continued {
					continued = true
					if resp := e.pipeline.Early(head); resp != nil {
						e.write(c, resp, http.WriteOptions{
							Version: head.Version,
							Close:   true,
							Server:  e.Server(),
							Now:     time.Now(),
						})
						return
					}
					if head.ExpectsContinue() && !e.writeRaw(c, http.ContinueLine) {
						return
					}
				}
			} else {
				if out.Request != nil {
					c.log.Trace().
						Str("method", out.Request.Method.String()).
						Str("path", out.Request.Path).
						Int("status", out.Response.Status).
						Msg("Request served")
				}
				ok := out.Response == nil || e.write(c, out.Response, out.Options)
				http.ReleaseRequest(out.Request)
				if !ok || out.Close {
					return
				}

				parser.Reset()
				continued = false
				buf = buf[:copy(buf, buf[out.Consumed:])]
				if len(buf) == 0 {
					if cap(buf) > 4*e.cfg.ReadBufferSize {
						e.bytePool.Put(buf)
						buf = e.bytePool.Get(e.cfg.ReadBufferSize)[:0]
					}
					c.touch(stateIdle)
					if e.closing.Load() {
						return
					}
				}
				continue
			}
		}

		if len(buf) == cap(buf) {
			buf = e.bytePool.Grow(buf, max(cap(buf), e.cfg.ReadBufferSize))
		}
		timeout := e.cfg.ReadTimeout
		if len(buf) == 0 {
			timeout = e.cfg.IdleTimeout
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(timeout))

		n, err := c.nc.Read(buf[len(buf):cap(buf)])
		if n > 0 {
			buf = buf[:len(buf)+n]
			c.touch(stateActive)
			continue
		}
		if err == nil {
			continue
		}
		e.readFailed(c, parser, len(buf), err)
		return
	}
}

// readFailed ends a connection whose peer stopped sending. A message cut
// short gets no response.
func (e *Engine) readFailed(c *Connection, parser *http.Parser, buffered int, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		if ferr := parser.Finish(buffered); ferr != nil {
			out := e.pipeline.Reject(ferr)
			if out.Response != nil {
				e.write(c, out.Response, out.Options)
			}
		}
	case errors.As(err, &ne) && ne.Timeout():
		if buffered > 0 {
			c.log.Debug().Int("buffered", buffered).Msg("Read timeout mid-request")
		}
	case errors.Is(err, net.ErrClosed):
	default:
		c.log.Debug().Err(err).Msg("Read failed")
	}
}

func (e *Engine) write(c *Connection, resp *http.Response, opts http.WriteOptions) bool {
	_ = c.nc.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	if _, err := http.WriteResponse(c.nc, resp, opts); err != nil {
		c.log.Debug().Err(err).Int("status", resp.Status).Msg("Write failed")
		return false
	}
	return true
}

func (e *Engine) writeRaw(c *Connection, b []byte) bool {
	_ = c.nc.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	if _, err := c.nc.Write(b); err != nil {
		c.log.Debug().Err(err).Msg("Write failed")
		return false
	}
	return true
}

// Server returns the name sent in the Server header.
func (e *Engine) Server() string { return e.pipeline.ServerName() }

// closeConnection closes and cleans up a connection
func (e *Engine) closeConnection(c *Connection) {
	if _, ok := e.connections.LoadAndDelete(c.id); !ok {
		return
	}
	c.nc.Close()
	e.observer.ConnClosed()
	c.log.Debug().Msg("Connection closed")
}

// sweepLimiters drops rate limiters of clients that have gone quiet.
func (e *Engine) sweepLimiters() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			cutoff := now.Add(-limiterTTL).UnixNano()
			e.limiters.Range(func(host string, cl *clientLimiter) bool {
				if cl.seen.Load() < cutoff {
					e.limiters.Delete(host)
				}
				return true
			})
		}
	}
}

// Shutdown stops accepting connections, closes idle ones and waits for the
// rest to finish their current request. When ctx ends first the remaining
// connections are closed forcibly and ctx.Err() is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closing.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return nil
	}
	close(e.done)
	if e.listener != nil {
		e.listener.Close()
	}
	e.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var err error
	for {
		e.closeIdle()
		if e.connections.Size() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			e.cancel()
			e.connections.Range(func(_ uint64, c *Connection) bool {
				c.nc.Close()
				return true
			})
		case <-ticker.C:
			continue
		}
		break
	}

	e.workers.Close()
	e.cancel()
	e.log.Info().Uint64("accepted", e.accepted.Load()).Msg("Engine stopped")
	return err
}

func (e *Engine) closeIdle() {
	e.connections.Range(func(_ uint64, c *Connection) bool {
		if c.state.Load() == stateIdle {
			// Unblocks the read; serveConn then cleans up.
			_ = c.nc.SetReadDeadline(time.Now())
		}
		return true
	})
}

// Connections returns the number of open connections.
func (e *Engine) Connections() int { return e.connections.Size() }
