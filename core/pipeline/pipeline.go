// Package pipeline turns request bytes into responses: parse, authenticate,
// consult the cache, route to a handler, compress, store, and hand the result
// back to the transport for writing.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/cache"
	"github.com/searchktools/h1server/core/compress"
	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/middleware"
)

// DefaultServerName is sent in the Server header and names the cache in
// Cache-Status.
const DefaultServerName = "h1server"

// Observer receives one call per response and per rejected message.
type Observer interface {
	RecordRequest(method, route string, status int, cache string, d time.Duration)
	RecordParseError(kind string)
	RecordAuthFailure(status int)
}

type nopObserver struct{}

func (nopObserver) RecordRequest(string, string, int, string, time.Duration) {}
func (nopObserver) RecordParseError(string)                                  {}
func (nopObserver) RecordAuthFailure(int)                                    {}

// Options configures a Pipeline. Nil components disable their stage.
type Options struct {
	Gate        *auth.Gate
	Cache       *cache.Store
	Negotiator  *compress.Negotiator
	Middlewares []middleware.Middleware
	Observer    Observer
	Logger      zerolog.Logger
	// ServerName is sent as Server and used as the Cache-Status cache name.
	ServerName string
	Now        func() time.Time
}

// Pipeline serves requests. It is safe for concurrent use; each connection
// brings its own Parser.
type Pipeline struct {
	opts    Options
	mux     *Mux
	handler middleware.Handler
	log     zerolog.Logger
}

// New builds a pipeline around mux. Panics in handlers are always recovered.
func New(mux *Mux, opts Options) *Pipeline {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.ServerName == "" {
		opts.ServerName = DefaultServerName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With().Str("component", "pipeline").Logger()

	chain := middleware.NewChain(middleware.Recovery(log)).Use(opts.Middlewares...)
	return &Pipeline{
		opts:    opts,
		mux:     mux,
		handler: chain.Then(mux),
		log:     log,
	}
}

// Mux returns the routing table.
func (p *Pipeline) Mux() *Mux { return p.mux }

// ServerName returns the name sent in the Server header.
func (p *Pipeline) ServerName() string { return p.opts.ServerName }

// Outcome is the result of one Serve call.
type Outcome struct {
	// Consumed is the number of buffer bytes that belonged to the request.
	Consumed int
	// Request is nil when the message was rejected before it was complete.
	Request *http.Request
	// Response is nil when nothing must be written.
	Response *http.Response
	Options  http.WriteOptions
	// Close reports that the connection ends after Response.
	Close bool
	// Err is the parse failure, or http.ErrNeedMore.
	Err error
}

// NeedMore reports that the buffer holds an incomplete request.
func (o Outcome) NeedMore() bool { return errors.Is(o.Err, http.ErrNeedMore) }

// Serve parses the next request from buf with parser and produces its
// response. buf must start at the first byte of the request and contain
// everything passed in earlier calls for the same request.
func (p *Pipeline) Serve(ctx context.Context, parser *http.Parser, buf []byte) Outcome {
	req, n, err := parser.Parse(buf)
	if err != nil {
		if errors.Is(err, http.ErrNeedMore) {
			return Outcome{Err: err}
		}
		return p.Reject(err)
	}

	resp := p.Handle(ctx, req)
	opts := http.WriteOptions{
		Version: req.Version,
		Head:    req.Method == http.MethodHead,
		Close:   !req.KeepAlive(),
		Server:  p.opts.ServerName,
		Now:     p.opts.Now(),
	}
	if err := http.CheckFraming(resp, opts); err != nil {
		p.log.Error().Err(err).
			Str("method", req.Method.String()).
			Str("path", req.Path).
			Int("status", resp.Status).
			Msg("Handler response cannot be framed")
		if c, ok := resp.Stream.(io.Closer); ok {
			c.Close()
		}
		resp = http.ErrorResponse(http.StatusInternalServerError, "")
	}
	opts.Close = opts.Close || http.MustClose(resp, opts)
	return Outcome{Consumed: n, Request: req, Response: resp, Options: opts, Close: opts.Close}
}

// Reject answers a parse failure. The connection always closes: once framing
// is in doubt, the next byte cannot be trusted to start a request. Truncated
// messages get no response.
func (p *Pipeline) Reject(err error) Outcome {
	kind := http.KindOf(err)
	p.opts.Observer.RecordParseError(kind.String())

	ev := p.log.Debug()
	if kind.IsSecurity() {
		ev = p.log.Warn().Bool("security", true)
	}
	ev.Err(err).Str("kind", kind.String()).Msg("Request rejected")

	status := kind.Status()
	if status == 0 {
		return Outcome{Close: true, Err: err}
	}
	out := p.Refuse(status)
	out.Err = err
	return out
}

// Refuse builds a closing error response that is not tied to a parsed
// request, for a transport turning a connection away.
func (p *Pipeline) Refuse(status int) Outcome {
	return Outcome{
		Response: http.ErrorResponse(status, ""),
		Options: http.WriteOptions{
			Version: http.HTTP11,
			Close:   true,
			Server:  p.opts.ServerName,
			Now:     p.opts.Now(),
		},
		Close: true,
	}
}

// Early inspects a request whose header section is complete but whose body
// has not arrived. A non-nil response refuses the request before the body is
// read, so no 100 Continue is sent and the connection closes.
func (p *Pipeline) Early(head *http.Request) *http.Response {
	if head.Method == http.MethodUnknown {
		return http.ErrorResponse(http.StatusNotImplemented, "")
	}
	if _, err := p.authenticate(head); err != nil {
		return p.authFailure(head, err)
	}
	return nil
}

// Handle produces the response for a parsed request. It never returns nil.
func (p *Pipeline) Handle(ctx context.Context, req *http.Request) *http.Response {
	start := p.opts.Now()
	resp, status := p.handle(ctx, req)

	route := p.mux.Pattern(req)
	if route == "" {
		route = "unmatched"
	}
	p.opts.Observer.RecordRequest(req.Method.String(), route, resp.Status, status, p.opts.Now().Sub(start))
	return resp
}

func (p *Pipeline) handle(ctx context.Context, req *http.Request) (*http.Response, string) {
	if req.Method == http.MethodUnknown {
		return http.ErrorResponse(http.StatusNotImplemented, ""), ""
	}
	ac, err := p.authenticate(req)
	if err != nil {
		return p.authFailure(req, err), ""
	}
	if ctx.Err() != nil {
		return http.ErrorResponse(http.StatusServiceUnavailable, ""), ""
	}
	if p.opts.Cache == nil || (req.Method != http.MethodGet && req.Method != http.MethodHead) {
		return p.conditional(req, p.invoke(req, ac)), ""
	}
	resp, status := p.cached(req, ac)
	resp.Header.Set(http.HeaderCacheStatus, p.opts.ServerName+"; "+status)
	return resp, status
}

func (p *Pipeline) authenticate(req *http.Request) (auth.Context, error) {
	if p.opts.Gate == nil {
		return auth.Anonymous, nil
	}
	return p.opts.Gate.Authenticate(req.Path, req.Header.Get(http.HeaderAuthorization))
}

// authFailure builds the 401 or 403. Each challenge is a separate
// WWW-Authenticate field.
func (p *Pipeline) authFailure(req *http.Request, err error) *http.Response {
	status := http.StatusUnauthorized
	var challenges []string
	var ae *auth.Error
	if errors.As(err, &ae) {
		status = ae.Status()
		challenges = ae.Challenges
	}
	p.opts.Observer.RecordAuthFailure(status)
	p.log.Warn().
		Bool("security", true).
		Err(err).
		Int("status", status).
		Str("path", req.Path).
		Msg("Authentication failed")

	resp := http.ErrorResponse(status, "")
	if status == http.StatusUnauthorized {
		for _, c := range challenges {
			resp.Header.Add(http.HeaderWWWAuthenticate, c)
		}
	}
	return resp
}

// invoke runs the handler chain and compresses the result. Handler errors
// become responses here.
func (p *Pipeline) invoke(req *http.Request, ac auth.Context) *http.Response {
	resp, err := p.handler.Handle(req, ac)
	switch {
	case err != nil:
		resp = p.errorResponse(req, err)
	case resp == nil:
		p.log.Error().Str("path", req.Path).Msg("Handler returned no response")
		resp = http.ErrorResponse(http.StatusInternalServerError, "")
	}
	if p.opts.Negotiator != nil {
		if _, err := p.opts.Negotiator.Compress(req, resp); err != nil {
			p.log.Warn().Err(err).Str("path", req.Path).Msg("Compression failed, sending identity")
		}
	}
	return resp
}

func (p *Pipeline) errorResponse(req *http.Request, err error) *http.Response {
	var se *http.StatusError
	if errors.As(err, &se) {
		return http.ErrorResponse(se.Code, se.Message)
	}
	if !errors.Is(err, middleware.ErrPanic) {
		p.log.Error().Err(err).Str("method", req.Method.String()).Str("path", req.Path).Msg("Handler failed")
	}
	return http.ErrorResponse(http.StatusInternalServerError, "")
}

// conditional answers 304 for an uncached 200 whose validators the request
// already holds.
func (p *Pipeline) conditional(req *http.Request, resp *http.Response) *http.Response {
	if resp.Status != http.StatusOK || resp.Stream != nil {
		return resp
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return resp
	}
	v := cache.RequestValidators(req)
	if v.Empty() {
		return resp
	}
	now := p.opts.Now()
	e := cache.NewEntry(resp, 0, now)
	if !v.Matches(e) {
		return resp
	}
	nm := e.NotModified(now)
	nm.Header.Del(http.HeaderAge)
	return nm
}
