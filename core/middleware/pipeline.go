// Package middleware wraps request handlers with cross-cutting behavior.
package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/http"
	"golang.org/x/time/rate"
)

// Handler produces the response for an authenticated request. Returning an
// error instead of a response lets the caller pick the status: a
// *http.StatusError chooses it, anything else becomes a 500.
type Handler interface {
	Handle(req *http.Request, ac auth.Context) (*http.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *http.Request, ac auth.Context) (*http.Response, error)

func (f HandlerFunc) Handle(req *http.Request, ac auth.Context) (*http.Response, error) {
	return f(req, ac)
}

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain is an ordered list of middlewares. The first one added is the
// outermost.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new chain
func NewChain(mw ...Middleware) *Chain {
	c := &Chain{middlewares: make([]Middleware, 0, 16)}
	return c.Use(mw...)
}

// Use appends middlewares to the chain
func (c *Chain) Use(mw ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, mw...)
	return c
}

// Len returns the number of middlewares.
func (c *Chain) Len() int { return len(c.middlewares) }

// Then wraps final with the chain. The result can be reused for every
// request.
func (c *Chain) Then(final Handler) Handler {
	h := final
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ErrPanic wraps a value recovered from a handler.
var ErrPanic = errors.New("handler panicked")

// Recovery turns a panic into an error, so the caller answers 500 and the
// connection survives.
func Recovery(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *http.Request, ac auth.Context) (resp *http.Response, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Str("method", req.Method.String()).
						Str("path", req.Path).
						Interface("panic", rec).
						Bytes("stack", debug.Stack()).
						Msg("Panic recovered")
					resp, err = nil, fmt.Errorf("%w: %v", ErrPanic, rec)
				}
			}()
			return next.Handle(req, ac)
		})
	}
}

// RequestID echoes a well-formed X-Request-ID from the client or assigns a
// new UUID, on the request and on the response.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *http.Request, ac auth.Context) (*http.Response, error) {
			id := req.Header.Get(http.HeaderXRequestID)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
				req.Header.Set(http.HeaderXRequestID, id)
			}
			resp, err := next.Handle(req, ac)
			if resp != nil {
				resp.Header.Set(http.HeaderXRequestID, id)
			}
			return resp, err
		})
	}
}

// AccessLog logs one line per handled request.
func AccessLog(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *http.Request, ac auth.Context) (*http.Response, error) {
			start := time.Now()
			resp, err := next.Handle(req, ac)

			ev := logger.Info()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			if resp != nil {
				ev = ev.Int("status", resp.Status).Int64("bytes", resp.BodyLen())
			}
			if ac.Authenticated() {
				ev = ev.Str("principal", ac.Principal)
			}
			ev.Str("method", req.Method.String()).
				Str("path", req.Path).
				Str("request_id", req.Header.Get(http.HeaderXRequestID)).
				Dur("duration", time.Since(start)).
				Msg("Request")
			return resp, err
		})
	}
}

// CORSConfig configures CORS.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       time.Duration
}

// CORS adds CORS headers and answers preflight requests with 204.
func CORS(cfg CORSConfig) Middleware {
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowHeaders) == 0 {
		cfg.AllowHeaders = []string{"Content-Type", "Authorization"}
	}
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")

	allowOrigin := func(origin string) string {
		for _, o := range cfg.AllowOrigins {
			if o == "*" {
				return "*"
			}
			if strings.EqualFold(o, origin) {
				return origin
			}
		}
		return ""
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *http.Request, ac auth.Context) (*http.Response, error) {
			origin := req.Header.Get("Origin")
			allowed := allowOrigin(origin)
			if origin == "" || allowed == "" {
				return next.Handle(req, ac)
			}

			if req.Method == http.MethodOptions && req.Header.Has("Access-Control-Request-Method") {
				resp := http.NewResponse(http.StatusNoContent)
				resp.Header.Set("Access-Control-Allow-Origin", allowed)
				resp.Header.Set("Access-Control-Allow-Methods", methods)
				resp.Header.Set("Access-Control-Allow-Headers", headers)
				if cfg.MaxAge > 0 {
					resp.Header.Set("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge/time.Second)))
				}
				if allowed != "*" {
					resp.Header.Add(http.HeaderVary, "Origin")
				}
				return resp, nil
			}

			resp, err := next.Handle(req, ac)
			if resp != nil {
				resp.Header.Set("Access-Control-Allow-Origin", allowed)
				if allowed != "*" {
					resp.Header.Add(http.HeaderVary, "Origin")
				}
			}
			return resp, err
		})
	}
}

// RateLimiter bounds the request rate across all clients with a token
// bucket. Rejected requests get 429.
func RateLimiter(requestsPerSecond float64, burst int) Middleware {
	if burst <= 0 {
		burst = max(1, int(requestsPerSecond))
	}
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)

	return func(next Handler) Handler {
		return HandlerFunc(func(req *http.Request, ac auth.Context) (*http.Response, error) {
			if !limiter.Allow() {
				resp := http.ErrorResponse(http.StatusTooManyRequests, "")
				resp.Header.Set("Retry-After", "1")
				return resp, nil
			}
			return next.Handle(req, ac)
		})
	}
}
