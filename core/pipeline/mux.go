package pipeline

import (
	"strings"

	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/middleware"
	"github.com/searchktools/h1server/core/router"
)

// Mux is the routing table. It is itself a Handler: a request that matches no
// route gets 404, a path that exists for other methods gets 405 with Allow.
type Mux struct {
	routes *router.RadixRouter[middleware.Handler]
}

// NewMux creates an empty routing table.
func NewMux() *Mux {
	return &Mux{routes: router.NewRadixRouter[middleware.Handler]()}
}

// Method registers h for method and pattern. Patterns use :name parameters
// and a trailing *name catch-all.
func (m *Mux) Method(method, pattern string, h middleware.Handler) {
	m.routes.Add(strings.ToUpper(method), pattern, h)
}

// GET registers a GET route
func (m *Mux) GET(pattern string, fn middleware.HandlerFunc) { m.Method("GET", pattern, fn) }

// POST registers a POST route
func (m *Mux) POST(pattern string, fn middleware.HandlerFunc) { m.Method("POST", pattern, fn) }

// PUT registers a PUT route
func (m *Mux) PUT(pattern string, fn middleware.HandlerFunc) { m.Method("PUT", pattern, fn) }

// DELETE registers a DELETE route
func (m *Mux) DELETE(pattern string, fn middleware.HandlerFunc) { m.Method("DELETE", pattern, fn) }

// PATCH registers a PATCH route
func (m *Mux) PATCH(pattern string, fn middleware.HandlerFunc) { m.Method("PATCH", pattern, fn) }

// HEAD registers a HEAD route
func (m *Mux) HEAD(pattern string, fn middleware.HandlerFunc) { m.Method("HEAD", pattern, fn) }

// OPTIONS registers an OPTIONS route
func (m *Mux) OPTIONS(pattern string, fn middleware.HandlerFunc) { m.Method("OPTIONS", pattern, fn) }

// Routes lists the registered patterns.
func (m *Mux) Routes() []router.Route { return m.routes.Routes() }

// Pattern returns the route pattern of req for labelling, without running
// anything.
func (m *Mux) Pattern(req *http.Request) string {
	if req.Route != "" {
		return req.Route
	}
	return m.routes.Lookup(req.Method.String(), req.Path).Pattern
}

// Handle routes req and runs the matched handler.
func (m *Mux) Handle(req *http.Request, ac auth.Context) (*http.Response, error) {
	match := m.routes.Lookup(req.Method.String(), req.Path)
	req.Route = match.Pattern
	switch match.Result {
	case router.NotFound:
		return http.ErrorResponse(http.StatusNotFound, ""), nil
	case router.MethodNotAllowed:
		resp := http.ErrorResponse(http.StatusMethodNotAllowed, "")
		resp.Header.Set(http.HeaderAllow, strings.Join(match.Allow, ", "))
		return resp, nil
	}
	for _, p := range match.Params {
		req.SetParam(p.Key, p.Value)
	}
	return match.Handler.Handle(req, ac)
}
