// Package router maps request paths to handlers. Routes are explicit: a
// static segment, a named parameter (:id) or a trailing catch-all (*rest).
package router

import (
	"sort"
	"strings"
)

// Param is a captured path parameter.
type Param struct {
	Key   string
	Value string
}

// Result is the outcome of a lookup.
type Result uint8

const (
	Found Result = iota
	NotFound
	MethodNotAllowed
)

// RadixRouter is a segment tree with parameter support. Static segments win
// over parameters, parameters over catch-alls, with backtracking when a more
// specific branch dead-ends. It is not safe to Add while serving.
type RadixRouter[H any] struct {
	root *node[H]
}

type node[H any] struct {
	static    map[string]*node[H]
	param     *node[H]
	catchAll  *node[H]
	paramName string // for param and catch-all nodes
	pattern   string
	handlers  map[string]H // method -> handler
}

// NewRadixRouter creates a new router
func NewRadixRouter[H any]() *RadixRouter[H] {
	return &RadixRouter[H]{root: &node[H]{}}
}

func splitPath(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}

// Add adds a route. Malformed patterns and conflicting parameter names are
// programming errors and panic.
func (r *RadixRouter[H]) Add(method, pattern string, handler H) {
	if pattern == "" || pattern[0] != '/' {
		panic("path must begin with '/'")
	}
	segs := splitPath(pattern)
	n := r.root
	for i, seg := range segs {
		switch {
		case strings.HasPrefix(seg, ":"):
			if len(seg) < 2 {
				panic("wildcards must be named")
			}
			if strings.ContainsAny(seg[1:], ":*") {
				panic("only one wildcard per path segment is allowed")
			}
			if n.param == nil {
				n.param = &node[H]{paramName: seg[1:]}
			} else if n.param.paramName != seg[1:] {
				panic("conflicting parameter names :" + n.param.paramName + " and " + seg + " in " + pattern)
			}
			n = n.param
		case strings.HasPrefix(seg, "*"):
			if len(seg) < 2 {
				panic("wildcards must be named")
			}
			if i != len(segs)-1 {
				panic("catch-all routes are only allowed at the end of the path")
			}
			if n.catchAll == nil {
				n.catchAll = &node[H]{paramName: seg[1:]}
			} else if n.catchAll.paramName != seg[1:] {
				panic("conflicting catch-all names in " + pattern)
			}
			n = n.catchAll
		default:
			if strings.ContainsAny(seg, ":*") {
				panic("only one wildcard per path segment is allowed")
			}
			if n.static == nil {
				n.static = make(map[string]*node[H])
			}
			child := n.static[seg]
			if child == nil {
				child = &node[H]{}
				n.static[seg] = child
			}
			n = child
		}
	}
	if n.handlers == nil {
		n.handlers = make(map[string]H)
	}
	n.handlers[method] = handler
	n.pattern = pattern
}

func (n *node[H]) match(segs []string, params []Param) (*node[H], []Param) {
	if len(segs) == 0 {
		if len(n.handlers) > 0 {
			return n, params
		}
		return nil, nil
	}
	seg := segs[0]
	if child := n.static[seg]; child != nil {
		if m, p := child.match(segs[1:], params); m != nil {
			return m, p
		}
	}
	if n.param != nil && seg != "" {
		if m, p := n.param.match(segs[1:], append(params, Param{Key: n.param.paramName, Value: seg})); m != nil {
			return m, p
		}
	}
	if n.catchAll != nil && len(n.catchAll.handlers) > 0 {
		return n.catchAll, append(params, Param{Key: n.catchAll.paramName, Value: strings.Join(segs, "/")})
	}
	return nil, nil
}

// Match is the full outcome of a lookup.
type Match[H any] struct {
	Handler H
	Params  []Param
	Result  Result
	// Pattern is the registered pattern of the matched path, also set for
	// MethodNotAllowed.
	Pattern string
	Allow   []string
}

// Lookup resolves method and path. HEAD falls back to the GET handler. On
// MethodNotAllowed, Allow lists the methods the path does support.
func (r *RadixRouter[H]) Lookup(method, path string) Match[H] {
	n, params := r.root.match(splitPath(path), nil)
	if n == nil {
		return Match[H]{Result: NotFound}
	}
	if handler, ok := n.handlers[method]; ok {
		return Match[H]{Handler: handler, Params: params, Result: Found, Pattern: n.pattern}
	}
	if method == "HEAD" {
		if handler, ok := n.handlers["GET"]; ok {
			return Match[H]{Handler: handler, Params: params, Result: Found, Pattern: n.pattern}
		}
	}
	return Match[H]{Result: MethodNotAllowed, Pattern: n.pattern, Allow: n.allowed()}
}

// Find finds a handler for the given method and path.
func (r *RadixRouter[H]) Find(method, path string) (h H, params []Param, res Result, allow []string) {
	m := r.Lookup(method, path)
	return m.Handler, m.Params, m.Result, m.Allow
}

func (n *node[H]) allowed() []string {
	methods := make([]string, 0, len(n.handlers)+1)
	for m := range n.handlers {
		methods = append(methods, m)
	}
	if _, ok := n.handlers["GET"]; ok {
		if _, ok := n.handlers["HEAD"]; !ok {
			methods = append(methods, "HEAD")
		}
	}
	sort.Strings(methods)
	return methods
}

// Route describes a registered pattern.
type Route struct {
	Pattern string   `json:"pattern"`
	Methods []string `json:"methods"`
}

// Routes lists every registered pattern in lexical order.
func (r *RadixRouter[H]) Routes() []Route {
	var out []Route
	var walk func(n *node[H])
	walk = func(n *node[H]) {
		if len(n.handlers) > 0 {
			out = append(out, Route{Pattern: n.pattern, Methods: n.allowed()})
		}
		for _, c := range n.static {
			walk(c)
		}
		if n.param != nil {
			walk(n.param)
		}
		if n.catchAll != nil {
			walk(n.catchAll)
		}
	}
	walk(r.root)
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}
