package cache

import (
	"strings"

	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/http"
)

// Scopes keep responses of different audiences apart.
const (
	scopeAnonymous = "anon"
	scopePrincipal = "user:"
	scopeShared    = "policy:"
)

// PrivateScope is the scope of a response only the requesting principal may
// see again. Anonymous requests share one scope.
func PrivateScope(ac auth.Context) string {
	if !ac.Authenticated() {
		return scopeAnonymous
	}
	return scopePrincipal + ac.Principal
}

// SharedScope is the scope of a response to an authenticated request that may
// be reused for any principal admitted by the same policy.
func SharedScope(ac auth.Context) string {
	if !ac.Authenticated() {
		return scopeAnonymous
	}
	return scopeShared + ac.Policy
}

// BaseKey identifies a resource for one scope, before Vary is applied.
func BaseKey(req *http.Request, scope string) string {
	var b strings.Builder
	b.Grow(len(req.Path) + len(scope) + 16)
	b.WriteString(req.Method.String())
	b.WriteByte(' ')
	b.WriteString(req.Path)
	if q := req.Query.Encode(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	b.WriteByte(' ')
	b.WriteString(scope)
	return b.String()
}

// Key appends the request values of the nominated Vary fields to base.
func Key(base string, vary []string, h http.Header) string {
	if len(vary) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	for _, name := range vary {
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(name))
		b.WriteString(": ")
		b.WriteString(strings.Join(h.Values(name), ","))
	}
	return b.String()
}

// varyNames returns the request fields a response varies on. ok is false for
// Vary: *, which never matches a later request.
func varyNames(h http.Header) (names []string, ok bool) {
	for _, name := range h.List(http.HeaderVary) {
		if name == "*" {
			return nil, false
		}
		names = append(names, strings.ToLower(name))
	}
	return names, true
}

var storableStatus = map[int]bool{
	200: true, 203: true, 204: true, 300: true, 301: true, 404: true, 410: true,
}

// Storable decides whether resp to req may enter the cache. shared reports
// whether an authenticated response may be reused across principals.
func Storable(req *http.Request, resp *http.Response, authenticated bool) (d Directives, shared bool, ok bool) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return d, false, false
	}
	if !storableStatus[resp.Status] || resp.Stream != nil {
		return d, false, false
	}
	d = ParseCacheControl(resp.Header.Values(http.HeaderCacheControl))
	if d.NoStore || ParseCacheControl(req.Header.Values(http.HeaderCacheControl)).NoStore {
		return d, false, false
	}
	if resp.Header.Has(http.HeaderSetCookie) {
		return d, false, false
	}
	if _, ok := varyNames(resp.Header); !ok {
		return d, false, false
	}
	if authenticated {
		return d, !d.Private && d.Shareable(), true
	}
	return d, false, !d.Private
}
