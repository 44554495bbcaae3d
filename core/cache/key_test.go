package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCacheControl(t *testing.T) {
	d := ParseCacheControl([]string{`Public, max-age="60"`, "s-maxage=30, no-cache"})
	assert.True(t, d.Public)
	assert.True(t, d.NoCache)
	assert.True(t, d.HasMaxAge)
	assert.Equal(t, 60*time.Second, d.MaxAge)
	assert.Equal(t, 30*time.Second, d.TTL(time.Hour), "s-maxage wins for a shared cache")

	d = ParseCacheControl([]string{"max-age=abc"})
	assert.False(t, d.HasMaxAge)
	assert.Equal(t, time.Hour, d.TTL(time.Hour))

	d = ParseCacheControl([]string{"max-age=0"})
	assert.Equal(t, time.Duration(0), d.TTL(time.Hour))
}

func TestBaseKeyAndVary(t *testing.T) {
	req := &http.Request{Method: http.MethodGet, Path: "/a b", Query: http.Query{{Key: "q", Value: "1"}}}
	req.Header.Add("Accept-Language", "de")
	req.Header.Add("accept-language", "en")

	anon := BaseKey(req, PrivateScope(auth.Anonymous))
	assert.Equal(t, "GET /a b?q=1 anon", anon)

	head := *req
	head.Method = http.MethodHead
	assert.NotEqual(t, anon, BaseKey(&head, PrivateScope(auth.Anonymous)))

	alice := auth.Context{Principal: "alice", Policy: "/api"}
	assert.Equal(t, "GET /a b?q=1 user:alice", BaseKey(req, PrivateScope(alice)))
	assert.Equal(t, "GET /a b?q=1 policy:/api", BaseKey(req, SharedScope(alice)))

	assert.Equal(t, anon, Key(anon, nil, req.Header))
	assert.Equal(t, anon+"\naccept-language: de,en\norigin: ", Key(anon, []string{"Accept-Language", "origin"}, req.Header))
}

func TestStorable(t *testing.T) {
	get := &http.Request{Method: http.MethodGet}
	post := &http.Request{Method: http.MethodPost}
	noStoreReq := &http.Request{Method: http.MethodGet, Header: http.Header{{Name: "Cache-Control", Value: "no-store"}}}

	resp := func(status int, fields ...string) *http.Response {
		r := http.Text(status, "x")
		for i := 0; i+1 < len(fields); i += 2 {
			r.Header.Add(fields[i], fields[i+1])
		}
		return r
	}

	tests := []struct {
		name   string
		req    *http.Request
		resp   *http.Response
		authed bool
		ok     bool
		shared bool
	}{
		{"plain 200", get, resp(200), false, true, false},
		{"404 is storable", get, resp(404), false, true, false},
		{"500 is not", get, resp(500), false, false, false},
		{"post is not", post, resp(200), false, false, false},
		{"no-store", get, resp(200, "Cache-Control", "no-store"), false, false, false},
		{"request no-store", noStoreReq, resp(200), false, false, false},
		{"set-cookie", get, resp(200, "Set-Cookie", "a=b"), false, false, false},
		{"vary star", get, resp(200, "Vary", "Origin, *"), false, false, false},
		{"private anonymous", get, resp(200, "Cache-Control", "private"), false, false, false},
		{"private authenticated", get, resp(200, "Cache-Control", "private"), true, true, false},
		{"authenticated default", get, resp(200), true, true, false},
		{"authenticated public", get, resp(200, "Cache-Control", "public"), true, true, true},
		{"authenticated s-maxage", get, resp(200, "Cache-Control", "s-maxage=10"), true, true, true},
		{"private beats public", get, resp(200, "Cache-Control", "public, private"), true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, shared, ok := Storable(tt.req, tt.resp, tt.authed)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.shared, shared)
		})
	}

	stream := http.StreamResponse(200, "text/plain", strings.NewReader("s"))
	_, _, ok := Storable(get, stream, false)
	require.False(t, ok)
}

func TestVaryNamesAreRemembered(t *testing.T) {
	s, c := newTestStore(Options{})
	req := &http.Request{Method: http.MethodGet, Path: "/v"}
	req.Header.Add("Accept-Language", "fr")
	base := BaseKey(req, PrivateScope(auth.Anonymous))

	assert.Equal(t, base, s.KeyFor(base, req.Header))

	resp := http.Text(200, "bonjour")
	resp.Header.Add("Vary", "Accept-Language")
	e := NewEntry(resp, time.Minute, c.Now())
	e.Base = base
	key := Key(base, e.Vary, req.Header)
	s.Store(key, e)

	assert.Equal(t, key, s.KeyFor(base, req.Header))

	other := &http.Request{Method: http.MethodGet, Path: "/v"}
	other.Header.Add("Accept-Language", "de")
	res, _ := s.Lookup(s.KeyFor(base, other.Header), Validators{})
	assert.Equal(t, Miss, res)
	res, _ = s.Lookup(s.KeyFor(base, req.Header), Validators{})
	assert.Equal(t, Fresh, res)

	assert.Equal(t, key, e.Key)
	assert.True(t, e.SelectedBy(req.Header))
	assert.False(t, e.SelectedBy(other.Header))
}
