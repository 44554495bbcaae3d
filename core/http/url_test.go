package http

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		raw  string
		path string
		kind Kind
	}{
		{"/", "/", KindNone},
		{"/a/b/../c", "/a/c", KindNone},
		{"/a/./b", "/a/b", KindNone},
		{"//a///b", "/a/b", KindNone},
		{"/a/b/", "/a/b/", KindNone},
		{"/a/b/..", "/a/", KindNone},
		{"/a/..", "/", KindNone},
		{"/%61%62c", "/abc", KindNone},
		{"/file..txt", "/file..txt", KindNone},
		{"/a/%2e%2e/b", "", PathTraversal},
		{"/x/%2E%2e/y", "", PathTraversal},
		{"/x/.%2e/y", "", PathTraversal},
		{"/a/../b", "/b", KindNone},
		{"/a/%2E/b", "/a/b", KindNone},
		{"/caf%C3%A9", "/café", KindNone},
		{"/../a", "", PathTraversal},
		{"/a/../../b", "", PathTraversal},
		{"/%2e%2e/etc", "", PathTraversal},
		{"/a%2e%2e/b", "", PathTraversal},
		{"/x/%2e%2e%2e", "", PathTraversal},
		{"/a%2fb", "", BadTarget},
		{"/a%2", "", BadTarget},
		{"/a%zz", "", BadTarget},
		{"/a%00b", "", BadTarget},
		{"/x#frag", "", BadTarget},
		{"ftp://host/x", "", BadTarget},
		{"relative/path", "", BadTarget},
	}

	for _, tt := range tests {
		target, err := ResolveTarget(tt.raw)
		if tt.kind != KindNone {
			require.Error(t, err, tt.raw)
			assert.Equal(t, tt.kind, KindOf(err), tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.path, target.Path, tt.raw)
	}
}

func TestResolveTargetForms(t *testing.T) {
	target, err := ResolveTarget("*")
	require.NoError(t, err)
	assert.True(t, target.Asterisk)

	target, err = ResolveTarget("http://Example.COM:8080/x/../y?k=v")
	require.NoError(t, err)
	assert.Equal(t, "example.com:8080", target.Host)
	assert.Equal(t, "/y", target.Path)
	assert.Equal(t, "v", target.Query.Get("k"))

	target, err = ResolveTarget("http://h?a=1")
	require.NoError(t, err)
	assert.Equal(t, "/", target.Path)
	assert.Equal(t, "1", target.Query.Get("a"))
}

func TestResolveQuery(t *testing.T) {
	target, err := ResolveTarget("/s?q=a+b&q=%41%42&flag&&empty=&k=v=w")
	require.NoError(t, err)
	assert.Equal(t, Query{
		{Key: "q", Value: "a b"},
		{Key: "q", Value: "AB"},
		{Key: "flag", Value: ""},
		{Key: "empty", Value: ""},
		{Key: "k", Value: "v=w"},
	}, target.Query)
	assert.Equal(t, "q=a+b&q=AB&flag=&empty=&k=v%3Dw", target.Query.Encode())

	_, err = ResolveTarget("/s?q=%4")
	assert.Equal(t, BadTarget, KindOf(err))
}

func TestResolveErrorOffset(t *testing.T) {
	_, err := ResolveTarget("/ok/a%2Fb")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 5, perr.Offset)
}

// Random targets built from dot-heavy fragments must either fail or produce a
// path without any ".." segment, and resolution must be deterministic.
func TestResolveNeverEmitsDotDot(t *testing.T) {
	pieces := []string{"a", "b", ".", "..", "%2e", "%2E%2e", "/", "//", "%41", "x..y", "%2e%2e", "...", "c%2e"}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		var b strings.Builder
		b.WriteByte('/')
		for n := rng.Intn(8); n >= 0; n-- {
			b.WriteString(pieces[rng.Intn(len(pieces))])
		}
		raw := b.String()

		first, err1 := ResolveTarget(raw)
		second, err2 := ResolveTarget(raw)
		require.Equal(t, err1, err2, raw)
		require.Equal(t, first, second, raw)
		if err1 != nil {
			continue
		}
		for _, seg := range strings.Split(first.Path, "/") {
			require.NotEqual(t, "..", seg, "%q resolved to %q", raw, first.Path)
		}
		require.True(t, strings.HasPrefix(first.Path, "/"), raw)
	}
}
