package auth

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	g, err := NewGate(Config{
		Policies: []Policy{
			{Prefix: "/admin", Scheme: SchemeBasic, Realm: "admin", Principals: []string{"root"}},
			{Prefix: "/admin/public", Scheme: SchemeNone},
			{Prefix: "/api/", Scheme: SchemeAny, Realm: "api"},
			{Prefix: "/feeds", Scheme: SchemeBearer},
		},
		Users: map[string]string{
			"root":  Digest("s3cret"),
			"alice": string(hash),
		},
		Tokens: map[string]string{
			Digest("tok-123"): "robot",
		},
	})
	require.NoError(t, err)
	return g
}

func TestAuthenticate(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		name      string
		path      string
		header    string
		principal string
		err       error
	}{
		{"no policy", "/index.html", "", "", nil},
		{"prefix is segment aware", "/administrator", "", "", nil},
		{"missing credentials", "/admin", "", "", ErrUnauthorized},
		{"basic ok", "/admin/users", basic("root", "s3cret"), "root", nil},
		{"wrong password", "/admin", basic("root", "nope"), "", ErrUnauthorized},
		{"unknown user", "/admin", basic("mallory", "s3cret"), "", ErrUnauthorized},
		{"valid but not allowed", "/admin", basic("alice", "hunter2"), "", ErrForbidden},
		{"public hole", "/admin/public/logo.png", "", "", nil},
		{"bcrypt user", "/api/items", basic("alice", "hunter2"), "alice", nil},
		{"bearer on any", "/api/items", "Bearer tok-123", "robot", nil},
		{"bearer wrong token", "/feeds/x", "Bearer tok-999", "", ErrUnauthorized},
		{"basic on bearer policy", "/feeds/x", basic("root", "s3cret"), "", ErrUnauthorized},
		{"scheme case insensitive", "/feeds", "bearer tok-123", "robot", nil},
		{"garbage base64", "/admin", "Basic !!!", "", ErrUnauthorized},
		{"no colon", "/admin", "Basic " + base64.StdEncoding.EncodeToString([]byte("root")), "", ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := g.Authenticate(tt.path, tt.header)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				assert.False(t, ctx.Authenticated())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.principal, ctx.Principal)
		})
	}
}

func TestAuthErrorCarriesChallenge(t *testing.T) {
	g := newTestGate(t)

	_, err := g.Authenticate("/api/x", "")
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, 401, aerr.Status())
	assert.Equal(t, []string{`Basic realm="api", charset="UTF-8"`, `Bearer realm="api"`}, aerr.Challenges)

	_, err = g.Authenticate("/admin", basic("alice", "hunter2"))
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, 403, aerr.Status())
}

func TestNewGateRejectsBadSecrets(t *testing.T) {
	_, err := NewGate(Config{Users: map[string]string{"bob": "plaintext"}})
	assert.Error(t, err)

	_, err = NewGate(Config{Users: map[string]string{"a:b": Digest("x")}})
	assert.Error(t, err)

	_, err = NewGate(Config{Tokens: map[string]string{"sha256:abcd": "short"}})
	assert.Error(t, err)
}

func TestParseScheme(t *testing.T) {
	for in, want := range map[string]Scheme{"basic": SchemeBasic, "Bearer": SchemeBearer, "any": SchemeAny, "": SchemeNone} {
		got, err := ParseScheme(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScheme("digest")
	assert.Error(t, err)
}
