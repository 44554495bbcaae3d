// Package auth decides who is making a request before any cached or computed
// response is considered.
//
// Policies are bound to path prefixes. The longest matching prefix decides
// which schemes are accepted and which principals may pass. A path no policy
// covers is served anonymously.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("auth: missing or invalid credentials")
	ErrForbidden    = errors.New("auth: principal not allowed")
)

// Scheme identifies an authentication scheme.
type Scheme uint8

const (
	SchemeNone Scheme = iota
	SchemeBasic
	SchemeBearer
	// SchemeAny accepts Basic or Bearer.
	SchemeAny
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "basic"
	case SchemeBearer:
		return "bearer"
	case SchemeAny:
		return "any"
	default:
		return "none"
	}
}

// ParseScheme maps a configuration value to a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "public":
		return SchemeNone, nil
	case "basic":
		return SchemeBasic, nil
	case "bearer":
		return SchemeBearer, nil
	case "any":
		return SchemeAny, nil
	}
	return SchemeNone, fmt.Errorf("auth: unknown scheme %q", s)
}

// Context is the request-scoped authentication result.
type Context struct {
	Principal string
	Scheme    Scheme
	// Policy is the prefix of the policy that admitted the request.
	Policy string
}

// Anonymous is the context of a request no policy covers.
var Anonymous = Context{}

// Authenticated reports whether a principal was established.
func (c Context) Authenticated() bool { return c.Principal != "" }

// Policy protects every path under Prefix. A SchemeNone policy opens a public
// hole inside a protected tree.
type Policy struct {
	Prefix     string
	Scheme     Scheme
	Realm      string
	Principals []string
}

func (p *Policy) matches(path string) bool {
	if p.Prefix == "/" {
		return true
	}
	return path == p.Prefix || strings.HasPrefix(path, p.Prefix+"/")
}

func (p *Policy) allows(principal string) bool {
	if len(p.Principals) == 0 {
		return true
	}
	for _, name := range p.Principals {
		if name == principal {
			return true
		}
	}
	return false
}

// Challenges returns the WWW-Authenticate values for p.
func (p *Policy) Challenges() []string {
	realm := strings.ReplaceAll(p.Realm, `"`, `'`)
	switch p.Scheme {
	case SchemeBasic:
		return []string{`Basic realm="` + realm + `", charset="UTF-8"`}
	case SchemeBearer:
		return []string{`Bearer realm="` + realm + `"`}
	case SchemeAny:
		return []string{`Basic realm="` + realm + `", charset="UTF-8"`, `Bearer realm="` + realm + `"`}
	}
	return nil
}

// Error carries the policy a request failed against so the caller can emit
// the right challenge.
type Error struct {
	Err        error
	Principal  string
	Challenges []string
}

func (e *Error) Error() string {
	if e.Principal != "" {
		return e.Err.Error() + ": " + e.Principal
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns 401 or 403.
func (e *Error) Status() int {
	if errors.Is(e.Err, ErrForbidden) {
		return 403
	}
	return 401
}

// Config holds the credential stores and policies of a Gate.
type Config struct {
	Policies []Policy
	// Users maps a principal to its stored secret: "sha256:<hex digest>" or
	// a bcrypt hash.
	Users map[string]string
	// Tokens maps "sha256:<hex digest>" of a bearer token to its principal.
	Tokens map[string]string
}

type secret struct {
	digest []byte
	bcrypt []byte
}

type token struct {
	digest    []byte
	principal string
}

// Gate authenticates requests. It is immutable after construction and safe
// for concurrent use.
type Gate struct {
	policies []Policy
	users    map[string]secret
	tokens   []token
	dummy    []byte
}

// NewGate creates a new gate from cfg.
func NewGate(cfg Config) (*Gate, error) {
	g := &Gate{
		users: make(map[string]secret, len(cfg.Users)),
		dummy: make([]byte, sha256.Size),
	}

	for _, p := range cfg.Policies {
		prefix := "/" + strings.Trim(p.Prefix, "/")
		p.Prefix = prefix
		if p.Realm == "" {
			p.Realm = "restricted"
		}
		g.policies = append(g.policies, p)
	}
	sort.SliceStable(g.policies, func(i, j int) bool {
		return len(g.policies[i].Prefix) > len(g.policies[j].Prefix)
	})

	for name, stored := range cfg.Users {
		if name == "" || strings.Contains(name, ":") {
			return nil, fmt.Errorf("auth: invalid user name %q", name)
		}
		s, err := parseSecret(stored)
		if err != nil {
			return nil, fmt.Errorf("auth: user %q: %w", name, err)
		}
		g.users[name] = s
	}

	for stored, principal := range cfg.Tokens {
		d, err := parseDigest(stored)
		if err != nil {
			return nil, fmt.Errorf("auth: token for %q: %w", principal, err)
		}
		g.tokens = append(g.tokens, token{digest: d, principal: principal})
	}
	return g, nil
}

func parseSecret(stored string) (secret, error) {
	if isBcrypt(stored) {
		if _, err := bcrypt.Cost([]byte(stored)); err != nil {
			return secret{}, err
		}
		return secret{bcrypt: []byte(stored)}, nil
	}
	d, err := parseDigest(stored)
	if err != nil {
		return secret{}, err
	}
	return secret{digest: d}, nil
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func parseDigest(stored string) ([]byte, error) {
	h, ok := strings.CutPrefix(stored, "sha256:")
	if !ok {
		return nil, errors.New("expected sha256:<hex> or a bcrypt hash")
	}
	d, err := hex.DecodeString(h)
	if err != nil || len(d) != sha256.Size {
		return nil, errors.New("malformed sha256 digest")
	}
	return d, nil
}

// Digest returns the stored form of a password or token.
func Digest(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Policy returns the policy governing path, or nil.
func (g *Gate) Policy(path string) *Policy {
	for i := range g.policies {
		if g.policies[i].matches(path) {
			return &g.policies[i]
		}
	}
	return nil
}

// Authenticate checks the Authorization header value against the policy of
// path. A path without a policy yields Anonymous.
func (g *Gate) Authenticate(path, authorization string) (Context, error) {
	pol := g.Policy(path)
	if pol == nil || pol.Scheme == SchemeNone {
		return Anonymous, nil
	}
	deny := func(err error, principal string) (Context, error) {
		return Anonymous, &Error{Err: err, Principal: principal, Challenges: pol.Challenges()}
	}

	scheme, cred, _ := strings.Cut(strings.TrimSpace(authorization), " ")
	cred = strings.TrimSpace(cred)
	if scheme == "" || cred == "" {
		return deny(ErrUnauthorized, "")
	}

	var ctx Context
	switch {
	case strings.EqualFold(scheme, "Basic") && (pol.Scheme == SchemeBasic || pol.Scheme == SchemeAny):
		principal, ok := g.checkBasic(cred)
		if !ok {
			return deny(ErrUnauthorized, "")
		}
		ctx = Context{Principal: principal, Scheme: SchemeBasic}
	case strings.EqualFold(scheme, "Bearer") && (pol.Scheme == SchemeBearer || pol.Scheme == SchemeAny):
		principal, ok := g.checkBearer(cred)
		if !ok {
			return deny(ErrUnauthorized, "")
		}
		ctx = Context{Principal: principal, Scheme: SchemeBearer}
	default:
		return deny(ErrUnauthorized, "")
	}

	if !pol.allows(ctx.Principal) {
		return deny(ErrForbidden, ctx.Principal)
	}
	ctx.Policy = pol.Prefix
	return ctx, nil
}

func (g *Gate) checkBasic(cred string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(cred)
	if err != nil {
		return "", false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return "", false
	}

	s, known := g.users[user]
	if s.bcrypt != nil {
		return user, bcrypt.CompareHashAndPassword(s.bcrypt, []byte(pass)) == nil
	}

	sum := sha256.Sum256([]byte(pass))
	want := s.digest
	if !known {
		// unknown users still run one comparison
		want = g.dummy
	}
	match := subtle.ConstantTimeCompare(sum[:], want) == 1
	return user, match && known
}

func (g *Gate) checkBearer(cred string) (string, bool) {
	sum := sha256.Sum256([]byte(cred))
	principal := ""
	for _, t := range g.tokens {
		if subtle.ConstantTimeCompare(sum[:], t.digest) == 1 {
			principal = t.principal
		}
	}
	return principal, principal != ""
}
