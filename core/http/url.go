package http

import (
	"strings"
)

// Target is a resolved request-target.
type Target struct {
	// Path is the canonical absolute path: percent-decoded, dot-segments
	// resolved, empty segments collapsed. It never contains a ".." segment.
	Path     string
	Query    Query
	RawQuery string
	// Host is set for absolute-form targets, lowercased.
	Host string
	// Asterisk marks the "*" form used by OPTIONS.
	Asterisk bool
}

// ResolveTarget decodes and normalizes a raw request-target. Validation runs
// on decoded segments so no spelling of ".." can slip through. A ".." that
// would climb above the root is rejected with PathTraversal rather than
// clamped.
//
// Error offsets are relative to the start of raw.
func ResolveTarget(raw string) (Target, error) {
	var t Target
	if raw == "" {
		return t, newError(BadTarget, 0, "empty target")
	}
	if raw == "*" {
		t.Path = "*"
		t.Asterisk = true
		return t, nil
	}

	base := 0
	if raw[0] != '/' {
		host, rest, n, err := splitAbsolute(raw)
		if err != nil {
			return t, err
		}
		t.Host = host
		raw = rest
		base = n
	}

	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return t, newError(BadTarget, base+i, "fragment in request target")
	}

	rawPath := raw
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		rawPath = raw[:i]
		t.RawQuery = raw[i+1:]
		q, err := parseQuery(t.RawQuery)
		if err != nil {
			return t, shift(err, base+i+1)
		}
		t.Query = q
	}
	if rawPath == "" {
		rawPath = "/"
	}

	path, err := resolvePath(rawPath)
	if err != nil {
		return t, shift(err, base)
	}
	t.Path = path
	return t, nil
}

// splitAbsolute handles "http://host[:port]/path?q". It returns the host, the
// origin-form remainder and how many bytes were consumed.
func splitAbsolute(raw string) (host, rest string, n int, err error) {
	i := strings.Index(raw, "://")
	if i <= 0 {
		return "", "", 0, newError(BadTarget, 0, "target is neither origin-form nor absolute-form")
	}
	scheme := strings.ToLower(raw[:i])
	if scheme != "http" && scheme != "https" {
		return "", "", 0, newError(BadTarget, 0, "unsupported scheme")
	}
	auth := raw[i+3:]
	end := strings.IndexAny(auth, "/?")
	if end < 0 {
		end = len(auth)
	}
	host = strings.ToLower(auth[:end])
	if host == "" || strings.ContainsAny(host, "@ ") {
		return "", "", 0, newError(BadTarget, i+3, "bad authority")
	}
	rest = auth[end:]
	if rest == "" || rest[0] == '?' {
		rest = "/" + rest
		// the synthesized slash has no raw counterpart
		return host, rest, i + 3 + end - 1, nil
	}
	return host, rest, i + 3 + end, nil
}

// resolvePath splits rawPath on literal slashes, decodes each segment and
// resolves dot-segments against the root.
func resolvePath(rawPath string) (string, error) {
	if rawPath[0] != '/' {
		return "", newError(BadTarget, 0, "path must be absolute")
	}

	stack := make([]string, 0, 8)
	trailing := false
	off := 1
	for _, seg := range strings.Split(rawPath[1:], "/") {
		segOff := off
		off += len(seg) + 1

		decoded, encodedDot, err := unescapeSegment(seg)
		if err != nil {
			return "", shift(err, segOff)
		}

		switch {
		case encodedDot && strings.Contains(decoded, ".."):
			// only a literal ".." may climb
			return "", newError(PathTraversal, segOff, "encoded dot-segment")
		case decoded == "":
			trailing = true
		case decoded == ".":
			trailing = true
		case decoded == "..":
			if len(stack) == 0 {
				return "", newError(PathTraversal, segOff, "path escapes root")
			}
			stack = stack[:len(stack)-1]
			trailing = true
		default:
			stack = append(stack, decoded)
			trailing = false
		}
	}

	if len(stack) == 0 {
		return "/", nil
	}
	n := len(stack)
	for _, s := range stack {
		n += len(s)
	}
	var b strings.Builder
	b.Grow(n + 1)
	for _, s := range stack {
		b.WriteByte('/')
		b.WriteString(s)
	}
	if trailing {
		b.WriteByte('/')
	}
	return b.String(), nil
}

// unescapeSegment percent-decodes one path segment. An encoded slash is
// rejected because it would change the segmentation once decoded.
func unescapeSegment(seg string) (decoded string, encodedDot bool, err error) {
	if strings.IndexByte(seg, '%') < 0 {
		if i := strings.IndexByte(seg, 0); i >= 0 {
			return "", false, newError(BadTarget, i, "NUL in path")
		}
		return seg, false, nil
	}
	buf := make([]byte, 0, len(seg))
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c != '%' {
			buf = append(buf, c)
			continue
		}
		if i+2 >= len(seg) {
			return "", false, newError(BadTarget, i, "incomplete percent-encoding")
		}
		hi, ok1 := unhex(seg[i+1])
		lo, ok2 := unhex(seg[i+2])
		if !ok1 || !ok2 {
			return "", false, newError(BadTarget, i, "invalid percent-encoding")
		}
		v := hi<<4 | lo
		switch v {
		case 0:
			return "", false, newError(BadTarget, i, "encoded NUL")
		case '/':
			return "", false, newError(BadTarget, i, "encoded slash")
		case '.':
			encodedDot = true
		}
		buf = append(buf, v)
		i += 2
	}
	return string(buf), encodedDot, nil
}

// parseQuery splits a raw query on '&' and decodes each pair. Empty pairs are
// dropped; a pair without '=' has an empty value.
func parseQuery(raw string) (Query, error) {
	if raw == "" {
		return nil, nil
	}
	var q Query
	off := 0
	for _, pair := range strings.Split(raw, "&") {
		pairOff := off
		off += len(pair) + 1
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := queryUnescape(k)
		if err != nil {
			return nil, shift(err, pairOff)
		}
		val, err := queryUnescape(v)
		if err != nil {
			return nil, shift(err, pairOff+len(k)+1)
		}
		q = append(q, Param{Key: key, Value: val})
	}
	return q, nil
}

func queryUnescape(s string) (string, error) {
	if strings.IndexByte(s, '%') < 0 && strings.IndexByte(s, '+') < 0 {
		return s, nil
	}
	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			buf = append(buf, ' ')
		case '%':
			if i+2 >= len(s) {
				return "", newError(BadTarget, i, "incomplete percent-encoding")
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", newError(BadTarget, i, "invalid percent-encoding")
			}
			v := hi<<4 | lo
			if v == 0 {
				return "", newError(BadTarget, i, "encoded NUL")
			}
			buf = append(buf, v)
			i += 2
		default:
			buf = append(buf, c)
		}
	}
	return string(buf), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

const upperhex = "0123456789ABCDEF"

// escapeQueryComponent encodes everything outside the unreserved set, with
// space as '+'.
func escapeQueryComponent(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) && s[i] != ' ' {
			n++
		}
	}
	if n == 0 && strings.IndexByte(s, ' ') < 0 {
		return s
	}
	buf := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case unreserved(c):
			buf = append(buf, c)
		case c == ' ':
			buf = append(buf, '+')
		default:
			buf = append(buf, '%', upperhex[c>>4], upperhex[c&15])
		}
	}
	return string(buf)
}

func unreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
