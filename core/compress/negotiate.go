// Package compress picks a content coding from Accept-Encoding and applies
// it to responses.
package compress

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding is a content coding.
type Encoding uint8

const (
	Identity Encoding = iota
	Gzip
	Deflate
	Brotli
)

func (e Encoding) String() string {
	switch e {
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "br"
	default:
		return "identity"
	}
}

// ParseEncoding maps a coding name to an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gzip", "x-gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	case "br", "brotli":
		return Brotli, nil
	case "identity", "":
		return Identity, nil
	}
	return Identity, fmt.Errorf("compress: unknown encoding %q", name)
}

// preference is one member of an Accept-Encoding list.
type preference struct {
	coding string
	q      float64
}

// parseAcceptEncoding returns the codings with valid q-values. Members with a
// malformed weight are dropped.
func parseAcceptEncoding(v string) []preference {
	var out []preference
	for _, member := range strings.Split(v, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		coding, params, _ := strings.Cut(member, ";")
		p := preference{coding: strings.ToLower(strings.TrimSpace(coding)), q: 1}
		if p.coding == "x-gzip" {
			p.coding = "gzip"
		}
		valid := true
		for _, param := range strings.Split(params, ";") {
			name, val, _ := strings.Cut(strings.TrimSpace(param), "=")
			if !strings.EqualFold(strings.TrimSpace(name), "q") {
				continue
			}
			q, ok := parseQValue(strings.TrimSpace(val))
			if !ok {
				valid = false
				break
			}
			p.q = q
		}
		if valid && p.coding != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseQValue accepts "0", "1" and up to three decimals.
func parseQValue(s string) (float64, bool) {
	if s == "" || len(s) > 5 {
		return 0, false
	}
	if s[0] != '0' && s[0] != '1' {
		return 0, false
	}
	if len(s) > 1 {
		if s[1] != '.' {
			return 0, false
		}
		for i := 2; i < len(s); i++ {
			if s[i] < '0' || s[i] > '9' || (s[0] == '1' && s[i] != '0') {
				return 0, false
			}
		}
	}
	q, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return q, true
}

// choose returns the enabled coding with the highest weight. Ties go to the
// earlier entry of enabled. Identity competes only when the client weighs it,
// by name or through "*", and wins when its weight is strictly higher. It is
// also returned when nothing enabled is acceptable.
func choose(acceptEncoding string, enabled []Encoding) Encoding {
	prefs := parseAcceptEncoding(acceptEncoding)
	if len(prefs) == 0 {
		return Identity
	}

	wildcard, hasWildcard := 0.0, false
	explicit := make(map[string]float64, len(prefs))
	for _, p := range prefs {
		if p.coding == "*" {
			wildcard, hasWildcard = p.q, true
			continue
		}
		explicit[p.coding] = p.q
	}

	best, bestQ := Identity, 0.0
	for _, enc := range enabled {
		q, ok := explicit[enc.String()]
		if !ok {
			if !hasWildcard {
				continue
			}
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = enc, q
		}
	}

	identityQ, weighed := explicit["identity"]
	if !weighed && hasWildcard {
		identityQ, weighed = wildcard, true
	}
	if weighed && identityQ > bestQ {
		return Identity
	}
	return best
}
