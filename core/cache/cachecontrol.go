package cache

import (
	"strconv"
	"strings"
	"time"
)

// Directives is the parsed form of one or more Cache-Control field values.
type Directives struct {
	MaxAge     time.Duration
	HasMaxAge  bool
	SMaxAge    time.Duration
	HasSMaxAge bool

	NoStore        bool
	NoCache        bool
	Private        bool
	Public         bool
	MustRevalidate bool
}

// ParseCacheControl parses Cache-Control values. Directive names are compared
// case-insensitively and arguments may be tokens or quoted strings. When a
// directive repeats, the last one wins. A delta-seconds argument that does not
// parse disables the directive.
func ParseCacheControl(values []string) Directives {
	var d Directives
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			name, arg, _ := strings.Cut(item, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			arg = strings.Trim(strings.TrimSpace(arg), `"`)

			switch name {
			case "max-age":
				d.MaxAge, d.HasMaxAge = deltaSeconds(arg)
			case "s-maxage":
				d.SMaxAge, d.HasSMaxAge = deltaSeconds(arg)
			case "no-store":
				d.NoStore = true
			case "no-cache":
				d.NoCache = true
			case "private":
				d.Private = true
			case "public":
				d.Public = true
			case "must-revalidate", "proxy-revalidate":
				d.MustRevalidate = true
			}
		}
	}
	return d
}

func deltaSeconds(arg string) (time.Duration, bool) {
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// TTL returns the freshness lifetime a response declares for a shared cache,
// or def when it declares none.
func (d Directives) TTL(def time.Duration) time.Duration {
	switch {
	case d.HasSMaxAge:
		return d.SMaxAge
	case d.HasMaxAge:
		return d.MaxAge
	}
	return def
}

// Shareable reports whether a response to an authenticated request may be
// served to other principals.
func (d Directives) Shareable() bool {
	return d.Public || d.HasSMaxAge || d.MustRevalidate
}
