package http

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Common header names
const (
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderAge              = "Age"
	HeaderAllow            = "Allow"
	HeaderAuthorization    = "Authorization"
	HeaderCacheControl     = "Cache-Control"
	HeaderCacheStatus      = "Cache-Status"
	HeaderConnection       = "Connection"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderDate             = "Date"
	HeaderETag             = "ETag"
	HeaderExpect           = "Expect"
	HeaderHost             = "Host"
	HeaderIfModifiedSince  = "If-Modified-Since"
	HeaderIfNoneMatch      = "If-None-Match"
	HeaderLastModified     = "Last-Modified"
	HeaderServer           = "Server"
	HeaderSetCookie        = "Set-Cookie"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderVary             = "Vary"
	HeaderWWWAuthenticate  = "WWW-Authenticate"
	HeaderXRequestID       = "X-Request-ID"
)

// Field is a single header line. Names keep the case they were received or
// set with; comparisons are case-insensitive.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of fields. Duplicates are preserved in arrival
// order.
type Header []Field

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single field.
func (h *Header) Set(name, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, name) {
			(*h)[i].Value = value
			h.delFrom(name, i+1)
			return
		}
	}
	h.Add(name, value)
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	h.delFrom(name, 0)
}

func (h *Header) delFrom(name string, from int) {
	kept := (*h)[:from]
	for _, f := range (*h)[from:] {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*h = kept
}

// Get returns the first value of name, or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one field is named name.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns all values of name in arrival order.
func (h Header) Values(name string) []string {
	var vs []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// List splits every value of name on commas and returns the trimmed,
// non-empty elements. It is the accessor for list-valued fields such as
// Vary, Connection and Transfer-Encoding.
func (h Header) List(name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// ContainsToken reports whether the comma-separated values of name contain
// token, compared case-insensitively.
func (h Header) ContainsToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

// Clone returns an independent copy.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// validFieldName reports whether name is a token.
func validFieldName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}

// validFieldValue rejects CR, LF, NUL and other control bytes except HTAB.
func validFieldValue(value string) bool {
	return httpguts.ValidHeaderFieldValue(value)
}
