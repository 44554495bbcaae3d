package http

import (
	"strconv"
)

// RequestBuilder assembles raw request bytes. It is used by tests and by the
// load tooling to produce well-formed wire messages.
type RequestBuilder struct {
	method  string
	target  string
	version string
	header  Header
	body    []byte
	chunk   int
}

// NewRequestBuilder creates a new builder for "GET / HTTP/1.1" with a Host
// header.
func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{
		method:  "GET",
		target:  "/",
		version: "HTTP/1.1",
		header:  Header{{Name: HeaderHost, Value: "localhost"}},
	}
}

func (b *RequestBuilder) Method(m string) *RequestBuilder  { b.method = m; return b }
func (b *RequestBuilder) Target(t string) *RequestBuilder  { b.target = t; return b }
func (b *RequestBuilder) Version(v string) *RequestBuilder { b.version = v; return b }

// Header appends a header field.
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.header.Add(name, value)
	return b
}

// Body sets a body framed with Content-Length.
func (b *RequestBuilder) Body(body []byte) *RequestBuilder {
	b.body = body
	b.chunk = 0
	return b
}

// ChunkedBody sets a body framed with chunked transfer coding, split into
// chunks of at most size bytes.
func (b *RequestBuilder) ChunkedBody(body []byte, size int) *RequestBuilder {
	if size <= 0 {
		size = len(body)
	}
	b.body = body
	b.chunk = size
	return b
}

// Multipart sets a multipart/form-data body. fields alternate name and value.
func (b *RequestBuilder) Multipart(boundary string, fields ...string) *RequestBuilder {
	var body []byte
	for i := 0; i+1 < len(fields); i += 2 {
		body = append(body, "--"+boundary+"\r\n"...)
		body = append(body, `Content-Disposition: form-data; name="`+fields[i]+`"`+"\r\n\r\n"...)
		body = append(body, fields[i+1]...)
		body = append(body, "\r\n"...)
	}
	body = append(body, "--"+boundary+"--\r\n"...)
	b.header.Set(HeaderContentType, "multipart/form-data; boundary="+boundary)
	return b.Body(body)
}

// Bytes renders the request.
func (b *RequestBuilder) Bytes() []byte {
	out := make([]byte, 0, 128+len(b.body))
	out = append(out, b.method...)
	out = append(out, ' ')
	out = append(out, b.target...)
	out = append(out, ' ')
	out = append(out, b.version...)
	out = append(out, "\r\n"...)
	for _, f := range b.header {
		out = append(out, f.Name...)
		out = append(out, ": "...)
		out = append(out, f.Value...)
		out = append(out, "\r\n"...)
	}

	switch {
	case b.chunk > 0:
		out = append(out, "Transfer-Encoding: chunked\r\n\r\n"...)
		for rest := b.body; len(rest) > 0; {
			n := min(b.chunk, len(rest))
			out = appendChunk(out, rest[:n])
			rest = rest[n:]
		}
		return append(out, "0\r\n\r\n"...)
	case b.body != nil:
		out = append(out, "Content-Length: "...)
		out = append(out, strconv.Itoa(len(b.body))...)
		out = append(out, "\r\n\r\n"...)
		return append(out, b.body...)
	default:
		return append(out, "\r\n"...)
	}
}
