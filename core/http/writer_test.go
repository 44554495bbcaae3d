package http

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func write(t *testing.T, resp *Response, opts WriteOptions) string {
	t.Helper()
	if opts.Now.IsZero() {
		opts.Now = fixedNow
	}
	var buf bytes.Buffer
	_, err := WriteResponse(&buf, resp, opts)
	require.NoError(t, err)
	return buf.String()
}

func TestWriteBytesResponse(t *testing.T) {
	resp := Text(200, "hello")
	resp.Header.Add("X-Trace", "1")
	resp.Header.Add("Content-Length", "999")
	resp.Header.Add("Date", "yesterday")

	out := write(t, resp, WriteOptions{Server: "h1server"})
	want := "HTTP/1.1 200 OK\r\n" +
		"Content-Length: 5\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"X-Trace: 1\r\n" +
		"Date: " + fixedNow.Format(TimeFormat) + "\r\n" +
		"Server: h1server\r\n" +
		"\r\n" +
		"hello"
	assert.Equal(t, want, out)
}

func TestWriteAmbiguousFraming(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
	}{
		{"length and chunked", &Response{Status: 200, ContentLength: 10, Chunked: true, Stream: strings.NewReader("x")}},
		{"header length and chunked", &Response{Status: 200, Header: Header{{Name: "Content-Length", Value: "3"}}, Chunked: true, Body: []byte("abc")}},
		{"body and stream", &Response{Status: 200, Body: []byte("a"), Stream: strings.NewReader("b")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := WriteResponse(&buf, tt.resp, WriteOptions{})
			require.ErrorIs(t, err, ErrAmbiguousFraming)
			assert.Zero(t, buf.Len())
		})
	}
}

func TestWriteLengthMismatch(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		opts WriteOptions
	}{
		{"declared length without body", &Response{Status: 200, ContentLength: 5}, WriteOptions{}},
		{"declared length without body on 1.0", &Response{Status: 200, ContentLength: 5}, WriteOptions{Version: HTTP10}},
		{"declared length longer than body", &Response{Status: 200, ContentLength: 5, Body: []byte("abc")}, WriteOptions{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := WriteResponse(&buf, tt.resp, tt.opts)
			require.ErrorIs(t, err, ErrLengthMismatch)
			assert.Zero(t, buf.Len())
			assert.ErrorIs(t, CheckFraming(tt.resp, tt.opts), ErrLengthMismatch)
		})
	}

	// HEAD and 304 carry the representation length without a body.
	out := write(t, &Response{Status: 200, ContentLength: 5}, WriteOptions{Head: true})
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	out = write(t, &Response{Status: 304, ContentLength: 5}, WriteOptions{})
	assert.Contains(t, out, "Content-Length: 5\r\n")
}

func TestWriteStreamChunked(t *testing.T) {
	payload := strings.Repeat("streamed-", 5000)
	resp := StreamResponse(200, "text/plain", strings.NewReader(payload))

	out := write(t, resp, WriteOptions{})
	head, body, ok := strings.Cut(out, "\r\n\r\n")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n"))
	assert.NotContains(t, head, "Content-Length")

	decoded, _, n, err := DecodeChunked([]byte(body), Limits{})
	require.NoError(t, err)
	assert.Equal(t, payload, string(decoded))
	assert.Equal(t, len(body), n)
}

func TestWriteStreamHTTP10(t *testing.T) {
	resp := StreamResponse(200, "text/plain", strings.NewReader("legacy"))
	opts := WriteOptions{Version: HTTP10}
	assert.True(t, MustClose(resp, opts))

	out := write(t, resp, opts)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"))
	assert.Contains(t, out, "Connection: close\r\n")
	assert.NotContains(t, out, "Transfer-Encoding")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nlegacy"))
}

func TestWriteKnownLengthStream(t *testing.T) {
	resp := StreamResponse(200, "", strings.NewReader("0123456789extra"))
	resp.ContentLength = 10
	out := write(t, resp, WriteOptions{})
	assert.Contains(t, out, "Content-Length: 10\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n0123456789"))
}

func TestWriteHead(t *testing.T) {
	out := write(t, Text(200, "hello"), WriteOptions{Head: true})
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	assert.NotContains(t, out, "hello")
}

func TestWriteBodylessStatuses(t *testing.T) {
	for _, code := range []int{204, 304} {
		resp := Text(code, "ignored")
		out := write(t, resp, WriteOptions{})
		assert.NotContains(t, out, "ignored", code)
		assert.NotContains(t, out, "Transfer-Encoding", code)
		assert.True(t, strings.HasSuffix(out, "\r\n\r\n"), code)
	}

	nm := NewResponse(304)
	nm.ContentLength = 42
	out := write(t, nm, WriteOptions{})
	assert.Contains(t, out, "Content-Length: 42\r\n")
}

func TestWriteConnectionHeaders(t *testing.T) {
	out := write(t, Text(200, "x"), WriteOptions{Version: HTTP10})
	assert.Contains(t, out, "Connection: keep-alive\r\n")

	out = write(t, Text(200, "x"), WriteOptions{Close: true})
	assert.Contains(t, out, "Connection: close\r\n")

	out = write(t, Text(200, "x"), WriteOptions{Version: HTTP09})
	assert.Equal(t, "x", out)
}

func TestWriteChunkedBytes(t *testing.T) {
	resp := Text(200, "abc")
	resp.Chunked = true
	out := write(t, resp, WriteOptions{})
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n3\r\nabc\r\n0\r\n\r\n"))
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Not Found", StatusText(404))
	assert.Equal(t, "Request Header Fields Too Large", StatusText(431))
	assert.Equal(t, "Unknown", StatusText(799))
}
