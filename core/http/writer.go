package http

import (
	"io"
	"strings"
	"time"

	"github.com/searchktools/h1server/core/pools"
)

// TimeFormat is the IMF-fixdate layout used in Date and Last-Modified.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

const streamChunkSize = 32 << 10

// WriteOptions carries the request facts that shape a response on the wire.
type WriteOptions struct {
	Version Version
	// Head suppresses the body while keeping its framing headers.
	Head bool
	// Close announces that the connection ends after this response.
	Close  bool
	Server string
	Now    time.Time
}

type framing uint8

const (
	frameNone framing = iota
	frameLength
	frameChunked
	frameClose
)

// reservedHeader reports fields the writer computes itself. Handler values
// for them are dropped so they cannot contradict the real framing.
func reservedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "transfer-encoding", "date", "server", "connection", "keep-alive":
		return true
	}
	return false
}

// planFraming checks the framing preconditions and picks how the body is
// delimited. It runs before anything is written.
func planFraming(resp *Response, opts WriteOptions) (framing, int64, error) {
	wantLength := resp.ContentLength > 0 || resp.Header.Has(HeaderContentLength)
	wantChunked := resp.Chunked || resp.Header.ContainsToken(HeaderTransferEncoding, "chunked")
	if wantLength && wantChunked {
		return frameNone, 0, ErrAmbiguousFraming
	}
	if resp.Body != nil && resp.Stream != nil {
		return frameNone, 0, ErrAmbiguousFraming
	}
	if resp.Body != nil && resp.ContentLength > 0 && resp.ContentLength != int64(len(resp.Body)) {
		return frameNone, 0, ErrLengthMismatch
	}
	// A declared length with nothing to send is only valid when the body
	// is suppressed anyway.
	if resp.Body == nil && resp.Stream == nil && resp.ContentLength > 0 && !opts.Head && bodyAllowed(resp.Status) {
		return frameNone, 0, ErrLengthMismatch
	}

	if !bodyAllowed(resp.Status) {
		return frameNone, 0, nil
	}
	if opts.Version == HTTP09 {
		return frameClose, 0, nil
	}

	if resp.Stream == nil && !wantChunked {
		return frameLength, resp.BodyLen(), nil
	}
	if resp.Stream != nil && resp.ContentLength > 0 {
		return frameLength, resp.ContentLength, nil
	}
	if opts.Version == HTTP11 {
		return frameChunked, -1, nil
	}
	return frameClose, -1, nil
}

// CheckFraming reports whether resp can be written under opts. It returns
// the error WriteResponse would fail with, without writing anything.
func CheckFraming(resp *Response, opts WriteOptions) error {
	_, _, err := planFraming(resp, opts)
	return err
}

// MustClose reports whether writing resp forces the connection to close.
func MustClose(resp *Response, opts WriteOptions) bool {
	if opts.Close || opts.Version == HTTP09 {
		return true
	}
	f, _, err := planFraming(resp, opts)
	return err != nil || f == frameClose
}

// AppendHead appends the status line and header section of resp to dst.
// Field order: framing header, handler headers in insertion order, then the
// computed Date, Server and Connection fields.
func AppendHead(dst []byte, resp *Response, opts WriteOptions) ([]byte, error) {
	f, n, err := planFraming(resp, opts)
	if err != nil {
		return dst, err
	}
	return appendHead(dst, resp, opts, f, n), nil
}

func appendHead(dst []byte, resp *Response, opts WriteOptions, f framing, n int64) []byte {
	if opts.Version == HTTP10 {
		dst = append(dst, "HTTP/1.0 "...)
	} else {
		dst = append(dst, "HTTP/1.1 "...)
	}
	dst = appendInt(dst, int64(resp.Status))
	dst = append(dst, ' ')
	dst = append(dst, StatusText(resp.Status)...)
	dst = append(dst, "\r\n"...)

	switch f {
	case frameLength:
		dst = append(dst, "Content-Length: "...)
		dst = appendInt(dst, n)
		dst = append(dst, "\r\n"...)
	case frameChunked:
		dst = append(dst, "Transfer-Encoding: chunked\r\n"...)
	case frameNone:
		if resp.Status == StatusNotModified && resp.ContentLength > 0 {
			dst = append(dst, "Content-Length: "...)
			dst = appendInt(dst, resp.ContentLength)
			dst = append(dst, "\r\n"...)
		}
	}

	for _, fld := range resp.Header {
		if reservedHeader(fld.Name) {
			continue
		}
		dst = append(dst, fld.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, fld.Value...)
		dst = append(dst, "\r\n"...)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	dst = append(dst, "Date: "...)
	dst = now.UTC().AppendFormat(dst, TimeFormat)
	dst = append(dst, "\r\n"...)
	if opts.Server != "" {
		dst = append(dst, "Server: "...)
		dst = append(dst, opts.Server...)
		dst = append(dst, "\r\n"...)
	}
	switch {
	case opts.Close || f == frameClose:
		dst = append(dst, "Connection: close\r\n"...)
	case opts.Version == HTTP10:
		dst = append(dst, "Connection: keep-alive\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// WriteResponse serializes resp to w. Framing errors are reported before the
// first byte is written. Stream bodies are closed when they implement
// io.Closer.
func WriteResponse(w io.Writer, resp *Response, opts WriteOptions) (int64, error) {
	if c, ok := resp.Stream.(io.Closer); ok {
		defer c.Close()
	}

	f, n, err := planFraming(resp, opts)
	if err != nil {
		return 0, err
	}

	buf := pools.AcquireBuffer(int(min(n, pools.LargeBufferSize)) + 256)
	defer pools.ReleaseBuffer(buf)
	b := (*buf)[:0]

	if opts.Version != HTTP09 {
		b = appendHead(b, resp, opts, f, n)
	}
	if opts.Head || f == frameNone {
		*buf = b
		written, err := w.Write(b)
		return int64(written), err
	}

	if resp.Stream == nil {
		switch f {
		case frameChunked:
			b = appendChunk(b, resp.Body)
			b = append(b, "0\r\n\r\n"...)
		default:
			b = append(b, resp.Body...)
		}
		*buf = b
		written, err := w.Write(b)
		return int64(written), err
	}

	*buf = b
	written, err := w.Write(b)
	total := int64(written)
	if err != nil {
		return total, err
	}
	m, err := copyStream(w, resp.Stream, f, n)
	return total + m, err
}

func appendChunk(dst, data []byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = appendHex(dst, len(data))
	dst = append(dst, "\r\n"...)
	dst = append(dst, data...)
	return append(dst, "\r\n"...)
}

func appendHex(dst []byte, n int) []byte {
	if n == 0 {
		return append(dst, '0')
	}
	var tmp [16]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = "0123456789abcdef"[n&15]
		n >>= 4
	}
	return append(dst, tmp[i:]...)
}

// copyStream moves a lazy body to w. Fixed-length streams are cut at n bytes
// and fail with io.ErrUnexpectedEOF when they end early.
func copyStream(w io.Writer, r io.Reader, f framing, n int64) (int64, error) {
	chunk := pools.GetBytes(streamChunkSize)
	defer pools.PutBytes(chunk)

	switch f {
	case frameLength:
		m, err := io.CopyBuffer(w, io.LimitReader(r, n), chunk)
		if err == nil && m < n {
			err = io.ErrUnexpectedEOF
		}
		return m, err
	case frameClose:
		return io.CopyBuffer(w, r, chunk)
	}

	var total int64
	frame := make([]byte, 0, streamChunkSize+32)
	for {
		k, rerr := r.Read(chunk)
		if k > 0 {
			frame = appendChunk(frame[:0], chunk[:k])
			m, err := w.Write(frame)
			total += int64(m)
			if err != nil {
				return total, err
			}
		}
		if rerr == io.EOF {
			m, err := io.WriteString(w, "0\r\n\r\n")
			return total + int64(m), err
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// ContinueLine is the interim response sent for Expect: 100-continue.
var ContinueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")
