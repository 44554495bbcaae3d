package http

import (
	"encoding/json"
	"io"
)

// Response is what a handler produces. Exactly one of Body and Stream may be
// set. A nil Body with no Stream is an empty body.
type Response struct {
	Status int
	Header Header
	Body   []byte
	// Stream is read lazily by the writer. If it implements io.Closer it is
	// closed once written.
	Stream io.Reader
	// ContentLength declares the representation length for Stream bodies
	// and for HEAD or 304 answers. Zero means unknown.
	ContentLength int64
	// Chunked forces chunked framing.
	Chunked bool
}

// NewResponse creates a new empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status}
}

// Text builds a text/plain response.
func Text(code int, s string) *Response {
	return Data(code, "text/plain; charset=utf-8", []byte(s))
}

// JSON builds an application/json response. A value that cannot be encoded
// yields a 500.
func JSON(code int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Text(StatusInternalServerError, "JSON marshal error")
	}
	return Data(code, "application/json", data)
}

// Blob builds an application/octet-stream response.
func Blob(code int, data []byte) *Response {
	return Data(code, "application/octet-stream", data)
}

// Data builds a response with an explicit content type.
func Data(code int, contentType string, data []byte) *Response {
	r := NewResponse(code)
	r.Header.Set(HeaderContentType, contentType)
	r.Body = data
	return r
}

// StreamResponse builds a response whose body is produced lazily from r.
func StreamResponse(code int, contentType string, r io.Reader) *Response {
	resp := NewResponse(code)
	if contentType != "" {
		resp.Header.Set(HeaderContentType, contentType)
	}
	resp.Stream = r
	return resp
}

// ErrorResponse builds the JSON error body used for every failure.
func ErrorResponse(code int, message string) *Response {
	if message == "" {
		message = StatusText(code)
	}
	return JSON(code, map[string]any{
		"code":    code,
		"message": message,
	})
}

// Success wraps data in the standard success envelope.
func Success(data any) *Response {
	return JSON(StatusOK, map[string]any{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

// Clone copies the response header so callers may modify it. Body bytes are
// shared; they are never mutated after a handler returns.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// BodyLen returns the representation length, or 0 for a stream of unknown
// length.
func (r *Response) BodyLen() int64 {
	if r.Stream == nil {
		if r.ContentLength > 0 && r.Body == nil {
			return r.ContentLength
		}
		return int64(len(r.Body))
	}
	return r.ContentLength
}

// appendInt appends an integer to a byte slice
func appendInt(b []byte, i int64) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	// Calculate number of digits
	digits := 0
	tmp := i
	for tmp > 0 {
		digits++
		tmp /= 10
	}

	start := len(b)
	for j := 0; j < digits; j++ {
		b = append(b, '0')
	}

	// Fill digits from right to left
	for j := digits - 1; j >= 0; j-- {
		b[start+j] = byte('0' + i%10)
		i /= 10
	}

	return b
}
