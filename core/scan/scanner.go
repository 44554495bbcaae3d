// Package scan provides a cursor over an immutable byte buffer.
//
// Every read either returns a sub-slice of the underlying buffer or
// ErrTruncated when the buffer does not yet hold enough bytes. The scanner
// never blocks and never copies: waiting for more input is the transport's
// job.
package scan

import (
	"bytes"
	"errors"
)

// ErrTruncated reports that the buffer ended before the requested read could
// be satisfied. Callers treat it as "need more bytes".
var ErrTruncated = errors.New("scan: truncated input")

var crlf = []byte("\r\n")

// Scanner is a read cursor over buf. The zero value scans an empty buffer.
type Scanner struct {
	buf []byte
	pos int
}

// New returns a scanner positioned at the start of buf.
func New(buf []byte) *Scanner {
	return &Scanner{buf: buf}
}

// Reset points the scanner at a new buffer.
func (s *Scanner) Reset(buf []byte) {
	s.buf = buf
	s.pos = 0
}

// Offset is the number of bytes consumed so far.
func (s *Scanner) Offset() int { return s.pos }

// Remaining is the number of unread bytes.
func (s *Scanner) Remaining() int { return len(s.buf) - s.pos }

// Rest returns the unread bytes without consuming them.
func (s *Scanner) Rest() []byte { return s.buf[s.pos:] }

// Peek returns the next byte without consuming it.
func (s *Scanner) Peek() (byte, error) {
	if s.pos >= len(s.buf) {
		return 0, ErrTruncated
	}
	return s.buf[s.pos], nil
}

// PeekN returns the next n bytes without consuming them.
func (s *Scanner) PeekN(n int) ([]byte, error) {
	if n < 0 || s.Remaining() < n {
		return nil, ErrTruncated
	}
	return s.buf[s.pos : s.pos+n], nil
}

// Advance skips n bytes.
func (s *Scanner) Advance(n int) error {
	if n < 0 || s.Remaining() < n {
		return ErrTruncated
	}
	s.pos += n
	return nil
}

// ReadN consumes and returns exactly n bytes.
func (s *Scanner) ReadN(n int) ([]byte, error) {
	b, err := s.PeekN(n)
	if err != nil {
		return nil, err
	}
	s.pos += n
	return b, nil
}

// ReadUntil consumes bytes up to and including delim and returns them
// without the delimiter. If delim is not present the cursor does not move.
func (s *Scanner) ReadUntil(delim []byte) ([]byte, error) {
	if len(delim) == 0 {
		return nil, ErrTruncated
	}
	i := bytes.Index(s.buf[s.pos:], delim)
	if i < 0 {
		return nil, ErrTruncated
	}
	b := s.buf[s.pos : s.pos+i]
	s.pos += i + len(delim)
	return b, nil
}

// IndexByteWithin reports the position of c relative to the cursor, looking
// at most limit bytes ahead. It returns -1 when c is not found in the window.
func (s *Scanner) IndexByteWithin(c byte, limit int) int {
	rest := s.buf[s.pos:]
	if limit >= 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return bytes.IndexByte(rest, c)
}

// ReadLine consumes a CRLF terminated line and returns it without the CRLF.
func (s *Scanner) ReadLine() ([]byte, error) {
	return s.ReadUntil(crlf)
}

// ReadByte consumes a single byte.
func (s *Scanner) ReadByte() (byte, error) {
	b, err := s.Peek()
	if err != nil {
		return 0, err
	}
	s.pos++
	return b, nil
}

// Expect consumes lit if the buffer continues with it. A mismatch leaves the
// cursor untouched and reports false; a short buffer that is still a prefix
// of lit reports ErrTruncated.
func (s *Scanner) Expect(lit []byte) (bool, error) {
	rest := s.buf[s.pos:]
	if len(rest) < len(lit) {
		if bytes.HasPrefix(lit, rest) {
			return false, ErrTruncated
		}
		return false, nil
	}
	if !bytes.Equal(rest[:len(lit)], lit) {
		return false, nil
	}
	s.pos += len(lit)
	return true, nil
}
