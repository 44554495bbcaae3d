package http

import (
	"bytes"
	"strings"

	"github.com/searchktools/h1server/core/scan"
)

var crlf = []byte("\r\n")

// maxChunkLineBytes bounds a chunk-size line including extensions.
const maxChunkLineBytes = 4096

// headerBudget tracks the byte and count limits shared by the header section
// and the chunked trailer section of one message.
type headerBudget struct {
	used     int
	count    int
	maxBytes int
	maxCount int
}

func (b *headerBudget) remaining() int {
	if n := b.maxBytes - b.used; n > 0 {
		return n
	}
	return 0
}

// readFields consumes field lines up to and including the empty line that
// closes the section. Only complete lines move the scanner, so a call that
// returns ErrNeedMore can be repeated on a longer buffer.
func readFields(s *scan.Scanner, hb *headerBudget, dst *Header) error {
	for {
		rest := s.Rest()
		if len(rest) == 0 {
			return ErrNeedMore
		}
		if rest[0] == '\r' {
			if len(rest) < 2 {
				return ErrNeedMore
			}
			if rest[1] != '\n' {
				return newError(MalformedHeader, s.Offset(), "CR without LF")
			}
			if hb.used+2 > hb.maxBytes {
				return newError(HeaderLimitExceeded, s.Offset(), "header section too large")
			}
			hb.used += 2
			return s.Advance(2)
		}

		remain := hb.remaining()
		win := rest
		if len(win) > remain {
			win = win[:remain]
		}
		i := bytes.Index(win, crlf)
		if i < 0 {
			if len(rest) >= remain {
				return newError(HeaderLimitExceeded, s.Offset(), "header section too large")
			}
			return ErrNeedMore
		}
		if hb.count >= hb.maxCount {
			return newError(HeaderLimitExceeded, s.Offset(), "too many header fields")
		}

		f, err := parseFieldLine(rest[:i], s.Offset())
		if err != nil {
			return err
		}
		dst.Add(f.Name, f.Value)
		hb.count++
		hb.used += i + 2
		if err := s.Advance(i + 2); err != nil {
			return err
		}
	}
}

// parseFieldLine parses "name: value" without its CRLF. off is the absolute
// offset of line[0].
func parseFieldLine(line []byte, off int) (Field, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return Field{}, newError(MalformedHeader, off, "obsolete line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return Field{}, newError(MalformedHeader, off, "missing colon")
	}
	if colon == 0 {
		return Field{}, newError(MalformedHeader, off, "empty field name")
	}
	name := string(line[:colon])
	if !validFieldName(name) {
		for i := 0; i < colon; i++ {
			if !isTokenChar(line[i]) {
				return Field{}, newError(MalformedHeader, off+i, "invalid character in field name")
			}
		}
	}

	vstart := colon + 1
	for vstart < len(line) && (line[vstart] == ' ' || line[vstart] == '\t') {
		vstart++
	}
	vend := len(line)
	for vend > vstart && (line[vend-1] == ' ' || line[vend-1] == '\t') {
		vend--
	}
	value := string(line[vstart:vend])
	if !validFieldValue(value) {
		for i := colon + 1; i < len(line); i++ {
			if c := line[i]; c < ' ' && c != '\t' || c == 0x7f {
				return Field{}, newError(MalformedHeader, off+i, "control character in field value")
			}
		}
		return Field{}, newError(MalformedHeader, off+vstart, "invalid field value")
	}
	return Field{Name: name, Value: value}, nil
}

func isTokenChar(c byte) bool {
	if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkTrailer
	chunkDone
)

// chunkedDecoder realizes a chunked body. It keeps its progress between
// calls and only consumes whole units: a size line, a chunk with its CRLF, or
// a trailer line.
type chunkedDecoder struct {
	state   chunkState
	size    int64
	total   int64
	max     int64
	body    []byte
	trailer Header
}

// reset drops the previous body without reusing its backing array; that
// array now belongs to the request it was handed to.
func (d *chunkedDecoder) reset(max int64) {
	*d = chunkedDecoder{max: max}
}

// decode advances through the chunked body. It returns nil once the final
// CRLF after the trailers has been consumed.
func (d *chunkedDecoder) decode(s *scan.Scanner, hb *headerBudget) error {
	for {
		switch d.state {
		case chunkSize:
			if err := d.readSize(s); err != nil {
				return err
			}
		case chunkData:
			need := d.size + 2
			if int64(s.Remaining()) < need {
				return ErrNeedMore
			}
			rest := s.Rest()
			if rest[d.size] != '\r' || rest[d.size+1] != '\n' {
				return newError(MalformedChunking, s.Offset()+int(d.size), "chunk data not followed by CRLF")
			}
			d.body = append(d.body, rest[:d.size]...)
			if err := s.Advance(int(need)); err != nil {
				return err
			}
			d.state = chunkSize
		case chunkTrailer:
			if err := readFields(s, hb, &d.trailer); err != nil {
				return err
			}
			d.state = chunkDone
		case chunkDone:
			return nil
		}
	}
}

func (d *chunkedDecoder) readSize(s *scan.Scanner) error {
	rest := s.Rest()
	win := rest
	if len(win) > maxChunkLineBytes {
		win = win[:maxChunkLineBytes]
	}
	i := bytes.Index(win, crlf)
	if i < 0 {
		if len(rest) >= maxChunkLineBytes {
			return newError(MalformedChunking, s.Offset(), "chunk size line too long")
		}
		return ErrNeedMore
	}

	line := rest[:i]
	if j := bytes.IndexByte(line, ';'); j >= 0 {
		line = line[:j]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return newError(MalformedChunking, s.Offset(), "missing chunk size")
	}

	var size int64
	for k, c := range line {
		v, ok := unhex(c)
		if !ok {
			return newError(MalformedChunking, s.Offset()+k, "invalid chunk size")
		}
		if size > (1<<62)>>4 {
			return newError(MalformedChunking, s.Offset()+k, "chunk size overflow")
		}
		size = size<<4 | int64(v)
	}
	if d.total+size > d.max {
		return newError(PayloadTooLarge, s.Offset(), "chunked body exceeds limit")
	}

	if err := s.Advance(i + 2); err != nil {
		return err
	}
	d.total += size
	d.size = size
	if size == 0 {
		d.state = chunkTrailer
	} else {
		d.state = chunkData
	}
	return nil
}

// DecodeChunked decodes a complete chunked body held in buf. It returns the
// body, the trailer fields and the number of bytes consumed. An incomplete
// body yields ErrNeedMore.
func DecodeChunked(buf []byte, limits Limits) ([]byte, Header, int, error) {
	limits = limits.withDefaults()
	var d chunkedDecoder
	d.reset(limits.MaxBodyBytes)
	hb := headerBudget{maxBytes: limits.MaxHeaderBytes, maxCount: limits.MaxHeaderCount}
	s := scan.New(buf)
	if err := d.decode(s, &hb); err != nil {
		return nil, nil, 0, err
	}
	return d.body, d.trailer, s.Offset(), nil
}
