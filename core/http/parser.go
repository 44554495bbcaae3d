package http

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/searchktools/h1server/core/scan"
)

const (
	maxMethodLen = 16
	// "HTTP/1.1\r\n"
	versionLineLen = 10
)

// Limits bounds every resource the parser may allocate for one message.
type Limits struct {
	MaxTargetBytes int
	MaxHeaderBytes int
	MaxHeaderCount int
	MaxBodyBytes   int64
	MaxParts       int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxTargetBytes: 8 << 10,
		MaxHeaderBytes: 32 << 10,
		MaxHeaderCount: 100,
		MaxBodyBytes:   8 << 20,
		MaxParts:       128,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxTargetBytes <= 0 {
		l.MaxTargetBytes = d.MaxTargetBytes
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxHeaderCount <= 0 {
		l.MaxHeaderCount = d.MaxHeaderCount
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = d.MaxBodyBytes
	}
	if l.MaxParts <= 0 {
		l.MaxParts = d.MaxParts
	}
	return l
}

// State is the parser's position in the message.
type State uint8

const (
	StateStartLine State = iota
	StateHeaders
	StateBodyFraming
	StateBody
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStartLine:
		return "StartLine"
	case StateHeaders:
		return "Headers"
	case StateBodyFraming:
		return "BodyFraming"
	case StateBody:
		return "Body"
	default:
		return "Done"
	}
}

// Parser is an incremental request parser. The caller keeps appending
// received bytes to one buffer and passes the whole buffer to Parse until it
// stops returning ErrNeedMore. Only complete syntactic units are committed,
// so the outcome, including error kind and offset, does not depend on how
// the input was split across reads.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	limits Limits
	state  State
	off    int
	req    *Request
	handed bool
	err    error

	hb        headerBudget
	boundary  string
	bodyStart int
	chunked   chunkedDecoder
}

// NewParser creates a new parser with the given limits. Zero fields fall back
// to DefaultLimits.
func NewParser(limits Limits) *Parser {
	p := &Parser{limits: limits.withDefaults()}
	p.Reset()
	return p
}

// Reset prepares the parser for the next message on the connection. A
// request that has not been returned to the caller goes back to the pool.
func (p *Parser) Reset() {
	if p.req != nil && !p.handed {
		ReleaseRequest(p.req)
	}
	p.state = StateStartLine
	p.off = 0
	p.req = nil
	p.handed = false
	p.err = nil
	p.hb = headerBudget{maxBytes: p.limits.MaxHeaderBytes, maxCount: p.limits.MaxHeaderCount}
	p.boundary = ""
	p.bodyStart = 0
	p.chunked.reset(p.limits.MaxBodyBytes)
}

// State returns the current parse state.
func (p *Parser) State() State { return p.state }

// Limits returns the effective limits.
func (p *Parser) Limits() Limits { return p.limits }

// Head returns the request once its header section has been parsed and the
// body framing decided, or nil before that. The transport uses it to answer
// Expect: 100-continue before the body arrives.
func (p *Parser) Head() *Request {
	if p.state < StateBody {
		return nil
	}
	return p.req
}

// Parse continues parsing buf, which must start with the bytes passed to all
// previous calls since Reset. On success it returns the request and the
// number of bytes it occupies; bytes after that belong to the next request.
// Errors are sticky until Reset.
func (p *Parser) Parse(buf []byte) (*Request, int, error) {
	if p.err != nil {
		return nil, 0, p.err
	}
	if len(buf) < p.off {
		p.err = newError(Truncated, len(buf), "buffer shrank between calls")
		return nil, 0, p.err
	}

	s := scan.New(buf)
	_ = s.Advance(p.off)
	for {
		var err error
		switch p.state {
		case StateStartLine:
			err = p.parseStartLine(s)
		case StateHeaders:
			err = readFields(s, &p.hb, &p.req.Header)
			p.off = s.Offset()
			if err == nil {
				p.state = StateBodyFraming
			}
		case StateBodyFraming:
			err = p.decideFraming()
		case StateBody:
			err = p.parseBody(s)
		case StateDone:
			p.handed = true
			return p.req, p.off, nil
		}
		if err != nil {
			if err == ErrNeedMore {
				return nil, 0, err
			}
			p.err = err
			return nil, 0, err
		}
	}
}

// Finish is called when the peer stops sending. buffered is the number of
// bytes held for the current message. A clean close between requests returns
// nil; anything else is a Truncated message that gets no response.
func (p *Parser) Finish(buffered int) error {
	if p.err != nil {
		return p.err
	}
	if p.state == StateDone || (p.state == StateStartLine && buffered == p.off) {
		return nil
	}
	p.err = newError(Truncated, buffered, "peer closed mid-message in state "+p.state.String())
	return p.err
}

// ParseRequest parses one complete request from data.
func ParseRequest(data []byte, limits Limits) (*Request, int, error) {
	return NewParser(limits).Parse(data)
}

func (p *Parser) parseStartLine(s *scan.Scanner) error {
	// tolerate empty lines before the request-line
	for {
		ok, err := s.Expect(crlf)
		if err != nil {
			return ErrNeedMore
		}
		if !ok {
			break
		}
		if p.hb.used+2 > p.hb.maxBytes {
			return newError(HeaderLimitExceeded, s.Offset()-2, "too many leading empty lines")
		}
		p.hb.used += 2
		p.off = s.Offset()
	}

	start := s.Offset()
	rest := s.Rest()
	if len(rest) == 0 {
		return ErrNeedMore
	}

	// method
	mwin := rest
	if len(mwin) > maxMethodLen+1 {
		mwin = mwin[:maxMethodLen+1]
	}
	sp := bytes.IndexByte(mwin, ' ')
	if sp < 0 {
		if i := firstNonToken(mwin); i >= 0 {
			return newError(BadMethod, start+i, "invalid method character")
		}
		if len(rest) > maxMethodLen {
			return newError(BadMethod, start, "method too long")
		}
		return ErrNeedMore
	}
	if i := firstNonToken(rest[:sp]); i >= 0 {
		return newError(BadMethod, start+i, "invalid method character")
	}
	if sp == 0 {
		return newError(BadMethod, start, "empty method")
	}
	method := rest[:sp]

	// request-target
	tstart := sp + 1
	tgt := rest[tstart:]
	twin := tgt
	if len(twin) > p.limits.MaxTargetBytes+1 {
		twin = twin[:p.limits.MaxTargetBytes+1]
	}
	end := bytes.IndexAny(twin, " \r\n")
	if end < 0 {
		if i := firstNonVisible(twin); i >= 0 {
			return newError(BadTarget, start+tstart+i, "invalid character in target")
		}
		if len(tgt) > p.limits.MaxTargetBytes {
			return newError(TargetTooLong, start+tstart, "request target exceeds limit")
		}
		return ErrNeedMore
	}
	if i := firstNonVisible(tgt[:end]); i >= 0 {
		return newError(BadTarget, start+tstart+i, "invalid character in target")
	}
	if end == 0 {
		return newError(BadTarget, start+tstart, "empty target")
	}
	target := tgt[:end]

	// version
	var version Version
	var lineLen int
	var simple bool
	after := tgt[end:]
	switch after[0] {
	case ' ':
		vstart := tstart + end + 1
		vs := after[1:]
		vwin := vs
		if len(vwin) > versionLineLen {
			vwin = vwin[:versionLineLen]
		}
		i := bytes.Index(vwin, crlf)
		if i < 0 {
			n := min(len(vwin), 5)
			if !bytes.Equal(vwin[:n], []byte("HTTP/")[:n]) || len(vs) >= versionLineLen {
				return newError(BadVersion, start+vstart, "malformed protocol version")
			}
			return ErrNeedMore
		}
		switch v := vs[:i]; string(v) {
		case "HTTP/1.1":
			version = HTTP11
		case "HTTP/1.0":
			version = HTTP10
		case "HTTP/0.9":
			version = HTTP09
		default:
			if wellFormedVersion(v) {
				return newError(UnsupportedVersion, start+vstart, "unsupported protocol version")
			}
			return newError(BadVersion, start+vstart, "malformed protocol version")
		}
		lineLen = vstart + i + 2
	case '\r':
		if len(after) < 2 {
			return ErrNeedMore
		}
		if after[1] != '\n' {
			return newError(BadVersion, start+tstart+end, "CR without LF in request line")
		}
		// simple-request of HTTP/0.9
		if string(method) != "GET" {
			return newError(BadVersion, start+tstart+end, "missing protocol version")
		}
		version = HTTP09
		simple = true
		lineLen = tstart + end + 2
	default:
		return newError(BadVersion, start+tstart+end, "bare LF in request line")
	}

	req := AcquireRequest()
	p.req = req
	req.Method = ParseMethod(method)
	req.MethodName = string(method)
	req.Version = version
	req.ContentLength = -1

	t, err := ResolveTarget(string(target))
	if err != nil {
		return shift(err, start+tstart)
	}
	req.Path = t.Path
	req.Query = t.Query
	req.Host = t.Host

	if p.hb.used+lineLen > p.hb.maxBytes {
		return newError(HeaderLimitExceeded, start, "request line exceeds header budget")
	}
	p.hb.used += lineLen
	if err := s.Advance(lineLen); err != nil {
		return ErrNeedMore
	}
	p.off = s.Offset()

	if simple {
		req.ContentLength = 0
		p.state = StateDone
		return nil
	}
	p.state = StateHeaders
	return nil
}

// decideFraming applies the message-length rules to the complete header
// section.
func (p *Parser) decideFraming() error {
	req := p.req
	h := req.Header
	off := p.off

	hosts := h.Values(HeaderHost)
	switch {
	case len(hosts) > 1:
		return newError(MalformedHeader, off, "multiple Host fields")
	case len(hosts) == 0 && req.Version == HTTP11:
		return newError(MalformedHeader, off, "missing Host")
	case req.Host == "" && len(hosts) == 1:
		req.Host = strings.ToLower(hosts[0])
	}

	hasTE := h.Has(HeaderTransferEncoding)
	hasCL := h.Has(HeaderContentLength)
	switch {
	case hasTE && hasCL:
		return newError(AmbiguousFraming, off, "both Content-Length and Transfer-Encoding present")
	case hasTE:
		if req.Version != HTTP11 {
			return newError(AmbiguousFraming, off, "Transfer-Encoding in a pre-1.1 request")
		}
		codings := h.List(HeaderTransferEncoding)
		if len(codings) == 0 || !strings.EqualFold(codings[len(codings)-1], "chunked") {
			return newError(AmbiguousFraming, off, "chunked is not the final transfer coding")
		}
		if len(codings) > 1 {
			return newError(AmbiguousFraming, off, "unsupported transfer coding")
		}
		req.Framing = FramingChunked
	case hasCL:
		n, err := parseContentLength(h.List(HeaderContentLength), off, p.limits.MaxBodyBytes)
		if err != nil {
			return err
		}
		req.Framing = FramingFixed
		req.ContentLength = n
	default:
		if req.Method == MethodPost || req.Method == MethodPut {
			return newError(LengthRequired, off, req.MethodName+" without Content-Length or Transfer-Encoding")
		}
		req.Framing = FramingNone
		req.ContentLength = 0
	}

	if req.Framing != FramingNone {
		boundary, _, err := MultipartBoundary(h.Get(HeaderContentType))
		if err != nil {
			return shift(err, off)
		}
		p.boundary = boundary
	}

	p.bodyStart = off
	if req.Framing == FramingNone {
		p.state = StateDone
		return nil
	}
	p.state = StateBody
	return nil
}

// parseContentLength accepts repeated Content-Length values only when they
// are all identical.
func parseContentLength(values []string, off int, max int64) (int64, error) {
	if len(values) == 0 {
		return 0, newError(BadContentLength, off, "empty Content-Length")
	}
	first := values[0]
	for _, v := range values {
		if !allDigits(v) {
			return 0, newError(BadContentLength, off, "Content-Length is not a decimal number")
		}
		if v != first {
			return 0, newError(AmbiguousFraming, off, "conflicting Content-Length values")
		}
	}
	trimmed := strings.TrimLeft(first, "0")
	if len(trimmed) > 18 {
		return 0, newError(PayloadTooLarge, off, "Content-Length exceeds limit")
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, newError(BadContentLength, off, err.Error())
	}
	if n > max {
		return 0, newError(PayloadTooLarge, off, "Content-Length exceeds limit")
	}
	return n, nil
}

func (p *Parser) parseBody(s *scan.Scanner) error {
	req := p.req
	switch req.Framing {
	case FramingFixed:
		if int64(s.Remaining()) < req.ContentLength {
			return ErrNeedMore
		}
		raw, err := s.ReadN(int(req.ContentLength))
		if err != nil {
			return ErrNeedMore
		}
		p.off = s.Offset()
		return p.finishBody(bytes.Clone(raw))
	case FramingChunked:
		err := p.chunked.decode(s, &p.hb)
		p.off = s.Offset()
		if err != nil {
			return err
		}
		req.Trailer = p.chunked.trailer
		body := p.chunked.body
		if body == nil {
			body = []byte{}
		}
		return p.finishBody(body)
	}
	p.state = StateDone
	return nil
}

func (p *Parser) finishBody(body []byte) error {
	req := p.req
	if req.Framing == FramingChunked {
		req.ContentLength = int64(len(body))
	}
	req.Body = Body{Kind: BodyBytes, Bytes: body}
	if p.boundary != "" {
		parts, err := DecodeMultipart(body, p.boundary, p.limits.MaxParts)
		if err != nil {
			return shift(err, p.bodyStart)
		}
		req.Body.Kind = BodyMultipart
		req.Body.Parts = parts
	}
	p.state = StateDone
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func firstNonToken(b []byte) int {
	for i, c := range b {
		if !isTokenChar(c) {
			return i
		}
	}
	return -1
}

// firstNonVisible finds the first byte outside VCHAR. Targets are plain
// ASCII on the wire; anything else has to be percent-encoded.
func firstNonVisible(b []byte) int {
	for i, c := range b {
		if c < 0x21 || c > 0x7e {
			return i
		}
	}
	return -1
}

// wellFormedVersion reports whether v has the HTTP-version shape
// "HTTP/" DIGIT "." DIGIT.
func wellFormedVersion(v []byte) bool {
	return len(v) == 8 && string(v[:5]) == "HTTP/" &&
		isDigit(v[5]) && v[6] == '.' && isDigit(v[7])
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }
