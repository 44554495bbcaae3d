package http

import (
	"errors"
	"fmt"
)

// ErrNeedMore is returned while the buffer holds an incomplete message. The
// transport reads more bytes and calls the parser again with the grown
// buffer; at EOF or on a read deadline it turns into a Truncated failure.
var ErrNeedMore = errors.New("http: need more data")

// ErrAmbiguousFraming is a programming error in response construction: a
// response asked for both a fixed length and chunked framing. It is returned
// before a single byte reaches the wire.
var ErrAmbiguousFraming = errors.New("http: response requests both Content-Length and chunked framing")

// ErrLengthMismatch reports a response whose declared ContentLength differs
// from its in-memory body.
var ErrLengthMismatch = errors.New("http: response ContentLength does not match body")

// Kind classifies every failure the protocol core can produce.
type Kind uint8

const (
	KindNone Kind = iota
	Truncated

	// protocol errors: always client-caused
	BadMethod
	BadTarget
	BadVersion
	UnsupportedVersion
	MalformedHeader
	AmbiguousFraming
	BadContentLength
	MalformedChunking
	MissingBoundary
	MalformedMultipart
	UnterminatedMultipart
	LengthRequired

	// limits
	TargetTooLong
	HeaderLimitExceeded
	PayloadTooLarge

	// security
	PathTraversal
)

var kindNames = [...]string{
	KindNone:              "None",
	Truncated:             "Truncated",
	BadMethod:             "BadMethod",
	BadTarget:             "BadTarget",
	BadVersion:            "BadVersion",
	UnsupportedVersion:    "UnsupportedVersion",
	MalformedHeader:       "MalformedHeader",
	AmbiguousFraming:      "AmbiguousFraming",
	BadContentLength:      "BadContentLength",
	MalformedChunking:     "MalformedChunking",
	MissingBoundary:       "MissingBoundary",
	MalformedMultipart:    "MalformedMultipart",
	UnterminatedMultipart: "UnterminatedMultipart",
	LengthRequired:        "LengthRequired",
	TargetTooLong:         "TargetTooLong",
	HeaderLimitExceeded:   "HeaderLimitExceeded",
	PayloadTooLarge:       "PayloadTooLarge",
	PathTraversal:         "PathTraversal",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Status maps the kind to the response status sent to the client. Truncated
// maps to 0: no response is written for it.
func (k Kind) Status() int {
	switch k {
	case KindNone, Truncated:
		return 0
	case UnsupportedVersion:
		return StatusHTTPVersionNotSupported
	case LengthRequired:
		return StatusLengthRequired
	case TargetTooLong:
		return StatusURITooLong
	case HeaderLimitExceeded:
		return StatusRequestHeaderFieldsTooLarge
	case PayloadTooLarge:
		return StatusContentTooLarge
	default:
		return StatusBadRequest
	}
}

// IsLimit reports whether k guards a resource bound.
func (k Kind) IsLimit() bool {
	return k == TargetTooLong || k == HeaderLimitExceeded || k == PayloadTooLarge
}

// IsSecurity reports whether k should be logged as a security event.
func (k Kind) IsSecurity() bool {
	return k == PathTraversal || k == AmbiguousFraming
}

// Error is a typed parse or decode failure with the byte offset, relative to
// the start of the message, where it was detected.
type Error struct {
	Kind   Kind
	Offset int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("http: %s at offset %d", e.Kind, e.Offset)
	}
	return fmt.Sprintf("http: %s at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

func newError(kind Kind, offset int, detail string) *Error {
	return &Error{Kind: kind, Offset: offset, Detail: detail}
}

// shift moves an error produced on a sub-slice into message coordinates.
func shift(err error, base int) error {
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Offset: e.Offset + base, Detail: e.Detail}
	}
	return err
}

// KindOf extracts the Kind carried by err. ErrNeedMore reports Truncated.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrNeedMore) {
		return Truncated
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// StatusError lets handlers choose the status of a failed request. Message is
// sent to the client, so it must not carry internal detail.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// NewStatusError builds a StatusError with the standard reason phrase when
// message is empty.
func NewStatusError(code int, message string) *StatusError {
	if message == "" {
		message = StatusText(code)
	}
	return &StatusError{Code: code, Message: message}
}
