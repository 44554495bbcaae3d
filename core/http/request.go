package http

import (
	"strings"
	"sync"
)

// Method is a request method. Unknown covers syntactically valid tokens the
// server has no semantics for; MethodName keeps the original spelling.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodOptions
	MethodPatch
	MethodTrace
	MethodConnect
)

var methodNames = [...]string{
	MethodUnknown: "UNKNOWN",
	MethodGet:     "GET",
	MethodHead:    "HEAD",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodDelete:  "DELETE",
	MethodOptions: "OPTIONS",
	MethodPatch:   "PATCH",
	MethodTrace:   "TRACE",
	MethodConnect: "CONNECT",
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return methodNames[MethodUnknown]
}

// ParseMethod maps a method token to its enum value. Methods are case
// sensitive.
func ParseMethod(b []byte) Method {
	switch string(b) {
	case "GET":
		return MethodGet
	case "HEAD":
		return MethodHead
	case "POST":
		return MethodPost
	case "PUT":
		return MethodPut
	case "DELETE":
		return MethodDelete
	case "OPTIONS":
		return MethodOptions
	case "PATCH":
		return MethodPatch
	case "TRACE":
		return MethodTrace
	case "CONNECT":
		return MethodConnect
	}
	return MethodUnknown
}

// Version is the protocol version of a request.
type Version uint8

const (
	HTTP11 Version = iota
	HTTP10
	HTTP09
)

func (v Version) String() string {
	switch v {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP09:
		return "HTTP/0.9"
	default:
		return "HTTP/1.1"
	}
}

// Framing is how the request body length was determined.
type Framing uint8

const (
	FramingNone Framing = iota
	FramingFixed
	FramingChunked
)

func (f Framing) String() string {
	switch f {
	case FramingFixed:
		return "fixed"
	case FramingChunked:
		return "chunked"
	default:
		return "none"
	}
}

// BodyKind tells which Body field is meaningful.
type BodyKind uint8

const (
	BodyAbsent BodyKind = iota
	BodyBytes
	BodyMultipart
)

// Body is the realized request body. For BodyMultipart, Bytes still holds the
// raw payload and Parts slice into it.
type Body struct {
	Kind  BodyKind
	Bytes []byte
	Parts []Part
}

// Len returns the number of raw body bytes.
func (b Body) Len() int { return len(b.Bytes) }

// Part is one multipart/form-data field.
type Part struct {
	Header   Header
	Name     string
	Filename string
	Body     []byte
}

// ContentType returns the part's declared media type, defaulting to
// text/plain as multipart/form-data prescribes.
func (p *Part) ContentType() string {
	if ct := p.Header.Get(HeaderContentType); ct != "" {
		return ct
	}
	return "text/plain"
}

// Param is one decoded query pair.
type Param struct {
	Key   string
	Value string
}

// Query is the ordered list of query pairs. Duplicates are kept.
type Query []Param

// Get returns the first value for key.
func (q Query) Get(key string) string {
	for _, p := range q {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Values returns every value for key in order.
func (q Query) Values(key string) []string {
	var vs []string
	for _, p := range q {
		if p.Key == key {
			vs = append(vs, p.Value)
		}
	}
	return vs
}

// Has reports whether key appears at least once.
func (q Query) Has(key string) bool {
	for _, p := range q {
		if p.Key == key {
			return true
		}
	}
	return false
}

// Encode renders the pairs back into a canonical query string: every key and
// value percent-encoded the same way regardless of how the client spelled
// them.
func (q Query) Encode() string {
	if len(q) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range q {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeQueryComponent(p.Key))
		b.WriteByte('=')
		b.WriteString(escapeQueryComponent(p.Value))
	}
	return b.String()
}

// Request is a fully parsed request. All strings and slices are owned by the
// request; none alias the connection's read buffer.
type Request struct {
	Method     Method
	MethodName string
	Path       string
	Query      Query
	Host       string
	Version    Version
	Header     Header
	Trailer    Header
	Body       Body

	Framing       Framing
	ContentLength int64

	// Route is the pattern that matched and Params the parameters it
	// captured. Both are filled in by the router.
	Route  string
	Params []Param
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Header: make(Header, 0, 16),
		}
	},
}

// AcquireRequest returns an empty request from the pool.
func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// Reset clears the request for reuse, keeping the header capacity.
func (r *Request) Reset() {
	hdr := r.Header[:0]
	*r = Request{Header: hdr}
}

// ReleaseRequest hands req back to the pool. The caller must not touch req
// afterwards.
func ReleaseRequest(req *Request) {
	if req == nil {
		return
	}
	req.Reset()
	requestPool.Put(req)
}

// Param returns a route parameter.
func (r *Request) Param(key string) string {
	for _, p := range r.Params {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// SetParam records a route parameter.
func (r *Request) SetParam(key, value string) {
	r.Params = append(r.Params, Param{Key: key, Value: value})
}

// KeepAlive reports whether the client allows the connection to be reused
// after this request.
func (r *Request) KeepAlive() bool {
	switch r.Version {
	case HTTP11:
		return !r.Header.ContainsToken(HeaderConnection, "close")
	case HTTP10:
		return r.Header.ContainsToken(HeaderConnection, "keep-alive")
	default:
		return false
	}
}

// ExpectsContinue reports whether the client waits for a 100 Continue before
// sending the body.
func (r *Request) ExpectsContinue() bool {
	return r.Version == HTTP11 && strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderExpect)), "100-continue")
}

// FormValue returns the body of the first multipart part named name.
func (r *Request) FormValue(name string) string {
	if p := r.Part(name); p != nil {
		return string(p.Body)
	}
	return ""
}

// Part returns the first multipart part named name.
func (r *Request) Part(name string) *Part {
	for i := range r.Body.Parts {
		if r.Body.Parts[i].Name == name {
			return &r.Body.Parts[i]
		}
	}
	return nil
}
