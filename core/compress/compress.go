package compress

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/searchktools/h1server/core/http"
)

// Policy decides which responses are worth compressing.
type Policy struct {
	// MinSize is the smallest known body length that gets compressed.
	MinSize int64
	// SkipTypes are media type prefixes that are already compressed.
	SkipTypes []string
	// Algorithms are the enabled codings in server preference order.
	Algorithms []Encoding
	// Level is the compression level; 0 selects each coding's default.
	Level int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MinSize: 1024,
		SkipTypes: []string{
			"image/", "video/", "audio/",
			"application/zip", "application/gzip", "application/x-gzip",
			"application/x-brotli", "application/zstd", "application/x-7z-compressed",
			"font/woff", "font/woff2",
		},
		Algorithms: []Encoding{Gzip, Deflate},
	}
}

type encoder interface {
	io.WriteCloser
	Reset(w io.Writer)
}

// Negotiator is safe for concurrent use.
type Negotiator struct {
	policy   Policy
	encoders [Brotli + 1]*sync.Pool
}

// NewNegotiator creates a new negotiator. Identity in Algorithms is ignored.
func NewNegotiator(p Policy) *Negotiator {
	var algs []Encoding
	for _, a := range p.Algorithms {
		if a != Identity {
			algs = append(algs, a)
		}
	}
	p.Algorithms = algs

	n := &Negotiator{policy: p}
	for _, enc := range algs {
		enc := enc
		n.encoders[enc] = &sync.Pool{New: func() any { return n.newEncoder(enc) }}
	}
	return n
}

func (n *Negotiator) newEncoder(enc Encoding) encoder {
	level := n.policy.Level
	switch enc {
	case Gzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		w, err := gzip.NewWriterLevel(io.Discard, level)
		if err != nil {
			w, _ = gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		}
		return w
	case Deflate:
		if level == 0 {
			level = flate.DefaultCompression
		}
		w, err := flate.NewWriter(io.Discard, level)
		if err != nil {
			w, _ = flate.NewWriter(io.Discard, flate.DefaultCompression)
		}
		return w
	default:
		if level <= 0 || level > brotli.BestCompression {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(io.Discard, level)
	}
}

func (n *Negotiator) acquire(enc Encoding, w io.Writer) encoder {
	e := n.encoders[enc].Get().(encoder)
	e.Reset(w)
	return e
}

func (n *Negotiator) release(enc Encoding, e encoder) {
	e.Reset(io.Discard)
	n.encoders[enc].Put(e)
}

// Policy returns the effective policy.
func (n *Negotiator) Policy() Policy { return n.policy }

// Eligible reports whether a body of contentType and size may be compressed
// at all. A negative size means unknown.
func (n *Negotiator) Eligible(contentType string, size int64) bool {
	if len(n.policy.Algorithms) == 0 {
		return false
	}
	if size >= 0 && size < n.policy.MinSize {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range n.policy.SkipTypes {
		if strings.HasPrefix(ct, prefix) {
			return false
		}
	}
	return true
}

// Negotiate picks the coding for a response. Identity is always acceptable
// as a fallback; 406 is never produced.
func (n *Negotiator) Negotiate(acceptEncoding, contentType string, size int64) Encoding {
	if !n.Eligible(contentType, size) {
		return Identity
	}
	return choose(acceptEncoding, n.policy.Algorithms)
}

// Compress negotiates against the request and applies the result to resp.
func (n *Negotiator) Compress(req *http.Request, resp *http.Response) (Encoding, error) {
	if req.Method == http.MethodHead || resp.Header.Has(http.HeaderContentEncoding) {
		return Identity, nil
	}
	switch resp.Status {
	case http.StatusNoContent, http.StatusNotModified:
		return Identity, nil
	}
	if resp.Status < 200 {
		return Identity, nil
	}

	size := int64(len(resp.Body))
	if resp.Stream != nil {
		size = -1
		if resp.ContentLength > 0 {
			size = resp.ContentLength
		}
	}
	contentType := resp.Header.Get(http.HeaderContentType)
	if !n.Eligible(contentType, size) {
		return Identity, nil
	}
	if !resp.Header.ContainsToken(http.HeaderVary, http.HeaderAcceptEncoding) {
		resp.Header.Add(http.HeaderVary, http.HeaderAcceptEncoding)
	}
	enc := choose(req.Header.Get(http.HeaderAcceptEncoding), n.policy.Algorithms)
	return enc, n.Apply(resp, enc)
}

// Apply encodes resp with enc. In-memory bodies are encoded at once and keep
// an exact length; streams are encoded as they are read and lose it.
func (n *Negotiator) Apply(resp *http.Response, enc Encoding) error {
	if enc == Identity || resp.Header.Has(http.HeaderContentEncoding) {
		return nil
	}
	if n.encoders[enc] == nil {
		return nil
	}

	if resp.Stream != nil {
		resp.Stream = n.pipe(resp.Stream, enc)
		resp.ContentLength = 0
	} else {
		var buf bytes.Buffer
		buf.Grow(len(resp.Body) / 2)
		e := n.acquire(enc, &buf)
		_, err := e.Write(resp.Body)
		if cerr := e.Close(); err == nil {
			err = cerr
		}
		n.release(enc, e)
		if err != nil {
			return err
		}
		resp.Body = buf.Bytes()
		resp.ContentLength = 0
	}

	resp.Header.Del(http.HeaderContentLength)
	resp.Header.Set(http.HeaderContentEncoding, enc.String())
	if etag := resp.Header.Get(http.HeaderETag); etag != "" {
		resp.Header.Set(http.HeaderETag, codedETag(etag, enc))
	}
	return nil
}

// pipe encodes src lazily. The returned reader closes src when it is done.
func (n *Negotiator) pipe(src io.Reader, enc Encoding) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		e := n.acquire(enc, pw)
		_, err := io.Copy(e, src)
		if cerr := e.Close(); err == nil {
			err = cerr
		}
		n.release(enc, e)
		if c, ok := src.(io.Closer); ok {
			c.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// codedETag gives each coding of a representation its own entity tag.
func codedETag(etag string, enc Encoding) string {
	if !strings.HasSuffix(etag, `"`) || len(etag) < 2 {
		return etag
	}
	return etag[:len(etag)-1] + "-" + enc.String() + `"`
}
