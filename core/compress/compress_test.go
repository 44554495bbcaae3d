package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/searchktools/h1server/core/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	gzipOnly := NewNegotiator(Policy{MinSize: 10, Algorithms: []Encoding{Gzip}})
	all := NewNegotiator(Policy{MinSize: 10, Algorithms: []Encoding{Brotli, Gzip, Deflate}})

	tests := []struct {
		name   string
		n      *Negotiator
		accept string
		want   Encoding
	}{
		{"absent header", all, "", Identity},
		{"higher q not enabled", gzipOnly, "gzip;q=0.5, br;q=1.0", Gzip},
		{"highest q wins", all, "gzip;q=0.5, br;q=1.0", Brotli},
		{"tie goes to server preference", all, "deflate, gzip", Gzip},
		{"q zero excludes", gzipOnly, "gzip;q=0", Identity},
		{"wildcard", gzipOnly, "*", Gzip},
		{"wildcard with exclusion", all, "*;q=0.2, br;q=0, gzip;q=0.1", Deflate},
		{"wildcard zero", gzipOnly, "*;q=0", Identity},
		{"explicit beats wildcard", gzipOnly, "*;q=1, gzip;q=0", Identity},
		{"invalid q ignored", gzipOnly, "gzip;q=2", Identity},
		{"invalid q keeps others", all, "br;q=abc, deflate;q=0.3", Deflate},
		{"case and spacing", gzipOnly, " GZIP ; Q=0.8 ", Gzip},
		{"x-gzip alias", gzipOnly, "x-gzip", Gzip},
		{"identity only", all, "identity", Identity},
		{"identity refused still identity", gzipOnly, "identity;q=0, br", Identity},
		{"identity preferred", all, "identity;q=1, gzip;q=0.1", Identity},
		{"identity through wildcard", gzipOnly, "*;q=0.5, gzip;q=0.2", Identity},
		{"identity tie goes to coding", gzipOnly, "gzip, identity", Gzip},
		{"identity lower", all, "identity;q=0.5, deflate", Deflate},
		{"three decimals", gzipOnly, "gzip;q=0.001", Gzip},
		{"four decimals invalid", gzipOnly, "gzip;q=0.0001", Identity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.n.Negotiate(tt.accept, "text/html", 100))
		})
	}
}

func TestNegotiatePolicy(t *testing.T) {
	n := NewNegotiator(DefaultPolicy())
	assert.Equal(t, Identity, n.Negotiate("gzip", "text/plain", 100), "below MinSize")
	assert.Equal(t, Gzip, n.Negotiate("gzip", "text/plain", 4096))
	assert.Equal(t, Gzip, n.Negotiate("gzip", "text/plain", -1), "unknown size")
	assert.Equal(t, Identity, n.Negotiate("gzip", "image/png", 1<<20))
	assert.Equal(t, Identity, n.Negotiate("gzip", "Application/Zip", 1<<20))
	assert.Equal(t, Identity, NewNegotiator(Policy{}).Negotiate("gzip", "text/plain", 1<<20))
}

func decode(t *testing.T, enc string, body []byte) string {
	t.Helper()
	var r io.Reader
	switch enc {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		require.NoError(t, err)
		r = zr
	case "deflate":
		r = flate.NewReader(bytes.NewReader(body))
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return string(body)
	}
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestCompressBytes(t *testing.T) {
	payload := strings.Repeat("compress me please ", 200)
	n := NewNegotiator(Policy{MinSize: 64, Algorithms: []Encoding{Brotli, Gzip, Deflate}})

	for _, accept := range []string{"br", "gzip", "deflate"} {
		t.Run(accept, func(t *testing.T) {
			req := &http.Request{Method: http.MethodGet}
			req.Header.Add(http.HeaderAcceptEncoding, accept)
			resp := http.Text(200, payload)
			resp.Header.Set(http.HeaderETag, `"abc"`)

			enc, err := n.Compress(req, resp)
			require.NoError(t, err)
			assert.Equal(t, accept, enc.String())
			assert.Equal(t, accept, resp.Header.Get(http.HeaderContentEncoding))
			assert.Equal(t, `"abc-`+accept+`"`, resp.Header.Get(http.HeaderETag))
			assert.True(t, resp.Header.ContainsToken(http.HeaderVary, "accept-encoding"))
			assert.Less(t, len(resp.Body), len(payload))
			assert.Equal(t, payload, decode(t, accept, resp.Body))
		})
	}
}

func TestCompressStream(t *testing.T) {
	payload := strings.Repeat("lazy stream ", 5000)
	n := NewNegotiator(Policy{Algorithms: []Encoding{Gzip}})
	req := &http.Request{Method: http.MethodGet}
	req.Header.Add(http.HeaderAcceptEncoding, "gzip")
	resp := http.StreamResponse(200, "text/plain", strings.NewReader(payload))
	resp.ContentLength = int64(len(payload))

	enc, err := n.Compress(req, resp)
	require.NoError(t, err)
	require.Equal(t, Gzip, enc)
	assert.Zero(t, resp.ContentLength, "length of the coded stream is unknown")

	var buf bytes.Buffer
	_, err = http.WriteResponse(&buf, resp, http.WriteOptions{})
	require.NoError(t, err)
	head, body, ok := strings.Cut(buf.String(), "\r\n\r\n")
	require.True(t, ok)
	assert.Contains(t, head, "Transfer-Encoding: chunked")
	assert.Contains(t, head, "Content-Encoding: gzip")

	raw, _, _, err := http.DecodeChunked([]byte(body), http.Limits{})
	require.NoError(t, err)
	assert.Equal(t, payload, decode(t, "gzip", raw))
}

func TestCompressSkips(t *testing.T) {
	n := NewNegotiator(Policy{Algorithms: []Encoding{Gzip}})
	get := &http.Request{Method: http.MethodGet}
	get.Header.Add(http.HeaderAcceptEncoding, "gzip")
	head := &http.Request{Method: http.MethodHead}
	head.Header.Add(http.HeaderAcceptEncoding, "gzip")

	already := http.Text(200, "precompressed")
	already.Header.Set(http.HeaderContentEncoding, "br")
	enc, err := n.Compress(get, already)
	require.NoError(t, err)
	assert.Equal(t, Identity, enc)
	assert.Equal(t, "precompressed", string(already.Body))

	enc, _ = n.Compress(head, http.Text(200, "x"))
	assert.Equal(t, Identity, enc)

	enc, _ = n.Compress(get, http.NewResponse(204))
	assert.Equal(t, Identity, enc)

	plain := &http.Request{Method: http.MethodGet}
	resp := http.Text(200, "identity but varies")
	enc, _ = n.Compress(plain, resp)
	assert.Equal(t, Identity, enc)
	assert.Equal(t, "Accept-Encoding", resp.Header.Get(http.HeaderVary))
	assert.False(t, resp.Header.Has(http.HeaderContentEncoding))
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]Encoding{"gzip": Gzip, "BR": Brotli, "deflate": Deflate, "identity": Identity} {
		got, err := ParseEncoding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseEncoding("zstd")
	assert.Error(t, err)
}
