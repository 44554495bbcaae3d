package pipeline

import (
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/http"
)

// DefaultInlineSize is the largest file StaticHandler reads into memory.
// Larger files are streamed and are not cached.
const DefaultInlineSize = 1 << 20

// StaticHandler serves files below a directory. Route it with a catch-all
// named filepath, e.g. GET /static/*filepath; without one the request path
// is used. Lookups go through os.Root, so nothing outside the directory can
// be opened, symlinks included.
type StaticHandler struct {
	root      *os.Root
	Index     string
	MaxInline int64
}

// NewStaticHandler opens dir for serving.
func NewStaticHandler(dir string) (*StaticHandler, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &StaticHandler{root: root, Index: "index.html", MaxInline: DefaultInlineSize}, nil
}

// Close releases the directory handle.
func (s *StaticHandler) Close() error { return s.root.Close() }

// Handle implements middleware.Handler.
func (s *StaticHandler) Handle(req *http.Request, _ auth.Context) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, http.NewStatusError(http.StatusMethodNotAllowed, "")
	}
	name := req.Param("filepath")
	if name == "" {
		name = req.Path
	}
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		name = "."
	}

	f, info, err := s.open(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		if s.Index == "" {
			return nil, http.NewStatusError(http.StatusNotFound, "")
		}
		name = path.Join(name, s.Index)
		if f, info, err = s.open(name); err != nil {
			return nil, err
		}
		if info.IsDir() {
			f.Close()
			return nil, http.NewStatusError(http.StatusNotFound, "")
		}
	}

	resp := http.NewResponse(http.StatusOK)
	resp.Header.Set(http.HeaderContentType, contentType(name))
	resp.Header.Set(http.HeaderLastModified, info.ModTime().UTC().Format(http.TimeFormat))
	resp.Header.Set(http.HeaderETag, `"`+strconv.FormatInt(info.Size(), 16)+"-"+strconv.FormatInt(info.ModTime().UnixNano(), 16)+`"`)

	if info.Size() > s.MaxInline || req.Method == http.MethodHead {
		// The writer closes the file once it has been copied or skipped.
		resp.Stream = f
		resp.ContentLength = info.Size()
		if info.Size() == 0 {
			f.Close()
			resp.Stream = nil
			resp.Body = []byte{}
		}
		return resp, nil
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, info.Size()+1))
	if err != nil {
		return nil, err
	}
	resp.Body = data
	return resp, nil
}

func (s *StaticHandler) open(name string) (*os.File, fs.FileInfo, error) {
	f, err := s.root.Open(filepath.FromSlash(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || strings.Contains(err.Error(), "escapes") {
			return nil, nil, http.NewStatusError(http.StatusNotFound, "")
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

var fallbackTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".json":  "application/json",
	".txt":   "text/plain; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".wasm":  "application/wasm",
	".woff2": "font/woff2",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
}

// contentType guesses the media type from the extension, consulting the
// fixed table before the system one.
func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := fallbackTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
