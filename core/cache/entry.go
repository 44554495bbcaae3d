package cache

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/searchktools/h1server/core/http"
	"google.golang.org/protobuf/encoding/protowire"
)

// Entry is a stored response. Entries are immutable once stored apart from
// the access time; readers get copies of the header through Response.
type Entry struct {
	Status       int
	Header       http.Header
	Body         []byte
	ETag         string
	LastModified time.Time
	Stored       time.Time
	TTL          time.Duration
	// Encoding is the content coding applied to Body, empty for identity.
	Encoding string
	// Size is the number of bytes the entry is accounted for. Store sets it.
	Size int64
	// Key is the full key the entry is stored under; Base is the same key
	// before Vary was applied.
	Key  string
	Base string
	Vary []string

	accessed atomic.Int64
}

// NewEntry captures resp. The body is shared, not copied.
func NewEntry(resp *http.Response, ttl time.Duration, now time.Time) *Entry {
	e := &Entry{
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     resp.Body,
		ETag:     resp.Header.Get(http.HeaderETag),
		Stored:   now,
		TTL:      ttl,
		Encoding: resp.Header.Get(http.HeaderContentEncoding),
	}
	e.touch(now)
	if lm := resp.Header.Get(http.HeaderLastModified); lm != "" {
		if t, err := time.Parse(http.TimeFormat, lm); err == nil {
			e.LastModified = t
		}
	}
	e.Vary, _ = varyNames(resp.Header)
	return e
}

// SelectedBy reports whether a request with header h would have selected e,
// i.e. it carries the same values for every field the entry varies on.
func (e *Entry) SelectedBy(h http.Header) bool {
	if e.Key == "" || e.Base == "" {
		return true
	}
	return Key(e.Base, e.Vary, h) == e.Key
}

// AccessedAt returns when the entry was last stored or served.
func (e *Entry) AccessedAt() time.Time {
	return time.Unix(0, e.accessed.Load())
}

func (e *Entry) touch(now time.Time) { e.accessed.Store(now.UnixNano()) }

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	if now.Before(e.Stored) {
		return 0
	}
	return now.Sub(e.Stored)
}

// Fresh reports whether the entry may be served without running the handler.
func (e *Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	age := e.Age(now)
	if maxAge > 0 && age >= maxAge {
		return false
	}
	return age < e.TTL
}

func (e *Entry) size() int64 {
	n := int64(len(e.Body) + len(e.Base) + len(e.ETag) + 64)
	for _, f := range e.Header {
		n += int64(len(f.Name) + len(f.Value) + 4)
	}
	return n
}

// Response builds a response for a hit. The header is a copy carrying the
// current Age; the body is shared.
func (e *Entry) Response(now time.Time) *http.Response {
	resp := &http.Response{
		Status: e.Status,
		Header: e.Header.Clone(),
		Body:   e.Body,
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	resp.Header.Set(http.HeaderAge, strconv.FormatInt(int64(e.Age(now)/time.Second), 10))
	return resp
}

// NotModified builds the 304 answer for a conditional hit. It keeps the
// validators and caching metadata and reports the representation length.
func (e *Entry) NotModified(now time.Time) *http.Response {
	resp := http.NewResponse(http.StatusNotModified)
	for _, f := range e.Header {
		switch strings.ToLower(f.Name) {
		case "etag", "last-modified", "cache-control", "vary", "expires", "content-location":
			resp.Header.Add(f.Name, f.Value)
		}
	}
	resp.Header.Set(http.HeaderAge, strconv.FormatInt(int64(e.Age(now)/time.Second), 10))
	resp.ContentLength = int64(len(e.Body))
	return resp
}

// Validators are the conditional fields of a request.
type Validators struct {
	IfNoneMatch     []string
	IfModifiedSince time.Time
}

// RequestValidators extracts the conditional fields of req.
func RequestValidators(req *http.Request) Validators {
	v := Validators{IfNoneMatch: req.Header.List(http.HeaderIfNoneMatch)}
	if ims := req.Header.Get(http.HeaderIfModifiedSince); ims != "" {
		if t, err := time.Parse(http.TimeFormat, ims); err == nil {
			v.IfModifiedSince = t
		}
	}
	return v
}

// Empty reports whether the request was unconditional.
func (v Validators) Empty() bool {
	return len(v.IfNoneMatch) == 0 && v.IfModifiedSince.IsZero()
}

// Matches reports whether e satisfies the conditions, so a 304 may be sent.
// If-None-Match takes precedence over If-Modified-Since and uses weak
// comparison.
func (v Validators) Matches(e *Entry) bool {
	if len(v.IfNoneMatch) > 0 {
		if e.ETag == "" {
			return false
		}
		for _, tag := range v.IfNoneMatch {
			if tag == "*" || weakMatch(tag, e.ETag) {
				return true
			}
		}
		return false
	}
	if v.IfModifiedSince.IsZero() || e.LastModified.IsZero() {
		return false
	}
	return !e.LastModified.After(v.IfModifiedSince)
}

func weakMatch(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

// strongMatch is true only for identical strong validators, the only case
// that promises identical bytes.
func strongMatch(a, b string) bool {
	return a != "" && a == b && !strings.HasPrefix(a, "W/")
}

// wire field numbers of an encoded entry
const (
	fieldStatus protowire.Number = iota + 1
	fieldBody
	fieldHeader
	fieldETag
	fieldLastModified
	fieldStored
	fieldTTL
	fieldVary
	fieldBase
	fieldEncoding
	fieldAccessed
	fieldSize
)

const (
	fieldHeaderName protowire.Number = iota + 1
	fieldHeaderValue
)

var errCorruptEntry = errors.New("cache: corrupt entry")

// MarshalBinary encodes the entry in protobuf wire format.
func (e *Entry) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, len(e.Body)+256)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Status))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Body)
	for _, f := range e.Header {
		var fb []byte
		fb = protowire.AppendTag(fb, fieldHeaderName, protowire.BytesType)
		fb = protowire.AppendString(fb, f.Name)
		fb = protowire.AppendTag(fb, fieldHeaderValue, protowire.BytesType)
		fb = protowire.AppendString(fb, f.Value)
		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	if e.ETag != "" {
		b = protowire.AppendTag(b, fieldETag, protowire.BytesType)
		b = protowire.AppendString(b, e.ETag)
	}
	if !e.LastModified.IsZero() {
		b = protowire.AppendTag(b, fieldLastModified, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.LastModified.Unix()))
	}
	b = protowire.AppendTag(b, fieldStored, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Stored.UnixNano()))
	b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TTL))
	for _, name := range e.Vary {
		b = protowire.AppendTag(b, fieldVary, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = protowire.AppendTag(b, fieldBase, protowire.BytesType)
	b = protowire.AppendString(b, e.Base)
	if e.Encoding != "" {
		b = protowire.AppendTag(b, fieldEncoding, protowire.BytesType)
		b = protowire.AppendString(b, e.Encoding)
	}
	b = protowire.AppendTag(b, fieldAccessed, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.accessed.Load()))
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Size))
	return b, nil
}

// UnmarshalBinary decodes an entry written by MarshalBinary. Unknown fields
// are skipped.
func (e *Entry) UnmarshalBinary(b []byte) error {
	*e = Entry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errCorruptEntry
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldStatus || num == fieldLastModified || num == fieldStored ||
			num == fieldTTL || num == fieldAccessed || num == fieldSize):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errCorruptEntry
			}
			b = b[n:]
			switch num {
			case fieldStatus:
				e.Status = int(v)
			case fieldLastModified:
				e.LastModified = time.Unix(protowire.DecodeZigZag(v), 0).UTC()
			case fieldStored:
				e.Stored = time.Unix(0, protowire.DecodeZigZag(v))
			case fieldTTL:
				e.TTL = time.Duration(v)
			case fieldAccessed:
				e.accessed.Store(protowire.DecodeZigZag(v))
			case fieldSize:
				e.Size = int64(v)
			}
		case typ == protowire.BytesType && (num >= fieldBody && num <= fieldBase || num == fieldEncoding):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errCorruptEntry
			}
			b = b[n:]
			switch num {
			case fieldBody:
				e.Body = append([]byte{}, v...)
			case fieldHeader:
				f, err := unmarshalField(v)
				if err != nil {
					return err
				}
				e.Header = append(e.Header, f)
			case fieldETag:
				e.ETag = string(v)
			case fieldVary:
				e.Vary = append(e.Vary, string(v))
			case fieldBase:
				e.Base = string(v)
			case fieldEncoding:
				e.Encoding = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errCorruptEntry
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalField(b []byte) (http.Field, error) {
	var f http.Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return f, errCorruptEntry
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return f, errCorruptEntry
		}
		b = b[n:]
		switch num {
		case fieldHeaderName:
			f.Name = string(v)
		case fieldHeaderValue:
			f.Value = string(v)
		}
	}
	return f, nil
}
