package http

import (
	"bytes"
	"errors"
	"mime"
	"strings"
)

const (
	maxBoundaryLen     = 70
	maxPartHeaderCount = 32
)

// MultipartBoundary inspects a Content-Type value. It reports whether the
// body is multipart/form-data and, if so, its boundary. A form-data type with
// a missing, empty or oversized boundary fails with MissingBoundary.
func MultipartBoundary(contentType string) (string, bool, error) {
	if contentType == "" {
		return "", false, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		lower := strings.ToLower(strings.TrimSpace(contentType))
		if strings.HasPrefix(lower, "multipart/form-data") {
			return "", true, newError(MissingBoundary, 0, "unparseable multipart Content-Type")
		}
		return "", false, nil
	}
	if mediaType != "multipart/form-data" {
		return "", false, nil
	}
	boundary := params["boundary"]
	if boundary == "" || len(boundary) > maxBoundaryLen || strings.ContainsAny(boundary, "\r\n") {
		return "", true, newError(MissingBoundary, 0, "multipart/form-data without a usable boundary")
	}
	return boundary, true, nil
}

// DecodeMultipart splits a complete multipart/form-data body into parts.
// Part bodies are sub-slices of body. Offsets in returned errors are relative
// to body.
func DecodeMultipart(body []byte, boundary string, maxParts int) ([]Part, error) {
	if boundary == "" {
		return nil, newError(MissingBoundary, 0, "empty boundary")
	}
	delim := []byte("--" + boundary)
	next := append([]byte("\r\n"), delim...)

	var pos int
	if bytes.HasPrefix(body, delim) {
		pos = len(delim)
	} else {
		i := bytes.Index(body, next)
		if i < 0 {
			return nil, newError(UnterminatedMultipart, len(body), "no opening delimiter")
		}
		pos = i + len(next)
	}

	var parts []Part
	for {
		if bytes.HasPrefix(body[pos:], []byte("--")) {
			return parts, nil
		}
		for pos < len(body) && (body[pos] == ' ' || body[pos] == '\t') {
			pos++
		}
		if !bytes.HasPrefix(body[pos:], crlf) {
			if len(body)-pos < 2 {
				return nil, newError(UnterminatedMultipart, len(body), "body ends after delimiter")
			}
			return nil, newError(MalformedMultipart, pos, "delimiter not followed by CRLF")
		}
		pos += 2

		if maxParts > 0 && len(parts) >= maxParts {
			return nil, newError(PayloadTooLarge, pos, "too many multipart parts")
		}

		var part Part
		for {
			i := bytes.Index(body[pos:], crlf)
			if i < 0 {
				return nil, newError(UnterminatedMultipart, len(body), "part headers not terminated")
			}
			line := body[pos : pos+i]
			lineOff := pos
			pos += i + 2
			if len(line) == 0 {
				break
			}
			if len(part.Header) >= maxPartHeaderCount {
				return nil, newError(MalformedMultipart, lineOff, "too many part header fields")
			}
			f, err := parseFieldLine(line, lineOff)
			if err != nil {
				var e *Error
				if errors.As(err, &e) {
					return nil, newError(MalformedMultipart, e.Offset, e.Detail)
				}
				return nil, err
			}
			part.Header.Add(f.Name, f.Value)
		}

		end := bytes.Index(body[pos:], next)
		if end < 0 {
			return nil, newError(UnterminatedMultipart, len(body), "part not terminated by a delimiter")
		}
		part.Body = body[pos : pos+end : pos+end]
		partOff := pos
		pos += end + len(next)

		if err := part.disposition(partOff); err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
}

func (p *Part) disposition(off int) error {
	cd := p.Header.Get("Content-Disposition")
	if cd == "" {
		return newError(MalformedMultipart, off, "part without Content-Disposition")
	}
	disp, params, err := mime.ParseMediaType(cd)
	if err != nil || disp != "form-data" {
		return newError(MalformedMultipart, off, "Content-Disposition is not form-data")
	}
	p.Name = params["name"]
	if p.Name == "" {
		return newError(MalformedMultipart, off, "form-data part without a name")
	}
	p.Filename = params["filename"]
	return nil
}
