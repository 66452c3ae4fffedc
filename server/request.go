package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedRequest is returned for wire data that is not a request
var ErrMalformedRequest = errors.New("malformed request")

// Method is an HTTP request method
type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
)

// Field is a single header line
type Field struct {
	Name  string
	Value string
}

// Header keeps header fields in arrival order. Lookups ignore case and
// duplicates are preserved.
type Header []Field

// Get returns the first value for name, or ""
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in arrival order
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name is present
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a field
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces all fields named name with a single one
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes all fields named name
func (h *Header) Del(name string) {
	kept := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*h = kept
}

// Request is a parsed request. It is not modified after parsing.
type Request struct {
	Method   Method
	Path     string
	RawQuery string
	Query    map[string]string
	Version  string
	Header   Header
	Body     []byte
}

// ContentLength returns the declared Content-Length and whether it was a
// valid non-negative integer
func (r *Request) ContentLength() (int64, bool) {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

var (
	headerTerminator = []byte("\r\n\r\n")
	lineFeed         = []byte("\n")
)

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateDone
)

// ParseRequest parses one request from buf. buf must contain at least the
// request line; if the blank line ending the header block is missing, the
// whole buffer is treated as headers and the body is empty. Body bytes are
// never read beyond what buf holds, and Body aliases buf.
func ParseRequest(buf []byte) (*Request, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}

	head, rest := buf, []byte(nil)
	if i := bytes.Index(buf, headerTerminator); i >= 0 {
		head, rest = buf[:i], buf[i+len(headerTerminator):]
	}

	req := &Request{}
	pos := 0
	for state := stateRequestLine; state != stateDone; {
		switch state {
		case stateRequestLine:
			line, next := nextLine(head, pos)
			if err := req.parseRequestLine(line); err != nil {
				return nil, err
			}
			pos = next
			state = stateHeaders

		case stateHeaders:
			if pos >= len(head) {
				state = stateBody
				continue
			}
			line, next := nextLine(head, pos)
			pos = next
			if name, value, ok := parseHeaderLine(line); ok {
				req.Header = append(req.Header, Field{Name: name, Value: value})
			}

		case stateBody:
			req.Body = rest
			if n, ok := req.ContentLength(); ok && n < int64(len(rest)) {
				req.Body = rest[:n]
			}
			state = stateDone
		}
	}
	return req, nil
}

// nextLine returns the line starting at pos without its line ending, and
// the offset just past it
func nextLine(b []byte, pos int) (line []byte, next int) {
	if pos >= len(b) {
		return nil, len(b)
	}
	end := len(b)
	next = len(b)
	if i := bytes.Index(b[pos:], lineFeed); i >= 0 {
		end = pos + i
		next = end + 1
	}
	line = b[pos:end]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, next
}

// parseRequestLine fills method, target and version from the first line
func (r *Request) parseRequestLine(line []byte) error {
	parts := bytes.Fields(line)
	if len(parts) < 2 {
		return fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	r.Method = Method(parts[0])
	if len(parts) > 2 {
		r.Version = string(parts[2])
	}

	target := parts[1]
	if i := bytes.IndexByte(target, '?'); i >= 0 {
		r.RawQuery = string(target[i+1:])
		r.Query = parseKeyValuePairsFromBytes(target[i+1:])
		target = target[:i]
	}
	r.Path = string(target)
	return nil
}

// parseHeaderLine splits "Name: Value"; lines without a colon or with an
// empty name are skipped
func parseHeaderLine(line []byte) (name, value string, ok bool) {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return "", "", false
	}
	key := bytes.TrimSpace(line[:i])
	if len(key) == 0 {
		return "", "", false
	}
	return string(key), string(bytes.TrimSpace(line[i+1:])), true
}

// parseKeyValuePairsFromBytes parses URL-encoded key-value pairs
func parseKeyValuePairsFromBytes(data []byte) map[string]string {
	resultMap := make(map[string]string, 8)
	pairs := bytes.Split(data, []byte("&"))

	for _, pair := range pairs {
		parts := bytes.SplitN(pair, []byte("="), 2)
		if len(parts) == 2 {
			resultMap[safeURLDecode(string(parts[0]))] = safeURLDecode(string(parts[1]))
		}
	}
	return resultMap
}

// safeURLDecode decodes a URL-encoded string, returning original on error
func safeURLDecode(encoded string) string {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return encoded
	}
	return decoded
}
