package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeJSON = "application/json"
)

// Response is built once per request and serialized once by the
// connection task
type Response struct {
	Status int
	Header Header
	Body   []byte
}

// NewResponse builds a response with the given content type
func NewResponse(status int, contentType string, body []byte) *Response {
	r := &Response{Status: status, Body: body}
	r.Header.Set("Content-Type", contentType)
	return r
}

// Text builds a plain-text response
func Text(status int, body string) *Response {
	return NewResponse(status, contentTypeText, []byte(body))
}

// JSON builds a JSON response from v. An unencodable v yields a 500.
func JSON(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return NewResponse(status, contentTypeJSON, body)
}

// Bytes serializes the response. Content-Length and Connection are always
// set here; the connection is closed after every response.
func (r *Response) Bytes() []byte {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	reason := http.StatusText(r.Status)
	if reason == "" {
		reason = "Unknown"
	}
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.Status))
	buf.WriteString(" ")
	buf.WriteString(reason)
	buf.WriteString("\r\n")

	if !r.Header.Has("Content-Type") {
		buf.WriteString("Content-Type: " + contentTypeText + "\r\n")
	}
	for _, f := range r.Header {
		if isFramingHeader(f.Name) {
			continue
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(r.Body)))
	buf.WriteString("\r\nConnection: close\r\n\r\n")
	buf.Write(r.Body)

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result
}

// WriteTo writes the serialized response to w
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

func isFramingHeader(name string) bool {
	return strings.EqualFold(name, "Content-Length") ||
		strings.EqualFold(name, "Connection") ||
		strings.EqualFold(name, "Transfer-Encoding")
}
