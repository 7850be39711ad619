package middleware

import (
	"bytes"
	"net/http"
)

// ResponseBuffer is an http.ResponseWriter that holds the whole response
// until FlushTo is called. Settlement runs between the handler returning
// and the response leaving.
type ResponseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

// NewResponseBuffer returns an empty buffer with its own header map.
func NewResponseBuffer() *ResponseBuffer {
	return &ResponseBuffer{header: make(http.Header)}
}

func (b *ResponseBuffer) Header() http.Header { return b.header }

func (b *ResponseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// Flush is a no-op; nothing leaves before FlushTo.
func (b *ResponseBuffer) Flush() {}

// Status returns the handler's status, 200 if it never set one.
func (b *ResponseBuffer) Status() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

// Written reports whether the handler set a status or wrote a body.
func (b *ResponseBuffer) Written() bool { return b.status != 0 }

// Len returns the number of buffered body bytes.
func (b *ResponseBuffer) Len() int { return b.body.Len() }

// FlushTo copies the buffered response to w. Headers already present on w
// are kept.
func (b *ResponseBuffer) FlushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, vs := range b.header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(b.Status())
	_, _ = w.Write(b.body.Bytes())
}
