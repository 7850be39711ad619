// Package ginx402 runs the payment enforcement middleware inside gin.
package ginx402

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vitwit/awesome402/middleware"
)

// New adapts mw to a gin handler. The settle policy, rejection bodies and
// receipt header are exactly those of mw.Handler.
func New(mw *middleware.Middleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, payment, ok := mw.Admit(c.Writer, c.Request)
		if !ok {
			c.Abort()
			return
		}
		c.Request = r

		if mw.Policy() == middleware.SettleBeforeHandler {
			if !mw.Settle(c.Writer, r, payment) {
				c.Abort()
				return
			}
			c.Next()
			return
		}

		orig := c.Writer
		bw := &bufferedWriter{ResponseWriter: orig, buf: middleware.NewResponseBuffer()}
		c.Writer = bw
		c.Next()
		c.Writer = orig

		if bw.buf.Status() >= http.StatusBadRequest {
			bw.buf.FlushTo(orig)
			return
		}
		if !mw.Settle(orig, r, payment) {
			return
		}
		bw.buf.FlushTo(orig)
	}
}

// PaymentFromContext returns the payment that admitted the request.
func PaymentFromContext(c *gin.Context) (*middleware.Payment, bool) {
	return middleware.PaymentFromContext(c.Request.Context())
}

// bufferedWriter holds everything the downstream handlers write until the
// payment is settled.
type bufferedWriter struct {
	gin.ResponseWriter
	buf *middleware.ResponseBuffer
}

func (w *bufferedWriter) Header() http.Header { return w.buf.Header() }

func (w *bufferedWriter) WriteHeader(code int) { w.buf.WriteHeader(code) }

func (w *bufferedWriter) WriteHeaderNow() {}

func (w *bufferedWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferedWriter) WriteString(s string) (int, error) { return w.buf.Write([]byte(s)) }

func (w *bufferedWriter) Status() int { return w.buf.Status() }

func (w *bufferedWriter) Size() int {
	if !w.buf.Written() {
		return -1
	}
	return w.buf.Len()
}

func (w *bufferedWriter) Written() bool { return w.buf.Written() }

func (w *bufferedWriter) Flush() {}
