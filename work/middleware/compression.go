package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"kptv-failover/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool keeps gzip writers around between responses so a busy
// selection API does not allocate a compressor per request. Writers are created
// at BestSpeed: payloads are small JSON documents and NDJSON lines where
// latency matters more than ratio.
var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter routes the body through a gzip writer while headers and
// status still go to the wrapped http.ResponseWriter.
type gzipResponseWriter struct {
	io.Writer                // compressed body sink
	http.ResponseWriter      // headers and status
	wroteHeader         bool // WriteHeader already called
}

// WriteHeader records that the status line is out and forwards it.
func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

// Write compresses b. A handler that never called WriteHeader gets an
// implicit 200 first, as with a plain ResponseWriter.
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush pushes compressed bytes out so NDJSON selection streams reach the
// client line by line.
func (w *gzipResponseWriter) Flush() {
	// compressor buffer first, then the connection
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		if err := gzw.Flush(); err != nil {
			logger.Debug("{middleware/compression - Flush} %v", err)
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Gzip wraps next with transparent gzip compression. Requests whose
// Accept-Encoding does not mention gzip pass through untouched.
//
// A pooled writer is reset onto the response, closed when next returns and
// handed back to the pool, so a writer is never shared between two responses.
// The Vary header is set so caches keep the two encodings apart.
func Gzip(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// pass through if the client doesn't accept gzip
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		// a length set for the plain body no longer holds
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression - Gzip} closing writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		next(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}
