package middlewares

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// encodedResponseWriter routes the body through a compressing writer
// while status codes keep going to the underlying ResponseWriter. The
// encoded length is unknown up front, so Content-Length is dropped
// before the first status write.
type encodedResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *encodedResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *encodedResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

func acceptsEncoding(r *http.Request, encoding string) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), encoding)
}

// MakeGzipMiddleware compresses responses for clients that accept
// gzip. Responses that already carry a Content-Encoding pass through
// untouched, which is how the stacked compression middlewares avoid
// double-encoding.
func MakeGzipMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsEncoding(r, "gzip") || w.Header().Get("Content-Encoding") != "" {
			h.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		h.ServeHTTP(&encodedResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}

// MakeDeflateMiddleware is the deflate fallback for clients that do
// not accept gzip.
func MakeDeflateMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsEncoding(r, "deflate") || w.Header().Get("Content-Encoding") != "" {
			h.ServeHTTP(w, r)
			return
		}
		fl, err := flate.NewWriter(w, flate.DefaultCompression)
		if err != nil {
			w.WriteHeader(500)
			return
		}
		defer fl.Close()
		w.Header().Set("Content-Encoding", "deflate")
		w.Header().Add("Vary", "Accept-Encoding")
		h.ServeHTTP(&encodedResponseWriter{Writer: fl, ResponseWriter: w}, r)
	})
}
