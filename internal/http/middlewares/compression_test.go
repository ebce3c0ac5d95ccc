package middlewares

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	testutils "github.com/avandras/cellar/internal/testing"
	"github.com/stretchr/testify/assert"
)

func compressedChain() http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "13")
		w.WriteHeader(200)
		w.Write([]byte("Hello, world!"))
	})
	return MakeGzipMiddleware(MakeDeflateMiddleware(inner))
}

func TestGzipCompressesAcceptingClients(t *testing.T) {
	testutils.SkipIfIntegration(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Encoding", "gzip, deflate")
	recorder := httptest.NewRecorder()
	compressedChain().ServeHTTP(recorder, r)

	assert.Equal(t, "gzip", recorder.Header().Get("Content-Encoding"))
	assert.Empty(t, recorder.Header().Get("Content-Length"))
	gzReader, err := gzip.NewReader(recorder.Body)
	assert.Nil(t, err)
	body, err := io.ReadAll(gzReader)
	assert.Nil(t, err)
	assert.Equal(t, "Hello, world!", string(body))
}

func TestDeflateFallbackWhenGzipNotAccepted(t *testing.T) {
	testutils.SkipIfIntegration(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Encoding", "deflate")
	recorder := httptest.NewRecorder()
	compressedChain().ServeHTTP(recorder, r)

	assert.Equal(t, "deflate", recorder.Header().Get("Content-Encoding"))
	body, err := io.ReadAll(flate.NewReader(recorder.Body))
	assert.Nil(t, err)
	assert.Equal(t, "Hello, world!", string(body))
}

func TestNoCompressionWithoutAcceptEncoding(t *testing.T) {
	testutils.SkipIfIntegration(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	recorder := httptest.NewRecorder()
	compressedChain().ServeHTTP(recorder, r)

	assert.Empty(t, recorder.Header().Get("Content-Encoding"))
	assert.Equal(t, "13", recorder.Header().Get("Content-Length"))
	assert.Equal(t, "Hello, world!", recorder.Body.String())
}
