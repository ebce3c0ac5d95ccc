package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	testutils "github.com/avandras/cellar/internal/testing"
	"github.com/stretchr/testify/assert"
)

func routedPath(t *testing.T, host string, path string) string {
	t.Helper()
	var got string
	handler := MakeVirtualHostBucketAddressingMiddleware("localhost", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Path
	}))
	r := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	r.Host = host
	handler.ServeHTTP(httptest.NewRecorder(), r)
	return got
}

func TestVirtualHostAddressingRewritesBucketSubdomain(t *testing.T) {
	testutils.SkipIfIntegration(t)

	assert.Equal(t, "/test-bucket/key", routedPath(t, "test-bucket.localhost", "/key"))
	assert.Equal(t, "/test-bucket", routedPath(t, "test-bucket.localhost", "/"))
	assert.Equal(t, "/test-bucket/key", routedPath(t, "test-bucket.localhost:9000", "/key"))
}

func TestVirtualHostAddressingLeavesPathStyleAlone(t *testing.T) {
	testutils.SkipIfIntegration(t)

	assert.Equal(t, "/test-bucket/key", routedPath(t, "localhost", "/test-bucket/key"))
	assert.Equal(t, "/test-bucket/key", routedPath(t, "localhost:9000", "/test-bucket/key"))
	// unrelated hosts are not treated as bucket subdomains
	assert.Equal(t, "/key", routedPath(t, "example.com", "/key"))
}
