package middlewares

import (
	"net"
	"net/http"
	"strings"
)

// MakeVirtualHostBucketAddressingMiddleware rewrites virtual-host-style
// requests ({bucket}.{domain}/{key}) into path-style ones
// (/{bucket}/{key}) before routing. The signature middleware sits in
// front of this rewrite, so path detection covers clients that signed
// the un-rewritten path.
func MakeVirtualHostBucketAddressingMiddleware(domain string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostname := r.Host
		if host, _, err := net.SplitHostPort(hostname); err == nil {
			hostname = host
		}
		if hostname != domain {
			if bucket, found := strings.CutSuffix(hostname, "."+domain); found && !strings.Contains(bucket, ".") {
				r.URL.Path = strings.TrimSuffix("/"+bucket+r.URL.Path, "/")
			}
		}
		next.ServeHTTP(w, r)
	})
}
