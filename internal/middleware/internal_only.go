package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// InternalOnly admits requests from loopback/private peers, or carrying
// X-Internal-Secret equal to secret. Used for /metrics.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if isPrivateIP(clientIP(r)) {
				next.ServeHTTP(w, r)
				return
			}
			WriteError(w, http.StatusForbidden, "forbidden", "forbidden")
		})
	}
}

// clientIP is the socket peer. Forwarding headers only reach it through
// RealIP, which honours them for trusted proxies alone.
func clientIP(r *http.Request) string {
	return remoteHost(r)
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
