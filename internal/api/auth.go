package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"rootauth/internal/apierr"
	"rootauth/internal/authority"
)

type ctxKey string

const principalKey ctxKey = "principal"

// EdgeAuth: Authorization: Bearer <edge secret> + X-Principal-Id. Аутентификацию
// владельца/администратора выполняет edge; сюда приходит уже проверенный device id.
func EdgeAuth(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			if secret == "" || !strings.HasPrefix(auth, p) ||
				subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, p)), []byte(secret)) != 1 {
				apierr.Write(w, apierr.New(apierr.CodeForbidden, "edge credentials required"))
				return
			}
			id := strings.TrimSpace(r.Header.Get("X-Principal-Id"))
			if id == "" {
				apierr.Write(w, apierr.New(apierr.CodeForbidden, "X-Principal-Id required"))
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, authority.Principal{DeviceID: id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principal(r *http.Request) authority.Principal {
	p, _ := r.Context().Value(principalKey).(authority.Principal)
	return p
}

// callerContext — anti-relay контекст из заголовков запроса.
func callerContext(r *http.Request) authority.CallerContext {
	return authority.CallerContext{
		Origin:    r.Header.Get("Origin"),
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP: первый адрес X-Forwarded-For (его ставит edge), иначе адрес соединения.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
