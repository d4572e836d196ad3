package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"rootauth/internal/logs"
)

// RequestID берёт X-Request-Id (или генерирует) и кладёт его в контекст как trace id,
// под которым запрос попадёт в записи аудита.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logs.WithTraceID(r.Context(), id)))
	})
}

func GetRequestID(r *http.Request) string {
	return logs.TraceID(r.Context())
}
