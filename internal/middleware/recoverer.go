package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/logs"
)

// Recoverer перехватывает панику в обработчике, пишет лог со стеком
// и отдаёт internal_error в общем формате ошибок.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logs.From(r.Context()).WithFields(logrus.Fields{
					"uri": r.RequestURI, "method": r.Method, "panic": rec,
				}).Errorf("panic\nstack:\n%s", debug.Stack())
				e := apierr.New(apierr.CodeInternal, "unexpected server error").
					WithHint("see logs by trace id " + GetRequestID(r))
				e.EventID = GetRequestID(r)
				apierr.Write(w, e)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
