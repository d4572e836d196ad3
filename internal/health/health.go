package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"rootauth/internal/logs"
)

// Probe — проверка готовности одной зависимости.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// RegisterRoutes — базовый liveness.
func RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)
}

// RegisterRoutesWithProbes — liveness + readiness (все пробы должны пройти).
func RegisterRoutesWithProbes(r *mux.Router, probes ...Probe) {
	RegisterRoutes(r)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				logs.From(ctx).WithError(err).WithField("probe", p.Name).Warn("not ready")
				http.Error(w, p.Name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
