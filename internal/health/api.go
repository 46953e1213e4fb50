package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Api struct {
	statusService *Service
}

func NewApi(statusService *Service) *Api {
	return &Api{
		statusService: statusService,
	}
}

func (api *Api) RegisterHandlers(r chi.Router) {
	r.Get("/health", api.GetHealth)
}

func (api *Api) GetHealth(w http.ResponseWriter, r *http.Request) {
	if api.statusService.IsShuttingDown() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting down",
		})
		return
	}

	if err := api.statusService.CheckLedger(r.Context()); err != nil {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"ledger": err.Error(),
		})
		return
	}

	writeStatus(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode health response", "err", err)
	}
}
