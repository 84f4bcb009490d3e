package www

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/icodeforyou/energycontract-go/coordinator"
)

func NewMetersHandler(logger *slog.Logger, coord Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(logger, w, http.StatusOK, coord.Snapshot())
	}
}

func NewMeterHandler(logger *slog.Logger, coord Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		m, ok := coord.Meter(id)
		if !ok {
			writeError(logger, w, http.StatusNotFound, fmt.Errorf("%w: %s", coordinator.ErrUnknownMeter, id))
			return
		}
		writeJSON(logger, w, http.StatusOK, m)
	}
}

func NewDiagnosticsHandler(logger *slog.Logger, coord Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(logger, w, http.StatusOK, coord.Diagnostics())
	}
}
