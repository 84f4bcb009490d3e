package www

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/icodeforyou/energycontract-go/logging"
)

func NewLogHandler(logger *slog.Logger, logs LogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := intOrDefault(r.URL, "page", 1)
		pageSize := intOrDefault(r.URL, "pageSize", 25)

		minLevel := slog.LevelInfo
		if lvl := r.URL.Query().Get("level"); lvl != "" {
			var ok bool
			if minLevel, ok = logging.ParseLevel(lvl); !ok {
				writeError(logger, w, http.StatusBadRequest, fmt.Errorf("unknown log level %q", lvl))
				return
			}
		}

		e, err := logs.GetLogEntries(r.Context(), minLevel, page, pageSize)
		if err != nil {
			logger.Error("handling log request", slog.Any("error", err))
			writeError(logger, w, http.StatusInternalServerError, err)
			return
		}

		writeJSON(logger, w, http.StatusOK, e)
	}
}
