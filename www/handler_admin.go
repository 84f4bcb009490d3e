package www

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/icodeforyou/energycontract-go/coordinator"
)

var errBadRequest = errors.New("bad request")

type adminAction func(ctx context.Context, r *http.Request) error

type statusResponse struct {
	Status string `json:"status"`
}

// adminHandler runs an admin action and maps its error to a status code.
func (s *Server) adminHandler(logger *slog.Logger, name string, action adminAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := action(r.Context(), r)
		status := statusFor(err)

		result := "ok"
		if err != nil {
			result = "error"
			logger.Warn("admin request failed", slog.String("action", name), slog.Int("status", status), slog.Any("error", err))
		}
		s.metrics.adminRequests.WithLabelValues(name, result).Inc()

		if err != nil {
			writeError(logger, w, status, err)
			return
		}
		writeJSON(logger, w, http.StatusOK, statusResponse{Status: "ok"})
	}
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrUnknownMeter):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNettingDisabled), errors.Is(err, coordinator.ErrSolarBonusDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	if err := readJSON(r, v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func resetAll(coord Coordinator) adminAction {
	return func(ctx context.Context, r *http.Request) error {
		coord.ResetAll(ctx)
		return nil
	}
}

func resetSelected(coord Coordinator) adminAction {
	return func(ctx context.Context, r *http.Request) error {
		var req struct {
			MeterIDs []string `json:"meter_ids"`
		}
		if err := decode(r, &req); err != nil {
			return err
		}
		if len(req.MeterIDs) == 0 {
			return errors.Join(errBadRequest, errors.New("meter_ids is empty"))
		}
		return coord.ResetSelected(ctx, req.MeterIDs)
	}
}

func setValue(coord Coordinator) adminAction {
	return func(ctx context.Context, r *http.Request) error {
		var req struct {
			MeterID string   `json:"meter_id"`
			Value   *float64 `json:"value"`
		}
		if err := decode(r, &req); err != nil {
			return err
		}
		if req.MeterID == "" || req.Value == nil {
			return errors.Join(errBadRequest, errors.New("meter_id and value are required"))
		}
		return coord.SetValue(ctx, req.MeterID, *req.Value)
	}
}

func setNettingEnabled(coord Coordinator) adminAction {
	return func(ctx context.Context, r *http.Request) error {
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decode(r, &req); err != nil {
			return err
		}
		if req.Enabled == nil {
			return errors.Join(errBadRequest, errors.New("enabled is required"))
		}
		return coord.SetNettingEnabled(ctx, *req.Enabled)
	}
}

func setNettingValue(coord Coordinator) adminAction {
	return func(ctx context.Context, r *http.Request) error {
		var req struct {
			Value *float64 `json:"value"`
		}
		if err := decode(r, &req); err != nil {
			return err
		}
		if req.Value == nil {
			return errors.Join(errBadRequest, errors.New("value is required"))
		}
		return coord.SetNettingValue(ctx, *req.Value)
	}
}

func resetSolarBonusYear(coord Coordinator) adminAction {
	return func(ctx context.Context, r *http.Request) error {
		return coord.ResetSolarBonusYear(ctx)
	}
}
