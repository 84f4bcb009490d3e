// Package www serves the admin API, the metric stream and the Prometheus
// endpoint.
package www

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/icodeforyou/energycontract-go/config"
	"github.com/icodeforyou/energycontract-go/coordinator"
	"github.com/icodeforyou/energycontract-go/database"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Coordinator is the part of the coordinator exposed over HTTP.
type Coordinator interface {
	MeterSource
	Meter(id string) (coordinator.MeterState, bool)
	OnChange(f func(coordinator.MeterState))
	ResetAll(ctx context.Context)
	ResetSelected(ctx context.Context, ids []string) error
	SetValue(ctx context.Context, id string, value float64) error
	SetNettingEnabled(ctx context.Context, enabled bool) error
	SetNettingValue(ctx context.Context, kwh float64) error
	ResetSolarBonusYear(ctx context.Context) error
}

type LogReader interface {
	GetLogEntries(ctx context.Context, minLvl slog.Level, page, pageSize int) ([]database.LogEntryRow, error)
}

type Server struct {
	logger  *slog.Logger
	config  config.AppConfigApi
	coord   Coordinator
	logs    LogReader
	hub     *Hub
	metrics *serverMetrics
	mux     *http.ServeMux
}

type streamMessage struct {
	Type   string                   `json:"type"`
	Meter  *coordinator.MeterState  `json:"meter,omitempty"`
	Meters []coordinator.MeterState `json:"meters,omitempty"`
}

func NewServer(coord Coordinator, logs LogReader, config config.AppConfigApi) *Server {
	logger := slog.Default().With("module", "www")
	hub := NewHub(logger)

	s := &Server{
		logger:  logger,
		config:  config,
		coord:   coord,
		logs:    logs,
		hub:     hub,
		metrics: newServerMetrics(coord, hub),
		mux:     http.NewServeMux(),
	}

	logReqMW := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("url", r.URL.String()),
				slog.String("remoteAddr", r.RemoteAddr))
			next.ServeHTTP(w, r)
		})
	}

	s.mux.Handle("GET /api/meters", logReqMW(NewMetersHandler(logger.With(slog.String("handler", "meters")), coord)))
	s.mux.Handle("GET /api/meters/{id}", logReqMW(NewMeterHandler(logger.With(slog.String("handler", "meter")), coord)))
	s.mux.Handle("GET /api/diagnostics", logReqMW(NewDiagnosticsHandler(logger.With(slog.String("handler", "diagnostics")), coord)))
	s.mux.Handle("GET /api/log", logReqMW(NewLogHandler(logger.With(slog.String("handler", "log")), logs)))

	admin := logger.With(slog.String("handler", "admin"))
	s.mux.Handle("POST /api/reset_all", logReqMW(s.adminHandler(admin, "reset_all", resetAll(coord))))
	s.mux.Handle("POST /api/reset_selected", logReqMW(s.adminHandler(admin, "reset_selected", resetSelected(coord))))
	s.mux.Handle("POST /api/set_value", logReqMW(s.adminHandler(admin, "set_value", setValue(coord))))
	s.mux.Handle("POST /api/netting/enabled", logReqMW(s.adminHandler(admin, "netting_enabled", setNettingEnabled(coord))))
	s.mux.Handle("POST /api/netting/value", logReqMW(s.adminHandler(admin, "netting_value", setNettingValue(coord))))
	s.mux.Handle("POST /api/solar_bonus/reset_year", logReqMW(s.adminHandler(admin, "solar_bonus_reset_year", resetSolarBonusYear(coord))))

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	coord.OnChange(s.broadcast)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// broadcast is called by the coordinator and must never block it.
func (s *Server) broadcast(m coordinator.MeterState) {
	buf, err := json.Marshal(streamMessage{Type: "meter", Meter: &m})
	if err != nil {
		s.logger.Error("encoding meter failed", slog.Any("error", err))
		return
	}
	select {
	case s.hub.Broadcast <- buf:
	default:
		s.logger.Warn("broadcast buffer full, dropping meter update", slog.String("meter", m.ID))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("User-Agent")
	client, err := NewClient(s.hub, w, r, name)
	if err != nil {
		s.logger.Error("new websocket client failed", slog.Any("error", err))
		return
	}

	buf, err := json.Marshal(streamMessage{Type: "snapshot", Meters: s.coord.Snapshot()})
	if err != nil {
		s.logger.Error("encoding snapshot failed", slog.Any("error", err))
		client.conn.Close()
		return
	}
	client.send <- buf

	select {
	case s.hub.Register <- client:
	case <-s.hub.done:
		client.conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) Run(ctx context.Context) {
	s.logger.Info("starting server...", "port", s.config.Port)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Address, s.config.Port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)

	srvErrors := make(chan error, 1)

	go func() {
		srvErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", slog.Any("error", err))
		}

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			s.logger.Error("server shutdown failed", slog.Any("error", err))
		}
	}
}
