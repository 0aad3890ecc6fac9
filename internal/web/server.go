package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tankwatch/internal/alarm"
	"tankwatch/internal/apperr"
	"tankwatch/internal/db"
	"tankwatch/internal/eta"
	"tankwatch/internal/models"
	"tankwatch/internal/notifier"
	"tankwatch/internal/pipeline"
)

type Server struct {
	pipe     *pipeline.Pipeline
	repo     *db.Repository
	notify   *notifier.Telegram
	gatherer prometheus.Gatherer
	log      *slog.Logger
	now      func() time.Time
}

func NewServer(pipe *pipeline.Pipeline, repo *db.Repository, notify *notifier.Telegram, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{pipe: pipe, repo: repo, notify: notify, gatherer: gatherer, log: logger, now: time.Now}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/tanks", s.handleTanks)
		r.Get("/totals", s.handleTotals)
		r.Get("/connection", s.handleConnection)
		r.Get("/eta", s.handleETA)
		r.Get("/history/{tankID}", s.handleHistory)

		r.Get("/flow/{tankID}", s.handleFlow)
		r.Delete("/flow/{tankID}", s.handleClearFlow)
		r.Delete("/flow", s.handleClearFlow)

		r.Get("/alarm", s.handleAlarm)
		r.Post("/alarm/ack", s.handleAcknowledge)
		r.Post("/alarm/transition", s.handleTransition)
		r.Get("/alarm/events", s.handleAlarmEvents)

		r.Post("/operation", s.handleStartOperation)
		r.Delete("/operation", s.handleEndOperation)
		r.Get("/operations", s.handleOperations)

		r.Get("/settings/alarm", s.handleGetAlarmSettings)
		r.Put("/settings/alarm", s.handlePutAlarmSettings)
		r.Get("/settings/flow", s.handleGetFlowSettings)
		r.Put("/settings/flow", s.handlePutFlowSettings)
		r.Get("/settings/telegram", s.handleGetTelegram)
		r.Put("/settings/telegram", s.handlePutTelegram)
		r.Post("/notify/test", s.handleTestTelegram)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Snapshot())
}

func (s *Server) handleTanks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Snapshot().Tanks)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Snapshot().Totals)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	d := s.pipe.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"status": d.Connection, "source": d.Source, "updatedAt": d.UpdatedAt})
}

type etaView struct {
	ID         string                `json:"id"`
	ETA        models.ETACalculation `json:"eta"`
	Remaining  string                `json:"remaining"`
	Confidence string                `json:"confidence"`
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	d := s.pipe.Snapshot()
	now := s.now()
	tanks := make([]etaView, 0, len(d.Tanks))
	for _, t := range d.Tanks {
		if t.ETA == nil {
			continue
		}
		tanks = append(tanks, etaView{ID: t.ID, ETA: *t.ETA, Remaining: eta.FormatRemaining(t.ETA.EstimatedCompletion, now), Confidence: eta.ConfidenceLabel(t.ETA.Confidence)})
	}
	out := map[string]any{
		"tanks": tanks,
		"aggregate": map[string]any{
			"eta":        d.TanksETA,
			"remaining":  eta.FormatRemaining(d.TanksETA.EstimatedCompletion, now),
			"confidence": eta.ConfidenceLabel(d.TanksETA.Confidence),
		},
	}
	if d.OperationETA != nil {
		out["operation"] = etaView{ID: d.Alarm.OperationID, ETA: *d.OperationETA, Remaining: eta.FormatRemaining(d.OperationETA.EstimatedCompletion, now), Confidence: eta.ConfidenceLabel(d.OperationETA.Confidence)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rng := parseRange(r.URL.Query().Get("range"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.repo.RecentReadings(r.Context(), chi.URLParam(r, "tankID"), s.now().Add(-rng), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	a := s.pipe.FlowAnalysis(chi.URLParam(r, "tankID"))
	if a == nil {
		writeError(w, http.StatusNotFound, "no flow history")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleClearFlow(w http.ResponseWriter, r *http.Request) {
	s.pipe.ClearFlowHistory(chi.URLParam(r, "tankID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Snapshot().Alarm)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Acknowledge(r.Context()))
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State models.AlarmState `json:"state"`
	}
	if !decode(w, r, &req) {
		return
	}
	st, err := s.pipe.ForceTransition(r.Context(), req.State)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAlarmEvents(w http.ResponseWriter, r *http.Request) {
	rng := parseRange(r.URL.Query().Get("range"))
	events, err := s.repo.RecentAlarmEvents(r.Context(), s.now().Add(-rng), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     models.OperationType `json:"type"`
		Quantity float64              `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	st, err := s.pipe.StartOperation(r.Context(), req.Type, req.Quantity)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleEndOperation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.EndOperation(r.Context()))
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.repo.RecentOperations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleGetAlarmSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.AlarmConfig())
}

func (s *Server) handlePutAlarmSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.pipe.AlarmConfig()
	if !decode(w, r, &cfg) {
		return
	}
	if err := s.pipe.UpdateAlarmConfig(r.Context(), cfg); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetFlowSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.FlowTuning())
}

func (s *Server) handlePutFlowSettings(w http.ResponseWriter, r *http.Request) {
	t := s.pipe.FlowTuning()
	if !decode(w, r, &t) {
		return
	}
	applied, err := s.pipe.UpdateFlowTuning(r.Context(), t)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) handleGetTelegram(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.notify.Enabled()})
}

func (s *Server) handlePutTelegram(w http.ResponseWriter, r *http.Request) {
	var req db.TelegramSettings
	if !decode(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	chatID := strings.TrimSpace(req.ChatID)
	if err := s.repo.SaveTelegramSettings(r.Context(), token, chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.notify.Update(token, chatID)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.notify.Enabled()})
}

func (s *Server) handleTestTelegram(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.Send(r.Context(), "tankwatch test alert: Telegram integration is working"); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidConfig), errors.Is(err, alarm.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.IsKind(err, apperr.InvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

func parseRange(v string) time.Duration {
	if v == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Hour
	}
	if d <= 0 {
		return time.Hour
	}
	return d
}
