// Package server exposes the engine over HTTP: the control API, the live
// signal stream and the metrics endpoint.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/raceline/raceline/pkg/engine"
	"github.com/raceline/raceline/pkg/ledger"
	"github.com/raceline/raceline/pkg/metrics"
	"github.com/raceline/raceline/pkg/sequence"
	"github.com/raceline/raceline/pkg/signal"
)

// Config holds server options.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// MetricsHandler serves GET /metrics; usually promhttp over the registry
	// the collector was registered on. Nil disables the route.
	MetricsHandler http.Handler
}

// Server routes HTTP traffic to the engine.
type Server struct {
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *metrics.Collector
	router  *mux.Router
}

// New builds the server and its routes.
func New(eng *engine.Engine, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		engine:  eng,
		logger:  cfg.Logger.With("component", "server"),
		metrics: cfg.Metrics,
		router:  mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/races/{regatta}/{race:[0-9]+}/sequence", s.startSequence).Methods(http.MethodPost)
	api.HandleFunc("/races/{regatta}/{race:[0-9]+}/sequence", s.cancelSequence).Methods(http.MethodDelete)
	api.HandleFunc("/races/{regatta}/{race:[0-9]+}/signals", s.emitSignal).Methods(http.MethodPost)
	api.HandleFunc("/races/{regatta}/{race:[0-9]+}/signals", s.listSignals).Methods(http.MethodGet)
	api.HandleFunc("/races/{regatta}/{race:[0-9]+}/state", s.raceState).Methods(http.MethodGet)
	api.HandleFunc("/races/{regatta}/{race:[0-9]+}/stream", s.stream).Methods(http.MethodGet)

	if cfg.MetricsHandler != nil {
		s.router.Handle("/metrics", cfg.MetricsHandler).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return s
}

// Router returns the handler to mount on an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// raceKey assembles the race key from the path and the optional fleet query
// parameter.
func raceKey(r *http.Request) (signal.RaceKey, error) {
	vars := mux.Vars(r)
	race, err := strconv.Atoi(vars["race"])
	if err != nil {
		return signal.RaceKey{}, signal.ErrInvalidRaceKey
	}
	key := signal.RaceKey{
		Regatta: vars["regatta"],
		Race:    race,
		Fleet:   r.URL.Query().Get("fleet"),
	}
	return key, key.Validate()
}

type sequenceRequest struct {
	WarningMinutes     int    `json:"warning_minutes"`
	PreparatoryMinutes int    `json:"preparatory_minutes"`
	OneMinuteOffset    int    `json:"one_minute_offset"`
	ClassFlag          string `json:"class_flag"`
	PreparatoryFlag    string `json:"preparatory_flag,omitempty"`
}

type sequenceResponse struct {
	Handle string `json:"handle"`
}

func (s *Server) startSequence(w http.ResponseWriter, r *http.Request) {
	key, err := raceKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req sequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errBadBody)
		return
	}

	handle, err := s.engine.StartSequence(key, sequence.SequenceConfig{
		WarningMinutes:     req.WarningMinutes,
		PreparatoryMinutes: req.PreparatoryMinutes,
		OneMinuteOffset:    req.OneMinuteOffset,
		ClassFlag:          req.ClassFlag,
		PreparatoryFlag:    req.PreparatoryFlag,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sequenceResponse{Handle: handle})
}

func (s *Server) cancelSequence(w http.ResponseWriter, r *http.Request) {
	key, err := raceKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.CancelSequence(key); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type signalRequest struct {
	Kind     signal.Kind `json:"kind"`
	Flags    []string    `json:"flags,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Title    string      `json:"title,omitempty"`
	Message  string      `json:"message,omitempty"`
	Corrects string      `json:"corrects,omitempty"`
}

func (s *Server) emitSignal(w http.ResponseWriter, r *http.Request) {
	key, err := raceKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errBadBody)
		return
	}

	sig, duplicate, err := s.engine.EmitSignal(key, signal.Draft{
		Kind:     req.Kind,
		Flags:    req.Flags,
		Operator: req.Operator,
		Title:    req.Title,
		Message:  req.Message,
		Corrects: req.Corrects,
	}, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// A replayed Idempotency-Key answers with the signal the first attempt
	// produced, not a new one.
	if duplicate {
		s.writeJSON(w, http.StatusConflict, sig)
		return
	}
	s.writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) listSignals(w http.ResponseWriter, r *http.Request) {
	key, err := raceKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, errBadQuery)
			return
		}
	}
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, errBadQuery)
			return
		}
	}

	signals, err := s.engine.History(key, since, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if signals == nil {
		signals = []signal.Signal{}
	}
	s.writeJSON(w, http.StatusOK, signals)
}

func (s *Server) raceState(w http.ResponseWriter, r *http.Request) {
	key, err := raceKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.engine.RaceState(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

var (
	errBadBody  = errors.New("malformed request body")
	errBadQuery = errors.New("malformed query parameter")
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadBody),
		errors.Is(err, errBadQuery),
		errors.Is(err, signal.ErrInvalidRaceKey),
		errors.Is(err, signal.ErrUnknownKind),
		errors.Is(err, signal.ErrInvalidFlags),
		errors.Is(err, signal.ErrInvalidText),
		errors.Is(err, signal.ErrMissingOperator),
		errors.Is(err, sequence.ErrInvalidSequenceConfig):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownRaceKey):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
