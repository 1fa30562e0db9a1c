package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/automod/engine"
	"github.com/liamcoop/automod/event"
	"github.com/liamcoop/automod/guildengine"
	"github.com/liamcoop/automod/internal/logger"
	"github.com/liamcoop/automod/rules"
)

// maxBodyBytes bounds event and rule documents accepted over HTTP
const maxBodyBytes = 1 << 20

type Server struct {
	ctx     context.Context
	manager *guildengine.Manager
	logger  *slog.Logger
	health  func(ctx context.Context) error
	router  *chi.Mux
}

// NewServer builds the operator API. Event dispatch started over HTTP runs
// until it finishes or ctx ends, whatever happens to the request. health
// reports backing store problems and may be nil.
func NewServer(ctx context.Context, manager *guildengine.Manager, log *slog.Logger, health func(ctx context.Context) error) *Server {
	s := &Server{
		ctx:     ctx,
		manager: manager,
		logger:  logger.Component(log, "api"),
		health:  health,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/log-level", s.handleGetLogLevel)
	r.Put("/api/v1/log-level", s.handleSetLogLevel)
	r.Get("/api/v1/vocabulary", s.handleVocabulary)

	r.Post("/api/v1/events", s.handleEvent)
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/guilds", func(r chi.Router) {
		r.Get("/", s.handleListGuilds)

		r.Route("/{guildId}/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Put("/", s.handleReplaceRules)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Patch("/", s.handleModifyRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				r.Get("/hits", s.handleHits)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "healthy",
		Version:      versioninfo.Short(),
		GuildsLoaded: len(s.manager.Scopes()),
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, LogLevelResponse{Level: logger.LevelName(logger.GetLevel())})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req LogLevelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	level, err := logger.ParseLevel(req.Level)
	if err != nil || req.Level == "" {
		respondError(w, http.StatusBadRequest, "invalid log level", err)
		return
	}

	logger.SetLevel(level)
	s.logger.Info("log level changed", "level", logger.LevelName(level))
	respondJSON(w, http.StatusOK, LogLevelResponse{Level: logger.LevelName(level)})
}

func (s *Server) handleVocabulary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, VocabularyResponse{
		Triggers:   event.Kinds(),
		Predicates: rules.Predicates(),
		Actions:    rules.ActionTypes(),
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	return body, true
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.dispatchContext(r)
	defer cancel()

	ectx, reports, err := s.manager.HandleRaw(ctx, body)
	if err != nil {
		s.respondManagerError(w, "failed to handle event", err)
		return
	}

	respondJSON(w, http.StatusOK, EventResponse{
		EventID: ectx.ID,
		Kind:    ectx.Kind,
		GuildID: ectx.Scope,
		Reports: reports,
	})
}

// dispatchContext keeps the request's values but is cancelled only by the
// server context
func (s *Server) dispatchContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	ectx, err := s.manager.Normalize(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event", err)
		return
	}

	startTime := time.Now()
	results, err := s.manager.Evaluate(r.Context(), ectx)
	if err != nil {
		s.respondManagerError(w, "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, EvaluateResponse{
		EventID:        ectx.ID,
		Results:        results,
		EvaluationTime: time.Since(startTime).String(),
	})
}

func (s *Server) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	guilds := s.manager.Scopes()
	if guilds == nil {
		guilds = []string{}
	}
	respondJSON(w, http.StatusOK, GuildsResponse{Guilds: guilds})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")

	rs, err := s.manager.RuleSet(r.Context(), guildID)
	if err != nil {
		s.respondManagerError(w, "failed to list rules", err)
		return
	}

	list := rs.Rules()
	if q := r.URL.Query().Get("q"); q != "" {
		list = rs.Query(q)
	}
	if list == nil {
		list = []*rules.Rule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{
		GuildID: guildID,
		Version: rs.Version(),
		Rules:   list,
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	rule, err := rules.ParseRule(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	if err := s.manager.AddRule(r.Context(), guildID, rule); err != nil {
		s.respondManagerError(w, "failed to add rule", err)
		return
	}

	created, err := s.manager.GetRule(r.Context(), guildID, rule.ID)
	if err != nil {
		s.respondManagerError(w, "failed to read rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	list, err := rules.ParseRules(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule set", err)
		return
	}

	rs, err := s.manager.ReplaceRuleSet(r.Context(), guildID, list)
	if err != nil {
		s.respondManagerError(w, "failed to replace rules", err)
		return
	}

	respondJSON(w, http.StatusOK, RulesListResponse{
		GuildID: guildID,
		Version: rs.Version(),
		Rules:   rs.Rules(),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.manager.GetRule(r.Context(), guildID, ruleID)
	if err != nil {
		s.respondManagerError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	ruleID := chi.URLParam(r, "ruleId")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	rule, err := rules.ParseRule(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	if rule.ID != ruleID {
		respondError(w, http.StatusBadRequest, "rule id does not match path", guildengine.ErrUnmodifiableField)
		return
	}

	if err := s.manager.UpdateRule(r.Context(), guildID, rule); err != nil {
		s.respondManagerError(w, "failed to update rule", err)
		return
	}

	updated, err := s.manager.GetRule(r.Context(), guildID, ruleID)
	if err != nil {
		s.respondManagerError(w, "failed to read rule", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleModifyRule(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	ruleID := chi.URLParam(r, "ruleId")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var changes map[string]json.RawMessage
	if err := json.Unmarshal(body, &changes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.manager.ModifyRule(r.Context(), guildID, ruleID, changes)
	if err != nil {
		s.respondManagerError(w, "failed to modify rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.manager.RemoveRule(r.Context(), guildID, ruleID); err != nil {
		s.respondManagerError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		guildID := chi.URLParam(r, "guildId")
		ruleID := chi.URLParam(r, "ruleId")

		rule, err := s.manager.SetEnabled(r.Context(), guildID, ruleID, enabled)
		if err != nil {
			s.respondManagerError(w, "failed to change rule", err)
			return
		}
		respondJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) handleHits(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	ruleID := chi.URLParam(r, "ruleId")

	hits, err := s.manager.Hits(r.Context(), guildID, ruleID)
	if err != nil {
		s.respondManagerError(w, "failed to read hits", err)
		return
	}
	respondJSON(w, http.StatusOK, HitsResponse{
		RuleID:    ruleID,
		Hits:      hits,
		CheckedAt: time.Now().UTC(),
	})
}

// respondManagerError maps engine errors onto HTTP status codes
func (s *Server) respondManagerError(w http.ResponseWriter, message string, err error) {
	var (
		derr *rules.DefinitionError
		gerr *rules.GuardConfigurationError
		nerr *event.NormalizationError
		perr *rules.PersistenceError
	)
	switch {
	case errors.Is(err, guildengine.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, guildengine.ErrRuleExists):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, guildengine.ErrUnmodifiableField),
		errors.As(err, &derr), errors.As(err, &gerr), errors.As(err, &nerr),
		errors.Is(err, guildengine.ErrInvalidScope):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.As(err, &perr), errors.Is(err, engine.ErrShuttingDown):
		s.logger.Warn(message, "err", err)
		respondError(w, http.StatusServiceUnavailable, message, err)
	default:
		s.logger.Error(message, "err", err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
