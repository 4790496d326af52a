package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hollisfrank/mnemo/internal/engine"
	"github.com/hollisfrank/mnemo/internal/store"
)

// Server is the mnemo HTTP API server.
type Server struct {
	db      *store.DB
	eng     *engine.Engine
	log     *log.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server. A nil logger gets a default stderr logger.
func New(db *store.DB, eng *engine.Engine, logger *log.Logger, version string) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		db:      db,
		eng:     eng,
		log:     logger.With("component", "server"),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", s.handleRemember)
			r.Get("/recall", s.handleRecall)
			r.Delete("/{id}", s.handleForget)
			r.Post("/{id}/reinforce", s.handleReinforce)
			r.Patch("/{id}", s.handleUpdateMemory)
		})

		r.Route("/knowledge", func(r chi.Router) {
			r.Post("/", s.handleStoreKnowledge)
			r.Get("/search", s.handleSearchKnowledge)
			r.Patch("/{id}", s.handleModifyKnowledge)
		})

		r.Route("/consolidation", func(r chi.Router) {
			r.Get("/clusters", s.handleFindClusters)
			r.Get("/duplicates", s.handleFindDuplicates)
			r.Post("/merge", s.handleMerge)
			r.Post("/archive", s.handleArchive)
			r.Get("/stats", s.handleConsolidationStats)
			r.Get("/log", s.handleConsolidationLog)
		})

		r.Get("/recall/deep", s.handleDeepRecall)

		r.Route("/graph", func(r chi.Router) {
			r.Post("/entities", s.handleAddEntity)
			r.Get("/entities", s.handleSearchEntities)
			r.Get("/entities/{id}/relationships", s.handleEntityRelationships)
			r.Post("/relationships", s.handleAddRelationship)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleStartSession)
			r.Get("/", s.handleListSessions)
			r.Get("/current", s.handleCurrentSession)
			r.Post("/{id}/end", s.handleEndSession)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.GetStats()
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps store sentinels onto HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
