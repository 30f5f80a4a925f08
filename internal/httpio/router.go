// Package httpio is the gateway's HTTP surface: a small chi-routed API for
// strict entity registration (spec §4.3's "HTTP-like" strict protocol),
// entity lookup and deletion, and a read-only operation status lookup, plus
// an outbound REST client the
// cloud-inventory side of internal/translation uses to reach the cloud's
// inventory API.
package httpio

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/internal/entitystore"
	"github.com/edgestack/gateway/pkg/models"
)

// Config configures CORS (the listen address is not part of it); read by the composition
// root out of internal/config the same way the teacher's NewRouter reads
// parseCORSOrigins from AGENTOVEN_CORS_ORIGINS.
type Config struct {
	CORSOrigins []string // ["*"] if unset
}

// CommandLookup is the narrow slice of internal/workflow.Engine the status
// endpoint needs: read-only access to a command's last known state.
type CommandLookup interface {
	Lookup(cmdID string) (models.CommandInstance, bool)
}

// NewRouter builds the HTTP handler. store backs entity registration;
// commands backs the read-only operation status endpoint.
func NewRouter(cfg Config, store *entitystore.Store, commands CommandLookup) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: len(origins) != 1 || origins[0] != "*",
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/entities", func(r chi.Router) {
			r.Post("/", registerEntityHandler(store))
			// topic ids are themselves slash-separated (device/main//), so the
			// remainder of the path is captured with chi's wildcard rather than
			// a single {topicID} segment param.
			r.Get("/*", getEntityHandler(store))
			r.Delete("/*", deleteEntityHandler(store))
		})

		r.Route("/operations", func(r chi.Router) {
			r.Get("/{cmdID}", getOperationHandler(commands))
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("httpio: request")
		next.ServeHTTP(w, r)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// registerRequest is the strict-registration request body: an entity must
// name its parent explicitly and registration fails outright (rather than
// parking) if the parent is unknown, matching entitystore.RegisterStrict.
type registerRequest struct {
	TopicID    string         `json:"topic_id"`
	ExternalID string         `json:"external_id"`
	Kind       string         `json:"kind"`
	Parent     string         `json:"parent"`
	Properties map[string]any `json:"properties,omitempty"`
}

func registerEntityHandler(store *entitystore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		entity := models.Entity{
			TopicID:    req.TopicID,
			ExternalID: req.ExternalID,
			Kind:       models.EntityKind(req.Kind),
			Parent:     req.Parent,
			Properties: req.Properties,
		}
		promoted, err := store.RegisterStrict(entity)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"registered": promoted})
	}
}

func getEntityHandler(store *entitystore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topicID := chi.URLParam(r, "*")
		entity, ok := store.Get(topicID)
		if !ok {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		writeJSON(w, http.StatusOK, entity)
	}
}

func deleteEntityHandler(store *entitystore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topicID := chi.URLParam(r, "*")
		deleted := store.Delete(topicID)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	}
}

func getOperationHandler(commands CommandLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmdID := chi.URLParam(r, "cmdID")
		cmd, ok := commands.Lookup(cmdID)
		if !ok {
			writeError(w, http.StatusNotFound, "command not found")
			return
		}
		writeJSON(w, http.StatusOK, cmd)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("httpio: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
