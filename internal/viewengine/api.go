package viewengine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"viewengine/internal/logger"
	"viewengine/internal/pipeline"
)

const (
	maxReloadBody       = 64 << 10
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Router builds the HTTP surface: health, metrics, the WebSocket feed and
// the JSON control API.
func (svc *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: svc.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Method(http.MethodGet, "/healthz", svc.health)
	r.Method(http.MethodGet, "/metrics", svc.prom.Handler())
	r.Method(http.MethodGet, "/ws", svc.hub)

	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(10 * time.Second))
		api.Get("/views", svc.handleViews)
		api.Post("/reload", svc.handleReload)
		api.Get("/series", svc.handleSeries)
		api.Get("/series/{key}/latest", svc.handleLatest)
		api.Get("/series/{key}/history", svc.handleHistory)
	})
	return r
}

type viewsResponse struct {
	Specs  []pipeline.Spec `json:"specs"`
	Names  []string        `json:"names"`
	Series int             `json:"series"`
}

func (svc *Service) handleViews(w http.ResponseWriter, r *http.Request) {
	svc.mu.Lock()
	resp := viewsResponse{
		Specs:  svc.engine.Specs(),
		Names:  svc.engine.Names(),
		Series: svc.engine.SeriesCount(),
	}
	svc.mu.Unlock()
	respondJSON(w, http.StatusOK, resp)
}

// handleReload accepts either a JSON array of spec strings or the plain
// VIEW_CONFIGS text form.
func (svc *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReloadBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	specs, err := parseReloadBody(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := logger.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
	preserved, created, err := svc.Reload(ctx, specs)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"specs":     specs,
		"preserved": preserved,
		"created":   created,
	})
}

func parseReloadBody(body []byte) ([]pipeline.Spec, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, errors.New("empty view config")
	}
	if strings.HasPrefix(text, "[") {
		var specs []pipeline.Spec
		if err := json.Unmarshal(body, &specs); err != nil {
			return nil, err
		}
		if err := pipeline.ValidateSpecs(specs); err != nil {
			return nil, err
		}
		return specs, nil
	}
	return pipeline.ParseSpecs(text)
}

func (svc *Service) handleSeries(w http.ResponseWriter, r *http.Request) {
	svc.mu.Lock()
	series := svc.engine.Series()
	svc.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"series": series})
}

// handleLatest serves the in-memory vector, falling back to the Redis latest
// key for series this instance has not seen yet.
func (svc *Service) handleLatest(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	svc.mu.Lock()
	fv, ok := svc.engine.Latest(key)
	svc.mu.Unlock()
	if ok {
		respondJSON(w, http.StatusOK, fv)
		return
	}

	if svc.redisWriter != nil {
		raw, err := svc.redisWriter.ReadLatest(r.Context(), key)
		if err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		if raw != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(raw)
			return
		}
	}
	respondError(w, http.StatusNotFound, "no data for series "+key)
}

func (svc *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if svc.sqlReader == nil {
		respondError(w, http.StatusServiceUnavailable, "history storage disabled")
		return
	}
	key := chi.URLParam(r, "key")

	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	vectors, err := svc.sqlReader.ReadFeatures(r.Context(), key, after, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"series":   key,
		"count":    len(vectors),
		"features": vectors,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
