package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/illmade-knight/go-indicatorcache/pkg/activity"
	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
	"github.com/illmade-knight/go-indicatorcache/pkg/orchestrator"
	"github.com/rs/zerolog"
)

const defaultActivityLimit = 50

// CacheService is the part of the orchestrator the diagnostics endpoints use.
type CacheService interface {
	FetchWithCache(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Invalidate(ctx context.Context, key string) (bool, error)
	Stats(ctx context.Context) (cache.Stats, error)
	RecentActivity(ctx context.Context, limit int) ([]activity.Event, error)
}

// SourceRoute binds a source name to the cache key and fetch function served
// on GET /sources/{source}.
type SourceRoute struct {
	Key   string
	Kind  string
	Fetch orchestrator.FetchFunc
}

// StandardResponse is the JSON envelope of every diagnostics response.
type StandardResponse struct {
	Status int         `json:"status"`
	Data   interface{} `json:"data"`
	Error  string      `json:"error,omitempty"`
}

// CacheServer exposes read-only diagnostics and on-demand fetches over HTTP.
type CacheServer struct {
	*BaseServer
	service CacheService
	logger  zerolog.Logger

	mu      sync.RWMutex
	sources map[string]SourceRoute
}

// NewCacheServer registers the cache endpoints on a new BaseServer.
func NewCacheServer(logger zerolog.Logger, httpPort string, service CacheService) *CacheServer {
	s := &CacheServer{
		BaseServer: NewBaseServer(logger, httpPort),
		service:    service,
		logger:     logger.With().Str("component", "CacheServer").Logger(),
		sources:    make(map[string]SourceRoute),
	}
	r := s.Router()
	r.HandleFunc("/cache/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/cache/activity", s.handleActivity).Methods(http.MethodGet)
	r.HandleFunc("/cache/entries/{key:.+}", s.handleInvalidate).Methods(http.MethodDelete)
	r.HandleFunc("/sources/{source}", s.handleSource).Methods(http.MethodGet)
	return s
}

// RegisterSource makes a source fetchable through GET /sources/{name}.
func (s *CacheServer) RegisterSource(name string, route SourceRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = route
}

func (s *CacheServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read cache stats.")
		s.respond(w, http.StatusInternalServerError, nil, err)
		return
	}
	s.respond(w, http.StatusOK, stats, nil)
}

func (s *CacheServer) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respond(w, http.StatusBadRequest, nil, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := s.service.RecentActivity(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read activity log.")
		s.respond(w, http.StatusInternalServerError, nil, err)
		return
	}
	if events == nil {
		events = []activity.Event{}
	}
	s.respond(w, http.StatusOK, events, nil)
}

func (s *CacheServer) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	removed, err := s.service.Invalidate(r.Context(), key)
	if err != nil {
		s.respond(w, http.StatusInternalServerError, nil, err)
		return
	}
	if !removed {
		s.respond(w, http.StatusNotFound, map[string]interface{}{"cache_key": key, "removed": false}, nil)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"cache_key": key, "removed": true}, nil)
}

func (s *CacheServer) handleSource(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["source"]
	s.mu.RLock()
	route, ok := s.sources[name]
	s.mu.RUnlock()
	if !ok {
		s.respond(w, http.StatusNotFound, nil, errors.New("unknown source"))
		return
	}

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	res, err := s.service.FetchWithCache(r.Context(), orchestrator.Request{
		Key:          route.Key,
		Source:       name,
		Kind:         route.Kind,
		Fetch:        route.Fetch,
		ForceRefresh: refresh,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("source", name).Msg("On-demand fetch failed.")
		s.respond(w, http.StatusInternalServerError, nil, err)
		return
	}
	if res == nil {
		s.respond(w, http.StatusNotFound, nil, errors.New("data unavailable"))
		return
	}
	s.respond(w, http.StatusOK, res, nil)
}

func (s *CacheServer) respond(w http.ResponseWriter, status int, data interface{}, err error) {
	body := StandardResponse{Status: status, Data: data}
	if err != nil {
		body.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, max-age=0")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		s.logger.Warn().Err(encErr).Msg("Failed to write response.")
	}
}
