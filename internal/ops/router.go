// Package ops is haven's operational HTTP surface: health and readiness for
// the process supervisor. The conversational surface is the chat transport,
// not HTTP, so this router stays deliberately small.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/health"
	"github.com/havenlabs/haven/internal/store"
)

// NewRouter builds the ops router. svc reports cached aggregate health; the
// deep endpoint pings the store directly.
func NewRouter(svc *health.Service, st store.Store, cache *fieldcache.Cache) *mux.Router {
	router := mux.NewRouter()
	router.Use(RecoveryMiddleware)

	h := &healthHandler{svc: svc, store: st, cache: cache}
	router.HandleFunc("/v0/health", h.checkHealth).Methods("GET")
	router.HandleFunc("/v0/health/db", h.checkStoreHealth).Methods("GET")

	return router
}

type healthHandler struct {
	svc   *health.Service
	store store.Store
	cache *fieldcache.Cache
}

// checkHealth always returns 200; the body reports healthy/unhealthy. A 500
// indicates handler failure only.
func (h *healthHandler) checkHealth(w http.ResponseWriter, r *http.Request) {
	status := "unhealthy"
	if h.svc.IsHealthy() {
		status = "healthy"
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"cacheEntries": h.cache.Len(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// checkStoreHealth pings the storage backend synchronously.
func (h *healthHandler) checkStoreHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.HealthPing(ctx); err != nil {
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
