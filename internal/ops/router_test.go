package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/health"
	sqlitestore "github.com/havenlabs/haven/internal/store/sqlite"
)

func TestHealthEndpoints(t *testing.T) {
	db, err := sqlitestore.OpenInMemory()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cache := fieldcache.New(0, 0)
	st := sqlitestore.New(db, cache)
	svc := health.NewService(zerolog.Nop())
	router := NewRouter(svc, st, cache)

	req := httptest.NewRequest(http.MethodGet, "/v0/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"], "service starts unhealthy until first probe")

	req = httptest.NewRequest(http.MethodGet, "/v0/health/db", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "in-memory store is reachable")
}
