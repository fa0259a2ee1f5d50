package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestObserveBeforeInitIsNoOp(t *testing.T) {
	// Must not panic when collectors are not yet registered.
	ObserveImageStored("upload")
	ObserveFetchAttempt("", "success", 10)
	ObserveProxyBlacklisted("eu")
	ObserveHTTPRequest(http.MethodGet, "/x", 200, time.Millisecond)
}

func TestInitIdempotentAndObserve(t *testing.T) {
	Init()
	Init()

	ObserveImageStored("upload")
	ObserveFetchAttempt("eu", "failure", 0)
	ObserveFetchAttempt("", "success", 2048)
	ObserveProxyBlacklisted("eu")
	ObserveHTTPRequest(http.MethodPost, "/images/{namespace}", 201, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pixvault_fetch_attempts_total")
	require.Contains(t, rec.Body.String(), "pixvault_images_stored_total")
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/images/{namespace}/{image_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/ns/abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
