// Package api exposes the HTTP interface for the image service.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pixvault/pixvault/internal/bulk"
	"github.com/pixvault/pixvault/internal/config"
	"github.com/pixvault/pixvault/internal/imageproc"
	"github.com/pixvault/pixvault/internal/metrics"
	"github.com/pixvault/pixvault/internal/store"
	"github.com/pixvault/pixvault/internal/urlguard"
)

// Fetcher downloads one URL, optionally through a named proxy pool.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, pool string) ([]byte, error)
}

// Server wires HTTP handlers to the store, fetch client, and orchestrator.
type Server struct {
	router       chi.Router
	store        *store.Store
	fetcher      Fetcher
	orchestrator *bulk.Orchestrator
	cfg          config.Config
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	st *store.Store,
	fetcher Fetcher,
	orchestrator *bulk.Orchestrator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:        st,
		fetcher:      fetcher,
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(120 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/images", func(r chi.Router) {
		r.Post("/fetch", s.fetchInline)
		r.Post("/{namespace}", s.upload)
		r.Post("/{namespace}/fetch", s.fetchAndStore)
		r.Post("/{namespace}/proxy", s.bulkProxy)
		r.Get("/{namespace}/{image_id}", s.getImage)
		r.Delete("/{namespace}", s.deleteNamespace)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type uploadRequest struct {
	Data string `json:"data"`
}

type fetchRequest struct {
	URL  string `json:"url"`
	Pool string `json:"pool"`
}

type bulkRequest struct {
	URLs []string `json:"urls"`
	Pool string   `json:"pool"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	if err := store.ValidateSegment(namespace); err != nil {
		writeError(w, http.StatusBadRequest, "invalid namespace")
		return
	}
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.store.SaveBase64(namespace, req.Data, s.cfg.Image.MaxUploadSize)
	if err != nil {
		s.logger.Error("image save failed", zap.String("namespace", namespace), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save image")
		return
	}
	metrics.ObserveImageStored("upload")
	writeJSON(w, http.StatusOK, map[string]string{
		"image_id": id,
		"url":      s.imageURL(r, namespace, id),
	})
}

func (s *Server) fetchInline(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if data, mediaType, ok := s.tryServeLocal(r, req.URL); ok {
		writeJSON(w, http.StatusOK, map[string]string{
			"data":      base64.StdEncoding.EncodeToString(data),
			"mime_type": mediaType,
		})
		return
	}

	if err := urlguard.Validate(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	data, err := s.fetcher.Fetch(r.Context(), req.URL, req.Pool)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to fetch external image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"data":      base64.StdEncoding.EncodeToString(data),
		"mime_type": imageproc.DetectMediaType(data),
	})
}

func (s *Server) fetchAndStore(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	if err := store.ValidateSegment(namespace); err != nil {
		writeError(w, http.StatusBadRequest, "invalid namespace")
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := urlguard.Validate(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	data, err := s.fetcher.Fetch(r.Context(), req.URL, req.Pool)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to fetch external image")
		return
	}
	id, err := s.store.Save(namespace, data, s.cfg.Image.MaxFetchSize)
	if err != nil {
		s.logger.Error("fetched image save failed", zap.String("namespace", namespace), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save image")
		return
	}
	metrics.ObserveImageStored("fetch")
	writeJSON(w, http.StatusOK, map[string]string{
		"image_id": id,
		"url":      s.imageURL(r, namespace, id),
	})
}

func (s *Server) bulkProxy(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	if err := store.ValidateSegment(namespace); err != nil {
		writeError(w, http.StatusBadRequest, "invalid namespace")
		return
	}
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ids := s.orchestrator.FetchAll(r.Context(), namespace, req.URLs, req.Pool)
	urls := make(map[string]string, len(ids))
	for src, id := range ids {
		urls[src] = s.imageURL(r, namespace, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	imageID := chi.URLParam(r, "image_id")
	if store.ValidateSegment(namespace) != nil || store.ValidateSegment(imageID) != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	path, mediaType, err := s.store.Resolve(namespace, imageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "image not found")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	if err := store.ValidateSegment(namespace); err != nil {
		writeError(w, http.StatusBadRequest, "invalid namespace")
		return
	}
	count := s.store.DeleteAll(namespace)
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": count})
}

// imageURL builds the public retrieval URL for a stored image, derived
// from the incoming request's host.
func (s *Server) imageURL(r *http.Request, namespace, id string) string {
	return fmt.Sprintf("%s://%s/images/%s/%s", requestScheme(r), r.Host, namespace, id)
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
