// Package server exposes a repo.Backend over HTTP so that builds on several
// machines can share one artifact repository.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"skippy/internal/metrics"
	"skippy/internal/proto"
	"skippy/internal/repo"
)

// Config holds server settings.
type Config struct {
	// Version is reported by the health endpoint.
	Version string
	// BackendName is reported by the health endpoint.
	BackendName string
	// MaxBlobSize caps request bodies in bytes.
	MaxBlobSize int64
}

// Handler serves the blob API over a backend.
type Handler struct {
	backend repo.Backend
	cfg     *Config
	log     *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(backend repo.Backend, cfg *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	return &Handler{backend: backend, cfg: cfg, log: logger}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(backend repo.Backend, cfg *Config, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	h := NewHandler(backend, cfg, logger)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("GET /v1/blobs/{key...}", h.GetBlob)
	mux.HandleFunc("PUT /v1/blobs/{key...}", h.PutBlob)
	mux.HandleFunc("DELETE /v1/blobs/{key...}", h.DeleteBlob)
	mux.HandleFunc("POST /v1/append/{key...}", h.Append)
	mux.HandleFunc("GET /v1/keys", h.ListKeys)

	return mux
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
		Backend: h.cfg.BackendName,
	})
}

// ----- Blobs -----

func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := repo.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid key", err)
		return
	}

	data, err := h.backend.Get(r.Context(), key)
	if errors.Is(err, repo.ErrNotExist) {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	if err != nil {
		h.log.Error("reading blob", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read blob", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) PutBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := repo.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid key", err)
		return
	}

	data, err := h.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}

	if r.Header.Get(proto.HeaderIfAbsent) == "true" {
		err = h.backend.PutIfAbsent(r.Context(), key, data)
	} else {
		err = h.backend.Put(r.Context(), key, data)
	}
	if err != nil {
		h.log.Error("writing blob", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to write blob", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := repo.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid key", err)
		return
	}
	if err := h.backend.Delete(r.Context(), key); err != nil {
		h.log.Error("deleting blob", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete blob", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- Logs -----

func (h *Handler) Append(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := repo.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid key", err)
		return
	}

	var req proto.AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.backend.Append(r.Context(), key, req.Line); err != nil {
		h.log.Error("appending", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to append", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- Keys -----

func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	keys, err := h.backend.List(r.Context(), prefix)
	if err != nil {
		h.log.Error("listing keys", "prefix", prefix, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list keys", err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, proto.KeysResponse{Prefix: prefix, Keys: keys})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := io.Reader(r.Body)
	if h.cfg.MaxBlobSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBlobSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
