package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mifka01/cache-server/pkg/cache"
)

// APIHandler returns the node-level orchestration API of spec.md §6: bulk
// missing-hash checks, the multipart-upload lifecycle, and intra-process
// DHT get/put, grounded on the teacher's JSON request/response handlers in
// pkg/server/server.go generalized to operate across a cache.Registry
// instead of a single cache.
func (s *Server) APIHandler() http.Handler {
	router := chi.NewRouter()

	router.Use(requestLogger(zerolog.Nop()))

	router.Post("/api/v1/cache/{name}/narinfo", s.postMissingNarInfo)
	router.Post("/api/v1/cache/{name}/multipart-nar", s.postInitiateUpload)
	router.Post("/api/v1/cache/{name}/multipart-nar/{id}", s.postUploadURL)
	router.Post("/api/v1/cache/{name}/multipart-nar/{id}/complete", s.postCompleteUpload)
	router.Post("/api/v1/cache/{name}/multipart-nar/{id}/abort", s.postAbortUpload)

	router.Get("/api/v1/dht/get", s.dhtGet)
	router.Post("/api/v1/dht/get", s.dhtGet)
	router.Post("/api/v1/dht/put", s.dhtPut)

	return router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(headerContentType, "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// postMissingNarInfo returns which of the posted hashes cacheName does not
// already own (spec.md §6: "POST /api/v1/cache/<name>/narinfo returns
// missing hashes").
func (s *Server) postMissingNarInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Hashes []string `json:"hashes"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	missing, err := s.registry.MissingHashes(r.Context(), name, req.Hashes)
	if err != nil {
		writeErr(w, err)

		return
	}

	writeJSON(w, http.StatusOK, struct {
		Missing []string `json:"missing"`
	}{Missing: missing})
}

// postInitiateUpload handles "Initiate" (spec.md §4.3.3): generate id,
// reserve the empty file, respond narId/uploadId.
func (s *Server) postInitiateUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	compression := r.URL.Query().Get("compression")

	id, err := s.registry.InitiateUpload(r.Context(), name, compression)
	if err != nil {
		writeErr(w, err)

		return
	}

	writeJSON(w, http.StatusOK, struct {
		NarID    string `json:"narId"`
		UploadID string `json:"uploadId"`
	}{NarID: id, UploadID: id})
}

// postUploadURL handles "Upload-URL" (spec.md §4.3.3): return the PUT
// target on the cache's own URL.
func (s *Server) postUploadURL(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id := chi.URLParam(r, "id")

	uploadURL, err := s.registry.UploadURL(name, id)
	if err != nil {
		writeErr(w, err)

		return
	}

	writeJSON(w, http.StatusOK, struct {
		UploadURL string `json:"uploadUrl"`
	}{UploadURL: uploadURL})
}

// postCompleteUpload handles "Complete" (spec.md §4.3.3): parse
// narInfoCreate, finalize the upload.
func (s *Server) postCompleteUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id := chi.URLParam(r, "id")

	var nic cache.NarInfoCreate
	if err := json.NewDecoder(r.Body).Decode(&nic); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	if err := s.registry.CompleteUpload(r.Context(), name, id, nic); err != nil {
		writeErr(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// postAbortUpload handles "Abort" (spec.md §4.3.3): remove the reserved
// file, 400 for an unknown id (spec.md §5 "must reject ... for ids whose
// reserved file is missing").
func (s *Server) postAbortUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id := chi.URLParam(r, "id")

	if err := s.registry.AbortUpload(r.Context(), name, id); err != nil {
		if errors.Is(err, cache.ErrUploadNotFound) {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		writeErr(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// dhtGet exposes the process-wide DHT runner's get operation to intra-
// process peers on the same machine (spec.md §6).
func (s *Server) dhtGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	values, ok := s.dht.Get(r.Context(), key)
	if !ok {
		writeJSON(w, http.StatusOK, struct {
			Values []string `json:"values"`
		}{Values: nil})

		return
	}

	writeJSON(w, http.StatusOK, struct {
		Values []string `json:"values"`
	}{Values: values})
}

// dhtPut exposes the process-wide DHT runner's put operation.
func (s *Server) dhtPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		Permanent bool   `json:"permanent"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	var err error
	if req.Permanent {
		err = s.dht.PutPermanent(r.Context(), req.Key, req.Value)
	} else {
		err = s.dht.Put(r.Context(), req.Key, req.Value)
	}

	if err != nil {
		writeErr(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrCacheNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, cache.ErrUploadNotFound):
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
