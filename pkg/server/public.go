package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mifka01/cache-server/pkg/cache"
	"github.com/mifka01/cache-server/pkg/nar"
	"github.com/mifka01/cache-server/pkg/narinfo"
)

const (
	headerContentType     = "Content-Type"
	headerContentLength   = "Content-Length"
	headerContentLocation = "Content-Location"
	headerAuthorization   = "Authorization"

	contentTypeOctetStream = "application/octet-stream"
	contentTypeNarInfo     = "text/x-nix-narinfo"

	// nixCacheInfoBody is the bit-exact body of spec.md §6's GET /nix-cache-info.
	nixCacheInfoBody = "Priority: 30\nStoreDir: /nix/store\nWantMassQuery: 1\n"
)

// PublicHandler returns the per-cache HTTP surface of spec.md §4.3, bound
// to a single configured cache's own port.
func (s *Server) PublicHandler(cacheName string) http.Handler {
	router := chi.NewRouter()

	logger := zerolog.Nop()
	router.Use(requestLogger(logger))
	router.Use(s.authorize(cacheName))

	router.Get("/nix-cache-info", s.getNixCacheInfo(cacheName))
	router.Head("/{hash}.narinfo", s.headNarInfo(cacheName))
	router.Get("/{hash}.narinfo", s.getNarInfo(cacheName))
	router.Get("/nar/{name}", s.getNar(cacheName))
	router.Put("/{uploadID}", s.putUploadBody(cacheName))

	return router
}

// authorize enforces spec.md §4.3's authorization for private caches on
// every request reaching this cache's listener.
func (s *Server) authorize(cacheName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.registry.Authorize(cacheName, r.Header.Get(headerAuthorization)); err != nil {
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) getNixCacheInfo(cacheName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		w.Header().Set(headerContentType, contentTypeOctetStream)
		_, _ = w.Write([]byte(nixCacheInfoBody))

		s.registry.RecordRequest(cacheName, true, time.Since(start).Seconds())
	}
}

// headNarInfo reports 200 iff the local metadata store owns hash, else 400
// (spec.md §6: "HEAD /<hash>.narinfo → 200 or 400").
func (s *Server) headNarInfo(cacheName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := chi.URLParam(r, "hash")

		if err := narinfo.ValidateHash(hash); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		_, isHit, err := s.registry.GetNarInfo(r.Context(), cacheName, hash)
		if err != nil || !isHit {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) getNarInfo(cacheName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		hash := chi.URLParam(r, "hash")

		if err := narinfo.ValidateHash(hash); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		ni, isHit, err := s.registry.GetNarInfo(r.Context(), cacheName, hash)

		defer s.registry.RecordRequest(cacheName, isHit, time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				w.WriteHeader(http.StatusNotFound)

				return
			}

			zerolog.Ctx(r.Context()).Error().Err(err).Str("hash", hash).Msg("error resolving narinfo")
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		body := []byte(ni.String())

		h := w.Header()
		h.Set(headerContentType, contentTypeNarInfo)
		h.Set(headerContentLength, strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func (s *Server) getNar(cacheName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		narURL, err := nar.ParseURL(name)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		size, body, err := s.registry.GetNar(r.Context(), cacheName, narURL)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				w.WriteHeader(http.StatusNotFound)

				return
			}

			zerolog.Ctx(r.Context()).Error().Err(err).Str("nar", name).Msg("error resolving nar")
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		defer body.Close()

		h := w.Header()
		h.Set(headerContentType, contentTypeOctetStream)
		h.Set(headerContentLength, strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, body)
	}
}

// putUploadBody handles spec.md §6's "PUT /<uuid> → 201 with
// Content-Location: /".
func (s *Server) putUploadBody(cacheName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploadID := chi.URLParam(r, "uploadID")

		if err := s.registry.PutUploadBody(r.Context(), cacheName, uploadID, r.Body); err != nil {
			if errors.Is(err, cache.ErrUploadNotFound) {
				w.WriteHeader(http.StatusNotFound)

				return
			}

			zerolog.Ctx(r.Context()).Error().Err(err).Str("upload_id", uploadID).Msg("error writing upload body")
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.Header().Set(headerContentLocation, "/")
		w.WriteHeader(http.StatusCreated)
	}
}
