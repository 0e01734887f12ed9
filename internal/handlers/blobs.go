// internal/handlers/blobs.go
package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/pairplay/internal/blob"
)

const maxBlobLen = 16 << 20

var blobPrefixes = []string{"faceswaps/", "photos/", "selfies/"}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	obj, err := s.Blobs.Get(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(obj.Data)
}

// handlePutBlob stores the request body under one of the known image folders.
func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if !knownFolder(path) {
		writeError(w, s.entry(r), fmt.Errorf("%w: %q", blob.ErrInvalidPath, path))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobLen))
	if err != nil || len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty blob"})
		return
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	url, err := s.Blobs.Put(r.Context(), path, blob.Object{Data: data, ContentType: ct})
	if err != nil {
		writeError(w, s.entry(r), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func knownFolder(path string) bool {
	for _, p := range blobPrefixes {
		if strings.HasPrefix(path, p) && len(path) > len(p) {
			return true
		}
	}
	return false
}
