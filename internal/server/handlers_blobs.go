package server

import (
	"fmt"
	"mime"
	"net/http"
	"strings"

	"casvault/internal/api"
)

const defaultContentType = "application/octet-stream"

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	contentType, err := requestContentType(r)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	s.withLimiter(w, r, s.uploadLimiter, "upload", func() {
		body := http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		result, err := s.cas.StoreReader(r.Context(), body, contentType)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		status := http.StatusOK
		if result.NewBlob() {
			status = http.StatusCreated
		}
		w.Header().Set("Location", "/v1/blobs/"+result.Hash)
		s.writeJSON(w, status, result)
	})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.pathHashOrBadRequest(w, r)
	if !ok {
		return
	}

	meta, err := s.cas.GetBlobMetadata(r.Context(), hash)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if meta == nil {
		s.writeErrorReq(w, r, http.StatusNotFound, notFoundCode(fmt.Errorf("blob not found: %s", hash), ErrCodeBlobNotFound))
		return
	}

	f, err := s.cas.OpenBlob(r.Context(), meta.Hash)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer f.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+meta.Hash+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, "", meta.CreatedAt, f)
}

func (s *Server) handleBlobMeta(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.pathHashOrBadRequest(w, r)
	if !ok {
		return
	}

	meta, err := s.cas.GetBlobMetadata(r.Context(), hash)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if meta == nil {
		s.writeErrorReq(w, r, http.StatusNotFound, notFoundCode(fmt.Errorf("blob not found: %s", hash), ErrCodeBlobNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleAddReference(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.pathHashOrBadRequest(w, r)
	if !ok {
		return
	}

	count, err := s.cas.AddReference(r.Context(), hash)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RefResponse{Hash: strings.ToLower(hash), RefCount: count})
}

// handleRemoveReference answers 200 for unknown hashes with deleted=false;
// removing a reference that does not exist is not an error.
func (s *Server) handleRemoveReference(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.pathHashOrBadRequest(w, r)
	if !ok {
		return
	}

	deleted, err := s.cas.RemoveReference(r.Context(), hash)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := api.RefResponse{Hash: strings.ToLower(hash), Deleted: deleted}
	if !deleted {
		meta, err := s.cas.GetBlobMetadata(r.Context(), hash)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if meta != nil {
			resp.RefCount = meta.RefCount
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func requestContentType(r *http.Request) (string, error) {
	value := strings.TrimSpace(r.Header.Get("Content-Type"))
	if value == "" {
		return "", nil
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		return "", badRequestCode(fmt.Errorf("invalid content type %q", value), ErrCodeInvalidArgument)
	}
	return mime.FormatMediaType(mediaType, params), nil
}
