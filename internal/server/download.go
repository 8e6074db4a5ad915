package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"keydrop/internal/blob"
	"keydrop/internal/transfer"
)

// handleDownload serves GET /download/{accessKey}. Unknown and never
// issued keys get the same answer.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	start := s.cfg.Clock.Now()
	rid := RequestIDFromContext(r.Context())
	accessKey := chi.URLParam(r, "accessKey")

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	dl, err := s.cfg.Transfers.Download(ctx, accessKey)
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrKeyNotFound):
		s.metrics.RecordDownloadMiss()
		writeError(w, http.StatusNotFound, "Access key not found")
		return
	case errors.Is(err, transfer.ErrFileNotFound):
		s.metrics.RecordDownloadMiss()
		writeError(w, http.StatusNotFound, "File not found")
		return
	default:
		s.metrics.RecordDownloadError()
		logger.Errorf("rid=%s msg=download_failed err=%v", rid, err)
		writeError(w, http.StatusInternalServerError, "File download failed")
		return
	}
	defer func() { _ = dl.Body.Close() }()

	h := w.Header()
	h.Set("Content-Type", blob.ContentType(dl.Filename))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	if dl.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, dl.Body)
	if err != nil {
		// Headers are gone; all we can do is log and cut the response short.
		s.metrics.RecordDownloadError()
		logger.Warningf("rid=%s msg=download_interrupted bytes=%d err=%v", rid, n, err)
		return
	}
	s.metrics.RecordDownload(n, s.cfg.Clock.Now().Sub(start))
}
