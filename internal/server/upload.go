package server

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"keydrop/internal/transfer"
)

// transferTimeout bounds blob I/O for a single request.
const transferTimeout = 5 * time.Minute

// uploadResp is returned after a successful upload.
type uploadResp struct {
	Info      string `json:"info"`
	AccessKey string `json:"accessKey"`
}

// countingReader tracks how many bytes the upload consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// handleUpload serves POST /upload. The multipart part named "file" is
// streamed straight into the transfer service without buffering.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := s.cfg.Clock.Now()
	rid := RequestIDFromContext(r.Context())

	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}

	part, err := filepart(r)
	if err != nil {
		s.metrics.RecordUploadRejected()
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		logger.Debugf("rid=%s msg=no_file err=%v", rid, err)
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}

	var body io.Reader
	name := ""
	counter := &countingReader{}
	if part != nil {
		defer func() { _ = part.Close() }()
		counter.r = part
		body = counter
		name = part.FileName()
	}

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	key, err := s.cfg.Transfers.Upload(ctx, body, name)
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrMissingFile):
		s.metrics.RecordUploadRejected()
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	case isTooLarge(err):
		s.metrics.RecordUploadRejected()
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	default:
		s.metrics.RecordUploadError()
		logger.Errorf("rid=%s msg=upload_failed err=%v", rid, err)
		writeError(w, http.StatusInternalServerError, "File upload failed")
		return
	}

	s.metrics.RecordUpload(counter.n, s.cfg.Clock.Now().Sub(start))
	writeJSON(w, http.StatusOK, uploadResp{Info: "Upload Success", AccessKey: key})
}

// filepart returns the part carrying the file, or nil when the form has
// no such part. Parts before it are skipped unread.
func filepart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
