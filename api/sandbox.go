package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chimerasec/chimera/sandbox"
)

// handleSubmitFile accepts a multipart upload ("file" field, optional
// "environment" field) and queues a sandbox job for it.
func (s *Server) handleSubmitFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, 400, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, 400, err)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	if len(content) == 0 {
		writeJSON(w, 400, map[string]string{"error": "empty file"})
		return
	}

	jobID, err := s.orch.Submit(r.Context(), header.Filename, content, r.FormValue("environment"))
	if err != nil {
		if errors.Is(err, sandbox.ErrQueueFull) {
			writeError(w, 503, err)
			return
		}
		writeError(w, 400, err)
		return
	}
	writeJSON(w, 202, map[string]string{"job_id": jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.orch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sandbox.ErrJobNotFound) {
			writeError(w, 404, err)
			return
		}
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.orch.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, 202, map[string]string{"id": id, "status": "cancelling"})
	case errors.Is(err, sandbox.ErrJobNotFound):
		writeError(w, 404, err)
	case errors.Is(err, sandbox.ErrNotCancellable):
		writeError(w, 409, err)
	default:
		writeError(w, 500, err)
	}
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Stats(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, stats)
}
