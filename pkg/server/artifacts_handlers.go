package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/maestro/pkg/agent"
)

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.opts.Artifacts.List()
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"artifacts": infos,
		"count":     len(infos),
	})
}

// handleSaveArtifact stores the raw request body under a unique name derived
// from the name query parameter.
func (s *Server) handleSaveArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, fmt.Errorf("%w: name query parameter is required", agent.ErrValidation))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		respondError(w, fmt.Errorf("%w: %v", agent.ErrValidation, err))
		return
	}

	stored, err := s.opts.Artifacts.Save(name, data)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"name": stored})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	path, err := s.opts.Artifacts.Open(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
