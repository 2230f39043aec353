package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/tool"
)

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var def agent.Definition
	if err := decode(r, &def); err != nil {
		respondError(w, err)
		return
	}

	id, err := s.opts.Agents.Create(r.Context(), &def)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"agent_id": id})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	defs := s.opts.Agents.List(activeOnly, queryInt(r, "limit"), queryInt(r, "offset"))
	respond(w, http.StatusOK, map[string]any{
		"agents": defs,
		"count":  len(defs),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	def, err := s.opts.Agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, def)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var def agent.Definition
	if err := decode(r, &def); err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.opts.Agents.Update(r.Context(), id, &def); err != nil {
		respondError(w, err)
		return
	}
	updated, err := s.opts.Agents.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, updated)
}

func (s *Server) handleUpdateAgentConfig(w http.ResponseWriter, r *http.Request) {
	var patch agent.ConfigPatch
	if err := decode(r, &patch); err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.opts.Agents.UpdateConfig(r.Context(), id, patch); err != nil {
		respondError(w, err)
		return
	}
	updated, err := s.opts.Agents.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, updated)
}

// handleDeleteAgent soft-deletes the definition, cancels active turns and
// marks the agent's sessions inactive. Session logs are kept.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Agents.Delete(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	s.opts.Agents.Stop(id)
	s.opts.Conv.EndByAgent(r.Context(), id)
	respond(w, http.StatusOK, map[string]string{"agent_id": id, "status": "deleted"})
}

type toolNamesRequest struct {
	ToolNames []string `json:"tool_names"`
}

func (s *Server) handleAttachTools(w http.ResponseWriter, r *http.Request) {
	var req toolNamesRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.opts.Agents.AttachTools(r.Context(), id, req.ToolNames); err != nil {
		respondError(w, err)
		return
	}
	s.respondToolSet(w, r, id)
}

func (s *Server) handleDetachTools(w http.ResponseWriter, r *http.Request) {
	var req toolNamesRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.opts.Agents.DetachTools(r.Context(), id, req.ToolNames); err != nil {
		respondError(w, err)
		return
	}
	s.respondToolSet(w, r, id)
}

func (s *Server) respondToolSet(w http.ResponseWriter, r *http.Request, id string) {
	def, err := s.opts.Agents.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"agent_id":   def.ID,
		"tool_names": def.ToolNames,
	})
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.opts.Agents.Get(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	s.opts.Agents.Stop(id)
	respond(w, http.StatusAccepted, map[string]string{"agent_id": id, "status": "stopping"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	descriptors := s.opts.Tools.List(tool.ListFilter{
		Category:    r.URL.Query().Get("category"),
		EnabledOnly: r.URL.Query().Get("enabled_only") == "true",
	})
	respond(w, http.StatusOK, map[string]any{
		"tools": descriptors,
		"count": len(descriptors),
	})
}
