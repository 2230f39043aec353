package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/maestro/pkg/agent"
)

type startConversationRequest struct {
	UserID  string         `json:"user_id"`
	AgentID string         `json:"agent_id"`
	Message string         `json:"message,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.UserID == "" || req.AgentID == "" {
		respondError(w, fmt.Errorf("%w: user_id and agent_id are required", agent.ErrValidation))
		return
	}

	// The agent must exist and be active before a session binds to it.
	if _, err := s.opts.Agents.Get(r.Context(), req.AgentID); err != nil {
		respondError(w, err)
		return
	}

	sessionID, err := s.opts.Conv.Start(r.Context(), req.UserID, req.AgentID, req.Message, req.Context)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, messages, err := s.opts.Conv.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	conversations, err := s.opts.Conv.ListByAgent(r.Context(), agentID, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"agent_id":      agentID,
		"conversations": conversations,
		"count":         len(conversations),
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	s.opts.Stream.StopSession(sessionID)
	if err := s.opts.Conv.Delete(r.Context(), sessionID); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "deleted"})
}
