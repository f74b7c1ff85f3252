package server

import (
	"net/http"

	"github.com/deepknow/omniagent/internal/orchestrator"
	"github.com/deepknow/omniagent/pkg/types"
)

type createSessionRequest struct {
	ClientID string                      `json:"client_id"`
	Config   *orchestrator.SessionConfig `json:"config"`
	Metadata map[string]string           `json:"metadata"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, types.CodeInvalidParam, "invalid request body: "+err.Error())
		return
	}
	if req.ClientID == "" {
		req.ClientID = "anonymous"
	}

	sess, err := s.sessions.Create(r.Context(), req.ClientID, req.Config, req.Metadata)
	if err != nil {
		s.writeError(w, r, sessionCode(err), err.Error())
		return
	}
	s.writeData(w, r, sess.Describe())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, sessionCode(err), err.Error())
		return
	}
	s.writeData(w, r, sess.Describe())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Close(r.Context(), id); err != nil {
		s.writeError(w, r, sessionCode(err), err.Error())
		return
	}
	s.writeData(w, r, map[string]string{"session_id": id, "status": string(orchestrator.SessionClosed)})
}

func (s *Server) handleUpdateSessionConfig(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetActive(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, sessionCode(err), err.Error())
		return
	}

	var cfg orchestrator.SessionConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, r, types.CodeInvalidParam, "invalid config: "+err.Error())
		return
	}
	sess.SetConfig(cfg)
	s.writeData(w, r, sess.Describe())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := orchestrator.SessionStatus(q.Get("status"))

	sessions := s.sessions.List(q.Get("client_id"), status)
	descs := make([]orchestrator.Descriptor, 0, len(sessions))
	for _, sess := range sessions {
		descs = append(descs, sess.Describe())
	}
	s.writeData(w, r, map[string]any{
		"sessions": descs,
		"total":    len(descs),
	})
}
