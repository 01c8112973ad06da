package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kilnhq/kiln/internal/message"
	"github.com/kilnhq/kiln/internal/session"
	"github.com/kilnhq/kiln/pkg/protocol"
)

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            string `json:"title"`
		ParentID         string `json:"parentID"`
		ContainerProfile string `json:"containerProfile"`
		Source           string `json:"source"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, err := s.sessions.Create(session.CreateParams{
		Title:            req.Title,
		ParentID:         req.ParentID,
		ContainerProfile: req.ContainerProfile,
		Source:           req.Source,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if list == nil {
		list = []session.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Remove(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.broker.Teardown(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text  string          `json:"text"`
		Agent string          `json:"agent"`
		Model string          `json:"model"`
		Tools map[string]bool `json:"tools"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	// The turn runs under the session lock's own token; progress streams over
	// /event while this request blocks until the terminal message.
	msg, err := s.runner.Prompt(r.Context(), session.PromptInput{
		SessionID: r.PathValue("id"),
		Text:      req.Text,
		Agent:     req.Agent,
		Model:     req.Model,
		Tools:     req.Tools,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aborted": s.sessions.Abort(id)})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"messageID"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, errors.New("messageID is required"))
		return
	}
	if err := s.sessions.Revert(r.PathValue("id"), req.MessageID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reverted": req.MessageID})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Compact(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compacted": true})
}

func (s *Server) handleAgentSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent    string `json:"agent"`
		Graceful bool   `json:"graceful"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent is required"))
		return
	}
	if _, ok := s.cfg.Agent(req.Agent); !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown agent %q", req.Agent))
		return
	}
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if req.Graceful {
		s.sessions.Locks().RequestGracefulSwitch(id, req.Agent)
	} else {
		s.sessions.Locks().SwitchAgent(id, req.Agent)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": req.Agent})
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	msgs, err := s.sessions.Log().Messages(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if msgs == nil {
		msgs = []message.WithParts{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePermissionList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Pending(id))
}

func (s *Server) handlePermissionRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID    string                      `json:"sessionID"`
		PermissionID string                      `json:"permissionID"`
		Response     protocol.PermissionResponse `json:"response"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" || req.PermissionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("sessionID and permissionID are required"))
		return
	}
	if err := s.broker.Respond(req.SessionID, req.PermissionID, req.Response); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responded": req.PermissionID})
}

func (s *Server) handleTodoGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionID")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	todos, err := s.sessions.Todos(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if todos == nil {
		todos = []session.Todo{}
	}
	writeJSON(w, http.StatusOK, todos)
}

func (s *Server) handleTodoPut(w http.ResponseWriter, r *http.Request) {
	var todos []session.Todo
	if err := decode(r, &todos); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.UpdateTodos(r.PathValue("sessionID"), todos); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, todos)
}
