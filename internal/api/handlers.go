package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aimhi/yarnbot/internal/models"
)

// chatRequest is the body of POST /api/chat. SessionID is optional; a missing
// or unknown ID starts a new conversation.
type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// chatResponse is the result payload of POST /api/chat.
type chatResponse struct {
	SessionID string      `json:"session_id"`
	Reply     string      `json:"reply"`
	Step      models.Step `json:"step"`
	Completed bool        `json:"completed"`
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatHandler: processing chat request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.chatHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.router.Route(r.Context(), req.SessionID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrEmptyMessage), errors.Is(err, models.ErrMessageTooLong):
			slog.Warn("Server.chatHandler: message validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.chatHandler: routing failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		}
		return
	}

	slog.Info("Server.chatHandler: message routed", "session_id", result.Session.ID, "step", result.Session.CurrentStep, "source", result.Audit.Source)
	writeJSONResponse(w, http.StatusOK, models.Success(chatResponse{
		SessionID: result.Session.ID,
		Reply:     result.Reply,
		Step:      result.Session.CurrentStep,
		Completed: result.Session.Completed,
	}))
}

// sessionDetail is the result payload of GET /api/sessions/{id}.
type sessionDetail struct {
	Session   models.Session        `json:"session"`
	Responses []models.StepResponse `json:"responses,omitempty"`
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid session ID"))
		return
	}
	if s.sink == nil {
		slog.Warn("Server.sessionHandler: no persistence backend configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Session inspection requires a persistence backend"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getSession(w, id)
	case http.MethodDelete:
		s.deleteSession(w, id)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		slog.Warn("Server.sessionHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getSession(w http.ResponseWriter, id string) {
	sess, err := s.sink.GetSession(id)
	if err != nil {
		slog.Error("Server.getSession: lookup failed", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}

	responses, err := s.sink.GetStepResponses(id)
	if err != nil {
		slog.Error("Server.getSession: step responses lookup failed", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessionDetail{Session: *sess, Responses: responses}))
}

func (s *Server) deleteSession(w http.ResponseWriter, id string) {
	if err := s.sink.DeleteSessionData(id); err != nil {
		slog.Error("Server.deleteSession: delete failed", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete session"))
		return
	}
	slog.Info("Server.deleteSession: session deleted", "session_id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
