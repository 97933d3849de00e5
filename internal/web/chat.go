package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rfarias/mentoria/internal/session"
	"github.com/rfarias/mentoria/internal/store"
)

type chatRequest struct {
	Persona string `json:"persona"`
	Message string `json:"message"`
}

type chatResponse struct {
	Persona        string             `json:"persona"`
	ConversationID string             `json:"conversation_id"`
	Response       string             `json:"response"`
	UserName       string             `json:"user_name"`
	Error          *session.ErrorInfo `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, accountID string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Persona == "" {
		req.Persona = "vendas"
	}

	resp, status := s.chat(r.Context(), accountID, req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, resp, s.logger)
}

// chat resolves the account's conversation for a persona and drives
// one send through its session manager.
func (s *Server) chat(ctx context.Context, accountID string, req chatRequest) (chatResponse, int) {
	mgr, err := s.registry.Manager(req.Persona)
	if err != nil {
		return chatResponse{
			Persona: req.Persona,
			Error:   &session.ErrorInfo{Kind: session.ErrValidation, Detail: err.Error()},
		}, http.StatusBadRequest
	}

	conversationID, err := s.conversationFor(ctx, accountID, req.Persona)
	if err != nil {
		s.logger.Error("conversation setup failed", "persona", req.Persona, "error", err)
		return chatResponse{
			Persona:  req.Persona,
			Response: "Desculpe, não consegui iniciar a conversa. Tente novamente.",
			Error:    &session.ErrorInfo{Kind: session.ErrTransient, Detail: err.Error()},
		}, http.StatusBadGateway
	}

	env := mgr.Send(ctx, conversationID, req.Message)
	status := http.StatusOK
	if env.Error != nil && env.Error.Kind != session.ErrBusy {
		status = http.StatusBadGateway
	}
	return chatResponse{
		Persona:        req.Persona,
		ConversationID: conversationID,
		Response:       env.Content,
		UserName:       env.UserName,
		Error:          env.Error,
	}, status
}

// conversationFor returns the account's thread for a persona, creating
// and recording one on first chat.
func (s *Server) conversationFor(ctx context.Context, accountID, personaName string) (string, error) {
	conversationID, err := s.store.GetThread(accountID, personaName)
	if err != nil {
		return "", err
	}
	if conversationID != "" {
		return conversationID, nil
	}

	mgr, err := s.registry.Manager(personaName)
	if err != nil {
		return "", err
	}
	conversationID, err = mgr.CreateConversation(ctx)
	if err != nil {
		return "", err
	}
	if err := s.store.SetThread(accountID, personaName, conversationID); err != nil {
		return "", err
	}
	s.logger.Info("conversation created", "persona", personaName, "conversation", conversationID)
	return conversationID, nil
}

// handleNewConversation starts a fresh conversation for the account,
// replacing any stored thread for the persona.
func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request, accountID string) {
	var req struct {
		Persona string `json:"persona"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Persona == "" {
		req.Persona = "vendas"
	}

	mgr, err := s.registry.Manager(req.Persona)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	conversationID, err := mgr.CreateConversation(r.Context())
	if err != nil {
		s.logger.Error("conversation create failed", "persona", req.Persona, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "could not create conversation")
		return
	}
	if err := s.store.SetThread(accountID, req.Persona, conversationID); err != nil {
		s.logger.Error("thread store failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "could not store conversation")
		return
	}

	s.logger.Info("conversation reset", "persona", req.Persona, "conversation", conversationID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{
		"persona":         req.Persona,
		"conversation_id": conversationID,
	}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, accountID string) {
	personaName := r.PathValue("persona")

	conversationID, err := s.store.GetThread(accountID, personaName)
	if err != nil {
		s.logger.Error("thread lookup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	var turns []store.Turn
	if conversationID != "" {
		turns, err = s.store.QueryTurns(conversationID, store.TurnFilter{
			Role:    r.URL.Query().Get("role"),
			Content: r.URL.Query().Get("q"),
			Limit:   parseIntParam(r, "limit", 50),
		})
		if err != nil {
			s.logger.Error("history query failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "history unavailable")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"persona":         personaName,
		"conversation_id": conversationID,
		"turns":           turns,
		"count":           len(turns),
	}, s.logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cookie auth already ran in requireAuth; the UI is same-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleChatSocket serves a websocket chat: one JSON chatRequest in,
// one chatResponse out, repeated until the client goes away. Sends
// still run the full blocking round trip, so the write deadline is
// generous.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if req.Message == "" {
			continue
		}
		if req.Persona == "" {
			req.Persona = "vendas"
		}

		// Ack immediately so the UI can show a typing indicator while
		// the run polls.
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(map[string]string{
			"persona": req.Persona,
			"status":  "processing",
		}); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}

		resp, _ := s.chat(r.Context(), accountID, req)

		conn.SetWriteDeadline(time.Now().Add(3 * time.Minute))
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}
