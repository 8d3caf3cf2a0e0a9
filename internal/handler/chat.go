package handler

import (
	"log"
	"net/http"
	"strings"

	"answerdesk/internal/chat"
	"answerdesk/internal/errlog"
	"answerdesk/internal/llm"
)

// HandleChat answers a message inside a chat session, creating the
// session on the fly when none is given. The transcript is persisted
// and recent history is replayed into the prompt.
func HandleChat(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		userID, err := GetUserSession(app, r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		message := strings.TrimSpace(req.Message)
		if message == "" {
			WriteError(w, http.StatusBadRequest, "message is required")
			return
		}
		if len(message) > maxQueryLen {
			WriteError(w, http.StatusBadRequest, "message too long (max 10000 characters)")
			return
		}

		var session *chat.Session
		if req.SessionID == "" {
			session, err = app.chat.CreateSession(userID)
			if err != nil {
				log.Printf("[Chat] create session error: %v", err)
				WriteError(w, http.StatusInternalServerError, "failed to create chat session")
				return
			}
		} else {
			session, err = app.chat.GetSession(req.SessionID)
			if err != nil {
				WriteError(w, http.StatusNotFound, "chat session not found")
				return
			}
			if session.UserID != userID {
				WriteError(w, http.StatusForbidden, "chat session belongs to another user")
				return
			}
		}

		history, err := app.chat.RecentHistory(session.ID)
		if err != nil {
			log.Printf("[Chat] history error: %v", err)
			history = nil
		}
		replay := make([]llm.Message, 0, len(history))
		for _, m := range history {
			replay = append(replay, llm.Message{Role: m.Role, Content: m.Content})
		}

		resp, err := app.engine.Answer(r.Context(), message, userID, replay)
		if err != nil {
			log.Printf("[Chat] answer error: %v", err)
			errlog.Logf("[Chat] answer failed: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to answer, please retry later")
			return
		}

		// Persist the turn only when it completed, so transcripts hold
		// whole user/assistant pairs.
		if err := app.chat.AppendMessage(session.ID, chat.RoleUser, message); err != nil {
			log.Printf("Warning: persist user message: %v", err)
		}
		if err := app.chat.AppendMessage(session.ID, chat.RoleAssistant, resp.Answer); err != nil {
			log.Printf("Warning: persist assistant message: %v", err)
		}

		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": session.ID,
			"answer":     resp.Answer,
			"sources":    resp.Sources,
			"is_pending": resp.IsPending,
		})
	}
}

// HandleChatSessions lists the caller's chat sessions.
func HandleChatSessions(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		userID, err := GetUserSession(app, r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		sessions, err := app.chat.ListSessions(userID)
		if err != nil {
			log.Printf("[Chat] list sessions error: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		if sessions == nil {
			sessions = []chat.Session{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
	}
}

// HandleChatSessionByID returns the transcript of one of the caller's
// sessions.
func HandleChatSessionByID(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		userID, err := GetUserSession(app, r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/chat/sessions/")
		if id == "" || !IsValidHexID(id) {
			WriteError(w, http.StatusBadRequest, "invalid session ID")
			return
		}

		session, err := app.chat.GetSession(id)
		if err != nil {
			WriteError(w, http.StatusNotFound, "chat session not found")
			return
		}
		if session.UserID != userID {
			WriteError(w, http.StatusForbidden, "chat session belongs to another user")
			return
		}

		transcript, err := app.chat.Transcript(id)
		if err != nil {
			log.Printf("[Chat] transcript error: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to load transcript")
			return
		}
		if transcript == nil {
			transcript = []chat.Message{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"session":  session,
			"messages": transcript,
		})
	}
}
