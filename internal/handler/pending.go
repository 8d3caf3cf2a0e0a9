package handler

import (
	"log"
	"net/http"
	"strings"

	"answerdesk/internal/errlog"
	"answerdesk/internal/pending"
)

// HandlePending lists pending questions, optionally filtered by the
// status query parameter. Admin only.
func HandlePending(app *App) http.HandlerFunc {
	return adminOnly(app, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		questions, err := app.pending.List(r.URL.Query().Get("status"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if questions == nil {
			questions = []pending.Question{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"questions": questions,
			"count":     len(questions),
		})
	})
}

// HandlePendingAnswer promotes a pending question into the corpus with
// the admin's answer. Admin only.
func HandlePendingAnswer(app *App) http.HandlerFunc {
	return adminOnly(app, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID       string   `json:"id"`
			Answer   string   `json:"answer"`
			Keywords []string `json:"keywords"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		switch {
		case !IsValidHexID(req.ID):
			WriteError(w, http.StatusBadRequest, "invalid question ID")
			return
		case strings.TrimSpace(req.Answer) == "":
			WriteError(w, http.StatusBadRequest, "answer is required")
			return
		}
		if err := app.pending.Answer(r.Context(), req.ID, req.Answer, req.Keywords); err != nil {
			log.Printf("[Pending] answer error for %s: %v", req.ID, err)
			errlog.Logf("[Pending] answer failed: %v", err)
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": req.ID})
	})
}

// HandlePendingByID deletes a pending question. Deleting an answered
// question leaves its corpus record in place. Admin only.
func HandlePendingByID(app *App) http.HandlerFunc {
	return adminOnly(app, http.MethodDelete, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/pending/")
		if !IsValidHexID(id) {
			WriteError(w, http.StatusBadRequest, "invalid question ID")
			return
		}
		if err := app.pending.Delete(id); err != nil {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
	})
}
