package handler

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"answerdesk/internal/corpus"
	"answerdesk/internal/errlog"
)

// recordView pairs a corpus record with its positional index, which is
// the record's identity everywhere in the API.
type recordView struct {
	Index  int           `json:"index"`
	Record corpus.Record `json:"record"`
}

// HandleRecords lists the corpus (any session) or appends a record
// (admin). Mutations trigger a reconcile so search reflects them.
func HandleRecords(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if _, err := GetUserSession(app, r); err != nil {
				WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			records, err := app.store.ReadAll()
			if err != nil {
				log.Printf("[Records] read error: %v", err)
				errlog.Logf("[Records] corpus read failed: %v", err)
				WriteError(w, http.StatusInternalServerError, "failed to read records")
				return
			}
			views := make([]recordView, len(records))
			for i, rec := range records {
				views[i] = recordView{Index: i, Record: rec}
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"records": views,
				"count":   len(views),
			})

		case http.MethodPost:
			if _, err := GetAdminSession(app, r); err != nil {
				WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			var rec corpus.Record
			if err := ReadJSONBody(r, &rec); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := rec.Validate(); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			idx, err := app.store.Add(rec)
			if err != nil {
				log.Printf("[Records] add error: %v", err)
				WriteError(w, http.StatusInternalServerError, "failed to store record")
				return
			}
			writeMutationResult(app, w, r, map[string]interface{}{"index": idx})

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// HandleRecordByIndex updates or deletes one record addressed by its
// positional index. Admin only.
func HandleRecordByIndex(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		raw := strings.TrimPrefix(r.URL.Path, "/api/records/")
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			WriteError(w, http.StatusBadRequest, "invalid record index")
			return
		}

		switch r.Method {
		case http.MethodPut:
			var rec corpus.Record
			if err := ReadJSONBody(r, &rec); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if err := rec.Validate(); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := app.store.Update(idx, rec); err != nil {
				WriteError(w, http.StatusNotFound, err.Error())
				return
			}
			writeMutationResult(app, w, r, map[string]interface{}{"index": idx})

		case http.MethodDelete:
			if err := app.store.Delete(idx); err != nil {
				WriteError(w, http.StatusNotFound, err.Error())
				return
			}
			writeMutationResult(app, w, r, map[string]interface{}{"index": idx})

		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// writeMutationResult reconciles the index after a corpus mutation and
// responds. The record is already durable when this runs; a reconcile
// failure is surfaced as a warning, not an error, and the next refresh
// will catch the index up.
func writeMutationResult(app *App, w http.ResponseWriter, r *http.Request, body map[string]interface{}) {
	body["status"] = "ok"
	if err := app.index.Refresh(r.Context()); err != nil {
		log.Printf("Warning: reconcile after record mutation: %v", err)
		errlog.Logf("[Records] reconcile failed: %v", err)
		body["warning"] = "record saved but index refresh failed; refresh manually"
	}
	WriteJSON(w, http.StatusOK, body)
}

// HandleRecordKeywords asks the LLM to suggest keywords for a draft
// record. Admin only.
func HandleRecordKeywords(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		var req struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
			WriteError(w, http.StatusBadRequest, "question and answer are required")
			return
		}
		keywords, err := app.llmRef().GenerateKeywords(r.Context(), req.Question, req.Answer)
		if err != nil {
			log.Printf("[Records] keyword suggestion error: %v", err)
			WriteError(w, http.StatusInternalServerError, "keyword suggestion failed")
			return
		}
		if keywords == nil {
			keywords = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"keywords": keywords})
	}
}
