package handler

import (
	"log"
	"net/http"
	"strings"

	"answerdesk/internal/errlog"
	"answerdesk/internal/index"
)

// maxQueryLen bounds search and chat input length.
const maxQueryLen = 10000

// HandleSearch runs a raw similarity search over the knowledge base and
// returns the ranked hits without LLM involvement.
func HandleSearch(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetUserSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req struct {
			Query string `json:"query"`
			K     int    `json:"k"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		query := strings.TrimSpace(req.Query)
		if query == "" {
			WriteError(w, http.StatusBadRequest, "query is required")
			return
		}
		if len(query) > maxQueryLen {
			WriteError(w, http.StatusBadRequest, "query too long (max 10000 characters)")
			return
		}

		cfg := app.configManager.Get()
		k := req.K
		if k <= 0 {
			k = cfg.Index.DefaultK
		}
		if k > cfg.Index.MaxK {
			k = cfg.Index.MaxK
		}

		hits, err := app.index.Search(r.Context(), query, k)
		if err != nil {
			log.Printf("[Search] error: %v", err)
			errlog.Logf("[Search] search failed: %v", err)
			WriteError(w, http.StatusInternalServerError, "search failed, please retry later")
			return
		}
		if hits == nil {
			hits = []index.Hit{}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"hits":  hits,
			"count": len(hits),
		})
	}
}
