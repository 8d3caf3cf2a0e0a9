package handler

import (
	"log"
	"net/http"

	"answerdesk/internal/errlog"
)

// HandleSystemStatus reports index and queue counters for the admin dashboard.
// GET /api/system/status
func HandleSystemStatus(app *App) http.HandlerFunc {
	return adminOnly(app, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		status, err := app.Status()
		if err != nil {
			log.Printf("[System] status error: %v", err)
			errlog.Logf("[System] status failed: %v", err)
			WriteError(w, http.StatusInternalServerError, "failed to read system status")
			return
		}
		WriteJSON(w, http.StatusOK, status)
	})
}

// HandleIndexRefresh reconciles the vector index against the corpus on demand.
// POST /api/index/refresh
func HandleIndexRefresh(app *App) http.HandlerFunc {
	return adminOnly(app, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		if err := app.RefreshIndex(r.Context()); err != nil {
			log.Printf("[Index] refresh error: %v", err)
			errlog.Logf("[Index] manual refresh failed: %v", err)
			WriteError(w, http.StatusInternalServerError, "index refresh failed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"index":  app.index.Status(),
		})
	})
}
