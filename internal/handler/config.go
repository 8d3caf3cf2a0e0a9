package handler

import (
	"log"
	"net/http"

	"answerdesk/internal/errlog"
)

// HandleConfig reads or updates the runtime configuration.
// GET returns a masked copy; secrets come back as "***".
// PUT takes a flat map of dotted keys and rebuilds the affected services.
func HandleConfig(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		switch r.Method {
		case http.MethodGet:
			readConfig(app, w)
		case http.MethodPut:
			updateConfig(app, w, r)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func readConfig(app *App, w http.ResponseWriter) {
	cfg := app.GetConfig()
	if cfg == nil {
		WriteError(w, http.StatusInternalServerError, "config not loaded")
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

func updateConfig(app *App, w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := ReadJSONBody(r, &updates); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(updates) == 0 {
		WriteError(w, http.StatusBadRequest, "no settings provided")
		return
	}
	if err := app.UpdateConfig(updates); err != nil {
		log.Printf("[Config] update error: %v", err)
		errlog.Logf("[Config] update failed: %v", err)
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
