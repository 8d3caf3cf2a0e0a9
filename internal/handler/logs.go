package handler

import (
	"net/http"
	"strconv"

	"answerdesk/internal/errlog"
)

// Bounds for the lines query parameter.
const (
	defaultLogLines = 50
	maxLogLines     = 500
)

// HandleLogsRecent returns the most recent error-log lines.
// GET /api/logs/recent?lines=50
func HandleLogsRecent(app *App) http.HandlerFunc {
	return adminOnly(app, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		n := defaultLogLines
		if v, err := strconv.Atoi(r.URL.Query().Get("lines")); err == nil && v >= 1 {
			n = min(v, maxLogLines)
		}
		lines, err := errlog.RecentLines(n)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read log")
			return
		}
		out := map[string]interface{}{
			"lines":       []string{},
			"rotation_mb": errlog.GetRotationSizeMB(),
		}
		if lines != nil {
			out["lines"] = lines
		}
		WriteJSON(w, http.StatusOK, out)
	})
}

// HandleLogsRotation reads or adjusts the error-log rotation threshold.
// GET returns the active threshold in megabytes, PUT replaces it.
func HandleLogsRotation(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		switch r.Method {
		case http.MethodGet:
			mb := errlog.GetRotationSizeMB()
			WriteJSON(w, http.StatusOK, map[string]int{"rotation_mb": mb})
		case http.MethodPut:
			setLogRotation(w, r)
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func setLogRotation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RotationMB int `json:"rotation_mb"`
	}
	if err := ReadJSONBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RotationMB < 1 || req.RotationMB > 1024 {
		WriteError(w, http.StatusBadRequest, "rotation_mb must be between 1 and 1024")
		return
	}
	errlog.SetRotationSizeMB(req.RotationMB)
	WriteJSON(w, http.StatusOK, map[string]int{"rotation_mb": req.RotationMB})
}
