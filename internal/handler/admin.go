package handler

import (
	"net/http"
	"time"

	"answerdesk/internal/auth"
	"answerdesk/internal/middleware"
)

// HandleAdminSetup creates the first admin account. Open only until an
// account exists; afterwards it always fails.
func HandleAdminSetup(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		resp, err := app.AdminSetup(req.Username, req.Password)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleAdminLogin authenticates an admin with username, password and
// captcha. The captcha is consumed whether or not the password checks
// out.
func HandleAdminLogin(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Username      string `json:"username"`
			Password      string `json:"password"`
			CaptchaID     string `json:"captcha_id"`
			CaptchaAnswer string `json:"captcha_answer"`
		}
		if err := ReadJSONBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !app.captcha.Validate(req.CaptchaID, req.CaptchaAnswer) {
			WriteError(w, http.StatusBadRequest, "captcha incorrect or expired")
			return
		}
		resp, err := app.AdminLogin(req.Username, req.Password, middleware.GetClientIP(r))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleAdminStatus reports whether an admin account has been set up,
// so the frontend can route between setup and login.
func HandleAdminStatus(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"configured": app.IsAdminConfigured(),
		})
	}
}

// HandleCaptchaImage issues an image captcha for the admin login form.
func HandleCaptchaImage(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		WriteJSON(w, http.StatusOK, app.captcha.Generate())
	}
}

// HandleAdminBans manages login lockouts. GET lists the active bans, POST
// adds a manual ban, DELETE lifts every ban on a username or IP.
func HandleAdminBans(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}

		switch r.Method {
		case http.MethodGet:
			bans := app.loginLimiter.ListBans()
			if bans == nil {
				bans = []auth.BanEntry{}
			}
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"bans":  bans,
				"count": len(bans),
			})
		case http.MethodPost:
			var req struct {
				Username string `json:"username"`
				IP       string `json:"ip"`
				Reason   string `json:"reason"`
				Hours    int    `json:"hours"`
			}
			if err := ReadJSONBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.Username == "" && req.IP == "" {
				WriteError(w, http.StatusBadRequest, "username or ip required")
				return
			}
			if req.Hours <= 0 {
				req.Hours = 24
			}
			app.loginLimiter.AddManualBan(req.Username, req.IP, req.Reason, time.Duration(req.Hours)*time.Hour)
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case http.MethodDelete:
			var req struct {
				Username string `json:"username"`
				IP       string `json:"ip"`
			}
			if err := ReadJSONBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if req.Username == "" && req.IP == "" {
				WriteError(w, http.StatusBadRequest, "username or ip required")
				return
			}
			app.loginLimiter.Unban(req.Username, req.IP)
			WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		default:
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}
