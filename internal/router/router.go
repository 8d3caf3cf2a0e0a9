// Package router provides centralized API route registration.
// All HTTP routes are registered here, grouped by domain, with the
// middleware each group needs.
package router

import (
	"net/http"
	"time"

	"answerdesk/internal/handler"
	"answerdesk/internal/middleware"
)

// Register registers all API routes on the given mux. It creates the
// middleware instances internally and returns a cleanup function that stops
// their background goroutines on shutdown.
func Register(mux *http.ServeMux, app *handler.App) func() {
	// SecurityHeaders + CORS + RequestID on every route.
	secureAPI := middleware.Chain(
		middleware.SecurityHeaders(),
		middleware.CORS(),
		middleware.RequestID(),
	)

	// Auth endpoints: 10 attempts per minute per IP.
	authRL := middleware.NewRateLimiter(10, 1*time.Minute)
	authLimit := authRL.Limit()

	// Query endpoints: 60 requests per minute per IP.
	queryRL := middleware.NewRateLimiter(60, 1*time.Minute)
	queryLimit := queryRL.Limit()

	secure := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(h)
	}
	secureAuthRL := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(authLimit(h))
	}
	secureQueryRL := func(h http.HandlerFunc) http.HandlerFunc {
		return secureAPI(queryLimit(h))
	}

	// ── Search & chat ──
	mux.HandleFunc("/api/search", secureQueryRL(handler.HandleSearch(app)))
	mux.HandleFunc("/api/chat", secureQueryRL(handler.HandleChat(app)))
	mux.HandleFunc("/api/chat/sessions", secure(handler.HandleChatSessions(app)))
	mux.HandleFunc("/api/chat/sessions/", secure(handler.HandleChatSessionByID(app)))

	// ── Records ──
	mux.HandleFunc("/api/records", secure(handler.HandleRecords(app)))
	mux.HandleFunc("/api/records/keywords", secure(handler.HandleRecordKeywords(app)))
	mux.HandleFunc("/api/records/", secure(handler.HandleRecordByIndex(app)))

	// ── Index ──
	mux.HandleFunc("/api/index/refresh", secure(handler.HandleIndexRefresh(app)))

	// ── Pending questions ──
	mux.HandleFunc("/api/pending/answer", secure(handler.HandlePendingAnswer(app)))
	mux.HandleFunc("/api/pending/", secure(handler.HandlePendingByID(app)))
	mux.HandleFunc("/api/pending", secure(handler.HandlePending(app)))

	// ── Admin login ──
	mux.HandleFunc("/api/admin/setup", secureAuthRL(handler.HandleAdminSetup(app)))
	mux.HandleFunc("/api/admin/login", secureAuthRL(handler.HandleAdminLogin(app)))
	mux.HandleFunc("/api/admin/status", secure(handler.HandleAdminStatus(app)))
	mux.HandleFunc("/api/admin/bans", secure(handler.HandleAdminBans(app)))
	mux.HandleFunc("/api/captcha/image", secureAuthRL(handler.HandleCaptchaImage(app)))

	// ── OAuth ──
	mux.HandleFunc("/api/oauth/url", secure(handler.HandleOAuthURL(app)))
	mux.HandleFunc("/api/oauth/callback", secureAuthRL(handler.HandleOAuthCallback(app)))

	// ── Config ──
	mux.HandleFunc("/api/config", secure(handler.HandleConfig(app)))

	// ── System ──
	mux.HandleFunc("/api/system/status", secure(handler.HandleSystemStatus(app)))

	// ── Log management ──
	mux.HandleFunc("/api/logs/recent", secure(handler.HandleLogsRecent(app)))
	mux.HandleFunc("/api/logs/rotation", secure(handler.HandleLogsRotation(app)))

	// ── Health check ──
	mux.HandleFunc("/api/health", secure(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			handler.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	return func() {
		authRL.Stop()
		queryRL.Stop()
	}
}
