package handler

import (
	"net/http"
)

// HandleOAuthURL returns the OAuth authorization URL for a provider.
// Without a provider parameter it lists the configured providers.
func HandleOAuthURL(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		provider := r.URL.Query().Get("provider")
		if provider == "" {
			names := app.OAuthProviders()
			WriteJSON(w, http.StatusOK, map[string]interface{}{
				"providers": names,
				"count":     len(names),
			})
			return
		}
		switch url, err := app.GetOAuthURL(provider); {
		case err != nil:
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			WriteJSON(w, http.StatusOK, map[string]string{"url": url})
		}
	}
}

// HandleOAuthCallback exchanges the authorization code for user info
// and opens a session. The state parameter is required and single-use.
func HandleOAuthCallback(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		q := r.URL.Query()
		provider, code, state := q.Get("provider"), q.Get("code"), q.Get("state")
		switch {
		case provider == "" || code == "":
			WriteError(w, http.StatusBadRequest, "missing provider or code")
			return
		case state == "" || !app.oauthClient.ValidateState(state):
			WriteError(w, http.StatusBadRequest, "invalid or expired OAuth state")
			return
		}

		resp, err := app.CompleteOAuth(r.Context(), provider, code)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
