package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WriteJSON encodes data as JSON and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError responds with {"error": message} and the given status code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// ReadJSONBody decodes the request body as JSON into v. It validates
// Content-Type, limits the body to 1MB, and rejects trailing data.
func ReadJSONBody(r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("expected Content-Type application/json")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected trailing data in request body")
	}
	return nil
}

// bearerToken extracts the token from the Authorization header, or ""
// when the header is missing or not a Bearer scheme.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return ""
	}
	return token
}

// GetUserSession validates the Authorization bearer token and returns
// the user ID. Any live session qualifies, admin or not.
func GetUserSession(app *App, r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", fmt.Errorf("not signed in")
	}
	session, err := app.sessions.ValidateSession(token)
	if err != nil {
		return "", fmt.Errorf("session expired")
	}
	return session.UserID, nil
}

// GetAdminSession validates the session and requires the user to be an
// admin. Returns the admin's user ID.
func GetAdminSession(app *App, r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", fmt.Errorf("not signed in")
	}
	session, err := app.sessions.ValidateSession(token)
	if err != nil {
		return "", fmt.Errorf("session expired")
	}
	if !app.IsAdminSession(session.UserID) {
		return "", fmt.Errorf("admin access required")
	}
	return session.UserID, nil
}

// adminOnly restricts a route to a single HTTP method and a valid
// admin session before invoking h.
func adminOnly(app *App, method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := GetAdminSession(app, r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r)
	}
}

// IsValidHexID reports whether id is a 32-character lowercase hex ID,
// the format every generated entity ID uses.
func IsValidHexID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		hex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !hex {
			return false
		}
	}
	return true
}

// ValidatePassword checks password length and complexity. Returns an
// error message, or "" when the password is acceptable. The 72-byte
// ceiling is bcrypt's input limit.
func ValidatePassword(password string) string {
	switch {
	case len(password) < 8:
		return "password must be at least 8 characters"
	case len(password) > 72:
		return "password must not exceed 72 characters"
	}

	var letter, digit bool
	for _, c := range password {
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			letter = true
		}
	}
	if !letter || !digit {
		return "password must contain both letters and digits"
	}
	return ""
}
